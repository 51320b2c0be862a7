package formula

import "fmt"

// =============================================================================
// AST
// =============================================================================

type expr interface{ exprNode() }

type (
	numberLit struct{ value float64 }
	stringLit struct{ value string }
	ident     struct{ name string }
	member    struct {
		object expr
		name   string
	}
	index struct {
		object expr
		key    expr
	}
	call struct {
		callee expr
		args   []expr
	}
	unary struct {
		op      string
		operand expr
	}
	binary struct {
		op          string
		left, right expr
	}
	conditional struct {
		cond, then, otherwise expr
	}
)

func (numberLit) exprNode()   {}
func (stringLit) exprNode()   {}
func (ident) exprNode()       {}
func (member) exprNode()      {}
func (index) exprNode()       {}
func (call) exprNode()        {}
func (unary) exprNode()       {}
func (binary) exprNode()      {}
func (conditional) exprNode() {}

type stmt interface{ stmtNode() }

type (
	declStmt struct {
		constant bool
		name     string
		init     expr
	}
	assignStmt struct {
		name  string
		value expr
	}
	returnStmt struct{ value expr }
	exprStmt   struct{ value expr }
)

func (declStmt) stmtNode()   {}
func (assignStmt) stmtNode() {}
func (returnStmt) stmtNode() {}
func (exprStmt) stmtNode()   {}

// =============================================================================
// PARSER
// =============================================================================

const (
	precLowest = iota
	precTernary
	precOr
	precAnd
	precEquality
	precCompare
	precSum
	precProduct
	precPower
	precUnary
)

var binaryPrecedence = map[string]int{
	"||": precOr,
	"&&": precAnd,
	"==": precEquality, "!=": precEquality, "===": precEquality, "!==": precEquality,
	"<": precCompare, ">": precCompare, "<=": precCompare, ">=": precCompare,
	"+": precSum, "-": precSum,
	"*": precProduct, "/": precProduct, "%": precProduct,
	"**": precPower,
}

type parser struct {
	tokens []token
	pos    int
}

func newParser(src string) (*parser, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	return &parser{tokens: tokens}, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isPunct(text string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == text
}

func (p *parser) expect(text string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != text {
		return fmt.Errorf("expected %q, found %s at %d", text, t, t.pos)
	}
	return nil
}

// parseProgram parses a statement sequence up to end of input.
func (p *parser) parseProgram() ([]stmt, error) {
	var body []stmt
	for p.peek().kind != tokEOF {
		if p.isPunct(";") {
			p.next()
			continue
		}
		s, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		body = append(body, s)
	}
	return body, nil
}

func (p *parser) parseStatement() (stmt, error) {
	t := p.peek()

	if t.kind == tokKeyword {
		p.next()
		switch t.text {
		case "return":
			if p.isPunct(";") || p.peek().kind == tokEOF {
				return returnStmt{}, nil
			}
			value, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			return returnStmt{value: value}, p.endStatement()

		case "const", "let":
			name := p.next()
			if name.kind != tokIdent {
				return nil, fmt.Errorf("expected identifier after %s, found %s", t.text, name)
			}
			if err := p.expect("="); err != nil {
				return nil, err
			}
			init, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			return declStmt{constant: t.text == "const", name: name.text, init: init}, p.endStatement()
		}
	}

	// Assignment: ident "=" expr
	if t.kind == tokIdent && p.tokens[p.pos+1].kind == tokPunct && p.tokens[p.pos+1].text == "=" {
		p.pos += 2
		value, err := p.parseExpr(precLowest)
		if err != nil {
			return nil, err
		}
		return assignStmt{name: t.text, value: value}, p.endStatement()
	}

	value, err := p.parseExpr(precLowest)
	if err != nil {
		return nil, err
	}
	return exprStmt{value: value}, p.endStatement()
}

// endStatement accepts an optional semicolon.
func (p *parser) endStatement() error {
	if p.isPunct(";") {
		p.next()
		return nil
	}
	if p.peek().kind == tokEOF || p.isPunct("}") {
		return nil
	}
	t := p.peek()
	return fmt.Errorf("unexpected %s at %d", t, t.pos)
}

func (p *parser) parseExpr(minPrec int) (expr, error) {
	// A bare unary operand of "**" is ambiguous and rejected: -2 ** 2.
	prefixed := p.isPunct("-") || p.isPunct("+") || p.isPunct("!")
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokPunct {
			return left, nil
		}

		if t.text == "?" {
			if minPrec >= precTernary {
				return left, nil
			}
			p.next()
			then, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			otherwise, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			left = conditional{cond: left, then: then, otherwise: otherwise}
			continue
		}

		prec, ok := binaryPrecedence[t.text]
		if !ok || prec <= minPrec {
			return left, nil
		}
		p.next()
		rightPrec := prec
		if t.text == "**" {
			if prefixed {
				return nil, fmt.Errorf("unary operand of ** must be parenthesized at %d", t.pos)
			}
			// right-associative
			rightPrec = prec - 1
		}
		right, err := p.parseExpr(rightPrec)
		if err != nil {
			return nil, err
		}
		left = binary{op: t.text, left: left, right: right}
		prefixed = false
	}
}

func (p *parser) parseUnary() (expr, error) {
	if p.isPunct("-") || p.isPunct("+") || p.isPunct("!") {
		op := p.next().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.isPunct("."):
			p.next()
			name := p.next()
			if name.kind != tokIdent && name.kind != tokKeyword {
				return nil, fmt.Errorf("expected property name, found %s", name)
			}
			e = member{object: e, name: name.text}

		case p.isPunct("["):
			p.next()
			key, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			e = index{object: e, key: key}

		case p.isPunct("("):
			p.next()
			var args []expr
			for !p.isPunct(")") {
				arg, err := p.parseExpr(precLowest)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.isPunct(",") {
					break
				}
				p.next()
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			e = call{callee: e, args: args}

		default:
			return e, nil
		}
	}
}

func (p *parser) parsePrimary() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberLit{value: t.num}, nil
	case tokString:
		return stringLit{value: t.text}, nil
	case tokIdent:
		return ident{name: t.text}, nil
	case tokPunct:
		if t.text == "(" {
			e, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			return e, p.expect(")")
		}
	}
	return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
}
