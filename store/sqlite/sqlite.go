/*
Package sqlite provides a SQLite-backed implementation of kpi.Store.

PURPOSE:
  Persists the strategic hierarchy, period values and their inputs,
  organization settings and the audit log. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  kpi.EntityStore:   Entities and their variables
  kpi.ValueStore:    Value periods and variable values
  kpi.SettingsStore: Organization approval settings
  kpi.AuditLog:      Append-only audit entries

NATURAL KEY:
  value_periods is UNIQUE(entity_id, period_start, period_end). Writes use
  INSERT ... ON CONFLICT DO UPDATE, so concurrent saves for the same
  period converge on one row instead of failing.

KEY TABLES:
  entities:        Strategic hierarchy nodes (soft delete via deleted_at)
  variables:       Named inputs of an entity, ordered by position
  value_periods:   One row per entity and canonical period
  variable_values: Per-period inputs of non-static variables
  org_settings:    Minimum approval role per organization
  audit_log:       Who changed which value when

NUMBERS AND TIMES:
  Decimals are stored as TEXT (shopspring/decimal string form) to avoid
  float drift. Times are stored as fixed-width UTC text with millisecond
  precision so they compare correctly as strings.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/kpi.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := kpi.NewService(store, logger)

SEE ALSO:
  - kpi/store.go:        Interface definitions
  - kpi/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/kpi-engine/kpi"
)

// timeLayout is fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store implements kpi.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ kpi.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Entities (strategic hierarchy)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		key TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		granularity TEXT NOT NULL DEFAULT 'NONE',
		formula TEXT NOT NULL DEFAULT '',
		target TEXT,
		baseline TEXT,
		weight TEXT,
		assignees_json TEXT NOT NULL DEFAULT '[]',
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Keys are unique per organization among live entities
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_org_key
		ON entities(org_id, key) WHERE key <> '' AND deleted_at IS NULL;

	-- Cascade scans: formula entities of an organization
	CREATE INDEX IF NOT EXISTS idx_entities_org_formula
		ON entities(org_id) WHERE formula <> '' AND deleted_at IS NULL;

	-- Variables
	CREATE TABLE IF NOT EXISTS variables (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_required BOOLEAN NOT NULL DEFAULT FALSE,
		is_static BOOLEAN NOT NULL DEFAULT FALSE,
		static_value TEXT,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_variables_entity
		ON variables(entity_id, position);

	-- Value periods (one per entity and canonical period)
	CREATE TABLE IF NOT EXISTS value_periods (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		actual_value TEXT,
		calculated_value TEXT,
		final_value TEXT,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		note TEXT NOT NULL DEFAULT '',
		entered_by TEXT NOT NULL DEFAULT '',
		submitted_by TEXT,
		submitted_at TEXT,
		approved_by TEXT,
		approved_at TEXT,
		changes_requested_by TEXT,
		changes_requested_at TEXT,
		changes_requested_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(entity_id, period_start, period_end)
	);

	-- Latest value lookups (resolver hot path)
	CREATE INDEX IF NOT EXISTS idx_value_periods_entity_end
		ON value_periods(entity_id, period_end DESC);

	-- Approval inbox
	CREATE INDEX IF NOT EXISTS idx_value_periods_org_status
		ON value_periods(org_id, status, updated_at);

	-- Variable values (inputs of one value period)
	CREATE TABLE IF NOT EXISTS variable_values (
		value_period_id TEXT NOT NULL REFERENCES value_periods(id) ON DELETE CASCADE,
		variable_id TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (value_period_id, variable_id)
	);

	-- Organization settings
	CREATE TABLE IF NOT EXISTS org_settings (
		org_id TEXT PRIMARY KEY,
		min_approval_role TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		org_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT,
		status_before TEXT NOT NULL DEFAULT '',
		status_after TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_org_entity
		ON audit_log(org_id, entity_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ENTITY STORE (kpi.EntityStore interface)
// =============================================================================

const entityColumns = `id, org_id, key, name, type, granularity, formula,
	target, baseline, weight, assignees_json, deleted_at`

// SaveEntity creates or replaces an entity and its variables atomically.
func (s *Store) SaveEntity(ctx context.Context, e kpi.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignees, err := json.Marshal(e.Assignees)
	if err != nil {
		return fmt.Errorf("failed to encode assignees: %w", err)
	}
	now := formatTime(time.Now())

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO entities (id, org_id, key, name, type, granularity, formula,
			target, baseline, weight, assignees_json, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			org_id = excluded.org_id,
			key = excluded.key,
			name = excluded.name,
			type = excluded.type,
			granularity = excluded.granularity,
			formula = excluded.formula,
			target = excluded.target,
			baseline = excluded.baseline,
			weight = excluded.weight,
			assignees_json = excluded.assignees_json,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at
	`
	_, err = sqlTx.ExecContext(ctx, query,
		e.ID, e.OrgID, kpi.NormalizeKey(e.Key), e.Name, e.Type, e.Granularity, e.Formula,
		e.Target, e.Baseline, e.Weight, string(assignees), formatTimePtr(e.DeletedAt), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entity key %q already used in org %s: %w", e.Key, e.OrgID, err)
		}
		return fmt.Errorf("failed to save entity: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM variables WHERE entity_id = ?", e.ID); err != nil {
		return fmt.Errorf("failed to replace variables: %w", err)
	}
	for i, v := range e.Variables {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO variables (id, entity_id, code, name, is_required, is_static, static_value, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, e.ID, v.Code, v.Name, v.IsRequired, v.IsStatic, v.StaticValue, i,
		)
		if err != nil {
			return fmt.Errorf("failed to save variable %s: %w", v.Code, err)
		}
	}

	return sqlTx.Commit()
}

// GetEntity returns a live entity with its variables, or nil.
func (s *Store) GetEntity(ctx context.Context, id kpi.EntityID) (*kpi.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ? AND deleted_at IS NULL", id)
	return s.entityFromRow(ctx, row)
}

// FindEntityByKey matches keys case-insensitively within an organization.
func (s *Store) FindEntityByKey(ctx context.Context, orgID kpi.OrgID, key string) (*kpi.Entity, error) {
	key = kpi.NormalizeKey(key)
	if key == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+` FROM entities
		 WHERE org_id = ? AND UPPER(key) = ? AND deleted_at IS NULL
		 LIMIT 1`, orgID, key)
	return s.entityFromRow(ctx, row)
}

// ListFormulaEntities returns live formula entities ordered by ID.
func (s *Store) ListFormulaEntities(ctx context.Context, orgID kpi.OrgID) ([]kpi.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entityColumns+` FROM entities
		 WHERE org_id = ? AND TRIM(formula) <> '' AND deleted_at IS NULL
		 ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	var entities []kpi.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entities = append(entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entities {
		if entities[i].Variables, err = s.loadVariables(ctx, entities[i].ID); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func (s *Store) entityFromRow(ctx context.Context, row *sql.Row) (*kpi.Entity, error) {
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.Variables, err = s.loadVariables(ctx, e.ID); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntity(row rowScanner) (kpi.Entity, error) {
	var e kpi.Entity
	var assignees string
	var deletedAt sql.NullString
	err := row.Scan(
		&e.ID, &e.OrgID, &e.Key, &e.Name, &e.Type, &e.Granularity, &e.Formula,
		&e.Target, &e.Baseline, &e.Weight, &assignees, &deletedAt,
	)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(assignees), &e.Assignees); err != nil {
		return e, fmt.Errorf("failed to decode assignees of %s: %w", e.ID, err)
	}
	e.DeletedAt = parseTimePtr(deletedAt)
	return e, nil
}

func (s *Store) loadVariables(ctx context.Context, entityID kpi.EntityID) ([]kpi.Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, code, name, is_required, is_static, static_value
		FROM variables WHERE entity_id = ? ORDER BY position`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer rows.Close()

	var vars []kpi.Variable
	for rows.Next() {
		var v kpi.Variable
		if err := rows.Scan(&v.ID, &v.EntityID, &v.Code, &v.Name, &v.IsRequired, &v.IsStatic, &v.StaticValue); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// =============================================================================
// VALUE STORE (kpi.ValueStore interface)
// =============================================================================

const valuePeriodColumns = `id, entity_id, org_id, period_start, period_end,
	actual_value, calculated_value, final_value, status, note, entered_by,
	submitted_by, submitted_at, approved_by, approved_at,
	changes_requested_by, changes_requested_at, changes_requested_message,
	created_at, updated_at`

// GetValuePeriod returns the row for the natural key, or nil.
func (s *Store) GetValuePeriod(ctx context.Context, entityID kpi.EntityID, period kpi.Period) (*kpi.ValuePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+valuePeriodColumns+` FROM value_periods
		 WHERE entity_id = ? AND period_start = ? AND period_end = ?`,
		entityID, formatTime(period.Start), formatTime(period.End))
	return valuePeriodFromRow(row)
}

// LatestValuePeriod returns the row with the greatest period end, or nil.
func (s *Store) LatestValuePeriod(ctx context.Context, entityID kpi.EntityID) (*kpi.ValuePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+valuePeriodColumns+` FROM value_periods
		 WHERE entity_id = ? ORDER BY period_end DESC LIMIT 1`, entityID)
	return valuePeriodFromRow(row)
}

// ListValuePeriods returns all rows of an entity, newest period first.
func (s *Store) ListValuePeriods(ctx context.Context, entityID kpi.EntityID) ([]kpi.ValuePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryValuePeriods(ctx,
		"SELECT "+valuePeriodColumns+` FROM value_periods
		 WHERE entity_id = ? ORDER BY period_start DESC`, entityID)
}

// ListValuePeriodsByStatus returns rows of an organization in a status,
// oldest update first.
func (s *Store) ListValuePeriodsByStatus(ctx context.Context, orgID kpi.OrgID, status kpi.Status) ([]kpi.ValuePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryValuePeriods(ctx,
		"SELECT "+valuePeriodColumns+` FROM value_periods
		 WHERE org_id = ? AND status = ? ORDER BY updated_at ASC, id ASC`, orgID, status)
}

// LoadVariableValues returns the inputs stored for a value period.
func (s *Store) LoadVariableValues(ctx context.Context, id kpi.ValuePeriodID) ([]kpi.VariableValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT value_period_id, variable_id, value
		FROM variable_values WHERE value_period_id = ? ORDER BY variable_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query variable values: %w", err)
	}
	defer rows.Close()

	var values []kpi.VariableValue
	for rows.Next() {
		var v kpi.VariableValue
		if err := rows.Scan(&v.ValuePeriodID, &v.VariableID, &v.Value); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// UpsertValue writes the value period by natural key and replaces its
// variable values in one transaction.
func (s *Store) UpsertValue(ctx context.Context, vp kpi.ValuePeriod, values []kpi.VariableValue) (kpi.ValuePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vp, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO value_periods (` + valuePeriodColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, period_start, period_end) DO UPDATE SET
			actual_value = excluded.actual_value,
			calculated_value = excluded.calculated_value,
			final_value = excluded.final_value,
			status = excluded.status,
			note = excluded.note,
			entered_by = excluded.entered_by,
			submitted_by = excluded.submitted_by,
			submitted_at = excluded.submitted_at,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			changes_requested_by = excluded.changes_requested_by,
			changes_requested_at = excluded.changes_requested_at,
			changes_requested_message = excluded.changes_requested_message,
			updated_at = excluded.updated_at
	`
	_, err = sqlTx.ExecContext(ctx, query,
		vp.ID, vp.EntityID, vp.OrgID, formatTime(vp.PeriodStart), formatTime(vp.PeriodEnd),
		vp.ActualValue, vp.CalculatedValue, vp.FinalValue, vp.Status, vp.Note, vp.EnteredBy,
		nullUser(vp.SubmittedBy), formatTimePtr(vp.SubmittedAt),
		nullUser(vp.ApprovedBy), formatTimePtr(vp.ApprovedAt),
		nullUser(vp.ChangesRequestedBy), formatTimePtr(vp.ChangesRequestedAt), nullStringPtr(vp.ChangesRequestedMessage),
		formatTime(vp.CreatedAt), formatTime(vp.UpdatedAt),
	)
	if err != nil {
		return vp, fmt.Errorf("failed to upsert value period: %w", err)
	}

	// An existing row keeps its ID and creation time.
	var id, createdAt string
	err = sqlTx.QueryRowContext(ctx, `
		SELECT id, created_at FROM value_periods
		WHERE entity_id = ? AND period_start = ? AND period_end = ?`,
		vp.EntityID, formatTime(vp.PeriodStart), formatTime(vp.PeriodEnd),
	).Scan(&id, &createdAt)
	if err != nil {
		return vp, fmt.Errorf("failed to read back value period: %w", err)
	}
	vp.ID = kpi.ValuePeriodID(id)
	vp.CreatedAt = parseTime(createdAt)

	if err := replaceVariableValues(ctx, sqlTx, vp.ID, values); err != nil {
		return vp, err
	}
	if err := sqlTx.Commit(); err != nil {
		return vp, fmt.Errorf("failed to commit value period: %w", err)
	}
	return vp, nil
}

func replaceVariableValues(ctx context.Context, db execer, id kpi.ValuePeriodID, values []kpi.VariableValue) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM variable_values WHERE value_period_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear variable values: %w", err)
	}
	for _, v := range values {
		_, err := db.ExecContext(ctx,
			"INSERT INTO variable_values (value_period_id, variable_id, value) VALUES (?, ?, ?)",
			id, v.VariableID, v.Value.String())
		if err != nil {
			return fmt.Errorf("failed to insert variable value %s: %w", v.VariableID, err)
		}
	}
	return nil
}

func (s *Store) queryValuePeriods(ctx context.Context, query string, args ...any) ([]kpi.ValuePeriod, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query value periods: %w", err)
	}
	defer rows.Close()

	var result []kpi.ValuePeriod
	for rows.Next() {
		vp, err := scanValuePeriod(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, vp)
	}
	return result, rows.Err()
}

func valuePeriodFromRow(row *sql.Row) (*kpi.ValuePeriod, error) {
	vp, err := scanValuePeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vp, nil
}

func scanValuePeriod(row rowScanner) (kpi.ValuePeriod, error) {
	var vp kpi.ValuePeriod
	var start, end, createdAt, updatedAt string
	var submittedBy, submittedAt, approvedBy, approvedAt sql.NullString
	var changesBy, changesAt, changesMessage sql.NullString

	err := row.Scan(
		&vp.ID, &vp.EntityID, &vp.OrgID, &start, &end,
		&vp.ActualValue, &vp.CalculatedValue, &vp.FinalValue, &vp.Status, &vp.Note, &vp.EnteredBy,
		&submittedBy, &submittedAt, &approvedBy, &approvedAt,
		&changesBy, &changesAt, &changesMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return vp, err
	}

	vp.PeriodStart, vp.PeriodEnd = parseTime(start), parseTime(end)
	vp.CreatedAt, vp.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	vp.SubmittedBy, vp.SubmittedAt = parseUser(submittedBy), parseTimePtr(submittedAt)
	vp.ApprovedBy, vp.ApprovedAt = parseUser(approvedBy), parseTimePtr(approvedAt)
	vp.ChangesRequestedBy, vp.ChangesRequestedAt = parseUser(changesBy), parseTimePtr(changesAt)
	if changesMessage.Valid {
		msg := changesMessage.String
		vp.ChangesRequestedMessage = &msg
	}
	return vp, nil
}

// =============================================================================
// SETTINGS STORE (kpi.SettingsStore interface)
// =============================================================================

func (s *Store) GetOrgSettings(ctx context.Context, orgID kpi.OrgID) (*kpi.OrgSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings := kpi.OrgSettings{OrgID: orgID}
	err := s.db.QueryRowContext(ctx,
		"SELECT min_approval_role FROM org_settings WHERE org_id = ?", orgID,
	).Scan(&settings.MinApprovalRole)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load org settings: %w", err)
	}
	return &settings, nil
}

func (s *Store) SaveOrgSettings(ctx context.Context, settings kpi.OrgSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_settings (org_id, min_approval_role, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET
			min_approval_role = excluded.min_approval_role,
			updated_at = excluded.updated_at`,
		settings.OrgID, settings.MinApprovalRole, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save org settings: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (kpi.AuditLog interface)
// =============================================================================

// AppendAudit inserts an entry. Entries are never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, entry kpi.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, org_id, actor_id, action, entity_id,
			period_start, period_end, status_before, status_after, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.OrgID, entry.ActorID, entry.Action, entry.EntityID,
		formatTime(entry.PeriodStart), formatTime(entry.PeriodEnd),
		entry.StatusBefore, entry.StatusAfter, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns entries matching filter, oldest first.
func (s *Store) QueryAudit(ctx context.Context, filter kpi.AuditFilter) ([]kpi.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.OrgID != nil {
		where, args = append(where, "org_id = ?"), append(args, *filter.OrgID)
	}
	if filter.EntityID != nil {
		where, args = append(where, "entity_id = ?"), append(args, *filter.EntityID)
	}
	if filter.ActorID != nil {
		where, args = append(where, "actor_id = ?"), append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(filter.Actions)), ",")
		where = append(where, "action IN ("+marks+")")
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.From != nil {
		where, args = append(where, "timestamp >= ?"), append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where, args = append(where, "timestamp <= ?"), append(args, formatTime(*filter.To))
	}

	query := `SELECT id, timestamp, org_id, actor_id, action, entity_id,
		period_start, period_end, status_before, status_after, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []kpi.AuditEntry
	for rows.Next() {
		var e kpi.AuditEntry
		var ts string
		var start, end, payload sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.OrgID, &e.ActorID, &e.Action, &e.EntityID,
			&start, &end, &e.StatusBefore, &e.StatusAfter, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.PeriodStart, e.PeriodEnd = parseTime(start.String), parseTime(end.String)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullUser(u *kpi.UserID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*u), Valid: true}
}

func parseUser(s sql.NullString) *kpi.UserID {
	if !s.Valid {
		return nil
	}
	u := kpi.UserID(s.String)
	return &u
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
