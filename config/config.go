/*
config.go - Server configuration

PURPOSE:
  Loads the server configuration from an optional YAML file. Command-line
  flags in cmd/server override individual fields after loading.

EXAMPLE:
  port: 8080
  db: kpi.db
  log:
    level: debug
    format: json
  tracing:
    exporter: stdout
  engine:
    max_cascade_depth: 5
    default_min_approval_role: pmo
  cors:
    allowed_origins: ["https://app.example.com"]

DEFAULTS:
  Missing fields keep the values from Default(). A missing file is an
  error only when a path was given.

SEE ALSO:
  - cmd/server/main.go: Flag overrides
  - telemetry/telemetry.go: Consumes Tracing
*/
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warp/kpi-engine/kpi"
)

type Config struct {
	Port    int     `yaml:"port" validate:"min=1,max=65535"`
	DB      string  `yaml:"db" validate:"required"`
	Log     Log     `yaml:"log"`
	Tracing Tracing `yaml:"tracing"`
	Engine  Engine  `yaml:"engine"`
	CORS    CORS    `yaml:"cors"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type Tracing struct {
	// Exporter is "stdout" or "none".
	Exporter    string `yaml:"exporter" validate:"oneof=stdout none"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

type Engine struct {
	MaxCascadeDepth        int    `yaml:"max_cascade_depth" validate:"min=1,max=50"`
	DefaultMinApprovalRole string `yaml:"default_min_approval_role"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,required"`
}

// Default returns the configuration used without a file.
func Default() Config {
	return Config{
		Port: 8080,
		DB:   "kpi.db",
		Log:  Log{Level: "info", Format: "text"},
		Tracing: Tracing{
			Exporter:    "none",
			ServiceName: "kpi-engine",
		},
		Engine: Engine{
			MaxCascadeDepth:        kpi.DefaultMaxCascadeDepth,
			DefaultMinApprovalRole: string(kpi.DefaultMinApprovalRole),
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

var validate = validator.New()

// Validate checks field ranges and the approval role name.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := kpi.ParseRole(c.Engine.DefaultMinApprovalRole); !ok {
		return fmt.Errorf("invalid config: unknown role %q", c.Engine.DefaultMinApprovalRole)
	}
	return nil
}

// MinApprovalRole returns the parsed default approval role.
func (c Config) MinApprovalRole() kpi.Role {
	role, ok := kpi.ParseRole(c.Engine.DefaultMinApprovalRole)
	if !ok {
		return kpi.DefaultMinApprovalRole
	}
	return role
}

// NewLogger builds the structured logger described by Log.
func (c Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
