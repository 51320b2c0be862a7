package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, kpi.RolePMO, cfg.MinApprovalRole())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	// GIVEN: a file setting a subset of fields
	path := writeConfig(t, `
port: 9090
log:
  level: debug
  format: json
engine:
  max_cascade_depth: 3
  default_min_approval_role: Executive
cors:
  allowed_origins: ["https://app.example.com"]
`)

	// WHEN: it is loaded
	cfg, err := Load(path)

	// THEN: given fields win and the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "kpi.db", cfg.DB)
	assert.Equal(t, 3, cfg.Engine.MaxCascadeDepth)
	assert.Equal(t, kpi.RoleExecutive, cfg.MinApprovalRole())
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.NewLogger().Enabled(context.Background(), slog.LevelDebug))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "port: 0"},
		{"bad exporter", "tracing:\n  exporter: jaeger"},
		{"bad role", "engine:\n  default_min_approval_role: boss"},
		{"bad depth", "engine:\n  max_cascade_depth: 0"},
		{"bad level", "log:\n  level: loud"},
		{"not yaml", "port: [1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
