package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
warehouse:
  driver: sqlite
  dsn: ./warehouse.db
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	// defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Server.TableCacheTTL.Std())
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 16, cfg.Agent.MaxSteps)
	assert.Equal(t, 8, cfg.Agent.MaxToolCalls)
	assert.Equal(t, ClarifyAlwaysAsk, cfg.Agent.Clarification)
	assert.Equal(t, "memory", cfg.Sessions.Backend)
	assert.Equal(t, time.Hour, cfg.Grounding.TTL.Std())
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  host: 127.0.0.1
  port: 9090
  table_cache_ttl: 30m
llm:
  provider: gemini
  model: gemini-2.5-flash
  api_key: test-key
  temperature: 0.3
  timeout: 90s
warehouse:
  driver: postgres
  dsn: postgres://localhost/analytics
  schema: analytics
  tables: [orders, customers]
  profiles_table: column_profiles
grounding:
  ttl: 10m
  sample_rows: 5
agent:
  max_steps: 12
  clarification: best-effort
sessions:
  backend: sql
  driver: postgres
  dsn: postgres://localhost/sessions
  max_idle: 24h
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Server.TableCacheTTL.Std())
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Std())
	assert.Equal(t, []string{"orders", "customers"}, cfg.Warehouse.Tables)
	assert.Equal(t, 10*time.Minute, cfg.Grounding.TTL.Std())
	assert.Equal(t, 12, cfg.Agent.MaxSteps)
	assert.Equal(t, ClarifyBestEffort, cfg.Agent.Clarification)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.MaxIdle.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("TT_API_KEY", "secret-from-env")
	t.Setenv("TT_PORT", "9191")

	cfg, err := Parse([]byte(`
server:
  port: ${TT_PORT}
llm:
  api_key: ${TT_API_KEY}
  model: ${TT_MODEL:-gemini-2.5-pro}
warehouse:
  driver: sqlite
  dsn: ${TT_DSN:-./warehouse.db}
`))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "secret-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, "./warehouse.db", cfg.Warehouse.DSN)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing warehouse driver", `
llm:
  provider: gemini
`},
		{"unknown warehouse driver", `
warehouse:
  driver: oracle
  dsn: whatever
`},
		{"unknown provider", `
llm:
  provider: closedai
warehouse:
  driver: sqlite
  dsn: ./w.db
`},
		{"unknown session backend", `
warehouse:
  driver: sqlite
  dsn: ./w.db
sessions:
  backend: redis
`},
		{"unknown clarification mode", `
warehouse:
  driver: sqlite
  dsn: ./w.db
agent:
  clarification: sometimes
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDriverNameMapping(t *testing.T) {
	wh := &WarehouseConfig{Driver: "sqlite"}
	assert.Equal(t, "sqlite3", wh.DriverName())

	wh.Driver = "postgres"
	assert.Equal(t, "postgres", wh.DriverName())

	sess := &SessionsConfig{Driver: "sqlite"}
	assert.Equal(t, "sqlite3", sess.DriverName())
}
