package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 9, cfg.Extraction.Hour)
	assert.Equal(t, "America/Sao_Paulo", cfg.Extraction.Timezone)
	assert.Equal(t, 10.0, cfg.Reconciliation.VolumeTolerancePercent)
	assert.True(t, cfg.Reconciliation.AlertOnMismatch)
	assert.Equal(t, 90, cfg.Retention.RawDays)
	assert.Equal(t, ":8080", cfg.Health.Addr)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
database:
  url: postgres://etl@db:5432/transfergov
extraction:
  input_dir: /srv/raw
  hour: 6
  minute: 30
  timezone: America/Sao_Paulo
reconciliation:
  volume_tolerance_percent: 5
  alert_on_mismatch: false
lineage:
  pipeline_version: "3.0.0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://etl@db:5432/transfergov", cfg.Database.URL)
	assert.Equal(t, "/srv/raw", cfg.Extraction.InputDir)
	assert.Equal(t, 6, cfg.Extraction.Hour)
	assert.Equal(t, 5.0, cfg.Reconciliation.VolumeTolerancePercent)
	assert.False(t, cfg.Reconciliation.AlertOnMismatch)
	assert.Equal(t, "3.0.0", cfg.Lineage.PipelineVersion)
	// Unset keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Health.Addr)
}

func TestInterpolate(t *testing.T) {
	t.Setenv("TG_TOKEN", "123:abc")
	assert.Equal(t, "token: 123:abc", Interpolate("token: ${TG_TOKEN}"))
	// Unresolved placeholders are preserved verbatim.
	assert.Equal(t, "x: ${NOT_SET_ANYWHERE}", Interpolate("x: ${NOT_SET_ANYWHERE}"))
	// Malformed placeholders pass through.
	assert.Equal(t, "a: $HOME b: ${", Interpolate("a: $HOME b: ${"))
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TG_TOKEN", "123:abc")
	path := writeConfig(t, `
alerting:
  telegram:
    bot_token: ${TG_TOKEN}
    chat_id: "-100200300"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Alerting.Telegram.BotToken)
	assert.True(t, cfg.TelegramConfigured())
}

func TestLoadUnresolvedTelegramPlaceholderNotConfigured(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
alerting:
  telegram:
    bot_token: ${UNSET_TG_TOKEN}
    chat_id: "1"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${UNSET_TG_TOKEN}", cfg.Alerting.Telegram.BotToken)
	assert.False(t, cfg.TelegramConfigured())
}

func TestLoadUnresolvedDatabasePlaceholderFails(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
database:
  url: ${UNSET_DB_URL}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved placeholder")
}

func TestDatabaseURLEnvWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@host/db")
	path := writeConfig(t, `
database:
  url: postgres://file@host/db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@host/db", cfg.Database.URL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
extration:
  hour: 9
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadRejectsOutOfRangeHour(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
extraction:
  hour: 25
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
extraction:
  timezone: Mars/Olympus_Mons
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown timezone")
}

func TestEmailConfigured(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.EmailConfigured())
	cfg.Alerting.Email.Host = "smtp.example.com"
	cfg.Alerting.Email.From = "etl@example.com"
	cfg.Alerting.Email.To = []string{"ops@example.com"}
	assert.True(t, cfg.EmailConfigured())
}

func TestLocation(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "America/Sao_Paulo", cfg.Location().String())
	cfg.Extraction.Timezone = ""
	assert.Equal(t, "UTC", cfg.Location().String())
}
