package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mysql:
  dsn: "user:pass@tcp(localhost:3306)/crm?parseTime=true"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "*/5 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 20.0, cfg.Sync.ApplyCeiling)
	assert.Equal(t, "tokens", cfg.Google.TokenDir)
	assert.Equal(t, 10, cfg.MySQL.MaxOpenConns)
}

func TestLoadFull(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
mysql:
  dsn: "user:pass@tcp(db:3306)/crm?parseTime=true"
google:
  credentials_path: /etc/calsync/credentials.json
  token_dir: /var/lib/calsync/tokens
caldav:
  server_url: https://caldav.example.com
  username: alice
  password: secret
sync:
  schedule: "@every 10m"
  batch_size: 50
  apply_ceiling: 30
entity_kinds:
  - name: Task
    table: task
    name_max_len: 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://caldav.example.com", cfg.CalDAV.ServerURL)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 30.0, cfg.Sync.ApplyCeiling)
	require.Len(t, cfg.EntityKinds, 1)
	assert.Equal(t, "Task", cfg.EntityKinds[0].Name)
	assert.Equal(t, "task", cfg.EntityKinds[0].Table)
	assert.Equal(t, 100, cfg.EntityKinds[0].NameMaxLen)
}

func TestLoadMissingDSN(t *testing.T) {
	path := writeFile(t, "config.yaml", "log_level: info\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql.dsn")
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mysql:
  dsn: "from-file"
`)
	t.Setenv("CALSYNC_MYSQL_DSN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MySQL.DSN)
}

func TestLoadInvalidEntityKind(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mysql:
  dsn: "user:pass@tcp(db:3306)/crm"
entity_kinds:
  - name: Task
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity_kinds[0]")
}

func TestLoadGoogleCredentials(t *testing.T) {
	installed := writeFile(t, "installed.json",
		`{"installed":{"client_id":"id-1","client_secret":"secret-1"}}`)
	id, secret, err := LoadGoogleCredentials(installed)
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, "secret-1", secret)

	web := writeFile(t, "web.json",
		`{"web":{"client_id":"id-2","client_secret":"secret-2"}}`)
	id, secret, err = LoadGoogleCredentials(web)
	require.NoError(t, err)
	assert.Equal(t, "id-2", id)
	assert.Equal(t, "secret-2", secret)

	empty := writeFile(t, "empty.json", `{}`)
	_, _, err = LoadGoogleCredentials(empty)
	require.Error(t, err)

	_, _, err = LoadGoogleCredentials(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
