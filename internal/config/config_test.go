package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postgresConfig = `
source:
  type: postgres
postgres:
  conn_string: postgres://repl@localhost/app
  slot: cdc_json
  publication: all_tables
  time_zone: Europe/Berlin
decoding:
  options:
    - name: include-xids
      value: "false"
    - name: only-local-origin
    - name: include-toast-datum
      value: "off"
sink:
  type: nats
nats:
  url: nats://localhost:4222
  subject: cdc
  per_table_subject: true
processor:
  enabled: true
  rules:
    - database: public
      table: audit_log
      exclude: true
logging:
  level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(postgresConfig))
	require.NoError(t, err)

	assert.Equal(t, SourcePostgres, cfg.Source.Type)
	assert.Equal(t, "cdc_json", cfg.Postgres.Slot)
	assert.Equal(t, 10*time.Second, cfg.Postgres.StatusPeriod)
	assert.Equal(t, "Europe/Berlin", cfg.Postgres.TimeZone)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.True(t, cfg.NATS.PerTableSubject)
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts := cfg.Decoding.Options
	require.Len(t, opts, 3)
	assert.Equal(t, "include-xids", opts[0].Name)
	require.NotNil(t, opts[0].Value)
	assert.Equal(t, "false", *opts[0].Value)
	assert.Equal(t, "only-local-origin", opts[1].Name)
	assert.Nil(t, opts[1].Value)
	assert.Equal(t, "off", *opts[2].Value)

	require.Len(t, cfg.Processor.Rules, 1)
	assert.True(t, cfg.Processor.Rules[0].Exclude)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
postgres:
  conn_string: postgres://localhost/app
  slot: s
  publication: p
`))
	require.NoError(t, err)
	assert.Equal(t, SourcePostgres, cfg.Source.Type)
	assert.Equal(t, SinkStdout, cfg.Sink.Type)
	assert.Equal(t, "UTC", cfg.Postgres.TimeZone)
	assert.Equal(t, "UTC", cfg.MySQL.TimeZone)
	assert.Equal(t, "mysql", cfg.MySQL.Flavor)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Decoding.Options)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{"unknown source", "source: {type: oracle}", `unknown source type "oracle"`},
		{"postgres without slot", "postgres: {conn_string: x}", "postgres.slot"},
		{"bad time zone", "postgres: {conn_string: x, slot: s, publication: p, time_zone: Mars/Base}", "time_zone"},
		{"bad mysql time zone", "source: {type: mysql}\nmysql: {host: db, server_id: 7, time_zone: Nowhere/Land}", "mysql.time_zone"},
		{"mysql without server id", "source: {type: mysql}\nmysql: {host: db}", "server_id"},
		{"nats without subject", "source: {type: mysql}\nmysql: {host: db, server_id: 7}\nsink: {type: nats}\nnats: {url: nats://x}", "nats.subject"},
		{"unknown sink", "source: {type: mysql}\nmysql: {host: db, server_id: 7}\nsink: {type: kafka}", `unknown sink type "kafka"`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.contains)
		})
	}
}

func TestParseMySQL(t *testing.T) {
	cfg, err := Parse([]byte(`
source:
  type: mysql
mysql:
  host: db
  port: 3306
  server_id: 1001
  use_gtid: true
  time_zone: Asia/Tokyo
binlog:
  position_file: /var/lib/cdc/position
`))
	require.NoError(t, err)
	assert.Equal(t, SourceMySQL, cfg.Source.Type)
	assert.Equal(t, uint32(1001), cfg.MySQL.ServerID)
	assert.True(t, cfg.MySQL.UseGTID)
	assert.Equal(t, "Asia/Tokyo", cfg.MySQL.TimeZone)
	assert.Equal(t, "/var/lib/cdc/position", cfg.Binlog.PositionFile)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(postgresConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "all_tables", cfg.Postgres.Publication)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
