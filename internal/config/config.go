package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cdc-json/internal/decoding"
)

// Source kinds.
const (
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
)

// Sink kinds.
const (
	SinkNATS   = "nats"
	SinkStdout = "stdout"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Binlog    BinlogConfig    `yaml:"binlog"`
	Decoding  DecodingConfig  `yaml:"decoding"`
	Sink      SinkConfig      `yaml:"sink"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SourceConfig struct {
	Type string `yaml:"type"` // postgres, mysql
}

type PostgresConfig struct {
	// ConnString is used for catalog queries; the replication connection adds
	// replication=database to it.
	ConnString    string        `yaml:"conn_string"`
	Slot          string        `yaml:"slot"`
	Publication   string        `yaml:"publication"`
	CreateSlot    bool          `yaml:"create_slot"`
	TemporarySlot bool          `yaml:"temporary_slot"`
	PositionFile  string        `yaml:"position_file"`
	StatusPeriod  time.Duration `yaml:"status_period"`
	TimeZone      string        `yaml:"time_zone"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"`   // mysql, mariadb
	UseGTID  bool   `yaml:"use_gtid"` // take transaction ids from GTID events
	TimeZone string `yaml:"time_zone"`
}

type BinlogConfig struct {
	PositionFile  string `yaml:"position_file"`
	StartPosition uint32 `yaml:"start_position"`
}

// DecodingConfig holds the output options handed to the decoder at stream
// start, in order.
type DecodingConfig struct {
	Options []decoding.Option `yaml:"options"`
}

type SinkConfig struct {
	Type string `yaml:"type"` // nats, stdout
}

type NATSConfig struct {
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject"`
	PerTableSubject bool          `yaml:"per_table_subject"`
	MaxReconnect    int           `yaml:"max_reconnect"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
}

// ProcessorConfig configures table rules and the JavaScript transform.
type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"`
	Rules   []Rule `yaml:"rules"`
}

// Rule matches tables by database (schema) and name; empty matches all.
type Rule struct {
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Exclude  bool   `yaml:"exclude"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML config and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.Source.Type == "" {
		config.Source.Type = SourcePostgres
	}
	if config.Sink.Type == "" {
		config.Sink.Type = SinkStdout
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.MySQL.Flavor == "" {
		config.MySQL.Flavor = "mysql"
	}
	if config.Postgres.StatusPeriod == 0 {
		config.Postgres.StatusPeriod = 10 * time.Second
	}
	if config.Postgres.TimeZone == "" {
		config.Postgres.TimeZone = "UTC"
	}
	if config.MySQL.TimeZone == "" {
		config.MySQL.TimeZone = "UTC"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings the selected source and sink need.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourcePostgres:
		if c.Postgres.ConnString == "" {
			return fmt.Errorf("postgres.conn_string is required")
		}
		if c.Postgres.Slot == "" || c.Postgres.Publication == "" {
			return fmt.Errorf("postgres.slot and postgres.publication are required")
		}
		if _, err := time.LoadLocation(c.Postgres.TimeZone); err != nil {
			return fmt.Errorf("invalid postgres.time_zone: %w", err)
		}
	case SourceMySQL:
		if c.MySQL.Host == "" {
			return fmt.Errorf("mysql.host is required")
		}
		if c.MySQL.ServerID == 0 {
			return fmt.Errorf("mysql.server_id must be non-zero")
		}
		if _, err := time.LoadLocation(c.MySQL.TimeZone); err != nil {
			return fmt.Errorf("invalid mysql.time_zone: %w", err)
		}
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}

	switch c.Sink.Type {
	case SinkStdout:
	case SinkNATS:
		if c.NATS.URL == "" || c.NATS.Subject == "" {
			return fmt.Errorf("nats.url and nats.subject are required for the nats sink")
		}
	default:
		return fmt.Errorf("unknown sink type %q", c.Sink.Type)
	}
	return nil
}
