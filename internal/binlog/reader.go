package binlog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

const readTimeout = 10 * time.Second

// ReaderConfig configures a binlog Reader.
type ReaderConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	ServerID     uint32
	Flavor       string // mysql, mariadb
	PositionFile string
	StartPos     uint32
}

// Reader handles reading binlog events from MySQL
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	position     mysql.Position
	positionFile string
	logger       *logrus.Logger
}

// NewReader creates a new binlog reader starting at the saved position
func NewReader(cfg ReaderConfig, logger *logrus.Logger) (*Reader, error) {
	syncer := replication.NewBinlogSyncer(syncerConfig(cfg))

	position, err := LoadPosition(cfg.PositionFile, cfg.StartPos)
	if err != nil {
		syncer.Close()
		return nil, err
	}
	if position.Name != "" {
		logger.Infof("Loaded binlog position from file: %s:%d", position.Name, position.Pos)
	}

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: cfg.PositionFile,
		logger:       logger,
	}, nil
}

func syncerConfig(cfg ReaderConfig) replication.BinlogSyncerConfig {
	// Set default flavor if not specified
	flavor := cfg.Flavor
	if flavor == "" {
		flavor = mysql.MySQLFlavor
	}
	return replication.BinlogSyncerConfig{
		ServerID: cfg.ServerID,
		Flavor:   flavor,
		Host:     cfg.Host,
		Port:     uint16(cfg.Port),
		User:     cfg.User,
		Password: cfg.Password,
		// DECIMAL as decimal.Decimal keeps every digit; floats would not
		UseDecimal: true,
	}
}

// LoadPosition reads a "filename:position" file. A missing file yields an
// empty name with startPos; a file holding just a name is accepted too.
func LoadPosition(path string, startPos uint32) (mysql.Position, error) {
	position := mysql.Position{Pos: startPos}
	if path == "" {
		return position, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return position, nil
	}
	if err != nil {
		return position, fmt.Errorf("failed to read position file: %w", err)
	}

	posStr := strings.TrimSpace(string(data))
	if posStr == "" {
		return position, nil
	}
	// Find last colon to handle filenames that might contain colons
	if lastColon := strings.LastIndexByte(posStr, ':'); lastColon > 0 && lastColon < len(posStr)-1 {
		if pos, err := strconv.ParseUint(posStr[lastColon+1:], 10, 32); err == nil {
			position.Name = posStr[:lastColon]
			position.Pos = uint32(pos)
			return position, nil
		}
	}
	// Fallback to old format (just filename)
	position.Name = posStr
	return position, nil
}

// SavePosition saves the binlog position to file. An empty name keeps the
// current file.
func (r *Reader) SavePosition(name string, pos uint32) error {
	if name == "" {
		name = r.position.Name
	}
	if name == "" {
		return nil
	}
	r.position.Name = name
	r.position.Pos = pos
	if r.positionFile == "" {
		return nil
	}
	// Save as "filename:position"
	posStr := fmt.Sprintf("%s:%d", name, pos)
	if err := os.WriteFile(r.positionFile, []byte(posStr), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Position returns the last saved position
func (r *Reader) Position() mysql.Position {
	return r.position
}

// ReadEvent reads the next binlog event, waiting at most readTimeout
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	event, err := r.streamer.GetEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get binlog event: %w", err)
	}

	// Handle RotateEvent to update current file name. Rotation happens
	// between transactions, so the new file's start is safe to resume from.
	if e, ok := event.Event.(*replication.RotateEvent); ok {
		if err := r.SavePosition(string(e.NextLogName), uint32(e.Position)); err != nil {
			r.logger.Warnf("Failed to save position: %v", err)
		}
	}

	return event, nil
}

// Close closes the binlog reader
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}
