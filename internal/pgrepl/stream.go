// Package pgrepl feeds a PostgreSQL logical replication stream (pgoutput)
// through a decoding.OutputPlugin.
package pgrepl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/decoding"
)

const (
	outputPlugin          = "pgoutput"
	duplicateObjectCode   = "42710"
	defaultStatusInterval = 10 * time.Second
)

// TableFilter decides which tables are decoded.
type TableFilter interface {
	Allow(namespace, table string) bool
}

// Options configures a Stream.
type Options struct {
	Slot          string
	Publication   string
	CreateSlot    bool
	TemporarySlot bool
	PositionFile  string
	// StatusInterval is how often a standby status update is sent when the
	// server does not ask for one.
	StatusInterval time.Duration
	// Location is the zone commit timestamps are rendered in.
	Location      *time.Location
	PluginOptions []decoding.Option
}

// Stream receives pgoutput messages and drives the output plugin with them.
type Stream struct {
	conn      *pgconn.PgConn
	opts      Options
	plugin    decoding.OutputPlugin
	dc        *decoding.DecodingContext
	catalog   *Catalog
	relations *relationCache
	origins   *originMap
	filter    TableFilter
	logger    *logrus.Logger

	output         decoding.OutputOptions
	txn            *decoding.Txn
	skipTxn        bool
	confirmedLSN   pglogrepl.LSN
	statusDeadline time.Time
}

// NewStream creates a stream over a replication connection. filter may be
// nil.
func NewStream(conn *pgconn.PgConn, opts Options, plugin decoding.OutputPlugin, dc *decoding.DecodingContext, catalog *Catalog, filter TableFilter, logger *logrus.Logger) *Stream {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Stream{
		conn:      conn,
		opts:      opts,
		plugin:    plugin,
		dc:        dc,
		catalog:   catalog,
		relations: newRelationCache(catalog),
		origins:   newOriginMap(),
		filter:    filter,
		logger:    logger,
	}
}

// Connect opens a connection in logical replication mode.
func Connect(ctx context.Context, connString string) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, replicationConnString(connString))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return conn, nil
}

func replicationConnString(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		u, err := url.Parse(connString)
		if err == nil {
			q := u.Query()
			q.Set("replication", "database")
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return strings.TrimSpace(connString + " replication=database")
}

// Start starts the output plugin and the replication stream. Option errors
// from the plugin abort the stream before anything is requested from the
// server.
func (s *Stream) Start(ctx context.Context) error {
	output, err := s.plugin.Startup(s.dc, s.opts.PluginOptions)
	if err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	s.output = output

	sysident, err := pglogrepl.IdentifySystem(ctx, s.conn)
	if err != nil {
		return fmt.Errorf("failed to identify system: %w", err)
	}
	s.logger.Infof("Connected to PostgreSQL system %s (timeline %d, position %s, database %s)",
		sysident.SystemID, sysident.Timeline, sysident.XLogPos, sysident.DBName)

	if s.opts.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, s.conn, s.opts.Slot, outputPlugin,
			pglogrepl.CreateReplicationSlotOptions{
				Temporary: s.opts.TemporarySlot,
				Mode:      pglogrepl.LogicalReplication,
			})
		var pgErr *pgconn.PgError
		switch {
		case err == nil:
			s.logger.Infof("Created replication slot %s", s.opts.Slot)
		case errors.As(err, &pgErr) && pgErr.Code == duplicateObjectCode:
			s.logger.Infof("Replication slot %s already exists", s.opts.Slot)
		default:
			return fmt.Errorf("failed to create replication slot: %w", err)
		}
	}

	start, err := LoadPosition(s.opts.PositionFile)
	if err != nil {
		return err
	}
	s.confirmedLSN = start

	err = pglogrepl.StartReplication(ctx, s.conn, s.opts.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			`"proto_version" '1'`,
			fmt.Sprintf(`"publication_names" '%s'`, strings.ReplaceAll(s.opts.Publication, "'", "''")),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}
	s.logger.Infof("Started logical replication on slot %s from %s", s.opts.Slot, start)

	s.statusDeadline = time.Now().Add(s.opts.StatusInterval)
	return nil
}

// Run processes the stream until ctx is cancelled or an error occurs.
func (s *Stream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !time.Now().Before(s.statusDeadline) {
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
			s.statusDeadline = time.Now().Add(s.opts.StatusInterval)
		}

		receiveCtx, cancel := context.WithDeadline(ctx, s.statusDeadline)
		msg, err := s.conn.ReceiveMessage(receiveCtx)
		cancel()
		if pgconn.Timeout(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive message: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, msg.Data); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error: %s (%s)", msg.Message, msg.Code)
		default:
			s.logger.Debugf("Unexpected message %T", msg)
		}
	}
}

func (s *Stream) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		// with no transaction open everything up to the server's end is
		// either decoded or not published
		if s.txn == nil && pkm.ServerWALEnd > s.confirmedLSN {
			s.confirmedLSN = pkm.ServerWALEnd
		}
		if pkm.ReplyRequested {
			s.statusDeadline = time.Time{}
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse XLogData: %w", err)
		}
		msg, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return fmt.Errorf("failed to parse logical replication message: %w", err)
		}
		return s.handle(ctx, msg)
	default:
		s.logger.Debugf("Unknown CopyData message type %q", data[0])
	}
	return nil
}

func (s *Stream) handle(ctx context.Context, msg pglogrepl.Message) error {
	switch msg := msg.(type) {
	case *pglogrepl.BeginMessage:
		s.txn = &decoding.Txn{
			Xid:        uint64(msg.Xid),
			CommitTime: msg.CommitTime.In(s.opts.Location),
			FinalLSN:   decoding.LSN(msg.FinalLSN),
		}
		s.skipTxn = false
		return s.plugin.Begin(s.dc, s.txn)

	case *pglogrepl.OriginMessage:
		if s.txn == nil {
			return fmt.Errorf("origin %q outside a transaction", msg.Name)
		}
		s.txn.Origin = s.origins.id(msg.Name)
		s.skipTxn = s.plugin.FilterByOrigin(s.dc, s.txn.Origin)
		if s.skipTxn {
			s.logger.Debugf("Skipping transaction %d from origin %s", s.txn.Xid, msg.Name)
		}

	case *pglogrepl.RelationMessage:
		rel, err := s.relations.update(ctx, msg)
		if err != nil {
			return err
		}
		s.logger.Debugf("Cached relation %s.%s (ID: %d, %d columns)", rel.Namespace, rel.Name, rel.ID, len(rel.Columns))

	case *pglogrepl.TypeMessage:
		s.logger.Debugf("Type %s.%s (OID %d)", msg.Namespace, msg.Name, msg.DataType)

	case *pglogrepl.InsertMessage:
		return s.change(ctx, msg.RelationID, func(rel *decoding.Relation) (decoding.Change, error) {
			row, err := rowImage(rel, msg.Tuple)
			if err != nil {
				return nil, err
			}
			return &decoding.Insert{NewTuple: row}, nil
		})

	case *pglogrepl.UpdateMessage:
		return s.change(ctx, msg.RelationID, func(rel *decoding.Relation) (decoding.Change, error) {
			oldRow, err := rowImage(rel, msg.OldTuple)
			if err != nil {
				return nil, err
			}
			newRow, err := rowImage(rel, msg.NewTuple)
			if err != nil {
				return nil, err
			}
			return &decoding.Update{OldTuple: oldRow, NewTuple: newRow}, nil
		})

	case *pglogrepl.DeleteMessage:
		return s.change(ctx, msg.RelationID, func(rel *decoding.Relation) (decoding.Change, error) {
			row, err := rowImage(rel, msg.OldTuple)
			if err != nil {
				return nil, err
			}
			return &decoding.Delete{OldTuple: row}, nil
		})

	case *pglogrepl.TruncateMessage:
		s.logger.Debugf("Ignoring TRUNCATE of %d relations", msg.RelationNum)

	case *pglogrepl.CommitMessage:
		if s.txn == nil {
			return fmt.Errorf("commit at %s outside a transaction", msg.CommitLSN)
		}
		if err := s.plugin.Commit(ctx, s.dc, s.txn, decoding.LSN(msg.CommitLSN)); err != nil {
			return err
		}
		if f, ok := s.dc.Writer.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("failed to flush transaction %d: %w", s.txn.Xid, err)
			}
		}
		s.txn = nil
		s.confirmedLSN = msg.TransactionEndLSN
		if err := SavePosition(s.opts.PositionFile, s.confirmedLSN); err != nil {
			s.logger.Warnf("Failed to save position: %v", err)
		}

	default:
		s.logger.Debugf("Unhandled message %T", msg)
	}
	return nil
}

func (s *Stream) change(ctx context.Context, relID uint32, build func(*decoding.Relation) (decoding.Change, error)) error {
	if s.txn == nil {
		return fmt.Errorf("change for relation %d outside a transaction", relID)
	}
	if s.skipTxn {
		return nil
	}
	rel, err := s.relations.get(relID)
	if err != nil {
		return err
	}
	if rel.Rewrite != 0 && !s.output.ReceiveRewrites {
		return nil
	}
	if s.filter != nil && !s.filter.Allow(rel.Namespace, rel.Name) {
		return nil
	}

	change, err := build(rel)
	if err != nil {
		return err
	}
	return s.plugin.Change(ctx, s.dc, s.txn, rel, change)
}

func (s *Stream) sendStatus(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.confirmedLSN,
	})
	if err != nil {
		return fmt.Errorf("failed to send standby status update: %w", err)
	}
	s.logger.Debugf("Sent standby status update at %s", s.confirmedLSN)
	return nil
}

// ConfirmedLSN returns the end of the last transaction that was fully
// written.
func (s *Stream) ConfirmedLSN() pglogrepl.LSN {
	return s.confirmedLSN
}

// Close shuts the plugin down, reports the final position and closes the
// connection.
func (s *Stream) Close(ctx context.Context) error {
	s.plugin.Shutdown(s.dc)
	if s.conn == nil {
		return nil
	}
	if err := s.sendStatus(ctx); err != nil {
		s.logger.Warnf("Failed to send final status update: %v", err)
	}
	return s.conn.Close(ctx)
}
