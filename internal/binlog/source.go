// Package binlog feeds MySQL row-based binlog events through a
// decoding.OutputPlugin.
package binlog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/decoding"
)

// EventReader is the part of Reader a Source uses.
type EventReader interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
	SavePosition(name string, pos uint32) error
}

// TableFilter decides which tables are decoded.
type TableFilter interface {
	Allow(database, table string) bool
}

// SourceOptions configures a Source.
type SourceOptions struct {
	// UseGTID takes transaction ids from GTID events instead of a counter.
	UseGTID       bool
	Location      *time.Location
	PluginOptions []decoding.Option
}

var ddlPattern = regexp.MustCompile("(?i)^\\s*(ALTER|CREATE|DROP|RENAME|TRUNCATE)\\s+TABLE\\s+(?:IF\\s+(?:NOT\\s+)?EXISTS\\s+)?`?([^`.\\s(]+)`?(?:\\.`?([^`\\s(]+)`?)?")

// Source drives the output plugin from binlog events. Transactions are framed
// by BEGIN query events and XID (or COMMIT) events.
type Source struct {
	reader  EventReader
	opts    SourceOptions
	plugin  decoding.OutputPlugin
	dc      *decoding.DecodingContext
	catalog *Catalog
	filter  TableFilter
	logger  *logrus.Logger

	txn        *decoding.Txn
	pendingXid uint64
	lastXid    uint64
}

// NewSource creates a source. filter may be nil.
func NewSource(reader EventReader, opts SourceOptions, plugin decoding.OutputPlugin, dc *decoding.DecodingContext, catalog *Catalog, filter TableFilter, logger *logrus.Logger) *Source {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Source{
		reader:  reader,
		opts:    opts,
		plugin:  plugin,
		dc:      dc,
		catalog: catalog,
		filter:  filter,
		logger:  logger,
	}
}

// Start starts the output plugin.
func (s *Source) Start() error {
	output, err := s.plugin.Startup(s.dc, s.opts.PluginOptions)
	if err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	if output.ReceiveRewrites {
		s.logger.Debug("include-rewrites has no effect on a binlog source")
	}
	return nil
}

// Run processes binlog events until ctx is cancelled or an event fails.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("Starting binlog source...")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, stopping binlog source")
			return nil
		default:
		}

		event, err := s.reader.ReadEvent(ctx)
		if err != nil {
			// Timeout is expected when waiting for events, just continue
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("Error reading binlog event: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}

		if err := s.handle(ctx, event); err != nil {
			return err
		}
	}
}

// Close shuts the output plugin down.
func (s *Source) Close() {
	s.plugin.Shutdown(s.dc)
}

func (s *Source) handle(ctx context.Context, event *replication.BinlogEvent) error {
	switch e := event.Event.(type) {
	case *replication.GTIDEvent:
		if s.opts.UseGTID {
			s.pendingXid = uint64(e.GNO)
		}

	case *replication.MariadbGTIDEvent:
		if s.opts.UseGTID {
			s.pendingXid = e.GTID.SequenceNumber
		}

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		switch strings.ToUpper(query) {
		case "BEGIN":
			return s.begin(event.Header)
		case "COMMIT":
			return s.commit(ctx, event.Header.LogPos)
		}
		if m := ddlPattern.FindStringSubmatch(query); m != nil {
			database, table := string(e.Schema), m[2]
			if m[3] != "" {
				database, table = m[2], m[3]
			}
			s.catalog.Invalidate(database, table)
			s.logger.Infof("Schema change on %s.%s, column cache invalidated", database, table)
		} else {
			s.logger.Debugf("Query event: %s", query)
		}

	case *replication.XIDEvent:
		return s.commit(ctx, event.Header.LogPos)

	case *replication.TableMapEvent:
		s.logger.Debugf("Table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

	case *replication.RowsEvent:
		return s.rows(ctx, event.Header.EventType, e)

	case *replication.RotateEvent:
		s.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))

	default:
		s.logger.Debugf("Unhandled event type: %T", e)
	}
	return nil
}

func (s *Source) begin(header *replication.EventHeader) error {
	xid := s.pendingXid
	if xid == 0 {
		s.lastXid++
		xid = s.lastXid
	}
	s.pendingXid = 0

	s.txn = &decoding.Txn{
		Xid:        xid,
		CommitTime: time.Unix(int64(header.Timestamp), 0).In(s.opts.Location),
		FinalLSN:   decoding.LSN(header.LogPos),
	}
	return s.plugin.Begin(s.dc, s.txn)
}

func (s *Source) commit(ctx context.Context, logPos uint32) error {
	if s.txn == nil {
		return fmt.Errorf("commit at %d outside a transaction", logPos)
	}
	if err := s.plugin.Commit(ctx, s.dc, s.txn, decoding.LSN(logPos)); err != nil {
		return err
	}
	if f, ok := s.dc.Writer.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush transaction %d: %w", s.txn.Xid, err)
		}
	}
	s.txn = nil
	if err := s.reader.SavePosition("", logPos); err != nil {
		s.logger.Warnf("Failed to save position: %v", err)
	}
	return nil
}

func (s *Source) rows(ctx context.Context, eventType replication.EventType, e *replication.RowsEvent) error {
	// Determine the action from header
	var action decoding.Action
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		action = decoding.ActionInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		action = decoding.ActionUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		action = decoding.ActionDelete
	default:
		s.logger.Debugf("Unhandled row event type: %d", eventType)
		return nil
	}

	database, table := string(e.Table.Schema), string(e.Table.Table)
	if s.txn == nil {
		return fmt.Errorf("%s on %s.%s outside a transaction", action, database, table)
	}
	if s.filter != nil && !s.filter.Allow(database, table) {
		return nil
	}

	rel, err := s.relation(ctx, database, table, e)
	if err != nil {
		return err
	}

	info := s.catalog.columns(rel.ID)
	skipped := func(i int) []int {
		if i < len(e.SkippedColumns) {
			return e.SkippedColumns[i]
		}
		return nil
	}

	if action == decoding.ActionUpdate {
		// Rows holds [before_1, after_1, before_2, after_2, ...]
		for i := 0; i+1 < len(e.Rows); i += 2 {
			before := image(rel, info, e.Rows[i], skipped(i), false)
			after := image(rel, info, e.Rows[i+1], skipped(i+1), true)
			change := &decoding.Update{NewTuple: after}
			if keyChanged(rel, before, after) {
				change.OldTuple = keyImage(rel, before)
			}
			if err := s.plugin.Change(ctx, s.dc, s.txn, rel, change); err != nil {
				return err
			}
		}
		return nil
	}

	for i, values := range e.Rows {
		var change decoding.Change
		if action == decoding.ActionInsert {
			change = &decoding.Insert{NewTuple: image(rel, info, values, skipped(i), true)}
		} else {
			change = &decoding.Delete{OldTuple: keyImage(rel, image(rel, info, values, skipped(i), false))}
		}
		if err := s.plugin.Change(ctx, s.dc, s.txn, rel, change); err != nil {
			return err
		}
	}
	return nil
}

// relation returns the table definition, reloading it once if the event has
// more columns than the cached definition.
func (s *Source) relation(ctx context.Context, database, table string, e *replication.RowsEvent) (*decoding.Relation, error) {
	rel, err := s.catalog.Relation(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get column info: %w", err)
	}
	if int(e.ColumnCount) <= len(rel.Columns) {
		return rel, nil
	}

	s.logger.Warnf("Column count mismatch for %s.%s: event has %d, cache has %d, reloading",
		database, table, e.ColumnCount, len(rel.Columns))
	s.catalog.Invalidate(database, table)
	rel, err = s.catalog.Relation(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get column info: %w", err)
	}
	if int(e.ColumnCount) > len(rel.Columns) {
		return nil, fmt.Errorf("event for %s.%s has %d columns, table has %d", database, table, e.ColumnCount, len(rel.Columns))
	}
	return rel, nil
}

// image aligns a binlog row with rel. Integers of unsigned columns are
// reinterpreted as unsigned. Columns missing from a partial row image read as
// unfetched when external is set and as null otherwise.
func image(rel *decoding.Relation, info []ColumnInfo, values []interface{}, skipped []int, external bool) decoding.RowImage {
	row := make(decoding.RowImage, len(rel.Columns))
	for i := 0; i < len(row) && i < len(values); i++ {
		if i < len(info) && info[i].Unsigned {
			row[i] = unsignedValue(info[i].DataType, values[i])
		} else {
			row[i] = values[i]
		}
	}
	for _, i := range skipped {
		if i >= len(row) {
			continue
		}
		if external {
			row[i] = decoding.ExternalDatum{}
		} else {
			row[i] = nil
		}
	}
	return row
}

// keyImage keeps only primary key values. A table without a primary key has
// no old image.
func keyImage(rel *decoding.Relation, row decoding.RowImage) decoding.RowImage {
	var key decoding.RowImage
	for i := range rel.Columns {
		if !rel.Columns[i].Key {
			continue
		}
		if key == nil {
			key = make(decoding.RowImage, len(rel.Columns))
		}
		key[i] = row[i]
	}
	return key
}

func keyChanged(rel *decoding.Relation, before, after decoding.RowImage) bool {
	for i := range rel.Columns {
		if rel.Columns[i].Key && !reflect.DeepEqual(before[i], after[i]) {
			return true
		}
	}
	return false
}
