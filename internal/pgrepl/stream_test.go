package pgrepl

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-json/internal/decoding"
	"cdc-json/internal/models"
)

const usersRelID = 16384

var commitTime = time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)

type recordingWriter struct {
	payloads []string
	records  []models.Record
	flushes  int
}

func (w *recordingWriter) WriteRecord(_ context.Context, rec *models.Record) error {
	w.payloads = append(w.payloads, string(rec.Payload))
	cp := *rec
	cp.Payload = nil
	w.records = append(w.records, cp)
	return nil
}

func (w *recordingWriter) Flush() error {
	w.flushes++
	return nil
}

type tableSet map[string]bool

func (s tableSet) Allow(namespace, table string) bool {
	return !s[namespace+"."+table]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func strPtr(s string) *string { return &s }

type fixture struct {
	stream  *Stream
	writer  *recordingWriter
	catalog *Catalog
}

func newFixture(t *testing.T, filter TableFilter, options ...decoding.Option) *fixture {
	t.Helper()
	logger := quietLogger()
	catalog := NewCatalog(nil, logger)
	writer := &recordingWriter{}
	dc := decoding.NewDecodingContext(catalog, nil, writer)
	opts := Options{
		Slot:          "cdc",
		Publication:   "all",
		PositionFile:  filepath.Join(t.TempDir(), "position"),
		PluginOptions: options,
	}
	stream := NewStream(nil, opts, decoding.NewJSONDecoder(logger), dc, catalog, filter, logger)

	output, err := stream.plugin.Startup(dc, options)
	require.NoError(t, err)
	stream.output = output
	return &fixture{stream: stream, writer: writer, catalog: catalog}
}

func (f *fixture) handle(t *testing.T, msgs ...pglogrepl.Message) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, f.stream.handle(context.Background(), msg))
	}
}

func usersRelationMessage() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   usersRelID,
		Namespace:    "public",
		RelationName: "users",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: pgtype.Int4OID},
			{Name: "name", DataType: pgtype.TextOID},
			{Name: "active", DataType: pgtype.BoolOID},
		},
	}
}

func tuple(cols ...*pglogrepl.TupleDataColumn) *pglogrepl.TupleData {
	return &pglogrepl.TupleData{ColumnNum: uint16(len(cols)), Columns: cols}
}

func text(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func null() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
}

func toast() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast}
}

func begin(xid uint32) *pglogrepl.BeginMessage {
	return &pglogrepl.BeginMessage{FinalLSN: 0x1000, CommitTime: commitTime, Xid: xid}
}

func commit(end pglogrepl.LSN) *pglogrepl.CommitMessage {
	return &pglogrepl.CommitMessage{CommitLSN: end - 8, TransactionEndLSN: end, CommitTime: commitTime}
}

func TestStreamTransaction(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(t,
		begin(42),
		usersRelationMessage(),
		&pglogrepl.InsertMessage{RelationID: usersRelID, Tuple: tuple(text("1"), text(`a "quoted" name`), text("t"))},
		&pglogrepl.UpdateMessage{
			RelationID:   usersRelID,
			OldTupleType: pglogrepl.UpdateMessageTupleTypeKey,
			OldTuple:     tuple(text("1"), null(), null()),
			NewTuple:     tuple(text("2"), text("b"), text("f")),
		},
		&pglogrepl.UpdateMessage{RelationID: usersRelID, NewTuple: tuple(text("2"), null(), text("t"))},
		&pglogrepl.DeleteMessage{RelationID: usersRelID, OldTuple: tuple(text("2"), null(), null())},
		commit(0x2000),
	)

	prefix := `{ "table": "public.users", "txn_time": "2024-03-07 09:05:01+00", "txn_id": 42, `
	assert.Equal(t, []string{
		prefix + `"op": "INSERT", "id": 1, "name": "a ""quoted"" name", "active": true }`,
		prefix + `"op": "UPDATE", "old_primary_key": { "id": 1 }, "id": 2, "name": "b", "active": false }`,
		prefix + `"op": "UPDATE", "id": 2, "name": null, "active": true }`,
		prefix + `"op": "DELETE", "id": 2 }`,
	}, f.writer.payloads)

	rec := f.writer.records[0]
	assert.Equal(t, "INSERT", rec.Op)
	assert.Equal(t, "public.users", rec.QualifiedTable())
	assert.Equal(t, uint64(42), rec.Xid)
	assert.Equal(t, uint64(0x1000), rec.LSN)

	assert.Equal(t, 1, f.writer.flushes)
	assert.Equal(t, pglogrepl.LSN(0x2000), f.stream.ConfirmedLSN())
	saved, err := LoadPosition(f.stream.opts.PositionFile)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(0x2000), saved)
}

func TestStreamCommitTimeZone(t *testing.T) {
	f := newFixture(t, nil, decoding.Option{Name: decoding.OptIncludeXids, Value: strPtr("false")})
	f.stream.opts.Location = time.FixedZone("IST", 5*3600+30*60)

	f.handle(t,
		begin(1),
		usersRelationMessage(),
		&pglogrepl.InsertMessage{RelationID: usersRelID, Tuple: tuple(text("1"), text("a"), null())},
		commit(0x10),
	)
	assert.Equal(t, []string{
		`{ "table": "public.users", "txn_time": "2024-03-07 14:35:01+05:30", "op": "INSERT", "id": 1, "name": "a", "active": null }`,
	}, f.writer.payloads)
}

func TestStreamTableFilter(t *testing.T) {
	f := newFixture(t, tableSet{"public.users": true})
	f.handle(t,
		begin(5),
		usersRelationMessage(),
		&pglogrepl.InsertMessage{RelationID: usersRelID, Tuple: tuple(text("1"), text("a"), null())},
		commit(0x3000),
	)
	assert.Empty(t, f.writer.payloads)
	assert.Equal(t, pglogrepl.LSN(0x3000), f.stream.ConfirmedLSN())
}

func TestStreamOriginFilter(t *testing.T) {
	insert := &pglogrepl.InsertMessage{RelationID: usersRelID, Tuple: tuple(text("1"), text("a"), null())}

	t.Run("only local", func(t *testing.T) {
		f := newFixture(t, nil, decoding.Option{Name: decoding.OptOnlyLocalOrigin})
		f.handle(t,
			usersRelationMessage(),
			begin(1), &pglogrepl.OriginMessage{Name: "upstream"}, insert, commit(0x10),
			begin(2), insert, commit(0x20),
		)
		require.Len(t, f.writer.records, 1)
		assert.Equal(t, uint64(2), f.writer.records[0].Xid)
	})

	t.Run("all origins", func(t *testing.T) {
		f := newFixture(t, nil)
		f.handle(t,
			usersRelationMessage(),
			begin(1), &pglogrepl.OriginMessage{Name: "upstream"}, insert, commit(0x10),
		)
		assert.Len(t, f.writer.records, 1)
	})
}

func TestStreamUnchangedToast(t *testing.T) {
	update := &pglogrepl.UpdateMessage{RelationID: usersRelID, NewTuple: tuple(text("1"), toast(), text("t"))}
	expected := `{ "table": "public.users", "op": "UPDATE", "id": 1, "name": unchanged-toast-datum, "active": true }`

	for _, includeToast := range []string{"true", "false"} {
		f := newFixture(t, nil,
			decoding.Option{Name: decoding.OptIncludeXids, Value: strPtr("false")},
			decoding.Option{Name: decoding.OptIncludeTimestamp, Value: strPtr("false")},
			decoding.Option{Name: decoding.OptIncludeToastDatum, Value: strPtr(includeToast)},
		)
		f.handle(t, begin(1), usersRelationMessage(), update, commit(0x10))
		assert.Equal(t, []string{expected}, f.writer.payloads, "include-toast-datum=%s", includeToast)
	}
}

func TestStreamRewriteHeap(t *testing.T) {
	heap := &pglogrepl.RelationMessage{
		RelationID:   20000,
		Namespace:    "public",
		RelationName: "pg_temp_16384",
		Columns:      []*pglogrepl.RelationMessageColumn{{Flags: 1, Name: "id", DataType: pgtype.Int4OID}},
	}
	insert := &pglogrepl.InsertMessage{RelationID: 20000, Tuple: tuple(text("9"))}
	quiet := []decoding.Option{
		{Name: decoding.OptIncludeXids, Value: strPtr("false")},
		{Name: decoding.OptIncludeTimestamp, Value: strPtr("false")},
	}

	t.Run("dropped by default", func(t *testing.T) {
		f := newFixture(t, nil, quiet...)
		f.catalog.Remember(usersRelID, "users")
		require.NoError(t, f.stream.handle(context.Background(), begin(1)))
		_, err := f.stream.relations.update(context.Background(), heap)
		require.NoError(t, err)
		f.stream.relations.rels[20000].Rewrite = usersRelID
		f.handle(t, insert, commit(0x10))
		assert.Empty(t, f.writer.payloads)
	})

	t.Run("included", func(t *testing.T) {
		f := newFixture(t, nil, append(quiet, decoding.Option{Name: decoding.OptIncludeRewrites, Value: strPtr("on")})...)
		f.catalog.Remember(usersRelID, "users")
		require.NoError(t, f.stream.handle(context.Background(), begin(1)))
		_, err := f.stream.relations.update(context.Background(), heap)
		require.NoError(t, err)
		f.stream.relations.rels[20000].Rewrite = usersRelID
		f.handle(t, insert, commit(0x10))
		assert.Equal(t, []string{`{ "table": "public.users", "op": "INSERT", "id": 9 }`}, f.writer.payloads)
	})
}

func TestStreamProtocolErrors(t *testing.T) {
	ctx := context.Background()
	insert := &pglogrepl.InsertMessage{RelationID: usersRelID, Tuple: tuple(text("1"))}

	f := newFixture(t, nil)
	err := f.stream.handle(ctx, insert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside a transaction")

	err = f.stream.handle(ctx, commit(0x10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside a transaction")

	require.NoError(t, f.stream.handle(ctx, begin(1)))
	err = f.stream.handle(ctx, insert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown relation ID 16384")

	require.NoError(t, f.stream.handle(ctx, usersRelationMessage()))
	err = f.stream.handle(ctx, &pglogrepl.InsertMessage{
		RelationID: usersRelID,
		Tuple:      tuple(text("1"), text("a"), text("t"), text("extra")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 4 columns, relation has 3")
}

func TestHandleKeepalive(t *testing.T) {
	f := newFixture(t, nil)
	f.stream.statusDeadline = time.Now().Add(time.Hour)

	// ServerWALEnd 0x500, ServerTime 0, ReplyRequested 1
	data := []byte{pglogrepl.PrimaryKeepaliveMessageByteID,
		0, 0, 0, 0, 0, 0, 0x05, 0x00,
		0, 0, 0, 0, 0, 0, 0, 0,
		1}
	require.NoError(t, f.stream.handleCopyData(context.Background(), data))
	assert.Equal(t, pglogrepl.LSN(0x500), f.stream.ConfirmedLSN())
	assert.True(t, f.stream.statusDeadline.IsZero())

	// no advance while a transaction is open
	require.NoError(t, f.stream.handle(context.Background(), begin(1)))
	data[7] = 0x09
	require.NoError(t, f.stream.handleCopyData(context.Background(), data))
	assert.Equal(t, pglogrepl.LSN(0x500), f.stream.ConfirmedLSN())
}

func TestRowImage(t *testing.T) {
	rel := &decoding.Relation{Namespace: "public", Name: "t", Columns: []decoding.Column{
		{Name: "a", Num: 1}, {Name: "b", Num: 2}, {Name: "c", Num: 3}, {Name: "d", Num: 4},
	}}

	row, err := rowImage(rel, tuple(text("x"), null(), toast()))
	require.NoError(t, err)
	require.Len(t, row, 4)
	assert.Equal(t, []byte("x"), row[0])
	assert.Nil(t, row[1])
	assert.Equal(t, decoding.ExternalDatum{}, row[2])
	_, isNull := row.Attr(3)
	assert.True(t, isNull)

	row, err = rowImage(rel, nil)
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = rowImage(rel, tuple(&pglogrepl.TupleDataColumn{DataType: 'z'}))
	require.Error(t, err)
}

func TestRelationCache(t *testing.T) {
	catalog := NewCatalog(nil, quietLogger())
	cache := newRelationCache(catalog)

	rel, err := cache.update(context.Background(), usersRelationMessage())
	require.NoError(t, err)
	assert.Equal(t, decoding.OID(usersRelID), rel.ID)
	require.Len(t, rel.Columns, 3)
	assert.Equal(t, decoding.Column{Name: "id", TypeID: pgtype.Int4OID, Num: 1, Key: true}, rel.Columns[0])
	assert.False(t, rel.Columns[1].Key)
	assert.Equal(t, int16(3), rel.Columns[2].Num)

	name, ok := catalog.RelationName(usersRelID)
	assert.True(t, ok)
	assert.Equal(t, "users", name)

	got, err := cache.get(usersRelID)
	require.NoError(t, err)
	assert.Same(t, rel, got)
}

func TestCatalogTypeOutput(t *testing.T) {
	catalog := NewCatalog(nil, quietLogger())
	for typeID, varlena := range map[decoding.OID]bool{
		pgtype.TextOID:        true,
		pgtype.ByteaOID:       true,
		pgtype.JSONBOID:       true,
		pgtype.NumericOID:     true,
		pgtype.Int4OID:        false,
		pgtype.TimestamptzOID: false,
		pgtype.UUIDOID:        false,
	} {
		fn, got := catalog.TypeOutput(typeID)
		assert.NotNil(t, fn)
		assert.Equal(t, varlena, got, catalog.TypeName(typeID))
	}
	assert.Equal(t, "int4", catalog.TypeName(pgtype.Int4OID))
	assert.Equal(t, "oid 99999", catalog.TypeName(99999))
}

func TestOriginMap(t *testing.T) {
	m := newOriginMap()
	a := m.id("a")
	b := m.id("b")
	assert.NotEqual(t, decoding.InvalidOriginID, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, m.id("a"))
}

func TestReplicationConnString(t *testing.T) {
	assert.Equal(t, "postgres://repl@db:5432/app?replication=database&sslmode=disable",
		replicationConnString("postgres://repl@db:5432/app?sslmode=disable"))
	assert.Equal(t, "host=db dbname=app replication=database",
		replicationConnString("host=db dbname=app"))
}

func TestPositionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lsn")

	lsn, err := LoadPosition(path)
	require.NoError(t, err)
	assert.Zero(t, lsn)

	require.NoError(t, SavePosition(path, 0x16B3748))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0/16B3748", string(data))

	lsn, err = LoadPosition(path)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(0x16B3748), lsn)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = LoadPosition(path)
	require.Error(t, err)

	require.NoError(t, SavePosition("", 1))
	lsn, err = LoadPosition("")
	require.NoError(t, err)
	assert.Zero(t, lsn)
}
