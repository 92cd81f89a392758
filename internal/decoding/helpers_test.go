package decoding

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/models"
)

type testCatalog struct {
	names map[OID]string
}

func (c *testCatalog) RelationName(id OID) (string, bool) {
	name, ok := c.names[id]
	return name, ok
}

func (c *testCatalog) TypeOutput(typeID OID) (OutputFunc, bool) {
	switch typeID {
	case pgtype.TextOID, pgtype.ByteaOID, pgtype.JSONBOID, pgtype.VarcharOID,
		pgtype.NumericOID, pgtype.VarbitOID, pgtype.BitOID:
		return TextOutput, true
	}
	return TextOutput, false
}

type testDetoaster struct {
	values map[int]Datum
	err    error
	calls  int
}

func (d *testDetoaster) Detoast(_ context.Context, _ *Relation, _ RowImage, attnum int) (Datum, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.values[attnum], nil
}

type testWriter struct {
	records []models.Record
	err     error
}

func (w *testWriter) WriteRecord(_ context.Context, rec *models.Record) error {
	if w.err != nil {
		return w.err
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	w.records = append(w.records, cp)
	return nil
}

func (w *testWriter) payloads() []string {
	out := make([]string, len(w.records))
	for i := range w.records {
		out[i] = string(w.records[i].Payload)
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func strPtr(s string) *string { return &s }

var testCommitTime = time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)

func usersRelation() *Relation {
	return &Relation{
		ID:        16384,
		Namespace: "public",
		Name:      "users",
		Columns: []Column{
			{Name: "id", TypeID: pgtype.Int4OID, Num: 1, Key: true},
			{Name: "name", TypeID: pgtype.TextOID, Num: 2},
			{Name: "deleted", TypeID: pgtype.BoolOID, Num: 3},
		},
	}
}

// startDecoder starts a decoder against fresh test collaborators.
func startDecoder(options ...Option) (*JSONDecoder, *DecodingContext, *testWriter, *testDetoaster, error) {
	w := &testWriter{}
	dt := &testDetoaster{values: map[int]Datum{}}
	dc := NewDecodingContext(&testCatalog{names: map[OID]string{}}, dt, w)
	d := NewJSONDecoder(quietLogger())
	_, err := d.Startup(dc, options)
	return d, dc, w, dt, err
}
