package decoding

import (
	"bytes"
	"context"

	"cdc-json/internal/models"
)

// OutputFunc appends the text form of d to dst.
type OutputFunc func(dst []byte, d Datum) []byte

// Catalog resolves the metadata the encoder needs beyond the Relation
// itself.
type Catalog interface {
	// RelationName returns the name of the relation with the given OID.
	RelationName(id OID) (string, bool)
	// TypeOutput returns the text output function for a type and whether
	// values of that type are variable length.
	TypeOutput(typeID OID) (fn OutputFunc, varlena bool)
}

// Detoaster fetches values that were not shipped with the row.
type Detoaster interface {
	Detoast(ctx context.Context, rel *Relation, row RowImage, attnum int) (Datum, error)
}

// Writer receives finished records.
type Writer interface {
	WriteRecord(ctx context.Context, rec *models.Record) error
}

// OutputPlugin is the set of callbacks a source drives for one stream. Calls
// are strictly sequential.
type OutputPlugin interface {
	Startup(dc *DecodingContext, options []Option) (OutputOptions, error)
	Begin(dc *DecodingContext, txn *Txn) error
	Change(ctx context.Context, dc *DecodingContext, txn *Txn, rel *Relation, change Change) error
	Commit(ctx context.Context, dc *DecodingContext, txn *Txn, commitLSN LSN) error
	FilterByOrigin(dc *DecodingContext, origin OriginID) bool
	Shutdown(dc *DecodingContext)
}

// DecodingContext is the source-owned side of a stream: the collaborators
// and the reusable output buffer records are written into.
type DecodingContext struct {
	Catalog   Catalog
	Detoaster Detoaster
	Writer    Writer

	out bytes.Buffer
}

// NewDecodingContext wires a context for one stream.
func NewDecodingContext(catalog Catalog, detoaster Detoaster, writer Writer) *DecodingContext {
	return &DecodingContext{
		Catalog:   catalog,
		Detoaster: detoaster,
		Writer:    writer,
	}
}

// PrepareWrite empties the output buffer and returns it.
func (dc *DecodingContext) PrepareWrite() *bytes.Buffer {
	dc.out.Reset()
	return &dc.out
}

// Write flushes the output buffer as rec's payload.
func (dc *DecodingContext) Write(ctx context.Context, rec *models.Record) error {
	rec.Payload = dc.out.Bytes()
	err := dc.Writer.WriteRecord(ctx, rec)
	dc.out.Reset()
	return err
}

// Discard drops whatever was written since PrepareWrite.
func (dc *DecodingContext) Discard() {
	dc.out.Reset()
}
