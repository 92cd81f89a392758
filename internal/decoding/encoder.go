package decoding

import (
	"bytes"
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"cdc-json/internal/pgtext"
)

// recordEncoder streams one change into buf as a brace-delimited record.
type recordEncoder struct {
	buf       *bytes.Buffer
	cfg       StreamConfig
	catalog   Catalog
	detoaster Detoaster
	scratch   *scratch
}

// object writes the members of one brace-delimited object, placing exactly
// one comma between consecutive members.
type object struct {
	buf   *bytes.Buffer
	empty bool
}

func openObject(buf *bytes.Buffer) object {
	buf.WriteByte('{')
	return object{buf: buf, empty: true}
}

func (o *object) sep() {
	if !o.empty {
		o.buf.WriteByte(',')
	}
	o.empty = false
}

// key starts a member with a fixed, already valid key.
func (o *object) key(name string) {
	o.sep()
	o.buf.WriteString(` "`)
	o.buf.WriteString(name)
	o.buf.WriteString(`": `)
}

// column starts a member keyed by a column name.
func (o *object) column(name string) {
	o.sep()
	o.buf.WriteString(` "`)
	o.buf.WriteString(pgtext.QuoteIdentifier(name))
	o.buf.WriteString(`": `)
}

func (o *object) close() {
	o.buf.WriteString(" }")
}

func (e *recordEncoder) encode(
	ctx context.Context, state *TxnState, rel *Relation, change Change,
) error {
	var tmp [64]byte
	rec := openObject(e.buf)

	rec.key("table")
	e.buf.WriteByte('"')
	e.buf.WriteString(pgtext.QuoteQualifiedIdentifier(rel.Namespace, e.tableName(rel)))
	e.buf.WriteByte('"')

	if e.cfg.IncludeTimestamp {
		rec.key("txn_time")
		e.buf.WriteByte('"')
		e.buf.Write(pgtext.AppendTimestamptz(tmp[:0], state.CommitTime))
		e.buf.WriteByte('"')
	}
	if e.cfg.IncludeXids {
		rec.key("txn_id")
		e.buf.Write(strconv.AppendUint(tmp[:0], state.Xid, 10))
	}

	rec.key("op")
	e.buf.WriteByte('"')
	e.buf.WriteString(string(change.Action()))
	e.buf.WriteByte('"')

	switch c := change.(type) {
	case *Insert:
		if c.NewTuple != nil {
			if err := e.writeFields(ctx, &rec, rel, c.NewTuple, false); err != nil {
				return err
			}
		}
	case *Update:
		if c.OldTuple != nil {
			rec.key("old_primary_key")
			old := openObject(e.buf)
			if err := e.writeFields(ctx, &old, rel, c.OldTuple, true); err != nil {
				return err
			}
			old.close()
		}
		if c.NewTuple != nil {
			if err := e.writeFields(ctx, &rec, rel, c.NewTuple, false); err != nil {
				return err
			}
		}
	case *Delete:
		if c.OldTuple != nil {
			if err := e.writeFields(ctx, &rec, rel, c.OldTuple, true); err != nil {
				return err
			}
		}
	default:
		return errors.AssertionFailedf("unexpected change type %T", change)
	}

	rec.close()
	return nil
}

// tableName is the relation's own name, or the name of the table it is
// rewriting.
func (e *recordEncoder) tableName(rel *Relation) string {
	if rel.Rewrite != 0 {
		if name, ok := e.catalog.RelationName(rel.Rewrite); ok {
			return name
		}
	}
	return rel.Name
}

// writeFields adds one member per live column of row to obj, in column
// order. With skipNulls, null columns are left out entirely.
func (e *recordEncoder) writeFields(
	ctx context.Context, obj *object, rel *Relation, row RowImage, skipNulls bool,
) error {
	for i := range rel.Columns {
		col := &rel.Columns[i]
		if col.Dropped || col.isSystem() {
			continue
		}

		d, isNull := row.Attr(i)
		if isNull && skipNulls {
			continue
		}

		obj.column(col.Name)
		if isNull {
			e.buf.WriteString("null")
			continue
		}

		output, varlena := e.catalog.TypeOutput(col.TypeID)
		if output == nil {
			output = TextOutput
		}

		if isExternal(d) {
			if (varlena && !e.cfg.IncludeToastDatum) || e.detoaster == nil {
				e.buf.WriteString(unchangedToastDatum)
				continue
			}
			fetched, err := e.detoaster.Detoast(ctx, rel, row, i)
			if err != nil {
				return errors.Wrapf(err, "fetching %s.%s", rel.Name, col.Name)
			}
			if fetched == nil {
				e.buf.WriteString("null")
				continue
			}
			d = e.scratch.hold(fetched)
		}

		writeLiteral(e.buf, col.TypeID, e.scratch.text(output, d))
	}
	return nil
}
