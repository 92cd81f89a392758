package pgrepl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cdc-json/internal/decoding"
	"cdc-json/internal/pgtext"
)

// Detoaster fetches values pgoutput left out of a row because they were
// stored out of line and did not change. It reads the current value of the
// column by the row's replica identity.
type Detoaster struct {
	db *sql.DB
}

var _ decoding.Detoaster = (*Detoaster)(nil)

func NewDetoaster(db *sql.DB) *Detoaster {
	return &Detoaster{db: db}
}

// Detoast implements decoding.Detoaster. A row that no longer exists reads as
// null.
func (d *Detoaster) Detoast(ctx context.Context, rel *decoding.Relation, row decoding.RowImage, attnum int) (decoding.Datum, error) {
	query, args, err := detoastQuery(rel, row, attnum)
	if err != nil {
		return nil, err
	}

	var value sql.NullString
	err = d.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rel.Columns[attnum].Name, err)
	}
	if !value.Valid {
		return nil, nil
	}
	return []byte(value.String), nil
}

func detoastQuery(rel *decoding.Relation, row decoding.RowImage, attnum int) (string, []interface{}, error) {
	if attnum < 0 || attnum >= len(rel.Columns) {
		return "", nil, fmt.Errorf("column %d out of range for %s.%s", attnum, rel.Namespace, rel.Name)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	pgtext.AppendQuotedIdentifier(&b, rel.Columns[attnum].Name)
	b.WriteString("::text FROM ")
	b.WriteString(pgtext.QuoteQualifiedIdentifier(rel.Namespace, rel.Name))

	var args []interface{}
	for i := range rel.Columns {
		col := &rel.Columns[i]
		if !col.Key || col.Dropped {
			continue
		}
		value, isNull := row.Attr(i)
		if isNull {
			return "", nil, fmt.Errorf("key column %s of %s.%s is null", col.Name, rel.Namespace, rel.Name)
		}
		if _, ok := value.(decoding.ExternalDatum); ok {
			return "", nil, fmt.Errorf("key column %s of %s.%s was not sent", col.Name, rel.Namespace, rel.Name)
		}
		if len(args) == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, string(decoding.TextOutput(nil, value)))
		pgtext.AppendQuotedIdentifier(&b, col.Name)
		fmt.Fprintf(&b, " = $%d", len(args))
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s.%s has no replica identity columns", rel.Namespace, rel.Name)
	}
	return b.String(), args, nil
}
