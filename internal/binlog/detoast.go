package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cdc-json/internal/decoding"
)

// Detoaster fetches columns the row image left out (binlog_row_image other
// than FULL) by primary key.
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
	query, args, err := fetchQuery(rel, row, attnum)
	if err != nil {
		return nil, err
	}

	var value sql.RawBytes
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rel.Columns[attnum].Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", rel.Columns[attnum].Name, err)
		}
		return nil, nil
	}
	if err := rows.Scan(&value); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", rel.Columns[attnum].Name, err)
	}
	if value == nil {
		return nil, nil
	}
	// RawBytes is only valid until the next call on rows
	return append([]byte(nil), value...), nil
}

func quoteName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func fetchQuery(rel *decoding.Relation, row decoding.RowImage, attnum int) (string, []interface{}, error) {
	if attnum < 0 || attnum >= len(rel.Columns) {
		return "", nil, fmt.Errorf("column %d out of range for %s.%s", attnum, rel.Namespace, rel.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s.%s", quoteName(rel.Columns[attnum].Name), quoteName(rel.Namespace), quoteName(rel.Name))

	var args []interface{}
	for i := range rel.Columns {
		col := &rel.Columns[i]
		if !col.Key {
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
		fmt.Fprintf(&b, "%s = ?", quoteName(col.Name))
		args = append(args, sqlArg(value))
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s.%s has no primary key", rel.Namespace, rel.Name)
	}
	return b.String(), args, nil
}

// sqlArg passes driver-native values through and renders anything else as
// text.
func sqlArg(d decoding.Datum) interface{} {
	switch v := d.(type) {
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64, string, []byte:
		return v
	}
	return string(decoding.TextOutput(nil, d))
}
