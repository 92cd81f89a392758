package pgrepl

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"

	"cdc-json/internal/decoding"
)

// relationKeyFlag marks replica identity columns in a Relation message.
const relationKeyFlag = 1

// relationCache holds the relations announced on the stream. pgoutput sends a
// Relation message before the first change of a relation and again whenever
// its definition changes.
type relationCache struct {
	catalog *Catalog
	rels    map[uint32]*decoding.Relation
}

func newRelationCache(catalog *Catalog) *relationCache {
	return &relationCache{
		catalog: catalog,
		rels:    make(map[uint32]*decoding.Relation),
	}
}

func (c *relationCache) update(ctx context.Context, msg *pglogrepl.RelationMessage) (*decoding.Relation, error) {
	rel := &decoding.Relation{
		ID:        msg.RelationID,
		Namespace: msg.Namespace,
		Name:      msg.RelationName,
		Columns:   make([]decoding.Column, 0, len(msg.Columns)),
	}
	for i, col := range msg.Columns {
		rel.Columns = append(rel.Columns, decoding.Column{
			Name:   col.Name,
			TypeID: col.DataType,
			Num:    int16(i + 1),
			Key:    col.Flags&relationKeyFlag != 0,
		})
	}

	c.catalog.Forget(rel.ID)
	rewrite, err := c.catalog.RewriteTarget(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	rel.Rewrite = rewrite

	c.catalog.Remember(rel.ID, rel.Name)
	c.rels[rel.ID] = rel
	return rel, nil
}

func (c *relationCache) get(id uint32) (*decoding.Relation, error) {
	rel, ok := c.rels[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", id)
	}
	return rel, nil
}

// rowImage converts a pgoutput tuple. The returned image aliases the message
// buffer and is valid until the next message is received.
func rowImage(rel *decoding.Relation, tuple *pglogrepl.TupleData) (decoding.RowImage, error) {
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) > len(rel.Columns) {
		return nil, fmt.Errorf("tuple for %s.%s has %d columns, relation has %d",
			rel.Namespace, rel.Name, len(tuple.Columns), len(rel.Columns))
	}

	row := make(decoding.RowImage, len(rel.Columns))
	for i, col := range tuple.Columns {
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[i] = nil
		case pglogrepl.TupleDataTypeToast:
			row[i] = decoding.ExternalDatum{}
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			row[i] = col.Data
		default:
			return nil, fmt.Errorf("unhandled column data type %q in %s.%s", col.DataType, rel.Namespace, rel.Name)
		}
	}
	return row, nil
}
