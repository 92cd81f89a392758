package decoding

import (
	"fmt"
	"time"
)

// OID identifies relations and types.
type OID = uint32

// LSN is a position in the source's transaction log.
type LSN uint64

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// OriginID tags the replication origin a transaction was replayed from.
type OriginID uint16

// InvalidOriginID marks transactions that originated locally.
const InvalidOriginID OriginID = 0

// Txn is the source's view of the transaction a change belongs to.
type Txn struct {
	Xid        uint64
	CommitTime time.Time
	FinalLSN   LSN
	Origin     OriginID
}

// Column describes one attribute of a relation.
type Column struct {
	Name    string
	TypeID  OID
	Num     int16 // attnum; negative for system columns
	Dropped bool
	// Key is set for replica identity columns. The encoder ignores it; sources
	// use it to look up values.
	Key bool
}

func (c *Column) isSystem() bool { return c.Num < 0 }

// Relation is a resolved snapshot of a table's catalog entry.
type Relation struct {
	ID        OID
	Namespace string
	Name      string
	// Rewrite is set while this relation is the transient heap of a table
	// rewrite and names the table being rewritten.
	Rewrite OID
	Columns []Column
}

// Datum is a single column value as delivered by a source: nil for NULL,
// []byte or string for text, a Go scalar, or ExternalDatum for a value stored
// out of line that was not fetched.
type Datum interface{}

// ExternalDatum stands in for a large value that lives outside the row and
// was not shipped with it.
type ExternalDatum struct {
	// Ref is an opaque pointer the Detoaster may use. Sources that cannot
	// address the value directly leave it empty.
	Ref []byte
}

// RowImage is a row aligned to Relation.Columns.
type RowImage []Datum

// Attr returns the value of column i and whether it is null. Columns beyond
// the end of the image read as null.
func (r RowImage) Attr(i int) (Datum, bool) {
	if i >= len(r) || r[i] == nil {
		return nil, true
	}
	return r[i], false
}

func isExternal(d Datum) bool {
	switch d.(type) {
	case ExternalDatum, *ExternalDatum:
		return true
	}
	return false
}

// Action names the kind of change.
type Action string

// Change actions, as rendered in the "op" field.
const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Change is a row-level change. It is implemented only by Insert, Update and
// Delete.
type Change interface {
	Action() Action
	change()
}

// Insert carries the new row.
type Insert struct {
	NewTuple RowImage
}

// Update carries the new row and, when the replica identity requires it, the
// old key or old row.
type Update struct {
	OldTuple RowImage
	NewTuple RowImage
}

// Delete carries the old key or old row; it is nil without a replica
// identity.
type Delete struct {
	OldTuple RowImage
}

func (*Insert) Action() Action { return ActionInsert }
func (*Update) Action() Action { return ActionUpdate }
func (*Delete) Action() Action { return ActionDelete }

func (*Insert) change() {}
func (*Update) change() {}
func (*Delete) change() {}
