package models

import "time"

// Record is one encoded change as handed to sinks.
type Record struct {
	Op         string    `json:"op"` // INSERT, UPDATE, DELETE
	Namespace  string    `json:"namespace"`
	Table      string    `json:"table"`
	Xid        uint64    `json:"xid"`
	CommitTime time.Time `json:"commit_time"`
	LSN        uint64    `json:"lsn,omitempty"`
	// Payload is only valid until the receiving call returns; sinks that keep
	// it must copy.
	Payload []byte `json:"-"`
}

// QualifiedTable returns namespace.table, or just the table when the source
// has no namespace.
func (r *Record) QualifiedTable() string {
	if r.Namespace == "" {
		return r.Table
	}
	return r.Namespace + "." + r.Table
}
