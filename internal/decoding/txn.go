package decoding

import "time"

// TxnState is the per-transaction state of a stream. There is exactly one
// per stream; it is replaced at every transaction begin.
type TxnState struct {
	Xid          uint64
	CommitTime   time.Time
	WroteChanges bool
	begun        bool
}

// BeginTransaction returns fresh state for txn. Unless empty transactions are
// skipped, the begin bookkeeping happens right away; otherwise it is deferred
// to the first change.
func BeginTransaction(cfg StreamConfig, txn *Txn) TxnState {
	var s TxnState
	if !cfg.SkipEmptyXacts {
		s.markBegun(cfg, txn)
	}
	return s
}

// Begun reports whether the begin bookkeeping ran for the transaction.
func (s *TxnState) Begun() bool { return s.begun }

// markBegun captures the transaction metadata records will carry.
func (s *TxnState) markBegun(cfg StreamConfig, txn *Txn) {
	if cfg.IncludeXids {
		s.Xid = txn.Xid
	}
	if cfg.IncludeTimestamp {
		s.CommitTime = txn.CommitTime
	}
	s.begun = true
}

// ShouldFilterByOrigin reports whether changes replayed from origin must be
// skipped.
func ShouldFilterByOrigin(cfg StreamConfig, origin OriginID) bool {
	return cfg.OnlyLocalOrigin && origin != InvalidOriginID
}
