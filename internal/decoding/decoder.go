// Package decoding renders row-level changes as JSON-like text records.
//
// A source drives a JSONDecoder through the OutputPlugin callbacks, one
// stream at a time. Each change becomes one record of the form
//
//	{ "table": "public.users", "txn_time": "...", "txn_id": 7, "op": "INSERT", "id": 1, "name": "x" }
//
// written straight into the DecodingContext's buffer and flushed to its
// Writer.
package decoding

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/models"
)

// JSONDecoder is the OutputPlugin that produces JSON-like records. A value
// serves a single stream.
type JSONDecoder struct {
	cfg     StreamConfig
	txn     TxnState
	scratch *scratch
	logger  *logrus.Logger
}

var _ OutputPlugin = (*JSONDecoder)(nil)

// NewJSONDecoder creates a decoder. It must be started before use.
func NewJSONDecoder(logger *logrus.Logger) *JSONDecoder {
	return &JSONDecoder{logger: logger}
}

// Config returns the configuration the stream was started with.
func (d *JSONDecoder) Config() StreamConfig { return d.cfg }

// TxnState returns the state of the current transaction.
func (d *JSONDecoder) TxnState() TxnState { return d.txn }

// Startup implements OutputPlugin.
func (d *JSONDecoder) Startup(dc *DecodingContext, options []Option) (OutputOptions, error) {
	cfg, out, err := ParseOptions(options)
	if err != nil {
		return OutputOptions{}, err
	}
	d.cfg = cfg
	d.txn = TxnState{}
	d.scratch = newScratch()

	d.logger.WithFields(logrus.Fields{
		"include_xids":        cfg.IncludeXids,
		"include_timestamp":   cfg.IncludeTimestamp,
		"skip_empty_xacts":    cfg.SkipEmptyXacts,
		"only_local_origin":   cfg.OnlyLocalOrigin,
		"include_toast_datum": cfg.IncludeToastDatum,
		"include_rewrites":    out.ReceiveRewrites,
	}).Info("JSON decoder started")
	return out, nil
}

// Begin implements OutputPlugin.
func (d *JSONDecoder) Begin(dc *DecodingContext, txn *Txn) error {
	d.txn = BeginTransaction(d.cfg, txn)
	if d.txn.Begun() {
		d.logger.Debugf("BEGIN %d", txn.Xid)
	}
	return nil
}

// Change implements OutputPlugin. The record is flushed only if it was
// encoded completely.
func (d *JSONDecoder) Change(
	ctx context.Context, dc *DecodingContext, txn *Txn, rel *Relation, change Change,
) error {
	if d.scratch == nil {
		return errors.AssertionFailedf("change received on a stream that is not started")
	}

	// output BEGIN if we haven't yet
	if d.cfg.SkipEmptyXacts && !d.txn.WroteChanges {
		d.txn.markBegun(d.cfg, txn)
		d.logger.Debugf("BEGIN %d", txn.Xid)
	}
	d.txn.WroteChanges = true

	defer d.scratch.reset()

	enc := recordEncoder{
		buf:       dc.PrepareWrite(),
		cfg:       d.cfg,
		catalog:   dc.Catalog,
		detoaster: dc.Detoaster,
		scratch:   d.scratch,
	}
	if err := enc.encode(ctx, &d.txn, rel, change); err != nil {
		dc.Discard()
		return err
	}

	rec := &models.Record{
		Op:         string(change.Action()),
		Namespace:  rel.Namespace,
		Table:      enc.tableName(rel),
		Xid:        txn.Xid,
		CommitTime: txn.CommitTime,
		LSN:        uint64(txn.FinalLSN),
	}
	if err := dc.Write(ctx, rec); err != nil {
		return errors.Wrapf(err, "writing %s on %s", rec.Op, rec.QualifiedTable())
	}
	return nil
}

// Commit implements OutputPlugin.
func (d *JSONDecoder) Commit(ctx context.Context, dc *DecodingContext, txn *Txn, commitLSN LSN) error {
	if d.txn.Begun() {
		d.logger.Debugf("COMMIT %d at %s", txn.Xid, commitLSN)
	} else {
		d.logger.Debugf("skipped empty transaction %d", txn.Xid)
	}
	d.txn = TxnState{}
	return nil
}

// FilterByOrigin implements OutputPlugin.
func (d *JSONDecoder) FilterByOrigin(dc *DecodingContext, origin OriginID) bool {
	return ShouldFilterByOrigin(d.cfg, origin)
}

// Shutdown implements OutputPlugin.
func (d *JSONDecoder) Shutdown(dc *DecodingContext) {
	d.scratch = nil
	d.txn = TxnState{}
	dc.Discard()
	d.logger.Info("JSON decoder shut down")
}
