package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cdc-json/internal/decoding"
	"cdc-json/internal/models"
)

// Publisher interface for publishing records
type Publisher interface {
	Publish(ctx context.Context, rec *models.Record) error
}

// Pipeline receives records from the decoder, transforms them and hands
// them to a publisher
type Pipeline struct {
	transformer *Transformer
	publisher   Publisher
	logger      *logrus.Logger

	published uint64
	rejected  uint64
}

var _ decoding.Writer = (*Pipeline)(nil)

// NewPipeline creates a new pipeline. transformer may be nil.
func NewPipeline(transformer *Transformer, publisher Publisher, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		transformer: transformer,
		publisher:   publisher,
		logger:      logger,
	}
}

// WriteRecord implements decoding.Writer
func (p *Pipeline) WriteRecord(ctx context.Context, rec *models.Record) error {
	// Apply transformations if transformer is configured
	if p.transformer != nil {
		transformed, err := p.transformer.Transform(rec)
		if err != nil {
			// Rejected records are skipped, not failed
			if errors.Is(err, ErrEventRejected) {
				p.rejected++
				return nil
			}
			return fmt.Errorf("failed to transform %s record for %s: %w", rec.Op, rec.QualifiedTable(), err)
		}
		rec = transformed
	}

	if err := p.publisher.Publish(ctx, rec); err != nil {
		return fmt.Errorf("failed to publish %s record for %s: %w", rec.Op, rec.QualifiedTable(), err)
	}
	p.published++
	p.logger.Debugf("Processed %s record for %s (xid %d)", rec.Op, rec.QualifiedTable(), rec.Xid)
	return nil
}

// Flush flushes the publisher if it buffers. Sources call it after each
// commit.
func (p *Pipeline) Flush() error {
	if f, ok := p.publisher.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Allow reports whether a table's changes should be decoded at all
func (p *Pipeline) Allow(namespace, table string) bool {
	if p.transformer == nil {
		return true
	}
	return p.transformer.Allow(namespace, table)
}

// Stats returns the number of records published and rejected so far
func (p *Pipeline) Stats() (published, rejected uint64) {
	return p.published, p.rejected
}
