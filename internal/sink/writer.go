// Package sink writes record payloads to a stream, one per line.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"cdc-json/internal/models"
)

// Writer writes newline-terminated payloads to an io.Writer. Output is
// buffered until Flush.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Publish implements processor.Publisher.
func (s *Writer) Publish(_ context.Context, rec *models.Record) error {
	if _, err := s.w.Write(rec.Payload); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *Writer) Flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
