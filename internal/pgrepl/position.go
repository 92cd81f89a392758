package pgrepl

import (
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"
)

// LoadPosition reads the last confirmed LSN from path. A missing or empty
// file yields zero, which lets the server pick the slot's confirmed position.
func LoadPosition(path string) (pglogrepl.LSN, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read position file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q in %s: %w", text, path, err)
	}
	return lsn, nil
}

// SavePosition writes lsn to path in the server's X/X notation.
func SavePosition(path string, lsn pglogrepl.LSN) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(lsn.String()), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
