package pgrepl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Preflight verifies that the server and role can serve a logical
// replication stream for publication.
func Preflight(ctx context.Context, db *sql.DB, publication string, logger *logrus.Logger) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL server")

	var walLevel string
	if err := db.QueryRowContext(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("failed to check wal_level: %w", err)
	}
	if walLevel != "logical" {
		return fmt.Errorf("wal_level is %q, logical decoding needs wal_level = logical", walLevel)
	}
	logger.Info("wal_level is set to logical")

	var canReplicate bool
	err := db.QueryRowContext(ctx,
		"SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&canReplicate)
	if err != nil {
		return fmt.Errorf("failed to check role attributes: %w", err)
	}
	if !canReplicate {
		return fmt.Errorf("current role lacks the REPLICATION attribute")
	}
	logger.Info("REPLICATION attribute verified")

	var published bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", publication).Scan(&published)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}
	if !published {
		return fmt.Errorf("publication %q does not exist", publication)
	}
	return nil
}
