package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Preflight verifies the MySQL connection, the grants a binlog client needs
// and that row-based binary logging is on.
func Preflight(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	logger.Info("Successfully connected to MySQL server")

	grants, err := currentGrants(ctx, db)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
	}
	logger.Info("All required permissions verified")

	logBin, err := variable(ctx, db, "log_bin")
	if err != nil {
		logger.Warn("Could not verify binlog status")
	} else if logBin != "ON" && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
	} else {
		logger.Info("Binary logging is enabled")
	}

	// Row images are required; statement events carry no row data
	binlogFormat, err := variable(ctx, db, "binlog_format")
	if err != nil {
		logger.Warn("Could not verify binlog_format")
	} else if !strings.EqualFold(binlogFormat, "ROW") {
		return fmt.Errorf("binlog_format is set to '%s', ROW is required", binlogFormat)
	} else {
		logger.Info("binlog_format is set to ROW")
	}

	rowImage, err := variable(ctx, db, "binlog_row_image")
	if err == nil && !strings.EqualFold(rowImage, "FULL") {
		logger.Warnf("binlog_row_image is '%s'; columns left out of row images are fetched by primary key", rowImage)
	}

	return nil
}

func currentGrants(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Try alternative query for MySQL 5.6
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return "", fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var allGrants strings.Builder
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating grants: %w", err)
	}
	return allGrants.String(), nil
}

func missingPrivileges(grants string) []string {
	grantsUpper := strings.ToUpper(grants)
	if strings.Contains(grantsUpper, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(grantsUpper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	var value string
	if err := db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, nil
}
