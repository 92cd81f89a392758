package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/decoding"
)

// ColumnInfo is one row of INFORMATION_SCHEMA.COLUMNS.
type ColumnInfo struct {
	Name     string
	DataType string
	Key      bool
	// Unsigned is read from COLUMN_TYPE; binlog rows carry integers as
	// signed whatever the column's signedness.
	Unsigned bool
}

// SchemaLoader fetches the columns of a table in ordinal order.
type SchemaLoader interface {
	LoadColumns(ctx context.Context, database, table string) ([]ColumnInfo, error)
}

// DBSchema loads columns from INFORMATION_SCHEMA.
type DBSchema struct {
	db *sql.DB
}

// OpenDB opens the connection used for schema queries and value fetches.
func OpenDB(host string, port int, user, password string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", user, password, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func NewDBSchema(db *sql.DB) *DBSchema {
	return &DBSchema{db: db}
}

// LoadColumns implements SchemaLoader.
func (s *DBSchema) LoadColumns(ctx context.Context, database, table string) ([]ColumnInfo, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := s.db.QueryContext(ctx, query, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		var columnType, columnKey string
		if err := rows.Scan(&col.Name, &col.DataType, &columnType, &columnKey); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		col.Key = columnKey == "PRI"
		col.Unsigned = strings.Contains(strings.ToLower(columnType), "unsigned")
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

// Catalog caches table definitions by "database.table" and serves them to
// the decoder.
type Catalog struct {
	loader SchemaLoader
	logger *logrus.Logger

	mu     sync.Mutex
	tables map[string]*decoding.Relation
	byID   map[decoding.OID]*decoding.Relation
	info   map[decoding.OID][]ColumnInfo
	ids    map[string]decoding.OID
	nextID decoding.OID
}

var _ decoding.Catalog = (*Catalog)(nil)

func NewCatalog(loader SchemaLoader, logger *logrus.Logger) *Catalog {
	return &Catalog{
		loader: loader,
		logger: logger,
		tables: make(map[string]*decoding.Relation),
		byID:   make(map[decoding.OID]*decoding.Relation),
		info:   make(map[decoding.OID][]ColumnInfo),
		ids:    make(map[string]decoding.OID),
		nextID: 1,
	}
}

// Relation returns the cached definition of a table, loading it on first
// use.
func (c *Catalog) Relation(ctx context.Context, database, table string) (*decoding.Relation, error) {
	cacheKey := database + "." + table
	c.mu.Lock()
	rel, ok := c.tables[cacheKey]
	c.mu.Unlock()
	if ok {
		return rel, nil
	}

	columns, err := c.loader.LoadColumns(ctx, database, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no columns found for %s", cacheKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[cacheKey]
	if !ok {
		id = c.nextID
		c.nextID++
		c.ids[cacheKey] = id
	}
	rel = &decoding.Relation{ID: id, Namespace: database, Name: table}
	for i, col := range columns {
		rel.Columns = append(rel.Columns, decoding.Column{
			Name:   col.Name,
			TypeID: typeOID(col.DataType),
			Num:    int16(i + 1),
			Key:    col.Key,
		})
	}
	c.tables[cacheKey] = rel
	c.byID[id] = rel
	c.info[id] = columns
	c.logger.Debugf("Fetched %d columns for %s", len(columns), cacheKey)
	return rel, nil
}

// Invalidate drops cached definitions. An empty table drops every table of
// the database; an empty database drops everything.
func (c *Catalog) Invalidate(database, table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rel := range c.tables {
		if database != "" && !strings.EqualFold(rel.Namespace, database) {
			continue
		}
		if table != "" && !strings.EqualFold(rel.Name, table) {
			continue
		}
		delete(c.tables, key)
		delete(c.byID, rel.ID)
		delete(c.info, rel.ID)
	}
}

// columns returns the column info a cached relation was built from.
func (c *Catalog) columns(id decoding.OID) []ColumnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info[id]
}

// RelationName implements decoding.Catalog.
func (c *Catalog) RelationName(id decoding.OID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rel, ok := c.byID[id]
	if !ok {
		return "", false
	}
	return rel.Name, true
}

// TypeOutput implements decoding.Catalog.
func (c *Catalog) TypeOutput(typeID decoding.OID) (decoding.OutputFunc, bool) {
	return typeOutput(typeID), isVarlena(typeID)
}
