package pgrepl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/decoding"
)

const catalogQueryTimeout = 5 * time.Second

// fixedLength lists types that are never stored out of line. It is consulted
// when the catalog connection is unavailable.
var fixedLength = map[decoding.OID]bool{
	pgtype.BoolOID:        true,
	pgtype.Int2OID:        true,
	pgtype.Int4OID:        true,
	pgtype.Int8OID:        true,
	pgtype.OIDOID:         true,
	pgtype.XIDOID:         true,
	pgtype.CIDOID:         true,
	pgtype.TIDOID:         true,
	pgtype.Float4OID:      true,
	pgtype.Float8OID:      true,
	pgtype.DateOID:        true,
	pgtype.TimeOID:        true,
	pgtype.TimestampOID:   true,
	pgtype.TimestamptzOID: true,
	pgtype.IntervalOID:    true,
	pgtype.UUIDOID:        true,
	pgtype.NameOID:        true,
	pgtype.QCharOID:       true,
	pgtype.MacaddrOID:     true,
	pgtype.PointOID:       true,
	pgtype.BoxOID:         true,
	pgtype.LsegOID:        true,
	pgtype.CircleOID:      true,
}

// Catalog answers relation and type questions for the decoder. Lookups go to
// pg_class and pg_type and are cached for the life of the stream.
type Catalog struct {
	db     *sql.DB
	types  *pgtype.Map
	logger *logrus.Logger

	mu       sync.Mutex
	names    map[decoding.OID]string
	typlen   map[decoding.OID]int16
	rewrites map[decoding.OID]decoding.OID
}

var _ decoding.Catalog = (*Catalog)(nil)

// NewCatalog creates a catalog. db may be nil, in which case only relations
// announced on the stream are known and type lengths come from a builtin table.
func NewCatalog(db *sql.DB, logger *logrus.Logger) *Catalog {
	return &Catalog{
		db:       db,
		types:    pgtype.NewMap(),
		logger:   logger,
		names:    make(map[decoding.OID]string),
		typlen:   make(map[decoding.OID]int16),
		rewrites: make(map[decoding.OID]decoding.OID),
	}
}

// OpenCatalogDB opens the regular (non-replication) connection used for
// catalog queries and detoasting.
func OpenCatalogDB(connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Remember records the name of a relation announced on the stream.
func (c *Catalog) Remember(id decoding.OID, name string) {
	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
}

// RelationName implements decoding.Catalog.
func (c *Catalog) RelationName(id decoding.OID) (string, bool) {
	c.mu.Lock()
	name, ok := c.names[id]
	c.mu.Unlock()
	if ok || c.db == nil {
		return name, ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), catalogQueryTimeout)
	defer cancel()
	if err := c.db.QueryRowContext(ctx, "SELECT relname FROM pg_class WHERE oid = $1", id).Scan(&name); err != nil {
		c.logger.Warnf("Failed to look up relation %d: %v", id, err)
		return "", false
	}
	c.Remember(id, name)
	return name, true
}

// TypeOutput implements decoding.Catalog. pgoutput ships values in their
// text form, so every type shares the text output function.
func (c *Catalog) TypeOutput(typeID decoding.OID) (decoding.OutputFunc, bool) {
	return decoding.TextOutput, c.typeLength(typeID) == -1
}

func (c *Catalog) typeLength(typeID decoding.OID) int16 {
	c.mu.Lock()
	n, ok := c.typlen[typeID]
	c.mu.Unlock()
	if ok {
		return n
	}

	n = -1
	if fixedLength[typeID] {
		n = 0
	}
	if c.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), catalogQueryTimeout)
		defer cancel()
		var typlen int16
		err := c.db.QueryRowContext(ctx, "SELECT typlen FROM pg_type WHERE oid = $1", typeID).Scan(&typlen)
		if err != nil {
			c.logger.Warnf("Failed to look up length of type %s: %v", c.TypeName(typeID), err)
		} else {
			n = typlen
		}
	}

	c.mu.Lock()
	c.typlen[typeID] = n
	c.mu.Unlock()
	return n
}

// RewriteTarget returns the table a relation is a transient rewrite heap
// for, or zero.
func (c *Catalog) RewriteTarget(ctx context.Context, id decoding.OID) (decoding.OID, error) {
	c.mu.Lock()
	target, ok := c.rewrites[id]
	c.mu.Unlock()
	if ok || c.db == nil {
		return target, nil
	}

	var relrewrite uint32
	err := c.db.QueryRowContext(ctx, "SELECT relrewrite FROM pg_class WHERE oid = $1", id).Scan(&relrewrite)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to query relrewrite for %d: %w", id, err)
	}
	target = decoding.OID(relrewrite)

	c.mu.Lock()
	c.rewrites[id] = target
	c.mu.Unlock()
	return target, nil
}

// Forget drops cached facts about a relation after its definition changed.
func (c *Catalog) Forget(id decoding.OID) {
	c.mu.Lock()
	delete(c.rewrites, id)
	c.mu.Unlock()
}

// TypeName returns the name of a builtin type, for logs.
func (c *Catalog) TypeName(typeID decoding.OID) string {
	if t, ok := c.types.TypeForOID(typeID); ok {
		return t.Name
	}
	return fmt.Sprintf("oid %d", typeID)
}
