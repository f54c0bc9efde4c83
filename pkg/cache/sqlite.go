package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/warptools/sciflo/sfapi"
)

// SQLCache indexes entries in a sqlite database, for cache directories
// shared by many workflows where one file per entry gets unwieldy.
type SQLCache struct {
	db        *sql.DB
	namespace string
}

// NewSQLCache opens (creating if needed) the database at path.
//
// Errors:
//
//    - sciflo-error-cache-io -- when the database cannot be opened or migrated
func NewSQLCache(ctx context.Context, path string, namespace string) (*SQLCache, error) {
	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, sfapi.ErrorCacheIo("creating cache directory", err)
		}
		connStr += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, sfapi.ErrorCacheIo("opening database", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, sfapi.ErrorCacheIo("connecting to database", err)
	}
	c := &SQLCache{db: db, namespace: namespace}
	if err := c.migrate(pingCtx); err != nil {
		db.Close()
		return nil, sfapi.ErrorCacheIo("migrating database", err)
	}
	return c, nil
}

func (c *SQLCache) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		keyspace TEXT NOT NULL,
		hash TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, keyspace, hash)
	);
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (c *SQLCache) Get(ctx context.Context, ks Keyspace, hash string) (string, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT path FROM cache_entries WHERE namespace = ? AND keyspace = ? AND hash = ?`,
		c.namespace, string(ks), hash)
	var path string
	err := row.Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, sfapi.ErrorCacheIo("querying entry", err)
	}
	if !exists(path) {
		return "", false, nil
	}
	return path, true, nil
}

func (c *SQLCache) Put(ctx context.Context, ks Keyspace, hash string, path string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (namespace, keyspace, hash, path) VALUES (?, ?, ?, ?)`,
		c.namespace, string(ks), hash, path)
	if err != nil {
		return sfapi.ErrorCacheIo("inserting entry", err)
	}
	return nil
}

func (c *SQLCache) Close() error {
	return c.db.Close()
}
