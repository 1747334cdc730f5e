package offline0

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB,
	body       BLOB,
	type       TEXT NOT NULL,
	stored_at  INTEGER NOT NULL,
	hash32     INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
)`,
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

type sqliteStorage struct {
	db         *sql.DB
	maxBytes   int64
	writeMutex sync.Mutex
}

type sqliteCache struct {
	s    *sqliteStorage
	name string
}

// NewSQLiteStorage opens (or creates) the database at dsn. Use
// "file::memory:?cache=shared" for a throwaway in-memory store.
func NewSQLiteStorage(dsn string, maxBytes int64) (Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeError(err, "open", dsn)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, storeError(err, "init", dsn)
		}
	}
	return &sqliteStorage{db: db, maxBytes: maxBytes}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, storeError(err, "open", name)
	}
	return &sqliteCache{s: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeError(err, "has", name)
	}
	return true, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, storeError(err, "names", "")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeError(err, "names", "")
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "names", "")
	}
	return out, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err, "delete", name)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return storeError(err, "delete", name)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name); err != nil {
		return storeError(err, "delete", name)
	}
	if err := tx.Commit(); err != nil {
		return storeError(err, "delete", name)
	}
	return nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (c *sqliteCache) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		ent    Entry
		header []byte
		typ    string
		hash   int64
	)
	err := c.s.db.QueryRowContext(ctx,
		"SELECT url, status, header, body, type, stored_at, hash32 FROM entries WHERE generation = ? AND key = ?",
		c.name, key,
	).Scan(&ent.URL, &ent.Status, &header, &ent.Body, &typ, &ent.StoredAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "get", c.name)
	}
	ent.Type = ResponseType(typ)
	ent.Hash32 = uint32(hash)
	ent.Header = http.Header{}
	if len(header) > 0 {
		if err := decodeGob(header, &ent.Header); err != nil {
			return nil, storeError(err, "decode", c.name)
		}
	}
	return &ent, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, ent *Entry) error {
	if err := validateEntry(key, ent); err != nil {
		return err
	}
	header, err := encodeGob(ent.Header)
	if err != nil {
		return storeError(err, "encode", c.name)
	}
	size := entrySize(ent)

	s := c.s
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err, "put", c.name)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", c.name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storeError(errNoGeneration, "put", c.name)
	} else if err != nil {
		return storeError(err, "put", c.name)
	}

	if s.maxBytes > 0 {
		var total, old int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM entries").Scan(&total); err != nil {
			return storeError(err, "put", c.name)
		}
		err := tx.QueryRowContext(ctx,
			"SELECT size FROM entries WHERE generation = ? AND key = ?", c.name, key).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return storeError(err, "put", c.name)
		}
		if total-old+size > s.maxBytes {
			return quotaError(key, size, s.maxBytes)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries
			(generation, key, url, status, header, body, type, stored_at, hash32, size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.name, key, ent.URL, ent.Status, header, ent.Body, string(ent.Type), ent.StoredAt, int64(ent.Hash32), size)
	if err != nil {
		return storeError(err, "put", c.name)
	}
	if err := tx.Commit(); err != nil {
		return storeError(err, "put", c.name)
	}
	return nil
}
