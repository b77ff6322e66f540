// Package sqlite implements the usage store on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store. Writes all come from the background usage
// recorder, which batches inserts on one connection; reads serve the usage
// query endpoint from a separate pool so reporting never queues behind a
// flush.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the usage database at path, applies embedded migrations, and
// returns a Store. ":memory:" opens a shared-cache in-memory database so the
// writer and readers see the same data.
func New(path string) (*Store, error) {
	dsn := usageDSN(path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	// SQLite allows one writer at a time; a second write conn would only
	// sit on the busy timeout.
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// usageDSN builds the connection string. WAL lets the usage query endpoint
// read while the recorder flushes a batch; the busy timeout covers writer
// contention during checkpoints.
func usageDSN(path string) string {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// migrate applies the embedded schema migrations on the write connection.
func migrate(db *sql.DB) error {
	// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping reports whether the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
