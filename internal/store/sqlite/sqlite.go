// Package sqlite is the sole storage backend for the gateway: a single
// relational file with one-writer semantics, satisfied by capping a
// dedicated writer handle to a single connection and serving reads from a
// second, read-only handle opened against the same file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"llmgate/internal/store/migrations"
)

// Store holds the two handles onto one SQLite file: Writer is capped to a
// single open connection so writes serialize naturally, Reader is opened in
// read-only mode and may hold several concurrent connections.
type Store struct {
	path   string
	Writer *sql.DB
	Reader *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies
// pending schema migrations.
func Open(path string) (*Store, error) {
	writerDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	writer, err := sql.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer handle: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	readerDSN := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL&_busy_timeout=5000&cache=shared", url.PathEscape(path))
	reader, err := sql.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader handle: %w", err)
	}
	reader.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	s := &Store{path: path, Writer: writer, Reader: reader}
	if err := migrations.Up(writer); err != nil {
		s.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if err := reader.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	log.WithField("path", path).Info("store: sqlite opened")
	return s, nil
}

// Close closes both handles.
func (s *Store) Close() error {
	var writerErr, readerErr error
	if s.Writer != nil {
		writerErr = s.Writer.Close()
	}
	if s.Reader != nil {
		readerErr = s.Reader.Close()
	}
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

// Health runs a trivial query against both handles.
func (s *Store) Health(ctx context.Context) error {
	if err := s.Writer.PingContext(ctx); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if err := s.Reader.PingContext(ctx); err != nil {
		return fmt.Errorf("reader: %w", err)
	}
	return nil
}

// PoolStats reports connection pool usage against the writer handle, since
// the reader pool is never write-contended.
type PoolStats struct {
	Active int64
	Idle   int64
	Misses int64
}

func (s *Store) PoolStats() PoolStats {
	st := s.Writer.Stats()
	return PoolStats{Active: int64(st.InUse), Idle: int64(st.Idle), Misses: int64(st.WaitCount)}
}
