// Package store provides the transactional SQLite persistence layer for
// servers, clients, tokens, tool preferences, and the OAuth dataset.
// Sensitive columns are encrypted through the crypto service before they
// reach disk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/SShadowS/mcp-router/internal/crypto"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StoreError wraps a transactional failure with its cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the single-writer SQLite store. Readers outside a transaction may
// observe any committed state; cross-component consistency goes through its
// transactions, not shared memory.
type Store struct {
	db     *sql.DB
	crypto *crypto.Service
	logger *zap.Logger
}

// Open opens (or creates) the store at path, enables WAL and foreign keys,
// and runs pending schema migrations. A migration failure aborts startup.
func Open(path string, cryptoSvc *crypto.Service, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreError{Op: "open", Err: fmt.Errorf("creating database directory: %w", err)}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the writer and concurrent readers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StoreError{Op: "open", Err: fmt.Errorf("%s: %w", pragma, err)}
		}
	}

	s := &Store{db: db, crypto: cryptoSvc, logger: logger}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store initialized", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for custom queries, such as tests inspecting the
// encrypted columns directly.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrNotFound) {
			return err
		}
		var ce *crypto.CryptoError
		if errors.As(err, &ce) {
			return err
		}
		return &StoreError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

// encrypt is a small helper that tolerates a nil crypto service (tests that
// do not care about secrecy).
func (s *Store) encrypt(plaintext string) (string, error) {
	if s.crypto == nil {
		return plaintext, nil
	}
	return s.crypto.Encrypt(plaintext)
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	if s.crypto == nil {
		return ciphertext, nil
	}
	return s.crypto.Decrypt(ciphertext)
}
