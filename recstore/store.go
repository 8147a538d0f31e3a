// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package recstore provides an offline-first embedded record store for
// mobile data-collection clients. It persists two related entity streams,
// clients (subjects) and events (observations about a client), in SQLite,
// tracks each record's sync and validation state independently, and exposes
// incremental pull/push cursor queries so a remote server and the device can
// reconcile without re-transferring unchanged data.
package recstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the embedded record store. It assumes a single process; write
// operations are serialized through an internal mutex, so multiple writer
// goroutines (a form-submission worker plus a background sync worker) are
// safe. Cursor state (last sync time, last server version) is owned by the
// caller, not the store.
type Store struct {
	DB      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore wraps an open SQLite database. It bootstraps pragmas, the record
// tables and their indexes; bootstrap is idempotent and safe on every
// process start.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := &Store{
		DB:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Open opens (or creates) a SQLite database file and wraps it in a Store.
// The connection pool is capped at one connection; SQLite serializes
// writers anyway and a single connection avoids busy errors under WAL.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// EnsureDeviceID returns the device identity persisted in this database,
// generating and storing a UUIDv4 on first call.
func EnsureDeviceID(db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _recstore_device WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _recstore_device (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// NewFormSubmissionID generates the client-side natural key for a locally
// authored event.
func NewFormSubmissionID() string {
	return uuid.New().String()
}

// DeleteClient removes a client record by its natural key. Returns false
// when no such record exists.
func (s *Store) DeleteClient(ctx context.Context, baseEntityID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM client WHERE baseEntityId = ?`, baseEntityID)
	if err != nil {
		return false, fmt.Errorf("failed to delete client %s: %w", baseEntityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteEventsByBaseEntityID removes every event owned by the entity except
// those of the protected event type. Returns the number of rows deleted.
func (s *Store) DeleteEventsByBaseEntityID(ctx context.Context, baseEntityID, exceptType string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM event WHERE baseEntityId = ? AND eventType != ?`,
		baseEntityID, exceptType)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events for %s: %w", baseEntityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected, nil
}
