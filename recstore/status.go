// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"context"
	"fmt"
)

// SyncStatus records whether a row's current content has been acknowledged
// by the remote counterpart. It is independent of ValidationStatus; a
// record may be synced-but-invalid or unsynced-but-valid.
type SyncStatus string

const (
	SyncStatusUnsynced SyncStatus = "Unsynced"
	SyncStatusSynced   SyncStatus = "Synced"
	// SyncStatusTaskUnprocessed parks a record so automatic sync skips it
	// until it is externally re-queued.
	SyncStatusTaskUnprocessed SyncStatus = "TaskUnprocessed"
)

// ValidationStatus records whether a row's content has passed server-side
// validation. NULL in storage means not yet validated.
type ValidationStatus string

const (
	ValidationStatusValid   ValidationStatus = "Valid"
	ValidationStatusInvalid ValidationStatus = "Invalid"
)

// MarkClientSynced flips a client record to Synced. Idempotent; validation
// status is untouched.
func (s *Store) MarkClientSynced(ctx context.Context, baseEntityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.markSynced(ctx, ClientTable, baseEntityID)
}

// MarkEventSynced flips an event record to Synced, keyed by its
// formSubmissionId. Idempotent; validation status is untouched.
func (s *Store) MarkEventSynced(ctx context.Context, formSubmissionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.markSynced(ctx, EventTable, formSubmissionID)
}

func (s *Store) markSynced(ctx context.Context, spec TableSpec, key string) error {
	query := fmt.Sprintf("UPDATE %s SET syncStatus = ? WHERE %s = ?", spec.Name, spec.NaturalKey)
	if _, err := s.DB.ExecContext(ctx, query, string(SyncStatusSynced), key); err != nil {
		return fmt.Errorf("failed to mark %s %s as synced: %w", spec.Name, key, err)
	}
	return nil
}

// MarkClientValidation records the server's validation verdict for a client
// record. Marking invalid forces syncStatus back to Unsynced so the record
// is re-submitted; marking valid changes nothing else.
func (s *Store) MarkClientValidation(ctx context.Context, baseEntityID string, valid bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.markValidation(ctx, ClientTable, baseEntityID, valid)
}

// MarkEventValidation records the server's validation verdict for an event
// record, keyed by its formSubmissionId. Same sync-status coupling as
// MarkClientValidation.
func (s *Store) MarkEventValidation(ctx context.Context, formSubmissionID string, valid bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.markValidation(ctx, EventTable, formSubmissionID, valid)
}

func (s *Store) markValidation(ctx context.Context, spec TableSpec, key string, valid bool) error {
	var query string
	var args []any
	if valid {
		query = fmt.Sprintf("UPDATE %s SET validationStatus = ? WHERE %s = ?", spec.Name, spec.NaturalKey)
		args = []any{string(ValidationStatusValid), key}
	} else {
		// An invalid record must be re-submitted
		query = fmt.Sprintf("UPDATE %s SET validationStatus = ?, syncStatus = ? WHERE %s = ?", spec.Name, spec.NaturalKey)
		args = []any{string(ValidationStatusInvalid), string(SyncStatusUnsynced), key}
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s %s validation: %w", spec.Name, key, err)
	}
	return nil
}

// MarkEventTaskUnprocessed parks an event so automatic sync processing
// skips it until it is externally re-queued.
func (s *Store) MarkEventTaskUnprocessed(ctx context.Context, formSubmissionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx,
		`UPDATE event SET syncStatus = ? WHERE formSubmissionId = ?`,
		string(SyncStatusTaskUnprocessed), formSubmissionID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s as task unprocessed: %w", formSubmissionID, err)
	}
	return nil
}

// MarkSyncedFromPayload flips every record named in a confirmed-delivery
// payload to Synced: clients by baseEntityId, events by formSubmissionId.
// Documents missing their key are skipped. All updates run in one
// transaction.
func (s *Store) MarkSyncedFromPayload(ctx context.Context, clients, events []Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range clients {
		key, ok := doc.String(ClientTable.NaturalKey)
		if !ok {
			s.logger.Warn("skipping client without baseEntityId in synced payload")
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE client SET syncStatus = ? WHERE baseEntityId = ?`,
			string(SyncStatusSynced), key); err != nil {
			return fmt.Errorf("failed to mark client %s as synced: %w", key, err)
		}
	}
	for _, doc := range events {
		key, ok := doc.String(EventTable.NaturalKey)
		if !ok {
			s.logger.Warn("skipping event without formSubmissionId in synced payload")
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE event SET syncStatus = ? WHERE formSubmissionId = ?`,
			string(SyncStatusSynced), key); err != nil {
			return fmt.Errorf("failed to mark event %s as synced: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkAllUnsynced forces every client and event row back to Unsynced in a
// single transaction. This is an explicit full re-sync switch; there is no
// implicit global state behind it.
func (s *Store) MarkAllUnsynced(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE client SET syncStatus = ?`, string(SyncStatusUnsynced)); err != nil {
		return fmt.Errorf("failed to mark clients unsynced: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE event SET syncStatus = ?`, string(SyncStatusUnsynced)); err != nil {
		return fmt.Errorf("failed to mark events unsynced: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
