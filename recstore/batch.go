// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"context"
	"fmt"
	"time"
)

// BatchResult reports what one bulk ingest did, one Outcome per input
// document in input order. A rejected document does not abort the batch;
// callers can retry exactly the rejected subset.
type BatchResult struct {
	Attempted int
	Outcomes  []Outcome
}

// Inserted counts documents that created a new row.
func (r *BatchResult) Inserted() int { return r.count(OutcomeInserted) }

// Updated counts documents that overwrote an existing row.
func (r *BatchResult) Updated() int { return r.count(OutcomeUpdated) }

// Rejected counts documents dropped as malformed.
func (r *BatchResult) Rejected() int { return r.count(OutcomeRejected) }

func (r *BatchResult) count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// BatchInsertClients upserts a server-origin client payload in one
// transaction. Records land marked Synced/Valid: the batch path is the
// pull-from-server path, so content is by definition server-approved for
// ingestion. Malformed documents are rejected individually and logged; a
// storage fault rolls the whole batch back and leaves prior state intact.
func (s *Store) BatchInsertClients(ctx context.Context, docs []Document) (*BatchResult, error) {
	return s.batchInsert(ctx, ClientTable, docs)
}

// BatchInsertEvents upserts a server-origin event payload in one
// transaction, with the same semantics as BatchInsertClients. Use
// MinMaxServerVersions on the same payload to advance the pull cursor.
func (s *Store) BatchInsertEvents(ctx context.Context, docs []Document) (*BatchResult, error) {
	return s.batchInsert(ctx, EventTable, docs)
}

func (s *Store) batchInsert(ctx context.Context, spec TableSpec, docs []Document) (*BatchResult, error) {
	result := &BatchResult{Attempted: len(docs)}
	if len(docs) == 0 {
		return result, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	stmts, err := prepareUpsertStmts(ctx, tx, spec)
	if err != nil {
		return nil, err
	}
	defer stmts.Close()

	now := time.Now()
	for _, doc := range docs {
		outcome, err := s.upsertInTx(ctx, tx, stmts, doc, SyncStatusSynced, ValidationStatusValid, now)
		if err != nil {
			// Store-level fault aborts the whole batch; the deferred
			// rollback discards every prior write in it.
			return nil, fmt.Errorf("batch insert into %s failed: %w", spec.Name, err)
		}
		if outcome.Kind == OutcomeRejected {
			s.logger.Warn("rejected document in batch",
				"table", spec.Name, "reason", outcome.Err)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}
