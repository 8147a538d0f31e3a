// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeKind classifies what an upsert did with one document.
type OutcomeKind int

const (
	OutcomeInserted OutcomeKind = iota
	OutcomeUpdated
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the per-document result of an upsert. Rejections are local to
// the document and carry the reason in Err; they never abort a surrounding
// batch.
type Outcome struct {
	Kind OutcomeKind
	Key  string // natural key value, when the document carried one
	Err  error  // rejection reason, nil otherwise
}

// upsertStmts is the prepared insert/update statement pair for one table,
// scoped to one transaction.
type upsertStmts struct {
	spec   TableSpec
	insert *sql.Stmt
	update *sql.Stmt
}

// insertSQL derives INSERT INTO t (cols...) VALUES (?...) over the full
// schema column list.
func insertSQL(spec TableSpec) string {
	names := make([]string, len(spec.Columns))
	marks := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		names[i] = "`" + c.Name + "`"
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Name, strings.Join(names, ", "), strings.Join(marks, ", "))
}

// updateSQL derives UPDATE t SET col=?... WHERE naturalKey=?. The natural
// key column is the filter and is excluded from the SET list.
func updateSQL(spec TableSpec) string {
	var sets []string
	for _, c := range spec.Columns {
		if c.Name == spec.NaturalKey {
			continue
		}
		sets = append(sets, "`"+c.Name+"` = ?")
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE `%s` = ?",
		spec.Name, strings.Join(sets, ", "), spec.NaturalKey)
}

func prepareUpsertStmts(ctx context.Context, tx *sql.Tx, spec TableSpec) (*upsertStmts, error) {
	insert, err := tx.PrepareContext(ctx, insertSQL(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert for %s: %w", spec.Name, err)
	}
	update, err := tx.PrepareContext(ctx, updateSQL(spec))
	if err != nil {
		insert.Close()
		return nil, fmt.Errorf("failed to prepare update for %s: %w", spec.Name, err)
	}
	return &upsertStmts{spec: spec, insert: insert, update: update}, nil
}

func (u *upsertStmts) Close() {
	u.insert.Close()
	u.update.Close()
}

// insertArgs orders bindings to match insertSQL.
func (u *upsertStmts) insertArgs(bindings map[string]any) []any {
	args := make([]any, len(u.spec.Columns))
	for i, c := range u.spec.Columns {
		args[i] = bindings[c.Name]
	}
	return args
}

// updateArgs orders bindings to match updateSQL: SET values first, natural
// key last.
func (u *upsertStmts) updateArgs(bindings map[string]any) []any {
	var args []any
	for _, c := range u.spec.Columns {
		if c.Name == u.spec.NaturalKey {
			continue
		}
		args = append(args, bindings[c.Name])
	}
	return append(args, bindings[u.spec.NaturalKey])
}

// recordExists probes the table for a row with the given natural key value.
func recordExists(ctx context.Context, tx *sql.Tx, spec TableSpec, key string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE `%s` = ? LIMIT 1", spec.Name, spec.NaturalKey)
	var one int
	err := tx.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe %s for %s: %w", spec.Name, key, err)
	}
	return true, nil
}

// upsertInTx runs the insert-vs-update decision for one document against an
// open transaction. A malformed document yields a Rejected outcome and a
// nil error; a storage fault yields a non-nil error and the caller is
// expected to roll the transaction back.
//
// Event nuance: the existence probe runs on formSubmissionId when the
// document carries one. A document without a formSubmissionId has no local
// dedup key (it originated outside the form pipeline), so the probe is
// skipped and the document is always inserted.
func (s *Store) upsertInTx(ctx context.Context, tx *sql.Tx, stmts *upsertStmts, doc Document, status SyncStatus, validation ValidationStatus, now time.Time) (Outcome, error) {
	bindings, err := encodeDocument(stmts.spec, doc, status, validation, now)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return Outcome{Kind: OutcomeRejected, Err: err}, nil
		}
		return Outcome{}, err
	}

	key, hasKey := doc.String(stmts.spec.NaturalKey)
	if !hasKey {
		// Only reachable for events; clients without a natural key are
		// rejected by the codec.
		if _, err := stmts.insert.ExecContext(ctx, stmts.insertArgs(bindings)...); err != nil {
			return Outcome{}, fmt.Errorf("failed to insert into %s: %w", stmts.spec.Name, err)
		}
		return Outcome{Kind: OutcomeInserted}, nil
	}

	exists, err := recordExists(ctx, tx, stmts.spec, key)
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		if _, err := stmts.update.ExecContext(ctx, stmts.updateArgs(bindings)...); err != nil {
			return Outcome{}, fmt.Errorf("failed to update %s %s: %w", stmts.spec.Name, key, err)
		}
		return Outcome{Kind: OutcomeUpdated, Key: key}, nil
	}
	if _, err := stmts.insert.ExecContext(ctx, stmts.insertArgs(bindings)...); err != nil {
		return Outcome{}, fmt.Errorf("failed to insert %s %s: %w", stmts.spec.Name, key, err)
	}
	return Outcome{Kind: OutcomeInserted, Key: key}, nil
}

// upsertOne wraps a single-document upsert in its own transaction.
func (s *Store) upsertOne(ctx context.Context, spec TableSpec, doc Document, status SyncStatus, validation ValidationStatus) (Outcome, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts, err := prepareUpsertStmts(ctx, tx, spec)
	if err != nil {
		return Outcome{}, err
	}
	defer stmts.Close()

	outcome, err := s.upsertInTx(ctx, tx, stmts, doc, status, validation, time.Now())
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Kind == OutcomeRejected {
		s.logger.Warn("rejected document",
			"table", spec.Name, "reason", outcome.Err)
		return outcome, nil
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// AddOrUpdateClient writes a locally authored client document, keyed by its
// baseEntityId. New and updated records are marked Unsynced with no
// validation verdict; writing the same document twice leaves exactly one
// row whose content equals the latest write.
func (s *Store) AddOrUpdateClient(ctx context.Context, doc Document) (Outcome, error) {
	return s.upsertOne(ctx, ClientTable, doc, SyncStatusUnsynced, "")
}

// AddEvent writes a locally authored event document. When the document
// carries a formSubmissionId the write upserts on it; otherwise the event
// is externally sourced and is always inserted. Records are marked
// Unsynced with no validation verdict.
func (s *Store) AddEvent(ctx context.Context, doc Document) (Outcome, error) {
	return s.upsertOne(ctx, EventTable, doc, SyncStatusUnsynced, "")
}
