// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventClient pairs an event document with its owning client document,
// resolved through the weak baseEntityId reference at read time. Client is
// nil when no matching client row exists locally; that is a normal outcome,
// not an error.
type EventClient struct {
	Event  Document
	Client Document
}

// placeholders returns "?, ?, ..." for n bound parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// decodeStored parses a stored document column value. Rows that fail to
// parse are treated like the blank sentinel: skipped, not surfaced.
func (s *Store) decodeStored(table, raw string) (Document, bool) {
	if isBlankJSON(raw) {
		return nil, false
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.logger.Warn("skipping corrupted stored document", "table", table, "error", err)
		return nil, false
	}
	return doc, true
}

// joinClient resolves an event's owning client, nil on miss.
func (s *Store) joinClient(ctx context.Context, event Document) (Document, error) {
	baseEntityID, ok := event.String("baseEntityId")
	if !ok {
		return nil, nil
	}
	return s.ClientByBaseEntityID(ctx, baseEntityID)
}

// EventsByVersionRange returns events in the half-open server-version range
// (low, high], ascending, each joined to its owning client. This is the
// incremental-pull contract: a caller that remembers the last high received
// and requests (lastHigh, newHigh] next time sees no gaps and no duplicates
// as long as serverVersion is monotonic.
func (s *Store) EventsByVersionRange(ctx context.Context, low, high int64) ([]EventClient, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT json FROM event
		WHERE serverVersion > ? AND serverVersion <= ? AND length(json) > 2
		ORDER BY serverVersion ASC
	`, low, high)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by version range: %w", err)
	}
	defer rows.Close()
	return s.collectEventClients(ctx, rows)
}

// EventsModifiedSince returns events whose local updatedAt is after the
// given watermark, ascending by serverVersion, joined to their owning
// clients. A non-empty status narrows the result to that sync status. The
// returned watermark is the updatedAt of the last row actually read (the
// input watermark when nothing matched), so a crash mid-read resumes
// without skipping.
func (s *Store) EventsModifiedSince(ctx context.Context, since time.Time, status SyncStatus) ([]EventClient, time.Time, error) {
	var query string
	args := []any{}
	if status != "" {
		query = `
			SELECT json, updatedAt FROM event
			WHERE syncStatus = ? AND updatedAt > ? AND length(json) > 2
			ORDER BY serverVersion ASC
		`
		args = append(args, string(status), since.UTC().Format(StorageTimeLayout))
	} else {
		query = `
			SELECT json, updatedAt FROM event
			WHERE updatedAt > ? AND length(json) > 2
			ORDER BY serverVersion ASC
		`
		args = append(args, since.UTC().Format(StorageTimeLayout))
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, since, fmt.Errorf("failed to query events by watermark: %w", err)
	}
	defer rows.Close()

	type eventRow struct {
		raw       string
		updatedAt string
	}
	var buffered []eventRow
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.raw, &row.updatedAt); err != nil {
			return nil, since, fmt.Errorf("failed to scan event row: %w", err)
		}
		buffered = append(buffered, row)
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("error iterating events: %w", err)
	}
	rows.Close()

	watermark := since
	var list []EventClient
	for _, row := range buffered {
		if ts, err := time.Parse(StorageTimeLayout, row.updatedAt); err == nil {
			watermark = ts
		}
		event, ok := s.decodeStored("event", row.raw)
		if !ok {
			continue
		}
		client, err := s.joinClient(ctx, event)
		if err != nil {
			return nil, since, err
		}
		list = append(list, EventClient{Event: event, Client: client})
	}
	return list, watermark, nil
}

// UnsyncedEvents drains up to limit pending events from the outbox, oldest
// first, together with the unsynced clients they reference. Clients are
// deduplicated; only clients referenced by a returned event appear.
func (s *Store) UnsyncedEvents(ctx context.Context, limit int) (clients []Document, events []Document, err error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT json FROM event
		WHERE syncStatus = ? AND length(json) > 2
		ORDER BY updatedAt ASC
		LIMIT ?
	`, string(SyncStatusUnsynced), limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var raws []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating unsynced events: %w", err)
	}
	rows.Close()

	seen := make(map[string]bool)
	for _, raw := range raws {
		event, ok := s.decodeStored("event", raw)
		if !ok {
			continue
		}
		events = append(events, event)

		baseEntityID, ok := event.String("baseEntityId")
		if !ok || seen[baseEntityID] {
			continue
		}
		client, err := s.unsyncedClientByBaseEntityID(ctx, baseEntityID)
		if err != nil {
			return nil, nil, err
		}
		if client != nil {
			seen[baseEntityID] = true
			clients = append(clients, client)
		}
	}
	return clients, events, nil
}

func (s *Store) unsyncedClientByBaseEntityID(ctx context.Context, baseEntityID string) (Document, error) {
	return s.lookupDocument(ctx, "client", `
		SELECT json FROM client WHERE syncStatus = ? AND baseEntityId = ?
	`, string(SyncStatusUnsynced), baseEntityID)
}

// ClientByBaseEntityID returns the client document for the given entity,
// nil when absent.
func (s *Store) ClientByBaseEntityID(ctx context.Context, baseEntityID string) (Document, error) {
	return s.lookupDocument(ctx, "client", `
		SELECT json FROM client WHERE baseEntityId = ?
	`, baseEntityID)
}

// EventByID returns the event document with the given server-assigned
// event id, nil when absent.
func (s *Store) EventByID(ctx context.Context, eventID string) (Document, error) {
	if eventID == "" {
		return nil, nil
	}
	return s.lookupDocument(ctx, "event", `
		SELECT json FROM event WHERE eventId = ?
	`, eventID)
}

// EventByFormSubmissionID returns the event document with the given
// client-generated submission id, nil when absent.
func (s *Store) EventByFormSubmissionID(ctx context.Context, formSubmissionID string) (Document, error) {
	if formSubmissionID == "" {
		return nil, nil
	}
	return s.lookupDocument(ctx, "event", `
		SELECT json FROM event WHERE formSubmissionId = ?
	`, formSubmissionID)
}

// EventByBaseEntityIDAndType returns the first event for an entity with the
// given event type, nil when absent.
func (s *Store) EventByBaseEntityIDAndType(ctx context.Context, baseEntityID, eventType string) (Document, error) {
	if baseEntityID == "" {
		return nil, nil
	}
	return s.lookupDocument(ctx, "event", `
		SELECT json FROM event WHERE baseEntityId = ? AND eventType = ?
	`, baseEntityID, eventType)
}

// lookupDocument runs a single-row json lookup; a miss is (nil, nil).
func (s *Store) lookupDocument(ctx context.Context, table, query string, args ...any) (Document, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s document: %w", table, err)
	}
	doc, ok := s.decodeStored(table, raw)
	if !ok {
		return nil, nil
	}
	return doc, nil
}

// EventsByBaseEntityID returns every event owned by the entity, each paired
// with the owning client document (nil when the client is absent locally).
func (s *Store) EventsByBaseEntityID(ctx context.Context, baseEntityID string) ([]EventClient, error) {
	if baseEntityID == "" {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT json FROM event
		WHERE baseEntityId = ? AND length(json) > 2
	`, baseEntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by entity id: %w", err)
	}
	defer rows.Close()
	return s.collectEventClients(ctx, rows)
}

// EventsByTypes returns all events whose eventType is in the given set,
// ascending by serverVersion, joined to their owning clients.
func (s *Store) EventsByTypes(ctx context.Context, eventTypes []string) ([]EventClient, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT json FROM event
		WHERE eventType IN (%s) AND length(json) > 2
		ORDER BY serverVersion ASC
	`, placeholders(len(eventTypes)))
	args := make([]any, len(eventTypes))
	for i, t := range eventTypes {
		args[i] = t
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by types: %w", err)
	}
	defer rows.Close()
	return s.collectEventClients(ctx, rows)
}

// EventsByBaseEntityIDs returns events for a set of entities narrowed to a
// sync status, ascending by serverVersion. Used for targeted re-sync; the
// client side of each pair is left nil.
func (s *Store) EventsByBaseEntityIDs(ctx context.Context, status SyncStatus, baseEntityIDs []string) ([]EventClient, error) {
	if len(baseEntityIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT json FROM event
		WHERE baseEntityId IN (%s) AND syncStatus = ? AND length(json) > 2
		ORDER BY serverVersion ASC
	`, placeholders(len(baseEntityIDs)))
	args := make([]any, 0, len(baseEntityIDs)+1)
	for _, id := range baseEntityIDs {
		args = append(args, id)
	}
	args = append(args, string(status))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by entity ids: %w", err)
	}
	defer rows.Close()

	var list []EventClient
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event, ok := s.decodeStored("event", raw)
		if !ok {
			continue
		}
		list = append(list, EventClient{Event: event})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return list, nil
}

// UnvalidatedEventFormSubmissionIDs lists submission ids of synced events
// that have no validation verdict yet (or a stale non-Valid one), oldest
// first, for the validation worker to check with the server.
func (s *Store) UnvalidatedEventFormSubmissionIDs(ctx context.Context, limit int) ([]string, error) {
	return s.unvalidatedIDs(ctx, `
		SELECT formSubmissionId FROM event
		WHERE syncStatus = ? AND (validationStatus IS NULL OR validationStatus != ?)
		ORDER BY updatedAt ASC
		LIMIT ?
	`, limit)
}

// UnvalidatedClientBaseEntityIDs is the client-table counterpart of
// UnvalidatedEventFormSubmissionIDs.
func (s *Store) UnvalidatedClientBaseEntityIDs(ctx context.Context, limit int) ([]string, error) {
	return s.unvalidatedIDs(ctx, `
		SELECT baseEntityId FROM client
		WHERE syncStatus = ? AND (validationStatus IS NULL OR validationStatus != ?)
		ORDER BY updatedAt ASC
		LIMIT ?
	`, limit)
}

func (s *Store) unvalidatedIDs(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query,
		string(SyncStatusSynced), string(ValidationStatusValid), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unvalidated ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		if id.Valid {
			ids = append(ids, id.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// collectEventClients drains a json-column result set into event/client
// pairs. The rows must be fully consumed before the per-row client lookups
// run, since the store may be capped to a single connection.
func (s *Store) collectEventClients(ctx context.Context, rows *sql.Rows) ([]EventClient, error) {
	var raws []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	rows.Close()

	var list []EventClient
	for _, raw := range raws {
		event, ok := s.decodeStored("event", raw)
		if !ok {
			continue
		}
		client, err := s.joinClient(ctx, event)
		if err != nil {
			return nil, err
		}
		list = append(list, EventClient{Event: event, Client: client})
	}
	return list, nil
}
