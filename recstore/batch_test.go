package recstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchInsertClients(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.BatchInsertClients(ctx, []Document{
		{"baseEntityId": "c1", "name": "A"},
		{"baseEntityId": "c2", "name": "B"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 2, result.Inserted())

	// Batch path is the server pull path: records land Synced/Valid
	var status, validation string
	err = store.DB.QueryRow("SELECT syncStatus, validationStatus FROM client WHERE baseEntityId = ?", "c1").
		Scan(&status, &validation)
	require.NoError(t, err)
	require.Equal(t, "Synced", status)
	require.Equal(t, "Valid", validation)

	// Re-ingesting the same payload updates in place
	result, err = store.BatchInsertClients(ctx, []Document{
		{"baseEntityId": "c1", "name": "A2"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated())

	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM client").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestBatchInsertEmptyPayload(t *testing.T) {
	store := newTestStore(t)

	result, err := store.BatchInsertEvents(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.Attempted)
	require.Empty(t, result.Outcomes)
}

func TestBatchToleratesMalformedDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docs := make([]Document, 0, 10)
	for i := 0; i < 10; i++ {
		if i == 4 {
			// Missing baseEntityId: rejected, must not poison the batch
			docs = append(docs, Document{"formSubmissionId": "broken"})
			continue
		}
		docs = append(docs, Document{
			"baseEntityId":     "c1",
			"formSubmissionId": NewFormSubmissionID(),
			"eventType":        "Visit",
		})
	}

	result, err := store.BatchInsertEvents(ctx, docs)
	require.NoError(t, err)
	require.Equal(t, 10, result.Attempted)
	require.Equal(t, 9, result.Inserted())
	require.Equal(t, 1, result.Rejected())
	require.Equal(t, OutcomeRejected, result.Outcomes[4].Kind)
	require.Error(t, result.Outcomes[4].Err)

	// The nine good documents committed
	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM event").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 9, count)
}

func TestBatchRollsBackOnStoreFault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two documents with distinct natural keys but a colliding
	// server-assigned eventId: the second insert violates the primary key,
	// which is a store fault, not a malformed document.
	_, err := store.BatchInsertEvents(ctx, []Document{
		{"id": "ev-1", "baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit"},
		{"id": "ev-1", "baseEntityId": "c1", "formSubmissionId": "f2", "eventType": "Visit"},
	})
	require.Error(t, err)

	// All-or-nothing: the first document must not survive the rollback
	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM event").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestBatchInsertEventsUpsertsOnFormSubmissionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.BatchInsertEvents(ctx, []Document{
		{"baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit", "serverVersion": float64(1)},
	})
	require.NoError(t, err)

	// The server re-sends the same submission with its assigned identity
	result, err := store.BatchInsertEvents(ctx, []Document{
		{"id": "ev-1", "baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit", "serverVersion": float64(7)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated())

	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM event").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var serverVersion int64
	err = store.DB.QueryRow("SELECT serverVersion FROM event WHERE formSubmissionId = ?", "f1").Scan(&serverVersion)
	require.NoError(t, err)
	require.Equal(t, int64(7), serverVersion)
}
