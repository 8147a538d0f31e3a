package recstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddOrUpdateClientIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.AddOrUpdateClient(ctx, Document{"baseEntityId": "c1", "name": "A"})
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, outcome.Kind)
	require.Equal(t, "c1", outcome.Key)

	// Second write with the same natural key updates in place
	outcome, err = store.AddOrUpdateClient(ctx, Document{"baseEntityId": "c1", "name": "B"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome.Kind)

	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM client WHERE baseEntityId = ?", "c1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	doc, err := store.ClientByBaseEntityID(ctx, "c1")
	require.NoError(t, err)
	name, _ := doc.String("name")
	require.Equal(t, "B", name)
}

func TestAddOrUpdateClientRejectsMissingKey(t *testing.T) {
	store := newTestStore(t)

	outcome, err := store.AddOrUpdateClient(context.Background(), Document{"name": "A"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome.Kind)
	require.Error(t, outcome.Err)

	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM client").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestAddEventUpsertsOnFormSubmissionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.AddEvent(ctx, Document{
		"baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit", "note": "first",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, outcome.Kind)

	outcome, err = store.AddEvent(ctx, Document{
		"baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit", "note": "second",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome.Kind)

	var count int
	err = store.DB.QueryRow("SELECT COUNT(*) FROM event WHERE formSubmissionId = ?", "f1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	doc, err := store.EventByFormSubmissionID(ctx, "f1")
	require.NoError(t, err)
	note, _ := doc.String("note")
	require.Equal(t, "second", note)
}

func TestAddEventWithoutFormSubmissionIDAlwaysInserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No natural key to dedup on, so each write is a fresh insert
	for i := 0; i < 2; i++ {
		outcome, err := store.AddEvent(ctx, Document{"baseEntityId": "c1", "eventType": "Visit"})
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, outcome.Kind)
	}

	var count int
	err := store.DB.QueryRow("SELECT COUNT(*) FROM event WHERE baseEntityId = ?", "c1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestLocalAuthorshipStartsUnsynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddOrUpdateClient(ctx, Document{"baseEntityId": "c1"})
	require.NoError(t, err)
	_, err = store.AddEvent(ctx, Document{"baseEntityId": "c1", "formSubmissionId": "f1"})
	require.NoError(t, err)

	var status string
	var validation any
	err = store.DB.QueryRow("SELECT syncStatus, validationStatus FROM client WHERE baseEntityId = ?", "c1").
		Scan(&status, &validation)
	require.NoError(t, err)
	require.Equal(t, "Unsynced", status)
	require.Nil(t, validation)

	err = store.DB.QueryRow("SELECT syncStatus, validationStatus FROM event WHERE formSubmissionId = ?", "f1").
		Scan(&status, &validation)
	require.NoError(t, err)
	require.Equal(t, "Unsynced", status)
	require.Nil(t, validation)
}

// The full submit/acknowledge/invalidate loop for a client record.
func TestClientSyncLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddOrUpdateClient(ctx, Document{"baseEntityId": "c1", "name": "A"})
	require.NoError(t, err)
	_, err = store.AddOrUpdateClient(ctx, Document{"baseEntityId": "c1", "name": "B"})
	require.NoError(t, err)

	_, err = store.AddEvent(ctx, Document{
		"baseEntityId": "c1", "formSubmissionId": "f1", "eventType": "Visit",
	})
	require.NoError(t, err)

	clients, events, err := store.UnsyncedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, clients, 1)

	require.NoError(t, store.MarkClientSynced(ctx, "c1"))
	require.NoError(t, store.MarkEventSynced(ctx, "f1"))

	clients, events, err = store.UnsyncedEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Empty(t, clients)

	// Server rejects the client document; it must be re-submitted
	require.NoError(t, store.MarkClientValidation(ctx, "c1", false))
	_, err = store.AddEvent(ctx, Document{
		"baseEntityId": "c1", "formSubmissionId": "f2", "eventType": "Visit",
	})
	require.NoError(t, err)

	clients, _, err = store.UnsyncedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	id, _ := clients[0].String("baseEntityId")
	require.Equal(t, "c1", id)
}
