package recstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDocumentClient(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	doc := Document{
		"baseEntityId": "c1",
		"firstName":    "Amina",
	}

	bindings, err := encodeDocument(ClientTable, doc, SyncStatusUnsynced, "", now)
	require.NoError(t, err)

	require.Equal(t, "c1", bindings["baseEntityId"])
	require.Equal(t, "Unsynced", bindings["syncStatus"])
	require.Nil(t, bindings["validationStatus"])
	require.Equal(t, "2025-06-01 10:30:00", bindings["updatedAt"])

	// The serialized document is the full source of truth
	var roundTrip Document
	require.NoError(t, json.Unmarshal([]byte(bindings["json"].(string)), &roundTrip))
	require.Equal(t, "Amina", roundTrip["firstName"])
}

func TestEncodeDocumentClientMissingNaturalKey(t *testing.T) {
	_, err := encodeDocument(ClientTable, Document{"firstName": "X"}, SyncStatusUnsynced, "", time.Now())
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "client", decodeErr.Table)
	require.Equal(t, "baseEntityId", decodeErr.Field)
}

func TestEncodeDocumentEvent(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	doc := Document{
		"id":               "ev-9",
		"baseEntityId":     "c1",
		"formSubmissionId": "f1",
		"eventType":        "Visit",
		"eventDate":        "2025-05-30T08:15:00.000Z",
		"serverVersion":    float64(42), // JSON numbers arrive as float64
	}

	bindings, err := encodeDocument(EventTable, doc, SyncStatusSynced, ValidationStatusValid, now)
	require.NoError(t, err)

	require.Equal(t, "ev-9", bindings["eventId"])
	require.Equal(t, "f1", bindings["formSubmissionId"])
	require.Equal(t, "c1", bindings["baseEntityId"])
	require.Equal(t, int64(42), bindings["serverVersion"])
	require.Equal(t, "2025-05-30 08:15:00", bindings["eventDate"])
	require.Equal(t, "Valid", bindings["validationStatus"])
	require.Nil(t, bindings["dateCreated"])
}

func TestEncodeDocumentEventWithoutFormSubmissionID(t *testing.T) {
	// Externally sourced events have no natural key and still encode
	bindings, err := encodeDocument(EventTable,
		Document{"baseEntityId": "c1", "eventType": "Visit"},
		SyncStatusUnsynced, "", time.Now())
	require.NoError(t, err)
	require.Nil(t, bindings["formSubmissionId"])
}

func TestEncodeDocumentEventMissingBaseEntityID(t *testing.T) {
	_, err := encodeDocument(EventTable,
		Document{"formSubmissionId": "f1"},
		SyncStatusUnsynced, "", time.Now())
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "baseEntityId", decodeErr.Field)
}

func TestEncodeDocumentBadFieldType(t *testing.T) {
	_, err := encodeDocument(EventTable, Document{
		"baseEntityId":     "c1",
		"formSubmissionId": "f1",
		"serverVersion":    "not-a-number",
	}, SyncStatusSynced, ValidationStatusValid, time.Now())

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "serverVersion", decodeErr.Field)
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"2025-05-30T08:15:00.000Z", "2025-05-30 08:15:00"},
		{"2025-05-30T08:15:00Z", "2025-05-30 08:15:00"},
		{"2025-05-30 08:15:00", "2025-05-30 08:15:00"},
		{"2025-05-30", "2025-05-30 00:00:00"},
		{float64(1748592900000), "2025-05-30 08:15:00"},
	}
	for _, tc := range cases {
		ts, err := parseDate(tc.in)
		require.NoError(t, err, "input %v", tc.in)
		require.Equal(t, tc.want, ts.UTC().Format(StorageTimeLayout), "input %v", tc.in)
	}

	_, err := parseDate("yesterday-ish")
	require.Error(t, err)
}

func TestMinMaxServerVersions(t *testing.T) {
	minV, maxV := MinMaxServerVersions(nil)
	require.Equal(t, int64(0), minV)
	require.Equal(t, int64(0), maxV)

	docs := []Document{
		{"serverVersion": float64(8)},
		{"serverVersion": float64(3)},
		{}, // missing counts as zero
		{"serverVersion": float64(5)},
	}
	minV, maxV = MinMaxServerVersions(docs)
	require.Equal(t, int64(0), minV)
	require.Equal(t, int64(8), maxV)

	minV, maxV = MinMaxServerVersions([]Document{{"serverVersion": float64(7)}})
	require.Equal(t, int64(7), minV)
	require.Equal(t, int64(7), maxV)
}
