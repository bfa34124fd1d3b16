package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessage_TimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2025-03-01T10:00:00Z"`:        time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2025-03-01T10:00:00.5+02:00"`: time.Date(2025, 3, 1, 8, 0, 0, 500_000_000, time.UTC),
		`"2025-03-01T10:00:00.123456"`:  time.Date(2025, 3, 1, 10, 0, 0, 123_456_000, time.UTC),
		`"2025-03-01 10:00:00"`:         time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		`1740823200000`:                 time.UnixMilli(1740823200000),
	}
	for raw, want := range cases {
		var m ChatMessage
		require.NoError(t, json.Unmarshal([]byte(`{"id":1,"content":"x","sender_type":"ai","timestamp":`+raw+`}`), &m), raw)
		assert.True(t, want.Equal(m.Timestamp), "%s: got %v", raw, m.Timestamp)
		assert.Equal(t, int64(1), m.ID)
		assert.Equal(t, SenderAI, m.SenderType)
	}

	var m ChatMessage
	assert.Error(t, json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &m))
}

func TestDelivery_TextRoundTrip(t *testing.T) {
	raw, err := json.Marshal(ChatMessage{ID: -1, Delivery: DeliveryPending})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"delivery":"pending"`)

	var m ChatMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.True(t, m.Pending())
	assert.False(t, m.Failed())
}

func TestMetadataSplice(t *testing.T) {
	doc := &CRSDocument{ID: 1, Content: `{}`, Status: CRSStatusDraft, Version: 3, EditVersion: 5}

	(&DocumentMetadata{Status: CRSStatusUnderReview, Version: 2, EditVersion: 6}).Splice(doc)
	assert.Equal(t, CRSStatusUnderReview, doc.Status)
	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, 6, doc.EditVersion)
	assert.Equal(t, int64(1), doc.ID)
	assert.Equal(t, `{}`, doc.Content)

	var nilMeta *DocumentMetadata
	nilMeta.Splice(doc)
	assert.Equal(t, 6, doc.EditVersion)
}

func TestCRSDocument_CloneAndMetadata(t *testing.T) {
	doc := &CRSDocument{ID: 4, SummaryPoints: []string{"a"}, EditVersion: 2}
	clone := doc.Clone()
	clone.SummaryPoints[0] = "b"
	assert.Equal(t, "a", doc.SummaryPoints[0])

	var nilDoc *CRSDocument
	assert.Nil(t, nilDoc.Clone())
	assert.Nil(t, nilDoc.Metadata())
	assert.Equal(t, 2, doc.Metadata().EditVersion)
}

func TestDocumentUpdate_NeedsApply(t *testing.T) {
	full := "{}"
	assert.False(t, DocumentUpdate{Document: &CRSDocument{}}.NeedsApply())
	assert.True(t, DocumentUpdate{FullDocument: &full}.NeedsApply())
	assert.True(t, DocumentUpdate{Patch: []PatchOperation{{Op: "remove", Path: "/a"}}}.NeedsApply())
}

func TestPatternAndSender(t *testing.T) {
	assert.True(t, PatternAgileUserStories.Valid())
	assert.False(t, CRSPattern("rfc").Valid())
	assert.True(t, SenderAnalyst.Human())
	assert.False(t, SenderAI.Human())
}

func TestCRSDocument_NaiveTimestamps(t *testing.T) {
	var doc CRSDocument
	raw := `{"id":7,"content":"{}","status":"draft","edit_version":2,` +
		`"created_at":"2024-05-01T10:00:00.123456","updated_at":"2024-05-01 10:05:00"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, int64(7), doc.ID)
	assert.Equal(t, 2, doc.EditVersion)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 123_456_000, time.UTC).Equal(doc.CreatedAt))
	assert.True(t, time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC).Equal(doc.UpdatedAt))

	var meta DocumentMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"edit_version":3,"updated_at":"2024-05-01T10:06:00"}`), &meta))
	assert.Equal(t, 3, meta.EditVersion)
	assert.True(t, time.Date(2024, 5, 1, 10, 6, 0, 0, time.UTC).Equal(meta.UpdatedAt))

	var bare DocumentMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"status":"approved"}`), &bare))
	assert.True(t, bare.UpdatedAt.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"created_at":"soon"}`), &doc))
}
