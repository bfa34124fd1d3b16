package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crs-sync-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/sessions/3/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[
			{"id":1,"content":"hi","sender_type":"client","sender_id":7,"timestamp":"2025-03-01T10:00:00"},
			{"id":2,"chat_session_id":3,"content":"hello","sender_type":"ai","sender_id":null,"timestamp":"2025-03-01T10:00:02Z"}
		]`))
	})
	mux.HandleFunc("/api/crs/sessions/3/latest", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"message":"success","data":{"id":5,"project_id":2,"chat_session_id":3,"content":"{\"title\":\"X\"}","status":"draft","version":1,"edit_version":2}}`))
	})
	mux.HandleFunc("/api/crs/sessions/4/latest", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/chat/sessions/5/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	return httptest.NewServer(mux)
}

func TestHistoryClient_Messages(t *testing.T) {
	srv := newHistoryServer(t)
	defer srv.Close()

	c := NewHistoryClient(srv.URL+"/", "tok", time.Second)
	msgs, err := c.Messages(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].SessionID)
	require.NotNil(t, msgs[0].SenderID)
	assert.Equal(t, int64(7), *msgs[0].SenderID)
	assert.Nil(t, msgs[1].SenderID)
	assert.Equal(t, model.SenderAI, msgs[1].SenderType)
	assert.Equal(t, model.DeliveryConfirmed, msgs[1].Delivery)
}

func TestHistoryClient_LatestDocument(t *testing.T) {
	srv := newHistoryServer(t)
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "tok", time.Second)
	doc, err := c.LatestDocument(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(5), doc.ID)
	assert.Equal(t, 2, doc.EditVersion)
	assert.JSONEq(t, `{"title":"X"}`, doc.Content)

	doc, err = c.LatestDocument(context.Background(), 4)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestHistoryClient_Errors(t *testing.T) {
	srv := newHistoryServer(t)
	defer srv.Close()

	_, err := NewHistoryClient(srv.URL, "bad", time.Second).Messages(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = NewHistoryClient(srv.URL, "tok", time.Second).Messages(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
