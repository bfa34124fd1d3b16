package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crs-sync-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 收集回调，回调来自读取 goroutine。
type recorder struct {
	mu        sync.Mutex
	progress  []Progress
	updates   []model.DocumentUpdate
	completes []*model.CRSDocument
	errors    []string
	retries   []int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnUpdate: func(u model.DocumentUpdate) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, u)
		},
		OnComplete: func(doc *model.CRSDocument) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, doc)
		},
		OnError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, msg)
		},
		OnRetry: func(attempt int, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retries = append(r.retries, attempt)
		},
	}
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func newTestChannel(origin string, cb Callbacks) *Channel {
	return NewChannel(Options{
		Origin:    origin,
		SessionID: 42,
		Token:     "tok",
		Enabled:   true,
	}, cb)
}

func TestChannel_EventHandling(t *testing.T) {
	srv := sseServer(t,
		`{"type":"generation_started","step":"starting"}`,
		`{"type":"progress","progress":40,"step":"drafting","crs":{"id":1,"content":"{\"a\":1}"}}`,
		`{"type":"retry","attempt":2,"message":"model busy"}`,
		`not json`,
		`{"type":"mystery"}`,
		`{"type":"partial","content":"{broken"}`,
		`{"type":"partial","content":"{\"title\":\"draft\"}"}`,
		`{"type":"crs_updated","patch":[{"op":"replace","path":"/a","value":2}],"_metrics":{"patch_size_bytes":10,"full_size_bytes":100,"size_reduction_percent":90},"crs":{"id":1,"edit_version":2}}`,
		`{"type":"complete","is_complete":true,"crs":{"id":1,"content":"{\"a\":3}"}}`,
	)
	defer srv.Close()

	rec := &recorder{}
	ch := newTestChannel(srv.URL, rec.callbacks())
	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.completes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.updates, 4)
	// progress 附带的局部文档立即转发
	require.NotNil(t, rec.updates[0].Document)
	assert.Equal(t, model.EventProgress, rec.updates[0].Source)
	// 合法的 partial 片段作为整篇内容
	require.NotNil(t, rec.updates[1].FullDocument)
	assert.Equal(t, `{"title":"draft"}`, *rec.updates[1].FullDocument)
	// patch 交给应用器，带上元数据和 _metrics
	assert.Len(t, rec.updates[2].Patch, 1)
	require.NotNil(t, rec.updates[2].Sizes)
	assert.Equal(t, 10, rec.updates[2].Sizes.PatchSizeBytes)
	require.NotNil(t, rec.updates[2].Metadata)
	assert.Equal(t, 2, rec.updates[2].Metadata.EditVersion)
	assert.Equal(t, `{"a":3}`, rec.updates[3].Document.Content)

	assert.Equal(t, Progress{Percent: 0, Step: "starting"}, rec.progress[0])
	assert.Equal(t, Progress{Percent: 40, Step: "drafting"}, rec.progress[1])
	assert.Equal(t, []int{2}, rec.retries)
	assert.Empty(t, rec.errors)

	st := ch.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, 2, st.RetryAttempt)
}

func TestChannel_UpdateWithoutCompletionIsProgress(t *testing.T) {
	srv := sseServer(t, `{"type":"crs_updated","is_complete":false,"crs":{"id":1,"content":"{}"}}`)
	defer srv.Close()

	rec := &recorder{}
	ch := newTestChannel(srv.URL, rec.callbacks())
	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.updates) == 1 && len(rec.progress) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.completes)
	assert.Equal(t, 100, rec.progress[0].Percent)
}

func TestChannel_ErrorEventStopsStream(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"error\",\"message\":\"generation failed\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"progress\",\"progress\":50}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	ch := newTestChannel(srv.URL, rec.callbacks())
	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool { return rec.errorCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	st := ch.Status()
	assert.Equal(t, "generation failed", st.Error)
	assert.Equal(t, StateError, st.State)
	assert.False(t, st.Exhausted)
	assert.Equal(t, int32(1), hits.Load())
	rec.mu.Lock()
	assert.Empty(t, rec.progress)
	assert.Empty(t, rec.retries)
	rec.mu.Unlock()

	// 手动重连重新打开事件流
	ch.Reconnect()
	require.Eventually(t, func() bool { return hits.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_NaiveTimestampsInDocument(t *testing.T) {
	srv := sseServer(t,
		`{"type":"progress","progress":40,"step":"drafting","crs":{"id":1,"content":"{}","created_at":"2024-05-01T10:00:00.123456","updated_at":"2024-05-01 10:00:01"}}`,
	)
	defer srv.Close()

	rec := &recorder{}
	ch := newTestChannel(srv.URL, rec.callbacks())
	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.updates) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.progress, 1)
	assert.Equal(t, 40, rec.progress[0].Percent)
	require.NotNil(t, rec.updates[0].Document)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 123_456_000, time.UTC).Equal(rec.updates[0].Document.CreatedAt))
	assert.Equal(t, 40, ch.Status().Percent)
}

func TestChannel_StaysIdleWithoutPrerequisites(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	for _, opts := range []Options{
		{Origin: srv.URL, SessionID: 0, Token: "tok", Enabled: true},
		{Origin: srv.URL, SessionID: 1, Token: "", Enabled: true},
		{Origin: srv.URL, SessionID: 1, Token: "tok", Enabled: false},
	} {
		ch := NewChannel(opts, Callbacks{})
		ch.Connect()
		assert.Equal(t, StateIdle, ch.Status().State)
		ch.Close()
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestChannel_BackoffUntilExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &recorder{}
	ch := newTestChannel(srv.URL, rec.callbacks())

	var mu sync.Mutex
	var delays []time.Duration
	ch.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}

	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool { return rec.errorCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, delays)
	mu.Unlock()

	// 首次连接加五次重连
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, 1, rec.errorCount())
	st := ch.Status()
	assert.True(t, st.Exhausted)
	assert.Equal(t, ConnectionLostMessage, st.Error)
	assert.Equal(t, StateError, st.State)
}

func TestChannel_ManualReconnectAfterExhaustion(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	ch := NewChannel(Options{
		Origin: srv.URL, SessionID: 42, Token: "tok", Enabled: true,
		Backoff: Backoff{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, rec.callbacks())
	ch.Connect()
	defer ch.Close()

	require.Eventually(t, func() bool { return ch.Status().Exhausted }, 2*time.Second, 5*time.Millisecond)

	healthy.Store(true)
	ch.Reconnect()

	require.Eventually(t, func() bool { return ch.Status().State == StateConnected }, 2*time.Second, 5*time.Millisecond)
	st := ch.Status()
	assert.False(t, st.Exhausted)
	assert.Empty(t, st.Error)
}

func TestChannel_CloseCancelsPendingReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var states []State
	var mu sync.Mutex
	ch := NewChannel(Options{
		Origin: srv.URL, SessionID: 42, Token: "tok", Enabled: true,
		Backoff: Backoff{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}, Callbacks{OnStateChange: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})
	ch.Connect()

	require.Eventually(t, func() bool { return ch.Status().State == StateError }, 2*time.Second, 5*time.Millisecond)
	ch.Close()
	ch.Close()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, StateClosed, ch.Status().State)

	// Close 之后 Connect 不再生效
	ch.Connect()
	assert.Equal(t, StateClosed, ch.Status().State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestChannel_EndpointCarriesToken(t *testing.T) {
	ch := NewChannel(Options{Origin: "https://api.example.com/", SessionID: 9, Token: "a b", Enabled: true}, Callbacks{})
	u, err := ch.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/crs/sessions/9/stream?token=a+b", u)
}
