package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/config"
	"llmgate/internal/gate"
	"llmgate/internal/keypool"
	"llmgate/internal/store/sqlite"
	"llmgate/internal/upstreamclient"
)

func newTestOrchestrator(t *testing.T, upstreamURL string) *Orchestrator {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := keypool.New(context.Background(), store, keypool.Options{
		BaseCooldown:         10 * time.Millisecond,
		MaxCooldown:          100 * time.Millisecond,
		FailureThreshold:     2,
		RateLimitDefaultWait: 10 * time.Millisecond,
		StuckTimeout:         time.Hour,
		SweepInterval:        time.Hour,
		AcquireTimeout:       time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret-1", ""))
	require.NoError(t, pool.Add(context.Background(), "k2", "secret-2", ""))

	return &Orchestrator{
		Gate:      gate.New(4),
		Pool:      pool,
		Client:    upstreamclient.New(&config.UpstreamConfig{BaseURL: upstreamURL, RequestTimeout: time.Second, DialTimeout: time.Second, TLSHandshakeTimeout: time.Second, ResponseHeaderTimeout: time.Second}),
		Store:     store,
		RequestTO: time.Second,
	}
}

func TestDispatchSuccessReturnsUpstreamBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)
	result := o.Dispatch(Request{
		Ctx:          context.Background(),
		PrincipalID:  "p1",
		Dialect:      "openai-chat",
		Model:        "gpt-4o",
		Method:       http.MethodPost,
		UpstreamPath: "/v1/chat/completions",
		Body:         []byte(`{"model":"placeholder"}`),
	})

	require.Nil(t, result.Err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, int64(3), result.Usage.TotalTokens)
	require.False(t, result.Retried)
}

func TestDispatchRetriesOnUpstream5xxBeforeAnyByteSent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`upstream error`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"total_tokens":1}}`))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)
	result := o.Dispatch(Request{
		Ctx:          context.Background(),
		PrincipalID:  "p1",
		Dialect:      "openai-chat",
		Model:        "gpt-4o",
		Method:       http.MethodPost,
		UpstreamPath: "/v1/chat/completions",
		Body:         []byte(`{"model":"placeholder"}`),
	})

	require.Nil(t, result.Err)
	require.True(t, result.Retried)
	require.Equal(t, 2, calls)
}

func TestDispatchStreamCancelsOnIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"usage\":{\"total_tokens\":1}}\n\n"))
		w.(http.Flusher).Flush()
		// Stall far longer than the idle timeout; a correctly wired pump
		// must cancel the upstream request rather than hang here.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)
	o.StreamIdleTimeout = 30 * time.Millisecond

	rec := httptest.NewRecorder()
	start := time.Now()
	result := o.Dispatch(Request{
		Ctx:          context.Background(),
		PrincipalID:  "p1",
		Dialect:      "openai-chat",
		Model:        "gpt-4o",
		Method:       http.MethodPost,
		UpstreamPath: "/v1/chat/completions",
		Body:         []byte(`{"model":"placeholder"}`),
		Stream:       true,
		Writer:       rec,
		Flusher:      func() {},
	})
	elapsed := time.Since(start)

	require.Less(t, elapsed, 2*time.Second, "idle timeout should cancel the stream well before the 5s stall ends")
	require.Contains(t, rec.Body.String(), "total_tokens")
	_ = result
}

func TestDispatchUnknownDialectIsInternalError(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused")
	result := o.Dispatch(Request{Ctx: context.Background(), Dialect: "unknown"})
	require.NotNil(t, result.Err)
}
