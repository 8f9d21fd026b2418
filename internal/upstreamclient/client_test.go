package upstreamclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/config"
)

func testConfig(baseURL string) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		BaseURL:               baseURL,
		RequestTimeout:        5 * time.Second,
		DialTimeout:           time.Second,
		TLSHandshakeTimeout:   time.Second,
		ResponseHeaderTimeout: time.Second,
		RebuildAfterFailures:  2,
	}
}

func TestNewRequestSetsBearerAndContentType(t *testing.T) {
	client := New(testConfig("https://upstream.example"))
	req, err := client.NewRequest(context.Background(), http.MethodPost, "/v1/chat/completions", []byte(`{}`), "secret-key")
	require.NoError(t, err)
	require.Equal(t, "https://upstream.example/v1/chat/completions", req.URL.String())
	require.Equal(t, "Bearer secret-key", req.Header.Get("Authorization"))
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestDoRoundTripsToUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"hello":"world"}`, string(body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	req, err := client.NewRequest(context.Background(), http.MethodPost, "/x", []byte(`{"hello":"world"}`), "")
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRebuildAfterConsecutiveFailures(t *testing.T) {
	client := New(testConfig("http://127.0.0.1:0"))
	before := client.httpClient

	for i := 0; i < 3; i++ {
		req, err := client.NewRequest(context.Background(), http.MethodGet, "/", nil, "")
		require.NoError(t, err)
		_, _ = client.Do(req)
	}

	require.NotSame(t, before, client.httpClient)
}
