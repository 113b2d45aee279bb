package memoryclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepare_Disabled_RunsWithoutInjection(t *testing.T) {
	c := New(Config{Enabled: false}, nil)
	out := c.Prepare(context.Background(), "mode-1", "sess-1", "primary", "hello", true)
	assert.Equal(t, "hello", out.Prompt)
	assert.False(t, out.Injected)
	out.Ack(context.Background(), true) // must not panic when memory was never prepared
}

func TestPrepare_FullMode_PrefixesXML(t *testing.T) {
	var gotAck ackRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turn/prepare", func(w http.ResponseWriter, r *http.Request) {
		var req PrepareRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, req.ForceFull)
		json.NewEncoder(w).Encode(prepareResponse{PrepareID: "p1", Mode: "full", ToRevision: 3, XML: "<memory_context/>"})
	})
	mux.HandleFunc("/v1/turn/ack", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotAck)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}, nil)
	out := c.Prepare(context.Background(), "mode-1", "sess-1", "primary", "do the thing", true)

	assert.True(t, out.Injected)
	assert.Equal(t, "<memory_context/>\n\ndo the thing", out.Prompt)

	out.Ack(context.Background(), true)
	assert.Equal(t, "success", gotAck.Status)
	assert.Equal(t, "p1", gotAck.PrepareID)
}

func TestPrepare_NoneMode_PromptUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(prepareResponse{PrepareID: "p2", Mode: "none", XML: ""})
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}, nil)
	out := c.Prepare(context.Background(), "mode-1", "sess-1", "primary", "do the thing", false)
	assert.False(t, out.Injected)
	assert.Equal(t, "do the thing", out.Prompt)
}

func TestPrepare_ServiceFailure_FallsBackGracefully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}, nil)
	out := c.Prepare(context.Background(), "mode-1", "sess-1", "primary", "prompt text", false)
	assert.Equal(t, "prompt text", out.Prompt)
	assert.False(t, out.Injected)

	out.Ack(context.Background(), true) // ack is a no-op after a failed prepare
}

func TestPrepare_AckFailure_IsLoggedNotReturned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turn/prepare", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(prepareResponse{PrepareID: "p3", Mode: "delta", ToRevision: 2, XML: "<memory_context/>"})
	})
	mux.HandleFunc("/v1/turn/ack", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}, nil)
	out := c.Prepare(context.Background(), "mode-1", "sess-1", "primary", "prompt", false)
	require.True(t, out.Injected)
	out.Ack(context.Background(), false) // must not panic despite the 409
}
