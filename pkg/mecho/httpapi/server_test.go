package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mecho-run/mecho/pkg/mecho/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingServer returns a deterministic, keyword-counted vector for
// each input text, so tests can control cosine similarity without a real
// embedding model.
var embeddingKeywords = []string{"alpha", "beta", "gamma", "delta"}

func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(body.Input))
		for i, text := range body.Input {
			vec := make([]float32, len(embeddingKeywords))
			for k, kw := range embeddingKeywords {
				vec[k] = float32(strings.Count(strings.ToLower(text), kw))
			}
			// Ensure a nonzero norm even for keyword-free text.
			vec[0] += 0.01
			data[i] = item{Embedding: vec, Index: i}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	}))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	embedSrv := fakeEmbeddingServer(t)
	cfg := config.DefaultServiceConfig()
	cfg.ModesRoot = t.TempDir()
	cfg.Embedding.BaseURL = embedSrv.URL
	s := New(cfg, nil)
	t.Cleanup(func() {
		s.Close()
		embedSrv.Close()
	})
	return s, embedSrv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMemoryCore_NotFoundBeforeUpsertThenRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/memory/core?modeId=acct-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/v1/memory/core", coreUpsertRequest{
		ModeID: "acct-1", Name: "Acme Corp", Description: "B2B SaaS customer", Detail: "Renews annually in March.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/memory/core?modeId=acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got coreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Acme Corp", got.Name)
}

func TestMemoryCurated_UpsertListDetailDelete(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/v1/memory/curated", curatedUpsertRequest{
		ModeID: "acct-1", MemoryID: "mem-1", Name: "Billing contact", Description: "Jane Doe", Detail: "jane@acme.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/memory/curated?modeId=acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []curatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "mem-1", list[0].MemoryID)

	rec = doJSON(t, h, http.MethodGet, "/v1/memory/curated/detail?modeId=acct-1&memoryId=mem-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail curatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "jane@acme.example", detail.Detail)

	rec = doJSON(t, h, http.MethodDelete, "/v1/memory/curated", curatedDeleteRequest{ModeID: "acct-1", MemoryID: "mem-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/memory/curated/detail?modeId=acct-1&memoryId=mem-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/memory/curated", curatedDeleteRequest{ModeID: "acct-1", MemoryID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTurnPrepareAck_FullThenDeltaRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPut, "/v1/memory/core", coreUpsertRequest{
		ModeID: "acct-1", Name: "Acme Corp",
	}).Code)

	rec := doJSON(t, h, http.MethodPost, "/v1/turn/prepare", prepareRequest{ModeID: "acct-1", SessionKey: "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var prep prepareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prep))
	assert.Equal(t, "full", prep.Mode)
	assert.Contains(t, prep.XML, "Acme Corp")

	rec = doJSON(t, h, http.MethodPost, "/v1/turn/ack", ackRequest{
		ModeID: "acct-1", PrepareID: prep.PrepareID, SessionKey: "sess-1", Status: "success",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.OK)
	assert.False(t, ack.Idempotent)

	// Acking again is idempotent.
	rec = doJSON(t, h, http.MethodPost, "/v1/turn/ack", ackRequest{
		ModeID: "acct-1", PrepareID: prep.PrepareID, SessionKey: "sess-1", Status: "success",
	})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Idempotent)

	// A second prepare for the same session, with no new events, is mode=none.
	rec = doJSON(t, h, http.MethodPost, "/v1/turn/prepare", prepareRequest{ModeID: "acct-1", SessionKey: "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prep))
	assert.Equal(t, "none", prep.Mode)

	// Adding a curated memory produces a delta on the next prepare.
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPut, "/v1/memory/curated", curatedUpsertRequest{
		ModeID: "acct-1", MemoryID: "mem-1", Name: "Contact", Description: "Jane",
	}).Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/turn/prepare", prepareRequest{ModeID: "acct-1", SessionKey: "sess-1"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prep))
	assert.Equal(t, "delta", prep.Mode)
	assert.Contains(t, prep.XML, "mem-1")
}

func TestTurnAck_MismatchedModeReturnsConflict(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/turn/prepare", prepareRequest{ModeID: "acct-1", SessionKey: "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var prep prepareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prep))

	rec = doJSON(t, h, http.MethodPost, "/v1/turn/ack", ackRequest{
		ModeID: "acct-2", PrepareID: prep.PrepareID, Status: "success",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTurnAck_UnknownPrepareIDReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/ack", ackRequest{
		ModeID: "acct-1", PrepareID: "does-not-exist", Status: "success",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchivalUpsertAndSearch_RanksByRelevance(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/v1/archival/upsert", archivalUpsertRequest{
		ModeID: "acct-1", MemoryID: "m-alpha", Name: "alpha incident", Description: "alpha alpha outage", Detail: "postmortem",
	}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/v1/archival/upsert", archivalUpsertRequest{
		ModeID: "acct-1", MemoryID: "m-beta", Name: "beta rollout", Description: "beta feature flag", Detail: "notes",
	}).Code)

	rec := doJSON(t, h, http.MethodPost, "/v1/archival/search", archivalSearchRequest{
		ModeID: "acct-1", Query: "alpha", IncludeDetail: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var results []archivalSearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "m-alpha", results[0].MemoryID)
	assert.Equal(t, "postmortem", results[0].Detail)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestArchivalUpsert_SecondCallOnSameIDIsNotCreated(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/archival/upsert", archivalUpsertRequest{
		ModeID: "acct-1", MemoryID: "m-1", Name: "gamma",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["created"])

	rec = doJSON(t, h, http.MethodPost, "/v1/archival/upsert", archivalUpsertRequest{
		ModeID: "acct-1", MemoryID: "m-1", Name: "gamma renamed",
	})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["created"])
}

func TestArchivalDelete_RemovesFromSearchResults(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/v1/archival/upsert", archivalUpsertRequest{
		ModeID: "acct-1", MemoryID: "m-delta", Name: "delta deploy",
	}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodDelete, "/v1/archival", archivalDeleteRequest{
		ModeID: "acct-1", MemoryID: "m-delta",
	}).Code)

	rec := doJSON(t, h, http.MethodPost, "/v1/archival/search", archivalSearchRequest{ModeID: "acct-1", Query: "delta"})
	require.Equal(t, http.StatusOK, rec.Code)
	var results []archivalSearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Empty(t, results)
}

func TestModeList_CreateAndDelete(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/mode/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/mode/create", modeRequest{ModeID: "new-mode"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/mode/list", nil)
	var list map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Contains(t, list["modes"], "new-mode")

	rec = doJSON(t, h, http.MethodPost, "/v1/mode/delete", modeRequest{ModeID: "new-mode"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/mode/list", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotContains(t, list["modes"], "new-mode")
}

func TestSanitizeModeID_RejectsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/memory/core?modeId=", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteError_PlainErrorMapsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
