package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/app"
	"github.com/agentstation/gestalt/internal/logging"
	"github.com/agentstation/gestalt/internal/server"
	"github.com/agentstation/gestalt/storage"
)

func newServer(t *testing.T, withStorage bool) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = ""
	if withStorage {
		cfg.Storage.Dir = t.TempDir()
	}
	a, err := app.New(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ts := httptest.NewServer(server.NewHandler(server.Deps{
		Service:    a,
		Repository: a.Repository,
		Graph:      a.Pipeline.Graph(),
		Gatherer:   a.Registry,
	}))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGenerateAndFetch(t *testing.T) {
	ts := newServer(t, true)

	resp := postJSON(t, ts.URL+"/v1/modules", `{
		"question_text": "A car travels at a constant speed of 100 mph for 5 hours. What distance does it cover?",
		"solution_guide": "distance = 500 miles",
		"resumption_key": "client-1"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out app.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Record)
	assert.Equal(t, "client-1", out.Result.ResumptionKey)
	id := out.Record.ID

	resp = get(t, ts.URL+"/v1/modules/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec storage.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, id, rec.ID)
	assert.Contains(t, rec.Files, "server.py")

	resp = get(t, ts.URL+"/v1/modules/"+id+"/files/info.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp = get(t, ts.URL+"/v1/modules/"+id+"/files/missing.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/modules/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/modules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []storage.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestGenerateErrors(t *testing.T) {
	ts := newServer(t, false)

	resp := postJSON(t, ts.URL+"/v1/modules", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/modules", `{"question_text": "   "}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out app.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Error)

	resp = get(t, ts.URL+"/v1/modules")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGenerateBatch(t *testing.T) {
	ts := newServer(t, false)

	resp := postJSON(t, ts.URL+"/v1/modules/batch", `{"problems": [
		{"question_text": "Explain why ice floats on water."},
		{"question_text": "A 12 V battery drives a 4 ohm resistor. What current flows?"}
	]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var br server.BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&br))
	assert.Equal(t, 2, br.Succeeded)
	assert.Equal(t, 0, br.Failed)
	require.Len(t, br.Outcomes, 2)
	assert.Len(t, br.Outcomes[1].Result.Artifacts, 5)

	resp = postJSON(t, ts.URL+"/v1/modules/batch", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGraphHealthAndMetrics(t *testing.T) {
	ts := newServer(t, false)

	resp := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/graph?expand=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "graph TD")
	assert.Contains(t, buf.String(), "subgraph")

	postJSON(t, ts.URL+"/v1/modules", `{"question_text": "Why is the sky blue?"}`)
	resp = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf.Reset()
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "gestalt_pipeline_runs_total")
}

func TestCollaboratorStatus(t *testing.T) {
	ts := newServer(t, false)
	postJSON(t, ts.URL+"/v1/modules", `{"question_text": "Why is the sky blue?"}`)

	resp := get(t, ts.URL+"/v1/collaborators")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status app.CollaboratorStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, config.ModeOffline, status.Mode)
	assert.Empty(t, status.Breakers)
	require.NotNil(t, status.RetrievalCache)
	assert.Positive(t, status.RetrievalCache.Sets)
}

func TestServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	cfg := config.Default().Server
	cfg.Addr = "127.0.0.1:0"
	go func() {
		done <- server.Serve(ctx, cfg, http.NotFoundHandler(), logging.NewNop())
	}()
	cancel()
	assert.NoError(t, <-done)
}
