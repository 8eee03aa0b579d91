package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeLLM/internal/backend/fake"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/history"
)

func testEngine(t *testing.T, load bool, opts ...engine.Option) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"
	cfg.Model.Path = fake.VirtualPrefix + "server"
	cfg.Model.Temperature = 0
	opts = append([]engine.Option{engine.WithBackend(fake.New(fake.WithLogits(fake.Text("hi there"))))}, opts...)
	e := engine.New(cfg, opts...)
	if load {
		require.True(t, e.Initialize(cfg.Model))
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestServer(t *testing.T, eng Engine, hist History) *httptest.Server {
	t.Helper()
	srv := NewHTTPServer("127.0.0.1", "0", eng, hist)
	ts := httptest.NewServer(srv.Handler("fake"))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "fake", health.Backend)
	assert.True(t, health.Ready)
}

func TestHealthRejectsPost(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)
	resp := postJSON(t, ts.URL+"/health", map[string]string{})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGenerate(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "hello", MaxTokens: 32})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "hi there", out.Text)
	assert.True(t, out.Done)
	assert.Empty(t, out.Error)
	require.NotNil(t, out.Metrics)
	assert.Equal(t, "eos", string(out.Metrics.Finish))
	assert.Equal(t, 8, out.Metrics.OutputTokens)
}

func TestGenerateBudget(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "hello", MaxTokens: 2})
	var out GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, "length", string(out.Metrics.Finish))
}

func TestGenerateNotLoaded(t *testing.T) {
	ts := newTestServer(t, testEngine(t, false), nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Error: Model not loaded", out.Error)
	assert.Empty(t, out.Text)
}

func TestGenerateBadRequests(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"prompt":`},
		{"empty prompt", `{"prompt":"   "}`},
		{"negative budget", `{"prompt":"x","max_tokens":-1}`},
		{"bad options", `{"prompt":"x","options":{"contextSize":-5}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGenerateOptionsDoNotPersist(t *testing.T) {
	eng := testEngine(t, true)
	ts := newTestServer(t, eng, nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{
		Prompt:  "hello",
		Options: map[string]any{"topK": 3, "temperature": 0.5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Metrics)
	assert.Equal(t, 3, out.Metrics.Params.TopK)

	m := eng.Config().Model
	assert.Equal(t, 40, m.TopK)
	assert.Equal(t, 0.0, m.Temperature)

	streamed := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{
		Prompt:  "hello",
		Stream:  true,
		Options: map[string]any{"topK": 4},
	})
	require.Equal(t, http.StatusOK, streamed.StatusCode)
	events := readEvents(t, streamed, false)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.NotNil(t, last.Metrics)
	assert.Equal(t, 4, last.Metrics.Params.TopK)
	assert.Equal(t, 40, eng.Config().Model.TopK)
}

func readEvents(t *testing.T, resp *http.Response, sse bool) []FragmentEvent {
	t.Helper()
	var events []FragmentEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if sse {
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			line = strings.TrimPrefix(line, "data: ")
		}
		if line == "" {
			continue
		}
		var ev FragmentEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func checkStream(t *testing.T, events []FragmentEvent, want string) {
	t.Helper()
	require.NotEmpty(t, events)
	var text strings.Builder
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq, "events arrive in order")
		if i < len(events)-1 {
			assert.False(t, ev.Done, "terminal record must be last")
			text.WriteString(ev.Token)
		}
	}
	last := events[len(events)-1]
	assert.True(t, last.Done)
	require.NotNil(t, last.Metrics)
	assert.Equal(t, want, text.String())
}

func TestGenerateStreamNDJSON(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "hello", Stream: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp, false)
	checkStream(t, events, "hi there")
	assert.Equal(t, "eos", string(events[len(events)-1].Metrics.Finish))
}

func TestGenerateStreamSSE(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/generate",
		strings.NewReader(`{"prompt":"hello","stream":true,"max_tokens":3}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readEvents(t, resp, true)
	checkStream(t, events, "hi ")
	assert.Equal(t, "length", string(events[len(events)-1].Metrics.Finish))
}

func TestGenerateStreamNotLoaded(t *testing.T) {
	ts := newTestServer(t, testEngine(t, false), nil)

	resp := postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "hello", Stream: true})
	events := readEvents(t, resp, false)
	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.Equal(t, "Error: Model not loaded", events[0].Error)
}

func TestStop(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)
	resp := postJSON(t, ts.URL+"/v1/stop", map[string]string{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInfoAndSystem(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)

	resp, err := http.Get(ts.URL + "/v1/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info InfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.Ready)
	assert.True(t, strings.HasPrefix(info.Info, "Model: fake:server\n"))

	resp2, err := http.Get(ts.URL + "/v1/system")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var sys InfoResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&sys))
	assert.NotEmpty(t, sys.Info)
}

func TestParams(t *testing.T) {
	eng := testEngine(t, true)
	ts := newTestServer(t, eng, nil)

	resp := postJSON(t, ts.URL+"/v1/params", map[string]any{"topK": 7, "temperature": 0.25})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, eng.Config().Model.TopK)
	assert.Equal(t, 0.25, eng.Config().Model.Temperature)

	var info InfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Contains(t, info.Info, "Top-k: 7\n")

	bad := postJSON(t, ts.URL+"/v1/params", map[string]any{"threads": -2})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, 7, eng.Config().Model.TopK)
}

func TestHistoryDisabled(t *testing.T) {
	ts := newTestServer(t, testEngine(t, true), nil)
	resp, err := http.Get(ts.URL + "/v1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	store, err := history.Open(history.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := testEngine(t, true, engine.WithRecorder(store))
	ts := newTestServer(t, eng, store)

	postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "weather station sensors"})
	postJSON(t, ts.URL+"/v1/generate", GenerateRequest{Prompt: "capital of france"})

	resp, err := http.Get(ts.URL + "/v1/history?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []history.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "capital of france", entries[0].Prompt)
	assert.Equal(t, "hi there", entries[0].Output)

	found, err := http.Get(ts.URL + "/v1/history?q=weather")
	require.NoError(t, err)
	defer found.Body.Close()
	var matched []history.Entry
	require.NoError(t, json.NewDecoder(found.Body).Decode(&matched))
	require.Len(t, matched, 1)
	assert.Equal(t, "weather station sensors", matched[0].Prompt)

	bad, err := http.Get(ts.URL + "/v1/history?limit=zero")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestStartStop(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1", "0", testEngine(t, true), nil)
	require.NoError(t, srv.Start("fake"))
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start("fake"), "second start must fail")

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.Empty(t, srv.Addr())
	assert.NoError(t, srv.Stop())
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1", "0", testEngine(t, true), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "fake") }()

	require.Eventually(t, srv.IsRunning, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, srv.IsRunning())
}
