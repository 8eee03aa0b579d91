package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/history"
	"EdgeLLM/internal/prompt"
	"EdgeLLM/internal/stream"
)

// Engine is the generation surface the server exposes.
type Engine interface {
	IsReady() bool
	GenerateWith(ctx context.Context, prompt string, maxTokens int, opts map[string]any) (generation.Result, error)
	StreamWith(prompt string, maxTokens int, opts map[string]any) *stream.Stream
	CheckOptions(opts map[string]any) error
	StopGeneration()
	Apply(opts map[string]any) error
	ModelInfo() string
	SystemInfo() string
}

// History is the read side of the generation journal.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]history.Entry, error)
}

const defaultHistoryLimit = 20

// GenerateRequest represents a generation request
type GenerateRequest struct {
	Prompt    string         `json:"prompt"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
	Format    string         `json:"format,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// GenerateResponse represents a non-streaming generation response
type GenerateResponse struct {
	Text    string              `json:"text"`
	Metrics *generation.Metrics `json:"metrics,omitempty"`
	Done    bool                `json:"done"`
	Error   string              `json:"error,omitempty"`
}

// FragmentEvent is one line of a streamed response. The last event of
// every stream has Done set.
type FragmentEvent struct {
	Seq     int                 `json:"seq"`
	Token   string              `json:"token,omitempty"`
	Done    bool                `json:"done"`
	Metrics *generation.Metrics `json:"metrics,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Ready   bool   `json:"ready"`
	Uptime  string `json:"uptime"`
}

// InfoResponse carries a textual info dump.
type InfoResponse struct {
	Ready bool   `json:"ready,omitempty"`
	Info  string `json:"info"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPServer serves an engine over HTTP
type HTTPServer struct {
	Address string
	Port    string

	engine  Engine
	history History
	backend string

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	startTime  time.Time
}

// NewHTTPServer creates a new HTTP server instance. hist may be nil when
// the journal is disabled.
func NewHTTPServer(address, port string, eng Engine, hist History) *HTTPServer {
	return &HTTPServer{
		Address:   address,
		Port:      port,
		engine:    eng,
		history:   hist,
		startTime: time.Now(),
	}
}

// Handler returns the request router. backend is reported by /health.
func (s *HTTPServer) Handler(backend string) http.Handler {
	s.backend = backend

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/system", s.handleSystem)
	mux.HandleFunc("POST /v1/params", s.handleParams)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	return recoverer(mux)
}

// Start begins listening for HTTP requests
func (s *HTTPServer) Start(backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("server: already running")
	}

	addr := net.JoinHostPort(s.Address, s.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(backend),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: %v", err)
		}
	}()
	return nil
}

// Serve starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *HTTPServer) Serve(ctx context.Context, backend string) error {
	if err := s.Start(backend); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop stops any running generation and gracefully shuts down the server
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	s.engine.StopGeneration()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	log.Printf("server: on %s:%s stopped", s.Address, s.Port)
	return nil
}

// Addr returns the bound listen address, or "" when not running.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: s.backend,
		Ready:   s.engine.IsReady(),
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "max_tokens must not be negative")
		return
	}
	// Request options hold for this generation only; /v1/params changes
	// the defaults.
	if len(req.Options) > 0 {
		if err := s.engine.CheckOptions(req.Options); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid options: %v", err))
			return
		}
	}
	text := req.Prompt
	if req.Format != "" {
		text = prompt.Format(text, prompt.ParseKind(req.Format))
	}

	if req.Stream {
		s.handleStreaming(w, r, text, req.MaxTokens, req.Options)
		return
	}
	s.handleNonStreaming(w, r, text, req.MaxTokens, req.Options)
}

// handleNonStreaming runs the generation on the request goroutine
func (s *HTTPServer) handleNonStreaming(w http.ResponseWriter, r *http.Request, text string, maxTokens int, opts map[string]any) {
	res, err := s.engine.GenerateWith(r.Context(), text, maxTokens, opts)
	resp := GenerateResponse{Text: res.Text, Metrics: &res.Metrics, Done: true}
	if err != nil {
		resp.Error = generation.TextOf(err)
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreaming writes newline-delimited JSON events, or server-sent
// events when the client asks for text/event-stream.
func (s *HTTPServer) handleStreaming(w http.ResponseWriter, r *http.Request, text string, maxTokens int, opts map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(http.StatusOK)

	st := s.engine.StreamWith(text, maxTokens, opts)
	defer st.Close()

	for {
		f, err := st.Next(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("server: stream %s: client gone: %v", st.ID(), err)
			}
			return
		}
		if err := writeEvent(w, sse, eventFrom(f)); err != nil {
			log.Printf("server: stream %s: write: %v", st.ID(), err)
			return
		}
		flusher.Flush()
		if f.Final {
			return
		}
	}
}

func eventFrom(f stream.Fragment) FragmentEvent {
	if !f.Final {
		return FragmentEvent{Seq: f.Seq, Token: f.Text}
	}
	ev := FragmentEvent{Seq: f.Seq, Done: true, Metrics: f.Metrics}
	if f.Err != nil {
		ev.Error = generation.TextOf(f.Err)
	}
	return ev
}

func writeEvent(w io.Writer, sse bool, ev FragmentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if sse {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	} else {
		_, err = fmt.Fprintf(w, "%s\n", data)
	}
	return err
}

func (s *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.StopGeneration()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{Ready: s.engine.IsReady(), Info: s.engine.ModelInfo()})
}

func (s *HTTPServer) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{Info: s.engine.SystemInfo()})
}

func (s *HTTPServer) handleParams(w http.ResponseWriter, r *http.Request) {
	var opts map[string]any
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.engine.Apply(opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, InfoResponse{Ready: s.engine.IsReady(), Info: s.engine.ModelInfo()})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		entries []history.Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = s.history.Search(r.Context(), q, limit)
	} else {
		entries, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		log.Printf("server: history: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	switch generation.KindOf(err) {
	case generation.KindPrecondition:
		return http.StatusServiceUnavailable
	case generation.KindContext:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
