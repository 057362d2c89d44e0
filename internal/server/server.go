// Package server wires spec.md §6's three dialect HTTP surfaces and the
// agent's WebSocket control channel onto the Request Pipeline, the way the
// teacher's own Server wires its relay and admin handlers onto a ServeMux.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/auth"
	"github.com/brennhill/browser-fleet-adapter/internal/config"
	"github.com/brennhill/browser-fleet-adapter/internal/dialect"
	"github.com/brennhill/browser-fleet-adapter/internal/events"
	"github.com/brennhill/browser-fleet-adapter/internal/modelcatalog"
	"github.com/brennhill/browser-fleet-adapter/internal/pipeline"
	"github.com/brennhill/browser-fleet-adapter/internal/registry"
	"github.com/brennhill/browser-fleet-adapter/internal/store"
)

// Server is the main HTTP + WebSocket listener.
type Server struct {
	cfg      *config.Config
	store    store.Store
	authMw   *auth.Middleware
	pipe     *pipeline.Pipeline
	registry *registry.Registry
	catalog  *modelcatalog.Catalog
	bus      *events.Bus

	httpServer *http.Server
	wsServer   *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, s store.Store, authMw *auth.Middleware, pipe *pipeline.Pipeline, reg *registry.Registry, catalog *modelcatalog.Catalog, bus *events.Bus) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     s,
		authMw:    authMw,
		pipe:      pipe,
		registry:  reg,
		catalog:   catalog,
		bus:       bus,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // streaming responses can run far longer than a fixed write deadline
		MaxHeaderBytes: 1 << 20,
	}

	// The agent dials `ws://127.0.0.1:<WebSocketPort>?authIndex=<n>` with no
	// path (internal/fleet/inject.go's agentWebSocketPreamble), so the
	// socket-accept handler gets its own listener rooted at "/" rather than
	// sharing the dialect API's mux and port.
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", srv.handleAgentSocket)
	srv.wsServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.WebSocketPort),
		Handler: wsMux,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	openai := func(h http.HandlerFunc) http.Handler { return s.authMw.Authenticate(dialect.OpenAI, h) }
	anthropic := func(h http.HandlerFunc) http.Handler { return s.authMw.Authenticate(dialect.Anthropic, h) }
	native := func(h http.HandlerFunc) http.Handler { return s.authMw.Authenticate(dialect.Native, h) }

	mux.Handle("POST /v1/chat/completions", openai(s.handleOpenAIChat))

	mux.Handle("POST /v1/messages", anthropic(s.handleAnthropicMessages))
	mux.Handle("POST /v1/messages/count_tokens", anthropic(s.handleAnthropicCountTokens))

	mux.Handle("POST /v1beta/models/{model}", native(s.handleNativeGenerate))

	mux.Handle("GET /v1/models", openai(s.handleListModelsOpenAI))
	mux.Handle("GET /v1beta/models", native(s.handleListModelsNative))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":%q}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.runLogPurge(ctx)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()
	go func() {
		slog.Info("agent socket listening", "addr", s.wsServer.Addr)
		errCh <- s.wsServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		s.wsServer.Shutdown(shutdownCtx)
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runLogPurge deletes request_log entries older than 30 days every 6 hours.
func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}

// --- dialect entry points ---

func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	streaming, _ := body["stream"].(bool)
	s.handle(w, r, pipeline.Request{
		Dialect:       dialect.OpenAI,
		Method:        "POST",
		Body:          body,
		IsGenerative:  true,
		StreamingMode: streamingModeFor(streaming, s.cfg.DefaultStreamingMode),
	})
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	streaming, _ := body["stream"].(bool)
	s.handle(w, r, pipeline.Request{
		Dialect:       dialect.Anthropic,
		Method:        "POST",
		Body:          body,
		IsGenerative:  true,
		StreamingMode: streamingModeFor(streaming, s.cfg.DefaultStreamingMode),
	})
}

func (s *Server) handleAnthropicCountTokens(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	s.handle(w, r, pipeline.Request{
		Dialect:       dialect.Anthropic,
		UpstreamPath:  ":countTokens",
		Method:        "POST",
		Body:          body,
		IsGenerative:  false,
		StreamingMode: pipeline.StreamNone,
	})
}

func (s *Server) handleNativeGenerate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	model, upstreamPath := splitNativeModelPath(r.PathValue("model"))
	streamingMode := pipeline.StreamNone
	isGenerative := true
	switch upstreamPath {
	case ":streamGenerateContent":
		streamingMode = streamingModeFor(true, s.cfg.DefaultStreamingMode)
	case ":generateContent", ":predict":
		streamingMode = pipeline.StreamNone
	case ":countTokens", ":batchEmbedContents":
		streamingMode = pipeline.StreamNone
		isGenerative = false
	}
	s.handle(w, r, pipeline.Request{
		Dialect:       dialect.Native,
		PathModel:     model,
		UpstreamPath:  upstreamPath,
		Method:        "POST",
		Body:          body,
		IsGenerative:  isGenerative,
		StreamingMode: streamingMode,
	})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	if err := s.pipe.Handle(r.Context(), w, req); err != nil {
		writeStatusError(w, req.Dialect, err)
	}
}

func (s *Server) handleListModelsOpenAI(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{"id": m.ID, "object": "model", "owned_by": m.OwnedBy})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleListModelsNative(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"name":             "models/" + m.ID,
			"displayName":      m.DisplayName,
			"inputTokenLimit":  m.InputTokenLimit,
			"outputTokenLimit": m.OutputTokenLimit,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": data})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":{"message":"invalid request body: %s"}}`, err.Error())
		return nil, false
	}
	return body, true
}

func streamingModeFor(streaming bool, defaultMode string) pipeline.StreamingMode {
	if !streaming {
		return pipeline.StreamNone
	}
	if defaultMode == "fake" {
		return pipeline.StreamPseudo
	}
	return pipeline.StreamReal
}

// splitNativeModelPath splits spec.md §6's `{model}{:generateContent|...}`
// path template: the model resource segment carries a colon-prefixed verb
// suffix that Go's ServeMux leaves glued onto the {model} wildcard.
func splitNativeModelPath(raw string) (model, verb string) {
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		return raw[:i], raw[i:]
	}
	return raw, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatusError(w http.ResponseWriter, d dialect.Dialect, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	if se, ok := err.(*pipeline.StatusError); ok {
		status = se.Status
		msg = se.Message
	}
	t, terr := dialect.For(d)
	if terr != nil {
		writeJSON(w, status, map[string]any{"error": msg})
		return
	}
	writeJSON(w, status, t.WrapError(status, msg))
}
