// Package proxy implements the OpenAI-compatible persona gateway.
//
// DESIGN: Transparent façade over a single upstream provider:
//  1. Receive an OpenAI-style chat completion from the client
//  2. Resolve the requested model ID to a luminary persona
//  3. Inject the persona system prompt and dispatch upstream
//  4. Rewrite model IDs in the response (streamed or buffered)
//  5. Return the response as if the persona were a real model
//
// FILES: server.go (HTTP surface), pipeline.go (request flow),
// ratelimit.go (admission), stream.go (SSE relay)
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ZaguanLabs/luminarychat/internal/api"
	"github.com/ZaguanLabs/luminarychat/internal/config"
	"github.com/ZaguanLabs/luminarychat/internal/monitoring"
	"github.com/ZaguanLabs/luminarychat/internal/persona"
	"github.com/ZaguanLabs/luminarychat/internal/upstream"
)

const (
	Version            = "1.0.0"
	MaxRequestBodySize = 10 * 1024 * 1024
	HeaderRequestID    = "X-Request-ID"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID stored by the middleware,
// or an empty string outside a request scope.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Server is the gateway HTTP server.
type Server struct {
	config   *config.Config
	personas *persona.Registry
	limiter  *RateLimiter
	pool     *upstream.Pool
	upstream *upstream.Client
	metrics  *monitoring.Collector
	pipeline *Pipeline
	server   *http.Server
}

// New creates a new gateway server.
func New(cfg *config.Config, personas *persona.Registry) *Server {
	pool := upstream.NewPool(cfg.Upstream)
	client := upstream.NewClient(cfg.Upstream, pool)
	metrics := monitoring.NewCollector()
	limiter := NewRateLimiter(cfg.RateLimit.PerMinute)
	transformer := NewStreamTransformer()

	s := &Server{
		config:   cfg,
		personas: personas,
		limiter:  limiter,
		pool:     pool,
		upstream: client,
		metrics:  metrics,
		pipeline: NewPipeline(limiter, personas, client, transformer, metrics),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	handler := s.panicRecovery(s.requestLogging(s.cors(mux)))

	s.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// setupRoutes configures the HTTP routes for the gateway.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.Handle("/metrics/prometheus", s.metrics.Handler())
}

// Start starts the gateway.
func (s *Server) Start() error {
	log.Info().
		Str("host", s.config.Server.Host).
		Int("port", s.config.Server.Port).
		Int("personalities", s.personas.Len()).
		Msg("gateway starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler for testing purposes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Shutdown gracefully shuts down the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("gateway shutting down")
	err := s.server.Shutdown(ctx)
	s.pool.Shutdown()
	return err
}

// =============================================================================
// HANDLERS
// =============================================================================

// handleHealth returns gateway health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().Format(time.RFC3339),
		"version":       Version,
		"personalities": s.personas.Len(),
	})
}

// handleModels lists the luminary personas as OpenAI model descriptors.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, api.NewError("Method not allowed", api.ErrTypeInvalidRequest, http.StatusMethodNotAllowed))
		return
	}

	list := api.ModelList{Object: "list", Data: s.personas.List()}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// handleChatCompletions validates the request envelope and hands it to the
// pipeline. Validation failures never reach the upstream.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, api.NewError("Method not allowed", api.ErrTypeInvalidRequest, http.StatusMethodNotAllowed))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req api.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, api.NewError("Invalid JSON body: "+err.Error(), api.ErrTypeInvalidRequest, http.StatusBadRequest))
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIError(w, api.NewError(err.Error(), api.ErrTypeInvalidRequest, http.StatusBadRequest))
		return
	}

	s.pipeline.Handle(w, r, &req)
}

// handleMetrics returns the JSON metrics snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.config.Metrics.Enabled {
		writeAPIError(w, api.NewError("Metrics are disabled", api.ErrTypeInvalidRequest, http.StatusNotFound))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metrics.Snapshot())
}

// writeAPIError writes the OpenAI-style error envelope.
func writeAPIError(w http.ResponseWriter, apiErr *api.Error) {
	w.Header().Set("Content-Type", "application/json")
	status := apiErr.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorEnvelope{Error: apiErr})
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// statusRecorder captures the response status for completion logging and
// stamps X-Process-Time just before the header is committed. Flush passes
// through so SSE streaming keeps working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.wroteHeader {
		return
	}
	sr.wroteHeader = true
	sr.status = code
	sr.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(sr.start).Seconds()))
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(p)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogging assigns a request ID, stores it in the context, and logs
// request completion. An inbound X-Request-ID is honoured for traceability.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set(HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: start}
		next.ServeHTTP(rec, r.WithContext(ctx))

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// panicRecovery converts handler panics into a 500 error envelope.
func (s *Server) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("panic in request handler")
				writeAPIError(w, api.NewError("Internal server error", api.ErrTypeInternal, http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors applies a permissive CORS policy so browser clients can talk to the
// gateway directly.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
