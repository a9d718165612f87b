package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZaguanLabs/luminarychat/internal/api"
	"github.com/ZaguanLabs/luminarychat/internal/monitoring"
	"github.com/ZaguanLabs/luminarychat/internal/persona"
	"github.com/ZaguanLabs/luminarychat/internal/upstream"
)

// RequestContext is the immutable per-call record created at pipeline entry.
type RequestContext struct {
	ID        string
	ClientKey string
	Arrived   time.Time
	PersonaID string
	Streaming bool
}

// Pipeline orchestrates one chat-completion request: admission check,
// persona resolution, upstream dispatch, then streaming relay or buffered
// passthrough. Every terminal outcome records exactly one metrics entry.
type Pipeline struct {
	limiter     *RateLimiter
	personas    *persona.Registry
	client      *upstream.Client
	transformer *StreamTransformer
	metrics     *monitoring.Collector
}

// NewPipeline wires the pipeline from its collaborators. All shared state
// lives in the collaborators; the pipeline itself is stateless per request.
func NewPipeline(limiter *RateLimiter, personas *persona.Registry, client *upstream.Client, transformer *StreamTransformer, metrics *monitoring.Collector) *Pipeline {
	return &Pipeline{
		limiter:     limiter,
		personas:    personas,
		client:      client,
		transformer: transformer,
		metrics:     metrics,
	}
}

// Handle runs one validated request through the pipeline and writes the
// response. The request object is not mutated; upstream-bound rewrites
// happen on a copy inside the upstream client.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, req *api.ChatCompletionRequest) {
	reqCtx := RequestContext{
		ID:        RequestIDFromContext(r.Context()),
		ClientKey: clientKey(r),
		Arrived:   time.Now(),
		PersonaID: req.Model,
		Streaming: req.Stream,
	}

	if !p.limiter.Admit(reqCtx.ClientKey) {
		log.Warn().
			Str("request_id", reqCtx.ID).
			Str("client", reqCtx.ClientKey).
			Msg("rate limit exceeded")
		p.metrics.RecordRateLimited()
		p.fail(w, reqCtx, api.NewError("Rate limit exceeded", api.ErrTypeRateLimit, http.StatusTooManyRequests))
		return
	}

	def, ok := p.personas.Get(req.Model)
	if !ok {
		log.Warn().
			Str("request_id", reqCtx.ID).
			Str("model", req.Model).
			Msg("unknown personality requested")
		p.fail(w, reqCtx, api.NewError(fmt.Sprintf("Model not found: %s", req.Model), api.ErrTypeInvalidRequest, http.StatusNotFound))
		return
	}

	log.Info().
		Str("request_id", reqCtx.ID).
		Str("personality", req.Model).
		Int("message_count", len(req.Messages)).
		Bool("stream", req.Stream).
		Msg("processing chat completion")

	resp, apiErr := p.client.Dispatch(r.Context(), req, def, reqCtx.ID)
	if apiErr != nil {
		log.Error().
			Str("request_id", reqCtx.ID).
			Str("error_type", apiErr.Type).
			Int("code", apiErr.Code).
			Msg("upstream dispatch failed")
		p.fail(w, reqCtx, apiErr)
		return
	}

	if req.Stream {
		p.relayStream(w, r, resp, reqCtx)
		return
	}
	p.respondBuffered(w, resp, reqCtx)
}

// relayStream hands the live response to the transformer without buffering.
// The streaming outcome is recorded at dispatch time; the recorded latency
// is time-to-dispatch, not full stream duration.
func (p *Pipeline) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, reqCtx RequestContext) {
	p.metrics.RecordOutcome(time.Since(reqCtx.Arrived), false, true)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	p.transformer.Relay(r.Context(), resp.Body, reqCtx.PersonaID, reqCtx.ID, w)
}

// respondBuffered reads the whole upstream body, substitutes the façade
// model name, and passes everything else through untouched.
func (p *Pipeline) respondBuffered(w http.ResponseWriter, resp *http.Response, reqCtx RequestContext) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		p.fail(w, reqCtx, api.NewError("Failed to read upstream response", api.ErrTypeInternal, http.StatusInternalServerError))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error().
			Str("request_id", reqCtx.ID).
			Err(err).
			Msg("upstream returned non-JSON completion body")
		p.fail(w, reqCtx, api.NewError("Internal server error", api.ErrTypeInternal, http.StatusInternalServerError))
		return
	}
	if _, ok := payload["model"]; ok {
		payload["model"] = reqCtx.PersonaID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.fail(w, reqCtx, api.NewError("Internal server error", api.ErrTypeInternal, http.StatusInternalServerError))
		return
	}

	p.metrics.RecordOutcome(time.Since(reqCtx.Arrived), false, false)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// fail records the error outcome and writes the envelope.
func (p *Pipeline) fail(w http.ResponseWriter, reqCtx RequestContext, apiErr *api.Error) {
	p.metrics.RecordOutcome(time.Since(reqCtx.Arrived), true, false)
	writeAPIError(w, apiErr)
}

// clientKey derives the rate-limit key from the originating address.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
