package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZaguanLabs/luminarychat/internal/api"
	"github.com/ZaguanLabs/luminarychat/internal/config"
	"github.com/ZaguanLabs/luminarychat/internal/persona"
)

const (
	// maxErrorBodySize prevents OOM on unexpectedly large upstream error
	// bodies.
	maxErrorBodySize = 10 * 1024 * 1024

	// maxErrorBodyLen limits the upstream body carried into error messages.
	maxErrorBodyLen = 500
)

// maskKey masks the upstream credential for logging (first 8 and last 4
// chars).
func maskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Client proxies chat-completion requests to the configured upstream with
// retry and backoff.
type Client struct {
	cfg  config.UpstreamConfig
	pool *Pool
	url  string
}

// NewClient creates an upstream client that executes through pool.
func NewClient(cfg config.UpstreamConfig, pool *Pool) *Client {
	return &Client{
		cfg:  cfg,
		pool: pool,
		url:  strings.TrimSuffix(cfg.URL, "/") + "/chat/completions",
	}
}

// Dispatch forwards one chat-completion request upstream and classifies the
// result. On success the returned response is live — its body has not been
// read — and the caller owns closing it. On failure the structured error
// carries the taxonomy tag and the HTTP-style code for the caller-facing
// envelope.
//
// The outbound request always names the configured upstream model regardless
// of what the caller asked for, and always carries a system instruction:
// the caller's own when present, otherwise the persona's.
func (c *Client) Dispatch(ctx context.Context, req *api.ChatCompletionRequest, p *persona.Definition, requestID string) (*http.Response, *api.Error) {
	body, err := c.buildBody(req, p)
	if err != nil {
		return nil, api.NewError(fmt.Sprintf("failed to build upstream request: %v", err), api.ErrTypeInternal, http.StatusInternalServerError)
	}

	// One budget covers the whole call including retries and their delays.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)

	resp, apiErr := c.execute(ctx, body, requestID)
	if apiErr != nil {
		cancel()
		return nil, apiErr
	}
	if resp.StatusCode >= 400 {
		apiErr = c.errorFromResponse(resp, requestID)
		cancel()
		return nil, apiErr
	}

	// The caller reads the body after Dispatch returns; tie the context's
	// release to body close so the budget keeps covering the read.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) buildBody(req *api.ChatCompletionRequest, p *persona.Definition) ([]byte, error) {
	out := *req
	out.Model = c.cfg.Model

	// Persona injection is additive: an explicit system message from the
	// caller is never overridden.
	if !req.HasSystemMessage() {
		messages := make([]api.ChatMessage, 0, len(req.Messages)+1)
		messages = append(messages, api.ChatMessage{Role: "system", Content: p.SystemPrompt})
		messages = append(messages, req.Messages...)
		out.Messages = messages
	}

	return json.Marshal(&out)
}

// execute runs the upstream call with up to MaxRetries attempts. Only
// transport failures and timeouts are retried; a well-formed HTTP response
// of any status is a definitive answer and is returned as-is.
func (c *Client) execute(ctx context.Context, body []byte, requestID string) (*http.Response, *api.Error) {
	client, err := c.pool.Client()
	if err != nil {
		return nil, api.NewError("upstream client unavailable", api.ErrTypeInternal, http.StatusInternalServerError)
	}

	log.Debug().
		Str("request_id", requestID).
		Str("url", c.url).
		Str("api_key", maskKey(c.cfg.APIKey)).
		Msg("forwarding request upstream")

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, api.NewError(fmt.Sprintf("failed to create upstream request: %v", err), api.ErrTypeInternal, http.StatusInternalServerError)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("X-Request-ID", requestID)

		resp, doErr := client.Do(httpReq)
		if doErr == nil {
			return resp, nil
		}
		lastErr = doErr

		// A spent budget or a vanished caller ends the attempt loop; the
		// backoff would only burn time nobody is waiting on.
		if ctx.Err() != nil {
			break
		}

		if attempt < c.cfg.MaxRetries-1 {
			delay := c.cfg.RetryDelay * (1 << attempt)
			log.Warn().
				Str("request_id", requestID).
				Int("attempt", attempt+1).
				Dur("retry_in", delay).
				Err(doErr).
				Msg("upstream request failed, retrying")

			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	apiErr := classifyTransportError(lastErr)
	log.Error().
		Str("request_id", requestID).
		Str("error_type", apiErr.Type).
		Err(lastErr).
		Msg("upstream request failed after retries")
	return nil, apiErr
}

// classifyTransportError maps a terminal transport failure onto the error
// taxonomy: timeouts become 504, everything else 502.
func classifyTransportError(err error) *api.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return api.NewError("Request to upstream API timed out", api.ErrTypeTimeout, http.StatusGatewayTimeout)
	default:
		return api.NewError(fmt.Sprintf("Failed to connect to upstream API: %v", err), api.ErrTypeConnection, http.StatusBadGateway)
	}
}

// errorFromResponse turns a >=400 upstream answer into a structured error.
// A JSON error envelope from the upstream passes through with its original
// message and type; anything else is wrapped verbatim.
func (c *Client) errorFromResponse(resp *http.Response, requestID string) *api.Error {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		raw = nil
	}

	apiErr := parseUpstreamError(raw, resp.StatusCode)
	log.Error().
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Str("error_type", apiErr.Type).
		Msg("upstream returned error response")
	return apiErr
}

func parseUpstreamError(raw []byte, status int) *api.Error {
	var envelope api.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		e := *envelope.Error
		if e.Type == "" {
			e.Type = api.ErrTypeUpstream
		}
		if e.Code == 0 {
			e.Code = status
		}
		return &e
	}

	msg := string(raw)
	if len(msg) > maxErrorBodyLen {
		msg = msg[:maxErrorBodyLen] + "... (truncated)"
	}
	return api.NewError(msg, api.ErrTypeUpstream, status)
}

// cancelReadCloser releases the dispatch context when the response body is
// closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
