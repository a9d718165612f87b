// Wire types for the OpenAI-compatible surface.
//
// The gateway speaks one dialect on both sides: the inbound chat-completion
// request, the error envelope, and the model descriptors returned by
// /v1/models. Upstream responses are relayed as raw JSON and never fully
// decoded here.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error taxonomy. The type string travels in the error envelope; the code is
// mirrored as the HTTP status where the transport allows it.
const (
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeUpstream       = "upstream_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeConnection     = "connection_error"
	ErrTypeStream         = "stream_error"
	ErrTypeInternal       = "internal_error"
)

// Error is the structured error carried inside the envelope.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Code, e.Message)
}

// ErrorEnvelope is the caller-facing error body: {"error": {...}}.
type ErrorEnvelope struct {
	Error *Error `json:"error"`
}

// NewError builds a structured error with the given taxonomy tag and code.
func NewError(message, errType string, code int) *Error {
	return &Error{Message: message, Type: errType, Code: code}
}

// ChatMessage is one entry in the inbound message list.
type ChatMessage struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	Name         string          `json:"name,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
}

// ChatCompletionRequest is the inbound request body. The model field names a
// persona, never an upstream model. Optional sampling parameters are pointers
// so that absent fields are omitted when the request is re-serialized for the
// upstream (the upstream sees exactly what the caller sent, plus the persona
// system message and the substituted model name).
type ChatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []ChatMessage      `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	Stop             json.RawMessage    `json:"stop,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
}

// Validate checks the request against the documented field ranges. It returns
// the first violation found; the pipeline is never invoked for a request that
// fails here.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}
	for i, msg := range r.Messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("messages[%d]: invalid role %q", i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("messages[%d]: message content cannot be empty", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0.0 || *r.Temperature > 2.0) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if r.TopP != nil && (*r.TopP < 0.0 || *r.TopP > 1.0) {
		return fmt.Errorf("top_p must be between 0.0 and 1.0")
	}
	if r.N != nil && (*r.N < 1 || *r.N > 10) {
		return fmt.Errorf("n must be between 1 and 10")
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > 32000) {
		return fmt.Errorf("max_tokens must be between 1 and 32000")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2.0 || *r.PresencePenalty > 2.0) {
		return fmt.Errorf("presence_penalty must be between -2.0 and 2.0")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2.0 || *r.FrequencyPenalty > 2.0) {
		return fmt.Errorf("frequency_penalty must be between -2.0 and 2.0")
	}
	if err := validateStop(r.Stop); err != nil {
		return err
	}
	return nil
}

// validateStop accepts the two shapes the original surface allows: a single
// string or a list of strings. The raw bytes are forwarded verbatim.
func validateStop(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nil
	}
	return fmt.Errorf("stop must be a string or a list of strings")
}

// HasSystemMessage reports whether the caller supplied their own system-role
// message. Persona injection only happens when this is false.
func (r *ChatCompletionRequest) HasSystemMessage() bool {
	for _, msg := range r.Messages {
		if msg.Role == "system" {
			return true
		}
	}
	return false
}

// Model is a persona presented as an OpenAI model descriptor.
type Model struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
