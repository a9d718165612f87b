package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ZaguanLabs/luminarychat/internal/api"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// maxStreamLine bounds a single SSE line; upstream chunks are small,
	// but a malformed stream must not buffer unboundedly.
	maxStreamLine = 1024 * 1024
)

// StreamTransformer relays an upstream server-sent-event stream to the
// caller, rewriting model identifiers so the caller only ever sees the
// persona name. A transformer is stateless; one upstream stream yields one
// relay and cannot be replayed.
type StreamTransformer struct{}

// NewStreamTransformer creates a transformer.
func NewStreamTransformer() *StreamTransformer {
	return &StreamTransformer{}
}

// Relay consumes the upstream body line by line and writes rewritten event
// frames to w, flushing after each frame when w supports it. The upstream
// body is always closed before returning, including on early consumer
// disconnect, so no upstream connection leaks.
//
// Data payloads that parse as JSON get their model field overwritten with
// displayModel; payloads that don't parse are forwarded verbatim rather
// than dropped. The termination sentinel passes through unchanged and ends
// the relay. A mid-stream upstream failure emits one final structured
// error frame so consumers never see a silent truncation.
func (t *StreamTransformer) Relay(ctx context.Context, upstream io.ReadCloser, displayModel, requestID string, w io.Writer) {
	defer upstream.Close()

	flusher, canFlush := w.(http.Flusher)
	write := func(frame string) bool {
		if _, err := io.WriteString(w, frame); err != nil {
			// No client left to report to; release the upstream and move on.
			log.Info().Str("request_id", requestID).Msg("stream cancelled by client")
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			log.Info().Str("request_id", requestID).Msg("stream cancelled")
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			// Event boundary; preserved as-is.
			if !write("\n") {
				return
			}

		case strings.HasPrefix(line, dataPrefix):
			payload := strings.TrimSpace(line[len(dataPrefix):])

			if payload == doneSentinel {
				write("data: " + doneSentinel + "\n\n")
				return
			}

			var chunk map[string]any
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				log.Warn().
					Str("request_id", requestID).
					Str("chunk", truncate(payload, 100)).
					Err(err).
					Msg("invalid JSON in stream chunk")
				if !write(line + "\n\n") {
					return
				}
				continue
			}

			if _, ok := chunk["model"]; ok {
				chunk["model"] = displayModel
			}
			rewritten, err := json.Marshal(chunk)
			if err != nil {
				if !write(line + "\n\n") {
					return
				}
				continue
			}
			if !write("data: " + string(rewritten) + "\n\n") {
				return
			}

		default:
			if !write(line + "\n\n") {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			log.Info().Str("request_id", requestID).Msg("stream cancelled")
			return
		}
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Msg("error processing stream")

		// Headers are long committed; the failure travels in-band as a
		// final data event.
		frame, marshalErr := json.Marshal(api.ErrorEnvelope{
			Error: api.NewError("Stream processing error: "+err.Error(), api.ErrTypeStream, 0),
		})
		if marshalErr == nil {
			write("data: " + string(frame) + "\n\n")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
