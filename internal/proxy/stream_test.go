package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

// errReader fails after yielding its prefix, simulating a dropped upstream.
type errReader struct {
	prefix io.Reader
	err    error
	done   bool
}

func (e *errReader) Read(p []byte) (int, error) {
	if !e.done {
		n, err := e.prefix.Read(p)
		if err == io.EOF {
			e.done = true
			return n, nil
		}
		return n, err
	}
	return 0, e.err
}

func (e *errReader) Close() error { return nil }

// failWriter rejects every write, simulating a disconnected client.
type failWriter struct{ writes int }

func (f *failWriter) Write(p []byte) (int, error) {
	f.writes++
	return 0, errors.New("client gone")
}

func relay(t *testing.T, input string) string {
	t.Helper()
	var out strings.Builder
	body := &closeTracker{Reader: strings.NewReader(input)}
	NewStreamTransformer().Relay(context.Background(), body, "luminary/socrates", "req-1", &out)
	assert.True(t, body.closed, "upstream body must be closed")
	return out.String()
}

// =============================================================================
// MODEL REWRITING
// =============================================================================

func TestRelay_RewritesModelID(t *testing.T) {
	input := "data: {\"id\":\"c1\",\"model\":\"upstream/gpt\",\"choices\":[]}\n\n" +
		"data: [DONE]\n\n"

	out := relay(t, input)

	require.Contains(t, out, "data: ")
	assert.NotContains(t, out, "upstream/gpt")
	assert.Contains(t, out, `"model":"luminary/socrates"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestRelay_ChunkWithoutModelUntouched(t *testing.T) {
	input := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: [DONE]\n\n"

	out := relay(t, input)

	// No model field means nothing to rewrite; payload survives intact.
	frame := strings.SplitN(out, "\n", 2)[0]
	var chunk map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &chunk))
	_, hasModel := chunk["model"]
	assert.False(t, hasModel)
	assert.Equal(t, "c1", chunk["id"])
}

// =============================================================================
// MALFORMED AND NON-DATA LINES
// =============================================================================

func TestRelay_MalformedJSONForwardedVerbatim(t *testing.T) {
	input := "data: {not json at all\n\n" +
		"data: [DONE]\n\n"

	out := relay(t, input)

	assert.Contains(t, out, "data: {not json at all\n\n")
	assert.Contains(t, out, "data: [DONE]")
}

func TestRelay_NonDataLinesForwarded(t *testing.T) {
	input := ": keep-alive comment\n" +
		"event: ping\n" +
		"data: [DONE]\n\n"

	out := relay(t, input)

	assert.Contains(t, out, ": keep-alive comment\n\n")
	assert.Contains(t, out, "event: ping\n\n")
}

func TestRelay_DoneTerminatesRelay(t *testing.T) {
	input := "data: [DONE]\n\n" +
		"data: {\"model\":\"should-never-appear\"}\n\n"

	out := relay(t, input)

	assert.Equal(t, "data: [DONE]\n\n", out)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestRelay_UpstreamFailureEmitsErrorFrame(t *testing.T) {
	body := &errReader{
		prefix: strings.NewReader("data: {\"model\":\"m\",\"choices\":[]}\n\n"),
		err:    errors.New("connection reset"),
	}

	var out strings.Builder
	NewStreamTransformer().Relay(context.Background(), body, "luminary/socrates", "req-1", &out)

	got := out.String()
	assert.Contains(t, got, `"model":"luminary/socrates"`)

	// The failure travels as one final structured data frame.
	lastIdx := strings.LastIndex(got, "data: ")
	require.GreaterOrEqual(t, lastIdx, 0)
	payload := strings.TrimSpace(got[lastIdx+len("data: "):])

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &envelope))
	assert.Equal(t, "stream_error", envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "connection reset")
}

func TestRelay_ClientDisconnectStopsAndClosesUpstream(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader(
		"data: {\"model\":\"m\"}\n\ndata: {\"model\":\"m\"}\n\ndata: [DONE]\n\n")}
	w := &failWriter{}

	NewStreamTransformer().Relay(context.Background(), body, "luminary/socrates", "req-1", w)

	assert.Equal(t, 1, w.writes, "relay must stop after the first failed write")
	assert.True(t, body.closed)
}

func TestRelay_ContextCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := &closeTracker{Reader: strings.NewReader("data: {\"model\":\"m\"}\n\ndata: [DONE]\n\n")}
	var out strings.Builder
	NewStreamTransformer().Relay(ctx, body, "luminary/socrates", "req-1", &out)

	assert.Empty(t, out.String())
	assert.True(t, body.closed)
}
