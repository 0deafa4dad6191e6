package codex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/remi/pkg/backend"
)

func writeFakeCodex(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codex")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestSend_ReturnsTrimmedOutput(t *testing.T) {
	bin := writeFakeCodex(t, `echo "the answer"`)
	r := New(Config{Binary: bin}, zerolog.Nop())

	resp := r.Send(context.Background(), "question", backend.SendOptions{})
	assert.Equal(t, "the answer", resp.Text)
	assert.False(t, backend.IsFailure(resp.Text))
	assert.GreaterOrEqual(t, resp.DurationMS, int64(0))
}

func TestSend_PassesPromptWithContext(t *testing.T) {
	// Echo the last argument back so the assembled prompt is observable.
	bin := writeFakeCodex(t, `for a in "$@"; do last="$a"; done; echo "$last"`)
	r := New(Config{Binary: bin}, zerolog.Nop())

	resp := r.Send(context.Background(), "question", backend.SendOptions{
		Context:      "- fact",
		SystemPrompt: "be brief",
	})
	assert.Contains(t, resp.Text, "be brief")
	assert.Contains(t, resp.Text, "<context>")
	assert.Contains(t, resp.Text, "- fact")
	assert.Contains(t, resp.Text, "question")
}

func TestSend_FailureSentinelOnExitError(t *testing.T) {
	bin := writeFakeCodex(t, `echo "quota exceeded" >&2; exit 1`)
	r := New(Config{Binary: bin}, zerolog.Nop())

	resp := r.Send(context.Background(), "question", backend.SendOptions{})
	assert.True(t, backend.IsFailure(resp.Text))
	assert.Contains(t, resp.Text, "quota exceeded")
}

func TestSend_FailureSentinelOnMissingBinary(t *testing.T) {
	r := New(Config{Binary: "/nonexistent/codex"}, zerolog.Nop())

	resp := r.Send(context.Background(), "question", backend.SendOptions{})
	assert.True(t, backend.IsFailure(resp.Text))
}

func TestSend_TimeoutSentinel(t *testing.T) {
	bin := writeFakeCodex(t, `sleep 5`)
	r := New(Config{Binary: bin, Timeout: 100 * time.Millisecond}, zerolog.Nop())

	resp := r.Send(context.Background(), "question", backend.SendOptions{})
	assert.Contains(t, resp.Text, backend.TimeoutPrefix)
}

func TestHealthCheck(t *testing.T) {
	ok := writeFakeCodex(t, `[ "$1" = "--version" ] && echo "codex 1.0" && exit 0; exit 1`)
	assert.True(t, New(Config{Binary: ok}, zerolog.Nop()).HealthCheck(context.Background()))
	assert.False(t, New(Config{Binary: "/nonexistent/codex"}, zerolog.Nop()).HealthCheck(context.Background()))
}
