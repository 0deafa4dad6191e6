package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/protocol"
)

const (
	defaultBinary       = "claude"
	defaultStartTimeout = 30 * time.Second

	// Shutdown grace periods: stdin close → natural exit → SIGTERM → SIGKILL.
	exitGrace = 5 * time.Second
	termGrace = 3 * time.Second

	maxFrameSize = 10 * 1024 * 1024
)

var (
	// ErrNotRunning is returned by Send when the subprocess is not alive.
	ErrNotRunning = errors.New("claudecli: process not running")

	// ErrStartupTimeout is returned by Start when no system init frame
	// arrives within the startup timeout. Fatal for this driver.
	ErrStartupTimeout = errors.New("claudecli: timed out waiting for system init frame")
)

// ToolHandler executes one tool call during a turn and returns the result
// text plus an error flag for the tool_result frame.
type ToolHandler func(ctx context.Context, req protocol.ToolUseRequest) (result string, isError bool)

// ProcessOptions configures a ProcessManager.
type ProcessOptions struct {
	Binary       string
	Model        string
	AllowedTools []string
	SystemPrompt string
	CWD          string
	StartTimeout time.Duration
}

// ProcessManager owns one long-running Claude CLI subprocess speaking the
// stream-json protocol. Turns are serialized: a second Send on the same
// manager queues until the previous turn's event channel closes, so two
// callers can never interleave frames on the same stdio pair.
type ProcessManager struct {
	opts ProcessOptions
	log  zerolog.Logger

	// turnMu is held from Send until the turn's event stream finishes.
	turnMu sync.Mutex

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	lines     chan []byte
	exited    chan struct{}
	sessionID string
}

// NewProcessManager creates a manager. The subprocess is not spawned until
// Start.
func NewProcessManager(opts ProcessOptions, log zerolog.Logger) *ProcessManager {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	return &ProcessManager{
		opts: opts,
		log:  log.With().Str("component", "claudecli.process").Logger(),
	}
}

// IsAlive reports whether the subprocess is running.
func (m *ProcessManager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked()
}

func (m *ProcessManager) aliveLocked() bool {
	if m.cmd == nil {
		return false
	}
	select {
	case <-m.exited:
		return false
	default:
		return true
	}
}

// SessionID returns the agent-assigned session id, empty before Start.
func (m *ProcessManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *ProcessManager) buildArgs() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if m.opts.Model != "" {
		args = append(args, "--model", m.opts.Model)
	}
	if len(m.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(m.opts.AllowedTools, ","))
	}
	if m.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", m.opts.SystemPrompt)
	}
	return args
}

// Start spawns the subprocess and reads frames until the system init frame
// arrives, recording the agent-assigned session id. Failure to see the init
// frame within the startup timeout is fatal for this driver.
func (m *ProcessManager) Start(ctx context.Context) (protocol.SystemMessage, error) {
	var zero protocol.SystemMessage

	m.mu.Lock()
	if m.aliveLocked() {
		m.mu.Unlock()
		return zero, errors.New("claudecli: process already running")
	}
	m.mu.Unlock()

	cmd := exec.Command(m.opts.Binary, m.buildArgs()...)
	cmd.Dir = m.opts.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return zero, fmt.Errorf("claudecli: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return zero, fmt.Errorf("claudecli: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return zero, fmt.Errorf("claudecli: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return zero, fmt.Errorf("claudecli: spawn %s: %w", m.opts.Binary, err)
	}

	lines := make(chan []byte, 64)
	exited := make(chan struct{})
	go m.readLoop(cmd, stdout, lines, exited)
	go m.drainStderr(stderr)

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.lines = lines
	m.exited = exited
	m.mu.Unlock()

	init, err := m.awaitInit(ctx)
	if err != nil {
		m.killAndReset(cmd, exited)
		return zero, err
	}

	m.mu.Lock()
	m.sessionID = init.SessionID
	m.mu.Unlock()

	m.log.Info().
		Int("pid", cmd.Process.Pid).
		Str("session_id", init.SessionID).
		Str("model", init.Model).
		Msg("claude process started")
	return init, nil
}

// awaitInit reads frames until a SystemMessage appears or the startup
// timeout elapses.
func (m *ProcessManager) awaitInit(ctx context.Context) (protocol.SystemMessage, error) {
	type initResult struct {
		msg protocol.SystemMessage
		err error
	}
	ch := make(chan initResult, 1)

	go func() {
		for {
			line, ok := m.readLine()
			if !ok {
				ch <- initResult{err: errors.New("claudecli: stdout closed before system init frame")}
				return
			}
			ev, err := protocol.Parse(line)
			if err != nil {
				m.log.Warn().Err(err).Msg("skipping malformed frame during startup")
				continue
			}
			if sys, ok := ev.(protocol.SystemMessage); ok {
				ch <- initResult{msg: sys}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(m.opts.StartTimeout):
		return protocol.SystemMessage{}, ErrStartupTimeout
	case <-ctx.Done():
		return protocol.SystemMessage{}, ctx.Err()
	}
}

// readLoop drains stdout to EOF, forwarding non-empty lines. cmd.Wait runs
// only after EOF: Wait closes the stdout pipe, so reaping the process any
// earlier would race the reader and drop frames still buffered in the pipe.
func (m *ProcessManager) readLoop(cmd *exec.Cmd, stdout io.Reader, lines chan<- []byte, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.log.Trace().Str("frame", truncate(line, 200)).Msg("<")
		lines <- []byte(line)
	}
	close(lines)
	_ = cmd.Wait()
	close(exited)
}

func (m *ProcessManager) killAndReset(cmd *exec.Cmd, exited chan struct{}) {
	_ = signalProcess(cmd.Process, os.Kill)

	m.mu.Lock()
	lines := m.lines
	m.cmd = nil
	m.stdin = nil
	m.lines = nil
	m.mu.Unlock()

	// Unblock the read loop if nothing is consuming its channel.
	if lines != nil {
		go func() {
			for range lines {
			}
		}()
	}
	<-exited
}

// Send writes one user frame and returns the turn's event stream. The stream
// carries ContentDelta events as they arrive, ToolUseRequest events for
// tracking (tool execution and the tool_result round trip happen inside the
// driver), and ends after the ResultMessage. End-of-stream without a result
// frame is a clean turn end: streamed text stands, the session id does not
// move.
//
// Only one turn is in flight per manager; concurrent Send calls queue.
func (m *ProcessManager) Send(ctx context.Context, text string, handler ToolHandler) (<-chan protocol.Event, error) {
	m.turnMu.Lock()

	if !m.IsAlive() {
		m.turnMu.Unlock()
		return nil, ErrNotRunning
	}

	frame, err := protocol.FormatUser(text)
	if err != nil {
		m.turnMu.Unlock()
		return nil, err
	}
	if err := m.writeFrame(frame); err != nil {
		m.turnMu.Unlock()
		return nil, fmt.Errorf("claudecli: write user frame: %w", err)
	}

	events := make(chan protocol.Event, 16)
	go m.streamTurn(ctx, events, handler)
	return events, nil
}

// pendingTool accumulates input_json_delta fragments for one open tool-use
// block, keyed by content block index.
type pendingTool struct {
	req    protocol.ToolUseRequest
	chunks strings.Builder
}

func (m *ProcessManager) streamTurn(ctx context.Context, events chan<- protocol.Event, handler ToolHandler) {
	defer close(events)
	defer m.turnMu.Unlock()

	pending := map[int]*pendingTool{}

	for {
		line, ok := m.readLine()
		if !ok {
			// Subprocess closed its output mid-turn: clean generator
			// termination, not an error.
			m.log.Debug().Msg("stream ended without result frame")
			return
		}

		ev, err := protocol.Parse(line)
		if err != nil {
			// Uniform malformed-frame policy: log and skip, keep the
			// turn alive.
			m.log.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("skipping malformed frame")
			continue
		}

		switch msg := ev.(type) {
		case protocol.ToolUseRequest:
			if len(msg.Input) == 0 {
				// Streaming variant: input arrives via input_json_delta.
				pending[msg.Index] = &pendingTool{req: msg}
				continue
			}
			if !m.emit(ctx, events, msg) {
				return
			}
			m.runTool(ctx, msg, handler)

		case protocol.RawFrame:
			switch {
			case msg.Type() == "content_block_delta" && msg.DeltaType() == "input_json_delta":
				if p := pending[msg.Index()]; p != nil {
					p.chunks.WriteString(msg.PartialJSON())
				}
			case msg.Type() == "content_block_stop":
				p := pending[msg.Index()]
				if p == nil {
					continue
				}
				delete(pending, msg.Index())
				p.req.Input = m.parseToolInput(p.chunks.String())
				if !m.emit(ctx, events, p.req) {
					return
				}
				m.runTool(ctx, p.req, handler)
			}

		case protocol.ContentDelta:
			if !m.emit(ctx, events, msg) {
				return
			}

		case protocol.ResultMessage:
			if msg.SessionID != "" {
				m.mu.Lock()
				m.sessionID = msg.SessionID
				m.mu.Unlock()
			}
			m.emit(ctx, events, msg)
			return
		}
	}
}

// parseToolInput decodes accumulated input_json_delta fragments. A parse
// failure degrades to an empty object rather than aborting the turn.
func (m *ProcessManager) parseToolInput(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		m.log.Warn().Str("input", truncate(raw, 200)).Msg("failed to parse accumulated tool input")
		return map[string]any{}
	}
	return input
}

// runTool invokes the handler and writes the tool_result frame, continuing
// the same turn.
func (m *ProcessManager) runTool(ctx context.Context, req protocol.ToolUseRequest, handler ToolHandler) {
	if handler == nil {
		return
	}
	result, isError := handler(ctx, req)
	frame, err := protocol.FormatToolResult(req.ID, result, isError)
	if err != nil {
		m.log.Error().Err(err).Str("tool", req.Name).Msg("encode tool result")
		return
	}
	if err := m.writeFrame(frame); err != nil {
		m.log.Error().Err(err).Str("tool", req.Name).Msg("write tool result")
	}
}

func (m *ProcessManager) emit(ctx context.Context, events chan<- protocol.Event, ev protocol.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes stdin, waits for natural exit, escalates to SIGTERM and then
// SIGKILL. Idempotent: stopping a never-started or already-stopped manager
// is a no-op. Safe to call from a goroutine other than the one driving an
// active Send.
func (m *ProcessManager) Stop() error {
	m.mu.Lock()
	cmd := m.cmd
	stdin := m.stdin
	lines := m.lines
	exited := m.exited
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close() // Pipe may already be closed.
	}

	// Between turns nothing consumes the line channel; drain it so the read
	// loop can reach EOF and reap the process. When a turn is in flight its
	// own reader keeps consuming until the stream ends, so draining here
	// would steal its frames.
	if m.turnMu.TryLock() {
		defer m.turnMu.Unlock()
		if lines != nil {
			go func() {
				for range lines {
				}
			}()
		}
	}

	select {
	case <-exited:
	case <-time.After(exitGrace):
		m.log.Warn().Msg("process did not exit after stdin close, sending SIGTERM")
		_ = signalProcess(cmd.Process, syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(termGrace):
			m.log.Warn().Msg("process ignored SIGTERM, killing")
			_ = signalProcess(cmd.Process, os.Kill)
			<-exited
		}
	}

	m.mu.Lock()
	m.cmd = nil
	m.stdin = nil
	m.lines = nil
	m.mu.Unlock()

	m.log.Info().Msg("claude process stopped")
	return nil
}

// readLine returns the next non-empty stdout line, or false once the read
// loop has drained stdout to EOF.
func (m *ProcessManager) readLine() ([]byte, bool) {
	m.mu.Lock()
	lines := m.lines
	m.mu.Unlock()
	if lines == nil {
		return nil, false
	}
	line, ok := <-lines
	return line, ok
}

func (m *ProcessManager) writeFrame(data []byte) error {
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	m.log.Trace().Str("frame", truncate(string(data), 200)).Msg(">")
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (m *ProcessManager) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			m.log.Debug().Str("stderr", truncate(line, 300)).Msg("claude stderr")
		}
	}
}

// signalProcess sends sig, treating an already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
