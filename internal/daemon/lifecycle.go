package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// lifecycle manages the PID file so `remi` invocations can find a running
// daemon.
type lifecycle struct {
	dataDir string
	pidFile string
	log     zerolog.Logger
}

func newLifecycle(dataDir string, log zerolog.Logger) *lifecycle {
	return &lifecycle{
		dataDir: dataDir,
		pidFile: filepath.Join(dataDir, "remi.pid"),
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

func (l *lifecycle) start() error {
	if err := os.MkdirAll(l.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	l.log.Info().Str("pid_file", l.pidFile).Int("pid", os.Getpid()).Msg("pid file written")
	return nil
}

func (l *lifecycle) stop() {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		l.log.Warn().Err(err).Msg("failed to remove PID file")
	}
}

// pid returns the recorded daemon PID from the PID file.
func (l *lifecycle) pid() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// isRunning reports whether a daemon recorded in the PID file still exists.
func (l *lifecycle) isRunning() bool {
	pid, err := l.pid()
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

// Status reports whether a daemon is running for the given data directory
// and, when it is, its PID.
func Status(dataDir string, log zerolog.Logger) (int, bool) {
	l := newLifecycle(dataDir, log)
	if !l.isRunning() {
		return 0, false
	}
	pid, err := l.pid()
	if err != nil {
		return 0, false
	}
	return pid, true
}
