package memory

import (
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the memory tree for edits made outside the agent, so the
// owner can hand-edit MEMORY.md or daily notes and the change is visible in
// the logs. The store reads files fresh on every access, so no cache needs
// invalidating; the watcher is an audit trail.
type Watcher struct {
	fsw     *fsnotify.Watcher
	log     zerolog.Logger
	changes atomic.Int64
	done    chan struct{}
}

// NewWatcher starts watching the store's root and daily directories.
func NewWatcher(store *Store, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{store.Root(), filepath.Join(store.Root(), dailyDir)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fsw:  fsw,
		log:  log.With().Str("component", "memory_watcher").Logger(),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
				continue
			}
			w.changes.Add(1)
			w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("memory file changed")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("memory watch error")
		}
	}
}

// Changes returns the number of file changes observed so far.
func (w *Watcher) Changes() int64 { return w.changes.Load() }

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	return w.fsw.Close()
}
