package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mirador/internal/domain"
	"mirador/internal/infra/config"
)

// FileWatcher observes a workspace directory and publishes file lifecycle
// events. Writes issued through the watcher itself are tagged before they hit
// the disk, so the resulting filesystem notification carries the self
// provenance and never feeds the reaction path again.
type FileWatcher struct {
	bus    domain.EventPublisher
	root   string
	fsw    *fsnotify.Watcher
	marks  *selfMarks
	logger *slog.Logger

	// reaction, when set, runs for every observed non-self file event.
	mu       sync.RWMutex
	reaction func(domain.Event)
}

// NewFileWatcher creates a watcher rooted at cfg.Root. Run must be called to
// start observing.
func NewFileWatcher(cfg config.WatcherConfig, bus domain.EventPublisher, logger *slog.Logger) (*FileWatcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, domain.WrapOp("watcher.new", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, domain.WrapOp("watcher.new", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, domain.WrapOp("watcher.new", err)
	}
	return &FileWatcher{
		bus:    bus,
		root:   root,
		fsw:    fsw,
		marks:  newSelfMarks(cfg.SelfMarkTTL),
		logger: logger.With("component", "watcher"),
	}, nil
}

// SetReaction installs the handler invoked for observed file events. Events
// tagged as self writes never reach it.
func (w *FileWatcher) SetReaction(fn func(domain.Event)) {
	w.mu.Lock()
	w.reaction = fn
	w.mu.Unlock()
}

// WriteFile tags the path as a self write, then performs the write. Tagging
// happens before the syscall so the notification can never outrun the mark.
func (w *FileWatcher) WriteFile(path string, data []byte, perm os.FileMode) error {
	w.MarkSelfWrite(path)
	return os.WriteFile(path, data, perm)
}

// MarkSelfWrite records that the next observed change to path originates from
// this process. Callers performing their own I/O must mark before acting.
func (w *FileWatcher) MarkSelfWrite(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w.marks.mark(abs)
}

// Run consumes filesystem notifications until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	w.logger.Info("file watcher started", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *FileWatcher) handleFsEvent(ctx context.Context, ev fsnotify.Event) {
	eventType, ok := translateOp(ev.Op)
	if !ok {
		return
	}
	w.observe(ctx, eventType, ev.Name)
}

// observe publishes a file event for path, resolving its provenance from the
// self-mark table, and feeds the reaction path for external changes only.
func (w *FileWatcher) observe(ctx context.Context, eventType domain.EventType, path string) {
	src := domain.SourceUser
	if w.marks.consume(path) {
		src = domain.SourceSelf
	}

	event := domain.Event{
		Type:      eventType,
		Source:    src,
		Data:      map[string]any{"path": path},
		Timestamp: time.Now(),
	}
	publish(ctx, w.bus, event)

	if src == domain.SourceSelf {
		return
	}
	w.mu.RLock()
	fn := w.reaction
	w.mu.RUnlock()
	if fn != nil {
		fn(event)
	}
}

func translateOp(op fsnotify.Op) (domain.EventType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return domain.EventFileCreated, true
	case op.Has(fsnotify.Write):
		return domain.EventFileModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return domain.EventFileDeleted, true
	default:
		// Chmod is noise for our consumers.
		return "", false
	}
}

// selfMarks tracks pending self writes per path. A mark is consumed by the
// first observation of its path; unconsumed marks expire after ttl so a write
// that never produced a notification cannot mask a later external change.
type selfMarks struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]time.Time
	now func() time.Time
}

func newSelfMarks(ttl time.Duration) *selfMarks {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &selfMarks{ttl: ttl, m: make(map[string]time.Time), now: time.Now}
}

func (s *selfMarks) mark(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[path] = s.now().Add(s.ttl)
}

func (s *selfMarks) consume(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.m[path]
	if !ok {
		return false
	}
	delete(s.m, path)
	return s.now().Before(deadline)
}
