package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/naming"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Op is the kind of change seen on a project directory.
type Op int

const (
	// OpCreated means a segment directory appeared under the root.
	OpCreated Op = iota
	// OpRemoved means a segment directory was deleted.
	OpRemoved
	// OpRenamed means a segment directory was renamed away.
	OpRenamed
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpRemoved:
		return "removed"
	case OpRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a change to an immediate child of a watched root.
type Event struct {
	Root    string
	Segment string
	Op      Op
}

// Watcher reports segment directories appearing and disappearing under one
// root. Nested changes are ignored.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// NewWatcher creates a watcher for root. Call Start to begin watching.
func NewWatcher(root string, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Event names are reported under the resolved path.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	return &Watcher{
		root:    filepath.Clean(root),
		watcher: w,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins watching. Events are delivered until Stop is called or ctx
// is done, after which the Events channel is closed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	go w.run(ctx)
	return nil
}

// Events returns the channel of segment events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			out, ok := w.translate(ev)
			if !ok {
				continue
			}
			select {
			case w.events <- out:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Event, bool) {
	if filepath.Dir(ev.Name) != w.root {
		return Event{}, false
	}
	segment := filepath.Base(ev.Name)
	if !naming.IsSegment(segment) {
		return Event{}, false
	}

	out := Event{Root: w.root, Segment: segment}
	switch {
	case ev.Has(fsnotify.Remove):
		out.Op = OpRemoved
	case ev.Has(fsnotify.Rename):
		out.Op = OpRenamed
	case ev.Has(fsnotify.Create):
		if !IsDir(ev.Name) {
			return Event{}, false
		}
		out.Op = OpCreated
	default:
		return Event{}, false
	}
	return out, true
}
