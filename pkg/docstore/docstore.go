// Package docstore is a small realtime document tree: JSON documents addressed
// by slash-separated paths, with change notifications for a path and all of
// its ancestors. Documents live in a Backend (PostgreSQL in production) and
// notifications travel over a Bus (Redis pub/sub in production).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("docstore: invalid path")

// Snapshot is the state of one node: its own document (if any) and the
// documents directly below it keyed by last path segment.
type Snapshot struct {
	Path     string
	Value    json.RawMessage
	Children map[string]json.RawMessage
}

// Exists reports whether the node has a value or any children.
func (s Snapshot) Exists() bool {
	return len(s.Value) > 0 || len(s.Children) > 0
}

// Backend persists documents.
type Backend interface {
	Put(ctx context.Context, path, parent string, data []byte) error
	Merge(ctx context.Context, path, parent string, fields []byte) error
	// Remove deletes path and every document below it.
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	Children(ctx context.Context, parent string) (map[string][]byte, error)
}

// Bus carries "path changed" notifications.
type Bus interface {
	Publish(ctx context.Context, path string) error
	Subscribe(path string, handler func()) (cancel func(), err error)
}

// Store combines a Backend and a Bus.
type Store struct {
	backend Backend
	bus     Bus
	logger  *zap.Logger
}

// New creates a document store.
func New(backend Backend, bus Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, bus: bus, logger: logger}
}

// NewMemory returns a store backed by process memory with in-process
// notifications.
func NewMemory() *Store {
	return New(NewMemoryBackend(), NewLocalBus(), nil)
}

// Set replaces the document at path with v encoded as JSON.
func (s *Store) Set(ctx context.Context, path string, v any) error {
	path, parent, err := splitPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.backend.Put(ctx, path, parent, data); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	s.notify(ctx, path)
	return nil
}

// Update merges fields into the document at path, creating it if needed.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	path, parent, err := splitPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.backend.Merge(ctx, path, parent, data); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	s.notify(ctx, path)
	return nil
}

// Remove deletes the node at path and everything below it.
func (s *Store) Remove(ctx context.Context, path string) error {
	path, _, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	s.notify(ctx, path)
	return nil
}

// Get loads the node at path.
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
	path, _, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Path: path}
	value, ok, err := s.backend.Get(ctx, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}
	if ok {
		snap.Value = value
	}
	children, err := s.backend.Children(ctx, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("children %s: %w", path, err)
	}
	if len(children) > 0 {
		snap.Children = make(map[string]json.RawMessage, len(children))
		for k, v := range children {
			snap.Children[k] = v
		}
	}
	return snap, nil
}

// notify publishes path and all of its ancestors. Failures are logged only;
// the write itself already succeeded.
func (s *Store) notify(ctx context.Context, path string) {
	for p := path; p != ""; p = parentOf(p) {
		if err := s.bus.Publish(ctx, p); err != nil {
			s.logger.Warn("docstore notify failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// Observe calls onChange with a fresh snapshot of path once immediately and
// again after every change at or below path. Load failures go to onError.
// Callbacks for one observer never overlap; bursts of changes may coalesce
// into a single reload. A callback already in flight may still run after
// cancel returns.
func (s *Store) Observe(path string, onChange func(Snapshot), onError func(error)) (cancel func(), err error) {
	path, _, err = splitPath(path)
	if err != nil {
		return nil, err
	}
	dirty := make(chan struct{}, 1)
	mark := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	unsubscribe, err := s.bus.Subscribe(path, mark)
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", path, err)
	}

	ctx, stop := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
			}
			snap, err := s.Get(ctx, path)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(snap)
		}
	}()
	mark()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			stop()
		})
	}, nil
}

// splitPath validates p and returns it cleaned together with its parent.
func splitPath(p string) (path, parent string, err error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, parentOf(p), nil
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func lastSegment(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}
