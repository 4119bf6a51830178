package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryBackend keeps documents in a map.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]memoryDoc
}

type memoryDoc struct {
	parent string
	data   []byte
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]memoryDoc)}
}

func (b *MemoryBackend) Put(_ context.Context, path, parent string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[path] = memoryDoc{parent: parent, data: append([]byte(nil), data...)}
	return nil
}

func (b *MemoryBackend) Merge(_ context.Context, path, parent string, fields []byte) error {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(fields, &patch); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := map[string]json.RawMessage{}
	if cur, ok := b.docs[path]; ok {
		if err := json.Unmarshal(cur.data, &merged); err != nil {
			// A non-object document is replaced, matching jsonb || semantics.
			merged = map[string]json.RawMessage{}
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	b.docs[path] = memoryDoc{parent: parent, data: data}
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.docs {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(b.docs, p)
		}
	}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, path string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.docs[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), d.data...), true, nil
}

func (b *MemoryBackend) Children(_ context.Context, parent string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte)
	for p, d := range b.docs {
		if d.parent == parent {
			out[lastSegment(p)] = append([]byte(nil), d.data...)
		}
	}
	return out, nil
}

// LocalBus delivers notifications within the process.
type LocalBus struct {
	mu   sync.RWMutex
	seq  int
	subs map[string]map[int]func()
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]func())}
}

func (b *LocalBus) Publish(_ context.Context, path string) error {
	b.mu.RLock()
	handlers := make([]func(), 0, len(b.subs[path]))
	for _, h := range b.subs[path] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (b *LocalBus) Subscribe(path string, handler func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.subs[path] == nil {
		b.subs[path] = make(map[int]func())
	}
	b.subs[path][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[path], id)
		if len(b.subs[path]) == 0 {
			delete(b.subs, path)
		}
	}, nil
}
