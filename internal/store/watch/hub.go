// Package watch fans store changes out to value and child_added listeners.
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog/log"
)

type Kind int

const (
	Value Kind = iota
	ChildAdded
)

func (k Kind) String() string {
	if k == ChildAdded {
		return "child_added"
	}
	return "value"
}

// Reader is the part of a backend the hub needs to compute events.
type Reader interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Sink runs delivered callbacks; *store.Dispatcher is the usual one.
type Sink interface {
	Enqueue(fn func())
}

const refreshTimeout = 5 * time.Second

type sub struct {
	id     uint64
	path   string
	kind   Kind
	fn     func(store.Snapshot)
	sink   Sink
	closed atomic.Bool

	primed bool
	last   json.RawMessage
	known  map[string]struct{}
}

type Hub struct {
	mu     sync.Mutex
	src    Reader
	nextID uint64
	subs   map[uint64]*sub
}

func NewHub(src Reader) *Hub {
	return &Hub{src: src, subs: make(map[uint64]*sub)}
}

// Watch registers fn for path and immediately queues the initial events:
// the current value, or every existing child in key order.
func (h *Hub) Watch(ctx context.Context, path string, kind Kind, sink Sink, fn func(store.Snapshot)) (store.Subscription, error) {
	s := &sub{path: path, kind: kind, fn: fn, sink: sink}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.refreshLocked(ctx, s); err != nil {
		return nil, err
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return store.NewSubscription(func() { h.remove(s) }), nil
}

func (h *Hub) remove(s *sub) {
	s.closed.Store(true)
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

// Len reports the number of live listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify recomputes every listener whose path is related to the changed one.
func (h *Hub) Notify(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]uint64, 0, len(h.subs))
	for id, s := range h.subs {
		if store.Related(s.path, path) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s := h.subs[id]
		if err := h.refreshLocked(ctx, s); err != nil {
			log.Warn().Err(err).Str("module", "store.watch").Str("path", s.path).
				Str("kind", s.kind.String()).Msg("refresh listener")
		}
	}
}

func (h *Hub) refreshLocked(ctx context.Context, s *sub) error {
	raw, err := h.src.Get(ctx, s.path)
	if err != nil {
		return err
	}

	if s.kind == Value {
		if s.primed && bytes.Equal(raw, s.last) {
			return nil
		}
		s.primed = true
		s.last = raw
		h.deliver(s, store.NewSnapshot(s.path, raw))
		return nil
	}

	var children map[string]json.RawMessage
	if len(raw) > 0 {
		// A scalar at the path simply has no children.
		_ = json.Unmarshal(raw, &children)
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
		if _, seen := s.known[k]; seen {
			continue
		}
		h.deliver(s, store.NewSnapshot(store.Join(s.path, k), children[k]))
	}
	s.known = next
	return nil
}

func (h *Hub) deliver(s *sub, snap store.Snapshot) {
	s.sink.Enqueue(func() {
		if s.closed.Load() {
			return
		}
		s.fn(snap)
	})
}
