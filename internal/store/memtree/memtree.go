// Package memtree is the in-process backend of the real-time store: one
// JSON tree behind a mutex.
package memtree

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/jsontree"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

type Option func(*Tree)

// WithClock replaces the server clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

type Tree struct {
	mu   sync.Mutex
	root any
	seq  ksuid.Sequence
	now  func() time.Time

	lmu       sync.RWMutex
	listeners []func(path string)
}

func New(opts ...Option) *Tree {
	t := &Tree{
		now: time.Now,
		seq: ksuid.Sequence{Seed: ksuid.New()},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tree) Now() time.Time { return t.now() }

// Watch registers fn to be called with the path of every committed change.
func (t *Tree) Watch(fn func(path string)) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, fn)
	t.lmu.Unlock()
}

func (t *Tree) notify(path string) {
	t.lmu.RLock()
	ls := t.listeners
	t.lmu.RUnlock()
	for _, fn := range ls {
		fn(path)
	}
}

func (t *Tree) Get(_ context.Context, path string) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return jsontree.Encode(jsontree.Get(t.root, store.Split(path)))
}

func (t *Tree) Set(_ context.Context, path string, raw json.RawMessage) error {
	v, err := jsontree.DecodeResolved(raw, domain.Millis(t.now()))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.root = jsontree.Set(t.root, store.Split(path), v)
	t.mu.Unlock()
	t.notify(path)
	return nil
}

func (t *Tree) Update(_ context.Context, path string, fields map[string]json.RawMessage) error {
	now := domain.Millis(t.now())
	decoded := make(map[string]any, len(fields))
	for k, raw := range fields {
		v, err := jsontree.DecodeResolved(raw, now)
		if err != nil {
			return err
		}
		decoded[k] = v
	}
	t.mu.Lock()
	t.root = jsontree.Update(t.root, store.Split(path), decoded)
	t.mu.Unlock()
	t.notify(path)
	return nil
}

// CompareAndSwap writes next only when the current value at path equals
// expected (nil meaning absent). On success it returns the stored value
// with server placeholders resolved.
func (t *Tree) CompareAndSwap(_ context.Context, path string, expected, next json.RawMessage) (bool, json.RawMessage, error) {
	want, err := jsontree.Canonical(expected)
	if err != nil {
		return false, nil, err
	}
	v, err := jsontree.DecodeResolved(next, domain.Millis(t.now()))
	if err != nil {
		return false, nil, err
	}
	segs := store.Split(path)

	t.mu.Lock()
	cur, err := jsontree.Encode(jsontree.Get(t.root, segs))
	if err != nil {
		t.mu.Unlock()
		return false, nil, err
	}
	if string(cur) != string(want) {
		t.mu.Unlock()
		return false, nil, nil
	}
	t.root = jsontree.Set(t.root, segs, v)
	stored, err := jsontree.Encode(jsontree.Get(t.root, segs))
	t.mu.Unlock()

	t.notify(path)
	return true, stored, err
}

func (t *Tree) Push(ctx context.Context, path string, raw json.RawMessage) (string, error) {
	t.mu.Lock()
	key := t.nextKeyLocked()
	t.mu.Unlock()
	if err := t.Set(ctx, store.Join(path, key), raw); err != nil {
		return "", err
	}
	return key, nil
}

func (t *Tree) nextKeyLocked() string {
	k, err := t.seq.Next()
	if err != nil {
		log.Debug().Str("module", "store.memtree").Msg("push key sequence exhausted, reseeding")
		t.seq = ksuid.Sequence{Seed: ksuid.New()}
		k, _ = t.seq.Next()
	}
	return k.String()
}

func (t *Tree) Close() error { return nil }
