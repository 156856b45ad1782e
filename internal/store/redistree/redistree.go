// Package redistree is the Redis backend of the real-time store, so that
// several relay instances can serve one logical store.
//
// Every document (the first two path segments, e.g. channels/main or
// users/{uid}) is a JSON string; writes inside a document use
// WATCH/MULTI. Changes are announced on a pub/sub channel and every
// instance feeds them to its listeners.
package redistree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/jsontree"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "ptt".
	Prefix string
	// Channel carries change notifications; defaults to "{prefix}:changes".
	Channel string
}

// Redis key patterns:
// {prefix}:doc:{seg0}/{seg1}   STRING<json>   - one document
// {prefix}:idx:{seg0}          SET<seg1>      - documents under a root segment
// {prefix}:roots               SET<seg0>      - root segments in use
func (t *Tree) docKey(seg0, seg1 string) string {
	return fmt.Sprintf("%s:doc:%s/%s", t.prefix, seg0, seg1)
}

func (t *Tree) idxKey(seg0 string) string {
	return fmt.Sprintf("%s:idx:%s", t.prefix, seg0)
}

func (t *Tree) rootsKey() string {
	return t.prefix + ":roots"
}

type Tree struct {
	client  *redis.Client
	prefix  string
	channel string
	offset  time.Duration

	seqMu sync.Mutex
	seq   ksuid.Sequence

	lmu       sync.RWMutex
	listeners []func(path string)

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to Redis and starts consuming change notifications.
func New(ctx context.Context, cfg Config) (*Tree, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	t, err := NewWithClient(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return t, nil
}

func NewWithClient(ctx context.Context, client *redis.Client, cfg Config) (*Tree, error) {
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ptt"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = prefix + ":changes"
	}

	t := &Tree{
		client:  client,
		prefix:  prefix,
		channel: channel,
		seq:     ksuid.Sequence{Seed: ksuid.New()},
		done:    make(chan struct{}),
	}

	if rt, err := client.Time(pingCtx).Result(); err == nil {
		t.offset = time.Until(rt)
	} else {
		log.Warn().Err(err).Str("module", "store.redistree").Msg("redis TIME unavailable, using local clock")
	}

	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(pingCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	t.pubsub = ps

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.processMessages(loopCtx, ps)

	log.Info().Str("module", "store.redistree").Str("addr", client.Options().Addr).
		Str("channel", channel).Msg("redis store ready")
	return t, nil
}

func (t *Tree) processMessages(ctx context.Context, ps *redis.PubSub) {
	defer close(t.done)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.notify(msg.Payload)
		}
	}
}

func (t *Tree) Close() error {
	t.cancel()
	err := t.pubsub.Close()
	<-t.done
	return errors.Join(err, t.client.Close())
}

// Now is the Redis server clock as estimated at connect time.
func (t *Tree) Now() time.Time { return time.Now().Add(t.offset) }

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

func (t *Tree) publish(ctx context.Context, path string) {
	if err := t.client.Publish(ctx, t.channel, path).Err(); err != nil {
		log.Error().Err(err).Str("module", "store.redistree").Str("path", path).Msg("publish change")
	}
}

func (t *Tree) Get(ctx context.Context, path string) (json.RawMessage, error) {
	segs := store.Split(path)
	switch len(segs) {
	case 0:
		roots, err := t.client.SMembers(ctx, t.rootsKey()).Result()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(roots))
		for _, r := range roots {
			sub, err := t.collect(ctx, r)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				out[r] = sub
			}
		}
		return jsontree.Encode(out)
	case 1:
		sub, err := t.collect(ctx, segs[0])
		if err != nil {
			return nil, err
		}
		return jsontree.Encode(sub)
	}
	doc, err := t.loadDoc(ctx, t.client, t.docKey(segs[0], segs[1]))
	if err != nil {
		return nil, err
	}
	return jsontree.Encode(jsontree.Get(doc, segs[2:]))
}

// collect assembles every document under a root segment.
func (t *Tree) collect(ctx context.Context, seg0 string) (map[string]any, error) {
	names, err := t.client.SMembers(ctx, t.idxKey(seg0)).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = t.docKey(seg0, n)
	}
	vals, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(names))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := jsontree.Decode(json.RawMessage(s))
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out[names[i]] = doc
		}
	}
	return out, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (t *Tree) loadDoc(ctx context.Context, c getter, key string) (any, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return jsontree.Decode(raw)
}

// modifyDoc applies fn to one document under WATCH and retries on
// conflicting writers. fn may run several times and returns the new
// document plus whether anything should be written.
func (t *Tree) modifyDoc(ctx context.Context, seg0, seg1 string, fn func(doc any) (any, bool, error)) error {
	key := t.docKey(seg0, seg1)
	txf := func(tx *redis.Tx) error {
		doc, err := t.loadDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		next, write, err := fn(doc)
		if err != nil || !write {
			return err
		}
		enc, err := jsontree.Encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if enc == nil {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, t.idxKey(seg0), seg1)
				return nil
			}
			pipe.Set(ctx, key, []byte(enc), 0)
			pipe.SAdd(ctx, t.idxKey(seg0), seg1)
			pipe.SAdd(ctx, t.rootsKey(), seg0)
			return nil
		})
		return err
	}

	for i := 0; i < store.MaxTransactionRetries; i++ {
		err := t.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return store.ErrTooManyRetries
}

func (t *Tree) Set(ctx context.Context, path string, raw json.RawMessage) error {
	v, err := jsontree.DecodeResolved(raw, domain.Millis(t.Now()))
	if err != nil {
		return err
	}
	segs := store.Split(path)
	switch len(segs) {
	case 0:
		return store.ErrInvalidPath
	case 1:
		if err := t.setRoot(ctx, segs[0], v); err != nil {
			return err
		}
	default:
		err := t.modifyDoc(ctx, segs[0], segs[1], func(doc any) (any, bool, error) {
			return jsontree.Set(doc, segs[2:], v), true, nil
		})
		if err != nil {
			return err
		}
	}
	t.publish(ctx, path)
	return nil
}

// setRoot replaces every document under seg0 with the children of v.
func (t *Tree) setRoot(ctx context.Context, seg0 string, v any) error {
	children, _ := v.(map[string]any)
	if v != nil && children == nil {
		return fmt.Errorf("%w: %s must hold an object", store.ErrInvalidPath, seg0)
	}
	existing, err := t.client.SMembers(ctx, t.idxKey(seg0)).Result()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, keep := children[name]; keep {
			continue
		}
		if err := t.modifyDoc(ctx, seg0, name, func(any) (any, bool, error) { return nil, true, nil }); err != nil {
			return err
		}
	}
	for name, child := range children {
		child := child
		if err := t.modifyDoc(ctx, seg0, name, func(any) (any, bool, error) { return child, true, nil }); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Update(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	now := domain.Millis(t.Now())
	decoded := make(map[string]any, len(fields))
	for k, raw := range fields {
		v, err := jsontree.DecodeResolved(raw, now)
		if err != nil {
			return err
		}
		decoded[k] = v
	}

	segs := store.Split(path)
	if len(segs) < 2 {
		// Shallow updates fan out into one write per field.
		for k, v := range decoded {
			full := store.Join(path, k)
			if len(store.Split(full)) < 2 {
				return store.ErrInvalidPath
			}
			raw, err := jsontree.Encode(v)
			if err != nil {
				return err
			}
			if err := t.Set(ctx, full, raw); err != nil {
				return err
			}
		}
		return nil
	}

	err := t.modifyDoc(ctx, segs[0], segs[1], func(doc any) (any, bool, error) {
		return jsontree.Update(doc, segs[2:], decoded), true, nil
	})
	if err != nil {
		return err
	}
	t.publish(ctx, path)
	return nil
}

func (t *Tree) CompareAndSwap(ctx context.Context, path string, expected, next json.RawMessage) (bool, json.RawMessage, error) {
	segs := store.Split(path)
	if len(segs) < 2 {
		return false, nil, store.ErrInvalidPath
	}
	want, err := jsontree.Canonical(expected)
	if err != nil {
		return false, nil, err
	}
	v, err := jsontree.DecodeResolved(next, domain.Millis(t.Now()))
	if err != nil {
		return false, nil, err
	}

	var swapped bool
	var stored json.RawMessage
	err = t.modifyDoc(ctx, segs[0], segs[1], func(doc any) (any, bool, error) {
		swapped = false
		cur, err := jsontree.Encode(jsontree.Get(doc, segs[2:]))
		if err != nil {
			return nil, false, err
		}
		if string(cur) != string(want) {
			return nil, false, nil
		}
		nextDoc := jsontree.Set(doc, segs[2:], v)
		stored, err = jsontree.Encode(jsontree.Get(nextDoc, segs[2:]))
		if err != nil {
			return nil, false, err
		}
		swapped = true
		return nextDoc, true, nil
	})
	if err != nil {
		return false, nil, err
	}
	if swapped {
		t.publish(ctx, path)
	}
	return swapped, stored, nil
}

func (t *Tree) Push(ctx context.Context, path string, raw json.RawMessage) (string, error) {
	t.seqMu.Lock()
	k, err := t.seq.Next()
	if err != nil {
		t.seq = ksuid.Sequence{Seed: ksuid.New()}
		k, _ = t.seq.Next()
	}
	t.seqMu.Unlock()

	key := k.String()
	if err := t.Set(ctx, store.Join(path, key), raw); err != nil {
		return "", err
	}
	return key, nil
}
