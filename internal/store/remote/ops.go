package remote

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/dkeye/ptt/internal/protocol"
	"github.com/dkeye/ptt/internal/store"
)

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	res, err := c.call(ctx, protocol.Message{Op: protocol.OpGet, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(path, res.Value), nil
}

func (c *Client) Set(ctx context.Context, path string, v any) error {
	raw, err := store.Encode(v)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.Message{Op: protocol.OpSet, Path: path, Value: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.Message{Op: protocol.OpUpdate, Path: path, Fields: raw})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

func (c *Client) Push(ctx context.Context, path string, v any) (string, error) {
	raw, err := store.Encode(v)
	if err != nil {
		return "", err
	}
	res, err := c.call(ctx, protocol.Message{Op: protocol.OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

func (c *Client) Transaction(ctx context.Context, path string, fn store.TxFunc) (store.TxResult, error) {
	get := func(ctx context.Context) (json.RawMessage, error) {
		s, err := c.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return s.Value, nil
	}
	cas := func(ctx context.Context, expected, next json.RawMessage) (bool, json.RawMessage, error) {
		res, err := c.call(ctx, protocol.Message{Op: protocol.OpCAS, Path: path, Expected: expected, Value: next})
		if err != nil {
			return false, nil, err
		}
		return res.Committed, res.Value, nil
	}
	return store.RunTransaction(ctx, path, fn, get, cas)
}

func (c *Client) ServerNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *Client) OnConnectionChange(fn func(bool)) store.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	up := c.connected
	c.disp.Enqueue(func() { fn(up) })
	c.nextConn++
	id := c.nextConn
	c.connSubs[id] = fn
	return store.NewSubscription(func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	})
}

func (c *Client) OnDisconnect(path string) store.DisconnectOp {
	return &disconnectOp{c: c, path: path}
}

type disconnectOp struct {
	c    *Client
	path string
}

func (o *disconnectOp) Remove(ctx context.Context) error {
	_, err := o.c.call(ctx, protocol.Message{Op: protocol.OpOnDisconnect, Path: o.path, Action: protocol.ActionRemove})
	return err
}

func (o *disconnectOp) Update(ctx context.Context, fields map[string]any) error {
	raw, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	_, err = o.c.call(ctx, protocol.Message{Op: protocol.OpOnDisconnect, Path: o.path, Action: protocol.ActionUpdate, Fields: raw})
	return err
}

func (o *disconnectOp) Cancel(ctx context.Context) error {
	_, err := o.c.call(ctx, protocol.Message{Op: protocol.OpOnDisconnect, Path: o.path, Action: protocol.ActionCancel})
	return err
}

// knownKeysLimit bounds the child keys remembered per listener for
// dropping replays after a reconnect.
const knownKeysLimit = 1024

type remoteSub struct {
	id     uint64
	path   string
	kind   string
	fn     func(store.Snapshot)
	closed atomic.Bool

	// Touched only by the read loop.
	primed bool
	last   json.RawMessage
	known  map[string]struct{}
	order  []string
}

func (s *remoteSub) seen(key string) bool {
	if _, ok := s.known[key]; ok {
		return true
	}
	s.known[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > knownKeysLimit {
		delete(s.known, s.order[0])
		s.order = s.order[1:]
	}
	return false
}

func (c *Client) SubscribeValue(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.subscribe(ctx, path, protocol.KindValue, fn)
}

func (c *Client) SubscribeChildAdded(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.subscribe(ctx, path, protocol.KindChildAdded, fn)
}

func (c *Client) subscribe(ctx context.Context, path, kind string, fn func(store.Snapshot)) (store.Subscription, error) {
	c.mu.Lock()
	c.nextSub++
	s := &remoteSub{id: c.nextSub, path: path, kind: kind, fn: fn, known: make(map[string]struct{})}
	c.subs[s.id] = s
	c.mu.Unlock()

	if _, err := c.call(ctx, protocol.Message{Op: protocol.OpSubscribe, Path: path, Kind: kind, SubID: s.id}); err != nil {
		c.dropSub(s)
		return nil, err
	}
	return store.NewSubscription(func() {
		c.dropSub(s)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			defer cancel()
			_, _ = c.call(ctx, protocol.Message{Op: protocol.OpUnsubscribe, SubID: s.id})
		}()
	}), nil
}

func (c *Client) dropSub(s *remoteSub) {
	s.closed.Store(true)
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()
}

func (c *Client) handleEvent(msg protocol.Message) {
	c.mu.Lock()
	s := c.subs[msg.SubID]
	c.mu.Unlock()
	if s == nil {
		return
	}

	snap := store.NewSnapshot(msg.Path, msg.Value)
	if s.kind == protocol.KindValue {
		if s.primed && string(s.last) == string(snap.Value) {
			return
		}
		s.primed = true
		s.last = snap.Value
	} else if s.seen(snap.Key) {
		return
	}

	c.disp.Enqueue(func() {
		if s.closed.Load() {
			return
		}
		s.fn(snap)
	})
}
