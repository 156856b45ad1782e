// Package local exposes a store backend as per-connection Stores. Each Conn
// owns its listeners and the disconnect hooks it registered; dropping the
// Conn runs those hooks against the backend, the way a relay server does
// when a websocket goes away.
package local

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/watch"
	"github.com/rs/zerolog/log"
)

// Backend is a JSON tree with single-path compare-and-swap and change
// notifications.
type Backend interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, raw json.RawMessage) error
	Update(ctx context.Context, path string, fields map[string]json.RawMessage) error
	CompareAndSwap(ctx context.Context, path string, expected, next json.RawMessage) (bool, json.RawMessage, error)
	Push(ctx context.Context, path string, raw json.RawMessage) (string, error)
	Now() time.Time
	Watch(fn func(path string))
}

const hookTimeout = 5 * time.Second

// Network binds a backend to a change hub and hands out connections.
type Network struct {
	backend Backend
	hub     *watch.Hub
}

func NewNetwork(b Backend) *Network {
	hub := watch.NewHub(b)
	b.Watch(hub.Notify)
	return &Network{backend: b, hub: hub}
}

func (n *Network) Backend() Backend { return n.backend }

func (n *Network) Hub() *watch.Hub { return n.hub }

func (n *Network) Connect(id string) *Conn {
	log.Debug().Str("module", "store.local").Str("conn", id).Msg("connected")
	return &Conn{
		id:       id,
		net:      n,
		disp:     store.NewDispatcher(),
		hooks:    make(map[string]hook),
		subs:     make(map[*connSub]struct{}),
		connSubs: make(map[uint64]func(bool)),
	}
}

type hook struct {
	remove bool
	fields map[string]json.RawMessage
}

type connSub struct {
	inner store.Subscription
}

type Conn struct {
	id   string
	net  *Network
	disp *store.Dispatcher

	mu         sync.Mutex
	closed     bool
	hooks      map[string]hook
	subs       map[*connSub]struct{}
	connSubs   map[uint64]func(bool)
	nextConnID uint64
}

var _ store.Store = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func writePath(path string) (string, error) {
	p, err := store.Clean(path)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", store.ErrInvalidPath
	}
	return p, nil
}

func (c *Conn) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if c.isClosed() {
		return store.Snapshot{}, store.ErrNotConnected
	}
	p, err := store.Clean(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	raw, err := c.net.backend.Get(ctx, p)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(p, raw), nil
}

func (c *Conn) Set(ctx context.Context, path string, v any) error {
	if c.isClosed() {
		return store.ErrNotConnected
	}
	p, err := writePath(path)
	if err != nil {
		return err
	}
	raw, err := store.Encode(v)
	if err != nil {
		return err
	}
	return c.net.backend.Set(ctx, p, raw)
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if c.isClosed() {
		return store.ErrNotConnected
	}
	p, err := writePath(path)
	if err != nil {
		return err
	}
	raw, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	return c.net.backend.Update(ctx, p, raw)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

func (c *Conn) Push(ctx context.Context, path string, v any) (string, error) {
	if c.isClosed() {
		return "", store.ErrNotConnected
	}
	p, err := writePath(path)
	if err != nil {
		return "", err
	}
	raw, err := store.Encode(v)
	if err != nil {
		return "", err
	}
	return c.net.backend.Push(ctx, p, raw)
}

// CompareAndSwap is exported for the relay server, which runs client
// transactions as remote compare-and-swap requests.
func (c *Conn) CompareAndSwap(ctx context.Context, path string, expected, next json.RawMessage) (bool, json.RawMessage, error) {
	if c.isClosed() {
		return false, nil, store.ErrNotConnected
	}
	p, err := writePath(path)
	if err != nil {
		return false, nil, err
	}
	return c.net.backend.CompareAndSwap(ctx, p, expected, next)
}

func (c *Conn) Transaction(ctx context.Context, path string, fn store.TxFunc) (store.TxResult, error) {
	p, err := writePath(path)
	if err != nil {
		return store.TxResult{}, err
	}
	get := func(ctx context.Context) (json.RawMessage, error) {
		if c.isClosed() {
			return nil, store.ErrNotConnected
		}
		return c.net.backend.Get(ctx, p)
	}
	return store.RunTransaction(ctx, p, fn, get, func(ctx context.Context, expected, next json.RawMessage) (bool, json.RawMessage, error) {
		return c.CompareAndSwap(ctx, p, expected, next)
	})
}

func (c *Conn) SubscribeValue(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.subscribe(ctx, path, watch.Value, fn)
}

func (c *Conn) SubscribeChildAdded(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.subscribe(ctx, path, watch.ChildAdded, fn)
}

func (c *Conn) subscribe(ctx context.Context, path string, kind watch.Kind, fn func(store.Snapshot)) (store.Subscription, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrNotConnected
	}
	inner, err := c.net.hub.Watch(ctx, p, kind, c.disp, fn)
	if err != nil {
		return nil, err
	}
	cs := &connSub{inner: inner}
	c.subs[cs] = struct{}{}
	return store.NewSubscription(func() {
		inner.Unsubscribe()
		c.mu.Lock()
		delete(c.subs, cs)
		c.mu.Unlock()
	}), nil
}

func (c *Conn) OnConnectionChange(fn func(bool)) store.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	connected := !c.closed
	c.disp.Enqueue(func() { fn(connected) })
	if c.closed {
		return store.NewSubscription(nil)
	}
	c.nextConnID++
	id := c.nextConnID
	c.connSubs[id] = fn
	return store.NewSubscription(func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	})
}

func (c *Conn) ServerNow() time.Time { return c.net.backend.Now() }

func (c *Conn) OnDisconnect(path string) store.DisconnectOp {
	return &disconnectOp{conn: c, path: path}
}

// Hooks lists the paths with a pending disconnect action.
func (c *Conn) Hooks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.hooks))
	for p := range c.hooks {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) setHook(path string, h hook) error {
	p, err := writePath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrNotConnected
	}
	c.hooks[p] = h
	return nil
}

func (c *Conn) cancelHooks(path string) error {
	p, err := writePath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for hp := range c.hooks {
		if store.IsAncestor(p, hp) {
			delete(c.hooks, hp)
		}
	}
	return nil
}

// Disconnect drops the connection: listeners stop, then the registered
// disconnect actions run against the backend in path order.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	subs := c.subs
	c.subs = nil
	connSubs := c.connSubs
	c.connSubs = nil
	c.mu.Unlock()

	for cs := range subs {
		cs.inner.Unsubscribe()
	}

	paths := make([]string, 0, len(hooks))
	for p := range hooks {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	for _, p := range paths {
		h := hooks[p]
		var err error
		if h.remove {
			err = c.net.backend.Set(ctx, p, nil)
		} else {
			err = c.net.backend.Update(ctx, p, h.fields)
		}
		if err != nil {
			log.Error().Err(err).Str("module", "store.local").Str("conn", c.id).Str("path", p).Msg("disconnect hook failed")
		}
	}
	log.Info().Str("module", "store.local").Str("conn", c.id).Int("hooks", len(paths)).Msg("disconnected")

	for _, fn := range connSubs {
		fn := fn
		c.disp.Enqueue(func() { fn(false) })
	}
	c.disp.Enqueue(c.disp.Close)
}

type disconnectOp struct {
	conn *Conn
	path string
}

func (o *disconnectOp) Remove(_ context.Context) error {
	return o.conn.setHook(o.path, hook{remove: true})
}

func (o *disconnectOp) Update(_ context.Context, fields map[string]any) error {
	raw, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	return o.conn.setHook(o.path, hook{fields: raw})
}

func (o *disconnectOp) Cancel(_ context.Context) error {
	return o.conn.cancelHooks(o.path)
}
