// Package remote implements store.Store against a relay server over a
// websocket. Transactions run on the client as optimistic loops of get and
// compare-and-swap requests; the server owns disconnect hooks, so they
// fire when this socket goes away for any reason.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/protocol"
	"github.com/dkeye/ptt/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	URL    string
	Header http.Header
	// RequestTimeout bounds every request; defaults to 5s.
	RequestTimeout time.Duration
	// ReadTimeout is how long the socket may stay silent (server pings
	// included) before it is considered dead; defaults to 90s.
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
}

func (o *Options) defaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

const writeWait = 5 * time.Second

type Client struct {
	opts   Options
	disp   *store.Dispatcher
	logger zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	connID    string
	offset    time.Duration
	nextID    uint64
	pending   map[uint64]chan protocol.Message
	subs      map[uint64]*remoteSub
	nextSub   uint64
	connSubs  map[uint64]func(bool)
	nextConn  uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to the relay server. The first connection must succeed;
// later drops are retried in the background with backoff.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.defaults()
	c := &Client{
		opts:     opts,
		disp:     store.NewDispatcher(),
		logger:   log.With().Str("module", "store.remote").Str("url", opts.URL).Logger(),
		pending:  make(map[uint64]chan protocol.Message),
		subs:     make(map[uint64]*remoteSub),
		connSubs: make(map[uint64]func(bool)),
		done:     make(chan struct{}),
	}
	ws, err := c.connect(ctx)
	if err != nil {
		c.disp.Close()
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.attach(ws)
	go c.run(ws)
	return c, nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.RequestTimeout))
	var hello protocol.Message
	if err := ws.ReadJSON(&hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if hello.Type != protocol.TypeWelcome {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected first message %q", hello.Type)
	}

	c.mu.Lock()
	c.connID = hello.ConnID
	c.offset = time.Until(time.UnixMilli(hello.ServerTime))
	c.mu.Unlock()

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	c.logger.Info().Str("conn", hello.ConnID).Msg("connected")
	return ws, nil
}

func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
}

// ConnID is the server-side id of the current connection.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(ws)
		c.dropped(err)

		backoff := c.opts.ReconnectMin
		for {
			if c.ctx.Err() != nil {
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
			next, err := c.connect(dialCtx)
			cancel()
			if err == nil {
				ws = next
				break
			}
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
			backoff = min(backoff*2, c.opts.ReconnectMax)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.mu.Unlock()
		c.attach(ws)
		go c.restore()
	}
}

// restore re-creates server-side subscriptions after a reconnect and then
// reports the connection as up.
func (c *Client) restore() {
	c.mu.Lock()
	subs := make([]*remoteSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if _, err := c.call(c.ctx, protocol.Message{Op: protocol.OpSubscribe, Path: s.path, Kind: s.kind, SubID: s.id}); err != nil {
			c.logger.Error().Err(err).Str("path", s.path).Msg("resubscribe")
		}
	}
	c.broadcastConn(true)
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		switch msg.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case protocol.TypeEvent:
			c.handleEvent(msg)
		default:
			c.logger.Warn().Str("type", msg.Type).Msg("unknown message")
		}
	}
}

func (c *Client) dropped(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.connected = false
	if c.ws != nil {
		_ = c.ws.Close()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if wasClosed {
		return
	}
	c.logger.Warn().Err(err).Msg("connection lost")
	c.broadcastConn(false)
}

func (c *Client) broadcastConn(up bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn := fn
		c.disp.Enqueue(func() { fn(up) })
	}
}

func (c *Client) write(ws *websocket.Conn, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(msg)
}

func (c *Client) call(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Message{}, store.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return protocol.Message{}, store.ErrNotConnected
	}
	c.nextID++
	msg.ID = c.nextID
	msg.Type = protocol.TypeRequest
	ch := make(chan protocol.Message, 1)
	c.pending[msg.ID] = ch
	ws := c.ws
	c.mu.Unlock()

	if err := c.write(ws, msg); err != nil {
		c.forget(msg.ID)
		return protocol.Message{}, fmt.Errorf("%w: %v", store.ErrNotConnected, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.Message{}, store.ErrNotConnected
		}
		if res.Error != "" {
			return res, responseError(res)
		}
		return res, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ErrRateLimited is returned when the server throttled a write.
var ErrRateLimited = errors.New("remote: rate limited")

func responseError(res protocol.Message) error {
	switch res.Code {
	case protocol.CodeInvalidPath:
		return fmt.Errorf("%w: %s", store.ErrInvalidPath, res.Error)
	case protocol.CodeRateLimited:
		return ErrRateLimited
	}
	return fmt.Errorf("remote %s: %s", res.Code, res.Error)
}

// Close shuts the socket; the server then runs this connection's
// disconnect hooks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-c.done
	c.disp.Close()
	c.logger.Info().Msg("closed")
	return nil
}
