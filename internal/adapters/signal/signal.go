package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/app"
	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/protocol"
	"github.com/dkeye/ptt/internal/ratelimit"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	OpTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 10 / 9
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
}

// SignalWSController serves the real-time store over websockets. Every
// socket gets its own store connection; when the socket goes away the
// connection's disconnect hooks run.
type SignalWSController struct {
	Net      *local.Network
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *ratelimit.Limiter[core.SessionID]
	Opts     Options
}

func NewSignalWSController(net *local.Network, reg *app.Registry, policy app.Policy, limiter *ratelimit.Limiter[core.SessionID], opts Options) *SignalWSController {
	opts.defaults()
	return &SignalWSController{
		Net:      net,
		Registry: reg,
		Policy:   policy,
		Limiter:  limiter,
		Opts:     opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// storeSession is the server side of one socket.
type storeSession struct {
	sid   core.SessionID
	conn  *WsSignalConn
	store *local.Conn

	mu   sync.Mutex
	subs map[uint64]store.Subscription
}

func (s *storeSession) putSub(id uint64, sub store.Subscription) {
	s.mu.Lock()
	old := s.subs[id]
	s.subs[id] = sub
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
}

func (s *storeSession) dropSub(id uint64) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	return ok
}

func (s *storeSession) closeSubs() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]store.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Opts.SendBuffer),
	}
	sess := &storeSession{
		sid:   sid,
		conn:  conn,
		store: ctl.Net.Connect(string(sid)),
		subs:  make(map[uint64]store.Subscription),
	}

	info := app.SessionInfo{
		SID:         sid,
		ClientToken: c.GetString("client_token"),
		RemoteAddr:  c.ClientIP(),
		ConnectedAt: time.Now(),
	}
	if v, ok := c.Get(identity.ContextKey); ok {
		if id, ok := v.(identity.Identity); ok {
			info.UserID = id.UserID
			info.DisplayName = id.DisplayName
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.BindSignal(info, conn, cancel)

	ctl.sendJSON(sess, protocol.Message{
		Type:       protocol.TypeWelcome,
		ConnID:     string(sid),
		ServerTime: domain.Millis(sess.store.ServerNow()),
	})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess)
}
