package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/ptt/internal/adapters/signal"
	"github.com/dkeye/ptt/internal/app"
	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/ratelimit"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/dkeye/ptt/internal/store/memtree"
	"github.com/gin-gonic/gin"
)

func relay(t *testing.T, pushLimit int) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := local.NewNetwork(memtree.New())
	ctrl := signal.NewSignalWSController(net, app.NewRegistry(), app.SimplePolicy{},
		ratelimit.New[core.SessionID](pushLimit, time.Minute), signal.Options{})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctrl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return store.Snapshot{}
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	c := dial(t, relay(t, 0))

	if err := c.Set(ctx, "users/a", map[string]any{"displayName": "Al", "online": true}); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(ctx, "users/a", map[string]any{"online": false, "heartbeatTime": store.ServerTimestamp}); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Get(ctx, "users/a")
	if err != nil {
		t.Fatal(err)
	}
	var u struct {
		DisplayName   string `json:"displayName"`
		Online        bool   `json:"online"`
		HeartbeatTime int64  `json:"heartbeatTime"`
	}
	if err := snap.Decode(&u); err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Al" || u.Online || u.HeartbeatTime == 0 {
		t.Fatalf("unexpected record %+v", u)
	}

	k1, _ := c.Push(ctx, "s", 1)
	k2, _ := c.Push(ctx, "s", 2)
	if k1 == "" || k2 <= k1 {
		t.Fatalf("push keys not ordered: %q %q", k1, k2)
	}

	if d := time.Since(c.ServerNow()); d > time.Second || d < -time.Second {
		t.Fatalf("server clock offset too large: %v", d)
	}
	if err := c.Set(ctx, "", 1); !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("root write: %v", err)
	}
}

func TestTransactionOverWire(t *testing.T) {
	ctx := context.Background()
	url := relay(t, 0)
	a := dial(t, url)
	b := dial(t, url)

	claim := func(c *Client, id string) bool {
		res, err := c.Transaction(ctx, "channels/main/activeSpeaker", func(cur json.RawMessage) (any, error) {
			if cur != nil {
				return nil, store.ErrAbortTransaction
			}
			return map[string]any{"holderId": id, "claimedAt": store.ServerTimestamp}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return res.Committed
	}
	if !claim(a, "a") {
		t.Fatal("first claim should commit")
	}
	if claim(b, "b") {
		t.Fatal("second claim should abort")
	}
}

func TestSubscriptionsAndHooks(t *testing.T) {
	ctx := context.Background()
	url := relay(t, 0)
	a := dial(t, url)
	b := dial(t, url)

	events := make(chan store.Snapshot, 8)
	sub, err := b.SubscribeValue(ctx, "channels/main/activeSpeaker", func(s store.Snapshot) { events <- s })
	if err != nil {
		t.Fatal(err)
	}
	if s := recv(t, events); s.Exists() {
		t.Fatalf("initial value should be empty: %s", s.Value)
	}

	_ = a.Set(ctx, "channels/main/activeSpeaker", map[string]string{"holderId": "a"})
	if err := a.OnDisconnect("channels/main/activeSpeaker").Remove(ctx); err != nil {
		t.Fatal(err)
	}
	if s := recv(t, events); !s.Exists() {
		t.Fatal("expected claim event")
	}

	_ = a.Close()
	if s := recv(t, events); s.Exists() {
		t.Fatalf("claim should be removed on disconnect: %s", s.Value)
	}

	sub.Unsubscribe()
	_ = b.Set(ctx, "channels/main/activeSpeaker", map[string]string{"holderId": "b"})
	select {
	case s := <-events:
		t.Fatalf("event after unsubscribe: %s", s.Value)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := a.Get(ctx, "x"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Get after Close: %v", err)
	}
}

func TestChildAddedOverWire(t *testing.T) {
	ctx := context.Background()
	c := dial(t, relay(t, 0))
	events := make(chan store.Snapshot, 8)
	sub, err := c.SubscribeChildAdded(ctx, "channels/main/chat", func(s store.Snapshot) { events <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	key, _ := c.Push(ctx, "channels/main/chat", map[string]string{"text": "hi"})
	if s := recv(t, events); s.Key != key {
		t.Fatalf("got key %q want %q", s.Key, key)
	}
}

func TestPushRateLimited(t *testing.T) {
	ctx := context.Background()
	c := dial(t, relay(t, 2))
	for i := 0; i < 2; i++ {
		if _, err := c.Push(ctx, "s", i); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Push(ctx, "s", 3); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third push: %v", err)
	}
}

func TestConnectionChangeReportsUp(t *testing.T) {
	c := dial(t, relay(t, 0))
	states := make(chan bool, 2)
	sub := c.OnConnectionChange(func(up bool) { states <- up })
	defer sub.Unsubscribe()
	select {
	case up := <-states:
		if !up {
			t.Fatal("expected connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection state")
	}
}
