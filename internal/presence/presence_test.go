package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/dkeye/ptt/internal/store/memtree"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*local.Network, *clock) {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	return local.NewNetwork(memtree.New(memtree.WithClock(clk.Now))), clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartPublishesPresence(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := New(net.Connect("a"), "alice", "Alice", Config{})
	bob := New(net.Connect("b"), "bob", "Bob", Config{})

	if err := alice.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	defer alice.Stop(ctx)
	if err := bob.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	defer bob.Stop(ctx)

	ok, err := bob.IsPresent(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("IsPresent(alice) = %v, %v", ok, err)
	}
	members, err := alice.Members(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].DisplayName != "Alice" || members[1].UserID != "bob" {
		t.Fatalf("unexpected members %+v", members)
	}

	if err := bob.SetChannel(ctx, "channel2"); err != nil {
		t.Fatal(err)
	}
	members, _ = alice.Members(ctx, "main")
	if len(members) != 1 || members[0].UserID != "alice" {
		t.Fatalf("bob should have left main: %+v", members)
	}
	members, _ = alice.Members(ctx, "channel2")
	if len(members) != 1 || members[0].CurrentChannel != "channel2" {
		t.Fatalf("bob should be in channel2: %+v", members)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	conn := net.Connect("a")
	alice := New(conn, "alice", "Alice", Config{})
	observer := New(net.Connect("o"), "obs", "Observer", Config{})

	if err := alice.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return alice.Status() == Connected })

	conn.Disconnect()
	waitFor(t, func() bool { return alice.Status() == Dropped })

	ok, err := observer.IsPresent(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("IsPresent after disconnect = %v, %v", ok, err)
	}
}

func TestStaleHeartbeatIsAbsent(t *testing.T) {
	ctx := context.Background()
	net, clk := setup(t)
	alice := New(net.Connect("a"), "alice", "Alice", Config{HeartbeatInterval: time.Hour})
	observer := New(net.Connect("o"), "obs", "Observer", Config{})

	if err := alice.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	defer alice.Stop(ctx)

	clk.Advance(DefaultStaleAfter - time.Second)
	if ok, _ := observer.IsPresent(ctx, "alice"); !ok {
		t.Fatal("alice should still be fresh")
	}
	clk.Advance(2 * time.Second)
	if ok, _ := observer.IsPresent(ctx, "alice"); ok {
		t.Fatal("alice should be stale")
	}
	if ok, _ := observer.IsPresent(ctx, "nobody"); ok {
		t.Fatal("unknown user reported present")
	}
}

func TestHeartbeatRefreshes(t *testing.T) {
	ctx := context.Background()
	net, clk := setup(t)
	conn := net.Connect("a")
	alice := New(conn, "alice", "Alice", Config{HeartbeatInterval: 10 * time.Millisecond})
	if err := alice.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	defer alice.Stop(ctx)

	clk.Advance(time.Minute)
	waitFor(t, func() bool {
		snap, err := conn.Get(ctx, domain.UserPath("alice"))
		if err != nil {
			return false
		}
		var p domain.Presence
		if snap.Decode(&p) != nil {
			return false
		}
		return p.HeartbeatTime == domain.Millis(clk.Now())
	})
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	conn := net.Connect("a")
	alice := New(conn, "alice", "Alice", Config{})
	if err := alice.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := alice.SetChannel(ctx, "main"); err != ErrNotStarted {
		t.Fatalf("SetChannel before Start = %v", err)
	}
	if err := alice.Start(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := alice.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if hooks := conn.Hooks(); len(hooks) != 0 {
		t.Fatalf("offline hook still registered: %v", hooks)
	}
	if ok, _ := alice.IsPresent(ctx, "alice"); ok {
		t.Fatal("stopped user still present")
	}
}
