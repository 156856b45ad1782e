package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

func setup() (*local.Network, *clock) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	return local.NewNetwork(memtree.New(memtree.WithClock(clk.Now))), clk
}

func collect(t *testing.T, ch <-chan domain.ChatMessage, quiet time.Duration) []domain.ChatMessage {
	t.Helper()
	var out []domain.ChatMessage
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-time.After(quiet):
			return out
		}
	}
}

func TestSendAndListen(t *testing.T) {
	ctx := context.Background()
	net, _ := setup()
	alice := New(net.Connect("a"), "alice", "Alice", 0)
	bob := New(net.Connect("b"), "bob", "Bob", 0)

	msgs := make(chan domain.ChatMessage, 8)
	sub, err := bob.Listen(ctx, "main", func(m domain.ChatMessage) { msgs <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	sent, err := alice.Send(ctx, "main", "  hello there  ")
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, msgs, 100*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	m := got[0]
	if m.Text != "hello there" || m.Sender != "Alice" || m.SenderID != "alice" || m.Key != sent.Key || m.Channel != "main" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Timestamp != 1_700_000_000_000 {
		t.Fatalf("timestamp = %d", m.Timestamp)
	}

	if _, err := alice.Send(ctx, "main", "   "); !errors.Is(err, domain.ErrChatEmpty) {
		t.Fatalf("empty send = %v", err)
	}
	if _, err := alice.Send(ctx, "main", strings.Repeat("x", domain.MaxChatLen+1)); !errors.Is(err, domain.ErrChatTooLong) {
		t.Fatalf("long send = %v", err)
	}
}

func TestBacklogLimit(t *testing.T) {
	ctx := context.Background()
	net, _ := setup()
	conn := net.Connect("a")
	alice := New(conn, "alice", "Alice", 0)

	for i := 0; i < BacklogLimit+5; i++ {
		if _, err := alice.Send(ctx, "main", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	msgs := make(chan domain.ChatMessage, 2*BacklogLimit)
	sub, err := New(net.Connect("b"), "bob", "Bob", 0).Listen(ctx, "main", func(m domain.ChatMessage) { msgs <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	got := collect(t, msgs, 200*time.Millisecond)
	if len(got) != BacklogLimit {
		t.Fatalf("backlog delivered %d messages, want %d", len(got), BacklogLimit)
	}
	if got[0].Text != "msg 5" || got[len(got)-1].Text != fmt.Sprintf("msg %d", BacklogLimit+4) {
		t.Fatalf("backlog window %q .. %q", got[0].Text, got[len(got)-1].Text)
	}
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	net, clk := setup()
	conn := net.Connect("a")
	alice := New(conn, "alice", "Alice", 0)

	if _, err := alice.Send(ctx, "main", "old news"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(Retention + time.Hour)
	if _, err := alice.Send(ctx, "main", "fresh"); err != nil {
		t.Fatal(err)
	}

	msgs := make(chan domain.ChatMessage, 8)
	sub, err := alice.Listen(ctx, "main", func(m domain.ChatMessage) { msgs <- m })
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, msgs, 100*time.Millisecond)
	sub.Unsubscribe()
	if len(got) != 1 || got[0].Text != "fresh" {
		t.Fatalf("got %+v, want only the fresh message", got)
	}

	n, err := alice.Prune(ctx, "main")
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	snap, _ := conn.Get(ctx, domain.ChatPath("main"))
	var left map[string]any
	_ = snap.Decode(&left)
	if len(left) != 1 {
		t.Fatalf("%d messages left after prune", len(left))
	}
	if n, _ := alice.Prune(ctx, "empty"); n != 0 {
		t.Fatalf("prune of empty channel removed %d", n)
	}
}
