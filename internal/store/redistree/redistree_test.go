package redistree

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/local"
)

func newTree(t *testing.T) *Tree {
	t.Helper()
	mr := miniredis.RunT(t)
	tr, err := New(context.Background(), Config{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNestedSetAndGet(t *testing.T) {
	ctx := context.Background()
	tr := newTree(t)

	if err := tr.Set(ctx, "channels/main/activeSpeaker", json.RawMessage(`{"holderId":"a","claimedAt":{".sv":"timestamp"}}`)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Set(ctx, "channels/channel2/activeSpeaker", json.RawMessage(`{"holderId":"b"}`)); err != nil {
		t.Fatal(err)
	}

	raw, err := tr.Get(ctx, "channels/main/activeSpeaker/holderId")
	if err != nil || string(raw) != `"a"` {
		t.Fatalf("holder: %s %v", raw, err)
	}

	var claim struct {
		ClaimedAt int64 `json:"claimedAt"`
	}
	raw, _ = tr.Get(ctx, "channels/main/activeSpeaker")
	if err := json.Unmarshal(raw, &claim); err != nil || claim.ClaimedAt == 0 {
		t.Fatalf("claimedAt not resolved: %s %v", raw, err)
	}

	raw, err = tr.Get(ctx, "channels")
	if err != nil {
		t.Fatal(err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil || len(all) != 2 {
		t.Fatalf("channels listing: %s %v", raw, err)
	}
}

func TestRemoveDropsDocumentFromIndex(t *testing.T) {
	ctx := context.Background()
	tr := newTree(t)
	_ = tr.Set(ctx, "users/a", json.RawMessage(`{"online":true}`))
	_ = tr.Set(ctx, "users/b", json.RawMessage(`{"online":true}`))
	if err := tr.Set(ctx, "users/a/online", nil); err != nil {
		t.Fatal(err)
	}
	raw, _ := tr.Get(ctx, "users")
	if string(raw) != `{"b":{"online":true}}` {
		t.Fatalf("users after removal: %s", raw)
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	tr := newTree(t)
	ok, _, err := tr.CompareAndSwap(ctx, "channels/main/activeSpeaker", nil, json.RawMessage(`{"holderId":"a"}`))
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	ok, _, err = tr.CompareAndSwap(ctx, "channels/main/activeSpeaker", nil, json.RawMessage(`{"holderId":"b"}`))
	if err != nil || ok {
		t.Fatalf("second claim must fail: %v %v", ok, err)
	}
	if _, _, err := tr.CompareAndSwap(ctx, "channels", nil, nil); err == nil {
		t.Fatal("shallow compare-and-swap should be rejected")
	}
}

func TestUpdateAndPush(t *testing.T) {
	ctx := context.Background()
	tr := newTree(t)
	_ = tr.Set(ctx, "users/a", json.RawMessage(`{"online":true,"displayName":"Al"}`))
	if err := tr.Update(ctx, "users/a", map[string]json.RawMessage{"online": json.RawMessage(`false`)}); err != nil {
		t.Fatal(err)
	}
	raw, _ := tr.Get(ctx, "users/a")
	if string(raw) != `{"displayName":"Al","online":false}` {
		t.Fatalf("after update: %s", raw)
	}

	k1, err := tr.Push(ctx, "channels/main/audioStream", json.RawMessage(`1`))
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := tr.Push(ctx, "channels/main/audioStream", json.RawMessage(`2`))
	if k1 >= k2 {
		t.Fatalf("push keys not ordered: %s %s", k1, k2)
	}
}

func TestChangesReachListenersThroughPubSub(t *testing.T) {
	ctx := context.Background()
	tr := newTree(t)
	n := local.NewNetwork(tr)
	a := n.Connect("a")

	events := make(chan store.Snapshot, 4)
	sub, err := a.SubscribeValue(ctx, "channels/main/activeSpeaker", func(s store.Snapshot) { events <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	<-events

	if err := n.Connect("b").Set(ctx, "channels/main/activeSpeaker", map[string]string{"holderId": "b"}); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-events:
		if !s.Exists() {
			t.Fatal("expected claim value")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}
