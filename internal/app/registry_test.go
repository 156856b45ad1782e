package app

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/domain"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	t0 := time.Now()
	r.BindSignal(SessionInfo{SID: "b", ConnectedAt: t0.Add(time.Second)}, nopSignal{}, func() {})
	r.BindSignal(SessionInfo{SID: "a", ConnectedAt: t0}, nopSignal{}, cancel)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].SID != "a" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !r.Cancel("a") {
		t.Fatal("cancel of known sid should succeed")
	}
	if ctx.Err() == nil {
		t.Fatal("cancel func not called")
	}
	if r.Cancel("missing") {
		t.Fatal("cancel of unknown sid should fail")
	}
	r.Unbind("a")
	if _, ok := r.GetSession("a"); ok {
		t.Fatal("session still bound")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestSimplePolicyKicks(t *testing.T) {
	if got := (SimplePolicy{}).OnBackPressure("x"); got != KickMember {
		t.Fatalf("got %v", got)
	}
	if KickMember.String() != "kick" || NoAction.String() != "none" {
		t.Fatalf("action names %q %q", KickMember, NoAction)
	}
}

func TestChannelDirectory(t *testing.T) {
	d := NewChannelDirectory([]domain.ChannelName{"main", "channel2"})
	d.Touch("zulu")
	d.Touch("alpha")
	d.Touch("main")
	d.Touch("bad/name")
	d.Touch("alpha")

	want := []domain.ChannelName{"main", "channel2", "alpha", "zulu"}
	if got := d.List(); !slices.Equal(got, want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	if !d.IsDefault("channel2") || d.IsDefault("alpha") {
		t.Fatal("IsDefault mismatch")
	}
	d.Forget("zulu")
	d.Forget("main")
	want = []domain.ChannelName{"main", "channel2", "alpha"}
	if got := d.List(); !slices.Equal(got, want) {
		t.Fatalf("after Forget: %v, want %v", got, want)
	}
}
