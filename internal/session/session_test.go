package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/audio/audiomock"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/floor"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/notify"
	"github.com/dkeye/ptt/internal/notify/notifymock"
	"github.com/dkeye/ptt/internal/store"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/dkeye/ptt/internal/store/memtree"
	"go.uber.org/mock/gomock"
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// cueLog records cues as short strings like "started:Bob".
type cueLog struct {
	mu     sync.Mutex
	events []string
}

func (c *cueLog) add(format string, args ...any) {
	c.mu.Lock()
	c.events = append(c.events, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *cueLog) count(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (c *cueLog) SpeakerStarted(ch domain.ChannelName, claim domain.SpeakerClaim) {
	c.add("started:%s:%s", ch, claim.HolderName)
}

func (c *cueLog) SpeakerEnded(ch domain.ChannelName, prev domain.SpeakerClaim) {
	c.add("ended:%s:%s", ch, prev.HolderName)
}

func (c *cueLog) TransmitStateChanged(on bool)     { c.add("tx:%v", on) }
func (c *cueLog) TransmitDisabled(err error)       { c.add("disabled:%v", err) }
func (c *cueLog) ChatMessage(m domain.ChatMessage) { c.add("chat:%s:%s", m.Sender, m.Text) }
func (c *cueLog) Alert(a domain.Alert)             { c.add("alert:%s", a.Sender) }
func (c *cueLog) SystemMessage(text string)        { c.add("system:%s", text) }

// fakeSink records the length of everything scheduled on it.
type fakeSink struct {
	mu      sync.Mutex
	lengths []int
}

func (s *fakeSink) Now() time.Duration { return 0 }

func (s *fakeSink) Schedule(_ time.Duration, samples []int16) {
	s.mu.Lock()
	s.lengths = append(s.lengths, len(samples))
	s.mu.Unlock()
}

func (s *fakeSink) saw(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lengths {
		if l == n {
			return true
		}
	}
	return false
}

type mic struct {
	*audiomock.MockMic
	mu   sync.Mutex
	feed func([]float32)
}

func (m *mic) push(samples []float32) {
	m.mu.Lock()
	fn := m.feed
	m.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func newMic(t *testing.T) *mic {
	ctrl := gomock.NewController(t)
	m := &mic{MockMic: audiomock.NewMockMic(ctrl)}
	m.EXPECT().Start(gomock.Any()).DoAndReturn(func(fn func([]float32)) error {
		m.mu.Lock()
		m.feed = fn
		m.mu.Unlock()
		return nil
	}).AnyTimes()
	m.EXPECT().SampleRate().Return(audio.SampleRate).AnyTimes()
	m.EXPECT().Stop().Return(nil).AnyTimes()
	return m
}

type peer struct {
	*Session
	conn *local.Conn
	cues *cueLog
	sink *fakeSink
	mic  *mic
}

func newPeer(t *testing.T, net *local.Network, uid domain.UserID, name string, withMic bool, mutate ...func(*Deps)) *peer {
	t.Helper()
	p := &peer{conn: net.Connect(string(uid)), cues: &cueLog{}, sink: &fakeSink{}}
	deps := Deps{
		Store:    p.conn,
		Identity: identity.Identity{UserID: uid, DisplayName: name},
		Sink:     p.sink,
		Cues:     p.cues,
	}
	if withMic {
		p.mic = newMic(t)
		deps.Mic = p.mic
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	s, err := New(deps, Config{BatchInterval: 20 * time.Millisecond, OpTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	p.Session = s
	t.Cleanup(func() { s.Teardown(context.Background()) })
	return p
}

func holder(t *testing.T, st store.Store, ch domain.ChannelName) *domain.SpeakerClaim {
	t.Helper()
	c, err := floor.New(st, nil, floor.Config{}).Holder(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTransmitReachesPeer(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", true)
	bob := newPeer(t, net, "bob", "Bob", false)

	for _, p := range []*peer{alice, bob} {
		if err := p.Join(ctx, "main"); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := alice.StartTransmit(ctx)
	if err != nil || !ok {
		t.Fatalf("StartTransmit = %v, %v", ok, err)
	}
	waitFor(t, "bob sees alice", func() bool { return bob.cues.count("started:main:Alice") == 1 })

	alice.mic.push(make([]float32, 1600))
	waitFor(t, "bob plays audio", func() bool { return bob.sink.saw(1600) })

	if err := alice.StopTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob sees end", func() bool { return bob.cues.count("ended:main:Alice") == 1 })
	beep := len(audio.RogerBeep(audio.SampleRate))
	waitFor(t, "roger beep", func() bool { return bob.sink.saw(beep) })
	if alice.sink.saw(beep) {
		t.Fatal("speaker should not hear their own roger beep")
	}
	if alice.cues.count("tx:true") != 1 || alice.cues.count("tx:false") != 1 {
		t.Fatalf("unexpected transmit cues %v", alice.cues.events)
	}
	if c := holder(t, bob.conn, "main"); c != nil {
		t.Fatalf("claim left after stop: %+v", c)
	}
}

func TestBusyChannelRefused(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", true)
	bob := newPeer(t, net, "bob", "Bob", true)
	_ = alice.Join(ctx, "main")
	_ = bob.Join(ctx, "main")

	if ok, err := bob.StartTransmit(ctx); !ok || err != nil {
		t.Fatalf("bob StartTransmit = %v, %v", ok, err)
	}
	ok, err := alice.StartTransmit(ctx)
	if ok || err != nil {
		t.Fatalf("alice StartTransmit on busy channel = %v, %v", ok, err)
	}
	if alice.Transmitting() {
		t.Fatal("alice should be idle")
	}
	if c := holder(t, alice.conn, "main"); !c.HeldBy("bob") {
		t.Fatalf("claim changed hands: %+v", c)
	}
}

func TestSwitchChannelDrainsOld(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", true)
	bob := newPeer(t, net, "bob", "Bob", true)
	_ = alice.Join(ctx, "main")
	_ = bob.Join(ctx, "main")

	if ok, _ := alice.StartTransmit(ctx); !ok {
		t.Fatal("alice should get the floor")
	}
	if err := alice.SwitchChannel(ctx, "channel2"); err != nil {
		t.Fatal(err)
	}
	if alice.Transmitting() || alice.Channel() != "channel2" {
		t.Fatalf("after switch: transmitting=%v channel=%s", alice.Transmitting(), alice.Channel())
	}
	if c := holder(t, bob.conn, "main"); c != nil {
		t.Fatalf("old channel still claimed: %+v", c)
	}

	// Activity on the old channel no longer reaches alice.
	waitFor(t, "bob sees the release", func() bool { return bob.Speaker() == nil })
	if ok, _ := bob.StartTransmit(ctx); !ok {
		t.Fatal("bob should get the freed floor")
	}
	bob.mic.push(make([]float32, 800))
	time.Sleep(100 * time.Millisecond)
	if alice.cues.count("started:main") != 0 || alice.sink.saw(800) {
		t.Fatalf("old channel leaked into alice: %v", alice.cues.events)
	}

	ok, err := alice.StartTransmit(ctx)
	if err != nil || !ok {
		t.Fatalf("StartTransmit on new channel = %v, %v", ok, err)
	}
	if c := holder(t, bob.conn, "channel2"); !c.HeldBy("alice") {
		t.Fatalf("alice should hold channel2, got %+v", c)
	}
	if alice.cues.count("system:switched to channel2") != 1 {
		t.Fatalf("missing switch message: %v", alice.cues.events)
	}
}

func TestTeardownInAnyState(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)

	idle := newPeer(t, net, "idle", "Idle", false)
	idle.Teardown(ctx)
	idle.Teardown(ctx)

	alice := newPeer(t, net, "alice", "Alice", true)
	_ = alice.Join(ctx, "main")
	if ok, _ := alice.StartTransmit(ctx); !ok {
		t.Fatal("alice should get the floor")
	}
	alice.Teardown(ctx)
	alice.Teardown(ctx)

	if c := holder(t, idle.conn, "main"); c != nil {
		t.Fatalf("claim survived teardown: %+v", c)
	}
	if hooks := alice.conn.Hooks(); len(hooks) != 0 {
		t.Fatalf("disconnect hooks left after teardown: %v", hooks)
	}
	snap, err := idle.conn.Get(ctx, domain.UserPath("alice"))
	if err != nil {
		t.Fatal(err)
	}
	var p domain.Presence
	if err := snap.Decode(&p); err != nil || p.Online {
		t.Fatalf("alice should be offline: %+v %v", p, err)
	}

	if _, err := alice.StartTransmit(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartTransmit after teardown: %v", err)
	}
	if err := alice.Join(ctx, "main"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join after teardown: %v", err)
	}
}

func TestDeviceFailureDisablesTransmit(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	ctrl := gomock.NewController(t)
	broken := audiomock.NewMockMic(ctrl)
	broken.EXPECT().Start(gomock.Any()).Return(errors.New("no input device")).Times(1)

	alice := newPeer(t, net, "alice", "Alice", false, func(d *Deps) { d.Mic = broken })
	_ = alice.Join(ctx, "main")

	ok, err := alice.StartTransmit(ctx)
	if ok || !errors.Is(err, ErrTransmitDisabled) || !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("StartTransmit = %v, %v", ok, err)
	}
	if c := holder(t, alice.conn, "main"); c != nil {
		t.Fatalf("claim kept after device failure: %+v", c)
	}
	if _, err := alice.StartTransmit(ctx); !errors.Is(err, ErrTransmitDisabled) {
		t.Fatalf("second attempt: %v", err)
	}
	if n := alice.cues.count("disabled:"); n != 1 {
		t.Fatalf("device failure reported %d times", n)
	}
	if !alice.TransmitDisabled() {
		t.Fatal("transmit should stay disabled")
	}
}

func TestForcedReleaseStopsTransmit(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", true)
	_ = alice.Join(ctx, "main")
	if ok, _ := alice.StartTransmit(ctx); !ok {
		t.Fatal("alice should get the floor")
	}
	waitFor(t, "own claim observed", func() bool { return alice.Speaker().HeldBy("alice") })

	admin := net.Connect("admin")
	if _, err := floor.New(admin, nil, floor.Config{}).ForceRelease(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transmit stopped", func() bool { return !alice.Transmitting() })
	if alice.cues.count("system:transmission ended") != 1 {
		t.Fatalf("missing forced stop message: %v", alice.cues.events)
	}
}

func TestStaleClaimRecoveredOnJoin(t *testing.T) {
	ctx := context.Background()
	net, clk := setup(t)
	admin := net.Connect("admin")
	_ = admin.Set(ctx, domain.SpeakerPath("main"), domain.SpeakerClaim{
		HolderID:   "ghost",
		HolderName: "Ghost",
		ClaimedAt:  domain.Millis(clk.Now()),
	})
	clk.Advance(31 * time.Second)

	alice := newPeer(t, net, "alice", "Alice", true)
	if err := alice.Join(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if c := holder(t, admin, "main"); c != nil {
		t.Fatalf("stale claim not cleared: %+v", c)
	}
	if alice.cues.count("system:cleared stale transmission from Ghost") != 1 {
		t.Fatalf("missing recovery message: %v", alice.cues.events)
	}
	time.Sleep(50 * time.Millisecond)
	if alice.cues.count("started:") != 0 || alice.cues.count("ended:") != 0 {
		t.Fatalf("recovery leaked speaker cues: %v", alice.cues.events)
	}
	if ok, _ := alice.StartTransmit(ctx); !ok {
		t.Fatal("floor should be free after recovery")
	}
}

func TestFirstClaimAfterJoinSuppressed(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	bob := newPeer(t, net, "bob", "Bob", true)
	_ = bob.Join(ctx, "main")
	if ok, _ := bob.StartTransmit(ctx); !ok {
		t.Fatal("bob should get the floor")
	}

	alice := newPeer(t, net, "alice", "Alice", false)
	_ = alice.Join(ctx, "main")
	waitFor(t, "alice sees claim", func() bool { return alice.Speaker().HeldBy("bob") })
	if n := alice.cues.count("started:"); n != 0 {
		t.Fatalf("first claim after join should be silent, got %v", alice.cues.events)
	}

	_ = bob.StopTransmit(ctx)
	waitFor(t, "end cue", func() bool { return alice.cues.count("ended:main:Bob") == 1 })
}

func TestBackgroundedAnnounces(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	ctrl := gomock.NewController(t)
	notifier := notifymock.NewMockDispatcher(ctrl)
	got := make(chan notify.Announcement, 4)
	notifier.EXPECT().Announce(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a notify.Announcement) error {
		got <- a
		return nil
	}).AnyTimes()

	alice := newPeer(t, net, "alice", "Alice", false, func(d *Deps) { d.Notifier = notifier })
	bob := newPeer(t, net, "bob", "Bob", true)
	_ = alice.Join(ctx, "main")
	_ = bob.Join(ctx, "main")
	alice.SetBackgrounded(true)

	if ok, _ := bob.StartTransmit(ctx); !ok {
		t.Fatal("bob should get the floor")
	}
	select {
	case a := <-got:
		if a.Kind != notify.KindSpeakerStarted || a.Actor != "Bob" || a.Channel != "main" {
			t.Fatalf("unexpected announcement %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement")
	}

	if err := bob.SendAlert(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case a := <-got:
		if a.Kind != notify.KindAlert || a.Actor != "Bob" {
			t.Fatalf("unexpected announcement %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert announcement")
	}
}

func TestChatAndAlertCues(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", false)
	bob := newPeer(t, net, "bob", "Bob", false)
	_ = alice.Join(ctx, "main")
	_ = bob.Join(ctx, "main")

	if _, err := alice.SendChat(ctx, "  radio check  "); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "chat", func() bool { return bob.cues.count("chat:Alice:radio check") == 1 })

	if err := alice.SendAlert(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alert", func() bool { return bob.cues.count("alert:Alice") == 1 })
	tone := len(audio.AlertTone(audio.SampleRate))
	waitFor(t, "alert tone", func() bool { return bob.sink.saw(tone) })

	members, err := bob.Members(ctx)
	if err != nil || len(members) != 2 {
		t.Fatalf("Members = %+v, %v", members, err)
	}
}

func TestOperationsRequireJoin(t *testing.T) {
	ctx := context.Background()
	net, _ := setup(t)
	alice := newPeer(t, net, "alice", "Alice", true)
	if _, err := alice.StartTransmit(ctx); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("StartTransmit before join: %v", err)
	}
	if _, err := alice.SendChat(ctx, "hi"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SendChat before join: %v", err)
	}
	if err := alice.Join(ctx, "no/slashes"); !errors.Is(err, domain.ErrChannelInvalid) {
		t.Fatalf("Join invalid channel: %v", err)
	}
	if err := alice.StopTransmit(ctx); err != nil {
		t.Fatalf("StopTransmit while idle: %v", err)
	}
}
