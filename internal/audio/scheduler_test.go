package audio

import (
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu    sync.Mutex
	now   time.Duration
	calls []time.Duration
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) Schedule(at time.Duration, _ []int16) {
	s.mu.Lock()
	s.calls = append(s.calls, at)
	s.mu.Unlock()
}

func (s *fakeSink) advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

func batch(d time.Duration) []int16 { return make([]int16, Samples(d, SampleRate)) }

func TestSchedulerBackToBack(t *testing.T) {
	sink := &fakeSink{now: time.Second}
	s := NewScheduler(sink, 0)

	if at := s.Enqueue(batch(200 * time.Millisecond)); at != time.Second {
		t.Fatalf("first start = %v", at)
	}
	if at := s.Enqueue(batch(200 * time.Millisecond)); at != 1200*time.Millisecond {
		t.Fatalf("second start = %v", at)
	}
}

func TestSchedulerDriftBound(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(sink, DefaultMaxLead)

	// Batches arrive twice as fast as they play.
	for i := 0; i < 200; i++ {
		at := s.Enqueue(batch(200 * time.Millisecond))
		now := sink.Now()
		if at < now || at > now+DefaultMaxLead {
			t.Fatalf("batch %d scheduled at %v with clock %v", i, at, now)
		}
		sink.advance(100 * time.Millisecond)
	}
}

func TestSchedulerResyncsWhenBehind(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(sink, DefaultMaxLead)
	s.Enqueue(batch(200 * time.Millisecond))
	sink.advance(3 * time.Second)
	if at := s.Enqueue(batch(200 * time.Millisecond)); at != 3*time.Second {
		t.Fatalf("late batch scheduled at %v, want now", at)
	}
}

func TestSchedulerReset(t *testing.T) {
	sink := &fakeSink{now: time.Second}
	s := NewScheduler(sink, DefaultMaxLead)
	s.Enqueue(batch(400 * time.Millisecond))
	s.Reset()
	if at := s.Enqueue(batch(200 * time.Millisecond)); at != time.Second {
		t.Fatalf("start after reset = %v, want now", at)
	}
	s.PlayTone(batch(50 * time.Millisecond))
	if last := sink.calls[len(sink.calls)-1]; last != time.Second {
		t.Fatalf("tone scheduled at %v", last)
	}
}

func TestTimelineMixes(t *testing.T) {
	tl := NewTimeline()
	a := []int16{100, 100, 100, 100}
	b := []int16{30000, 30000}

	tl.Schedule(0, a)
	tl.Schedule(Duration(2, SampleRate), b)
	tl.Schedule(Duration(3, SampleRate), []int16{30000})

	out := make([]int16, 6)
	tl.Read(out)
	want := []int16{100, 100, 30100, 32767, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
	if tl.Now() != Duration(6, SampleRate) {
		t.Fatalf("clock = %v", tl.Now())
	}
	if tl.Pending() != 0 {
		t.Fatalf("pending = %d", tl.Pending())
	}

	// Audio scheduled in the past is trimmed to the clock.
	tl.Schedule(0, []int16{1, 2, 3, 4, 5, 6, 7, 8})
	tl.Read(out[:2])
	if out[0] != 7 || out[1] != 8 {
		t.Fatalf("late clip not trimmed: %v", out[:2])
	}
}

func TestSchedulerOnTimeline(t *testing.T) {
	tl := NewTimeline()
	s := NewScheduler(tl, DefaultMaxLead)
	s.Enqueue(batch(200 * time.Millisecond))
	s.Enqueue(batch(200 * time.Millisecond))
	if got := tl.Pending(); got != int(Samples(400*time.Millisecond, SampleRate)) {
		t.Fatalf("pending = %d", got)
	}
	tl.Read(make([]int16, FrameSamples))
	if got := s.Enqueue(batch(20 * time.Millisecond)); got != 400*time.Millisecond {
		t.Fatalf("third batch at %v", got)
	}
}

func TestSchedulerTimeMatchesPlayback(t *testing.T) {
	tl := NewTimeline()
	s := NewScheduler(tl, DefaultMaxLead)

	s.Enqueue(batch(400 * time.Millisecond))
	if got := Duration(tl.Pending(), tl.Rate()); got != 400*time.Millisecond {
		t.Fatalf("timeline plays %v of a 400ms batch", got)
	}
	tl.Read(make([]int16, Samples(400*time.Millisecond, tl.Rate())))
	if got := s.Enqueue(batch(200 * time.Millisecond)); got != 400*time.Millisecond {
		t.Fatalf("next batch at %v, want back to back at 400ms", got)
	}
}

func TestTimelineReadDoesNotAllocate(t *testing.T) {
	tl := NewTimeline()
	tl.Schedule(0, batch(time.Second))
	out := make([]int16, FrameSamples)
	tl.Read(out)
	if n := testing.AllocsPerRun(20, func() { tl.Read(out) }); n != 0 {
		t.Fatalf("Read allocates %v times per call", n)
	}
}
