package audio

import (
	"sync"
	"time"
)

// DefaultMaxLead caps how far ahead of the playback clock audio may be
// queued.
const DefaultMaxLead = 500 * time.Millisecond

// Sink plays PCM at a position on its own clock.
type Sink interface {
	Now() time.Duration
	Schedule(at time.Duration, samples []int16)
}

// Scheduler lays received batches back to back on the sink's clock and
// resynchronizes whenever the queue falls behind or runs too far ahead.
type Scheduler struct {
	sink    Sink
	maxLead time.Duration

	mu   sync.Mutex
	next time.Duration
}

func NewScheduler(sink Sink, maxLead time.Duration) *Scheduler {
	if maxLead <= 0 {
		maxLead = DefaultMaxLead
	}
	return &Scheduler{sink: sink, maxLead: maxLead}
}

// Enqueue schedules samples and returns their start time.
func (s *Scheduler) Enqueue(samples []int16) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.sink.Now()
	if s.next < now || s.next > now+s.maxLead {
		s.next = now
	}
	at := s.next
	s.sink.Schedule(at, samples)
	s.next += Duration(len(samples), SampleRate)
	return at
}

// Reset forgets the queue position; the next batch starts immediately.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()
}

// PlayTone plays samples now, mixed over whatever is queued.
func (s *Scheduler) PlayTone(samples []int16) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Schedule(s.sink.Now(), samples)
}
