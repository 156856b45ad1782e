package audio

import (
	"sync"
	"time"
)

type clip struct {
	start int64
	data  []int16
}

// Timeline is a mixing Sink driven by whoever reads from it. It runs at
// the wire rate; its clock is the number of samples read so far.
type Timeline struct {
	rate int

	mu    sync.Mutex
	pos   int64
	clips []clip
	mix   []int32
}

func NewTimeline() *Timeline {
	return &Timeline{rate: SampleRate}
}

func (t *Timeline) Rate() int { return t.rate }

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Duration(int(t.pos), t.rate)
}

func (t *Timeline) Schedule(at time.Duration, samples []int16) {
	if len(samples) == 0 {
		return
	}
	data := make([]int16, len(samples))
	copy(data, samples)
	start := Samples(at, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		skip := t.pos - start
		if skip >= int64(len(data)) {
			return
		}
		data = data[skip:]
		start = t.pos
	}
	t.clips = append(t.clips, clip{start: start, data: data})
}

// Read fills out with the mix for the next len(out) samples and advances
// the clock.
func (t *Timeline) Read(out []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cap(t.mix) < len(out) {
		t.mix = make([]int32, len(out))
	}
	mix := t.mix[:len(out)]
	clear(mix)
	end := t.pos + int64(len(out))
	kept := t.clips[:0]
	for _, c := range t.clips {
		cEnd := c.start + int64(len(c.data))
		if c.start < end && cEnd > t.pos {
			from := max(c.start, t.pos)
			to := min(cEnd, end)
			for p := from; p < to; p++ {
				mix[p-t.pos] += int32(c.data[p-c.start])
			}
		}
		if cEnd > end {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(t.clips); i++ {
		t.clips[i] = clip{}
	}
	t.clips = kept
	for i, v := range mix {
		out[i] = clip16(v)
	}
	t.pos = end
}

// Pending is the number of samples still queued after the clock.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last int64
	for _, c := range t.clips {
		last = max(last, c.start+int64(len(c.data)))
	}
	if last <= t.pos {
		return 0
	}
	return int(last - t.pos)
}
