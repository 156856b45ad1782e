package audio

import (
	"math"
	"time"
)

// tone is one sine partial: a frequency glide from From to To over Sweep,
// with a gain that decays exponentially to Floor by the end.
type tone struct {
	Start time.Duration
	Dur   time.Duration
	From  float64
	To    float64
	Sweep time.Duration
	Gain  float64
	Floor float64
	Hold  time.Duration
}

func render(rate int, tones ...tone) []int16 {
	var total time.Duration
	for _, t := range tones {
		total = max(total, t.Start+t.Dur)
	}
	mix := make([]float64, Samples(total, rate))
	for _, t := range tones {
		start := Samples(t.Start, rate)
		n := Samples(t.Dur, rate)
		sweep := float64(Samples(t.Sweep, rate))
		hold := float64(Samples(t.Hold, rate))
		phase := 0.0
		for i := int64(0); i < n && start+i < int64(len(mix)); i++ {
			f := t.From
			if sweep > 0 && t.To > 0 && t.From != t.To {
				x := math.Min(float64(i)/sweep, 1)
				f = t.From * math.Pow(t.To/t.From, x)
			}
			g := t.Gain
			if t.Floor > 0 && float64(i) > hold {
				x := (float64(i) - hold) / math.Max(float64(n)-hold, 1)
				g = t.Gain * math.Pow(t.Floor/t.Gain, x)
			}
			mix[start+i] += g * math.Sin(phase)
			phase += 2 * math.Pi * f / float64(rate)
		}
	}
	out := make([]float32, len(mix))
	for i, v := range mix {
		out[i] = float32(v)
	}
	return Quantize(out)
}

// RogerBeep is the end-of-transmission cue: a 1200 to 800 Hz chirp
// overlapped by a 1400 to 1000 Hz chirp.
func RogerBeep(rate int) []int16 {
	return render(rate,
		tone{Dur: 120 * time.Millisecond, From: 1200, To: 800, Sweep: 80 * time.Millisecond, Gain: 0.25, Floor: 0.01},
		tone{Start: 50 * time.Millisecond, Dur: 130 * time.Millisecond, From: 1400, To: 1000, Sweep: 100 * time.Millisecond, Gain: 0.2, Floor: 0.01},
	)
}

// TalkPermit is the short chirp played when the local user gets the floor.
func TalkPermit(rate int) []int16 {
	return render(rate,
		tone{Dur: 60 * time.Millisecond, From: 880, Gain: 0.2, Floor: 0.05, Hold: 40 * time.Millisecond},
		tone{Start: 70 * time.Millisecond, Dur: 60 * time.Millisecond, From: 1320, Gain: 0.2, Floor: 0.05, Hold: 40 * time.Millisecond},
	)
}

// BusyTone signals a denied floor request.
func BusyTone(rate int) []int16 {
	return render(rate,
		tone{Dur: 150 * time.Millisecond, From: 480, Gain: 0.2, Floor: 0.05, Hold: 120 * time.Millisecond},
		tone{Start: 200 * time.Millisecond, Dur: 150 * time.Millisecond, From: 480, Gain: 0.2, Floor: 0.05, Hold: 120 * time.Millisecond},
	)
}

// AlertTone is the two-tone sequential page: attention warble, tone A,
// tone B, then a short confirmation tone.
func AlertTone(rate int) []int16 {
	const (
		toneA    = 853.2
		toneB    = 960.0
		volume   = 0.35
		warbleHi = 1050
		warbleLo = 750
	)
	var tones []tone
	step := 100 * time.Millisecond
	for i := 0; i < 6; i++ {
		f := float64(warbleHi)
		if i%2 == 1 {
			f = warbleLo
		}
		tones = append(tones, tone{Start: time.Duration(i) * step, Dur: step - 5*time.Millisecond, From: f, Gain: volume})
	}
	t := 750 * time.Millisecond
	tones = append(tones,
		tone{Start: t, Dur: 600 * time.Millisecond, From: toneA, Gain: volume, Floor: 0.001, Hold: 550 * time.Millisecond},
		tone{Start: t + 600*time.Millisecond, Dur: 600 * time.Millisecond, From: toneB, Gain: volume, Floor: 0.001, Hold: 550 * time.Millisecond},
		tone{Start: t + 1350*time.Millisecond, Dur: 300 * time.Millisecond, From: 1000, Gain: volume * 0.7, Floor: 0.001, Hold: 200 * time.Millisecond},
	)
	return render(rate, tones...)
}
