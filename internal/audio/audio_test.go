package audio

import (
	"math"
	"testing"
	"time"
)

func TestResample(t *testing.T) {
	in := make([]float32, 4800)
	for i := range in {
		in[i] = 0.5
	}
	out := Resample(in, 48000, SampleRate)
	if len(out) != 1600 {
		t.Fatalf("len = %d, want 1600", len(out))
	}
	for i, v := range out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5", i, v)
		}
	}

	ramp := []float32{0, 1, 2, 3}
	up := Resample(ramp, 2, 4)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(up) != len(want) {
		t.Fatalf("upsample len = %d", len(up))
	}
	for i := range want {
		if math.Abs(float64(up[i]-want[i])) > 1e-6 {
			t.Fatalf("up[%d] = %v, want %v", i, up[i], want[i])
		}
	}

	if Resample(nil, 48000, 16000) != nil {
		t.Fatal("empty input should give nil")
	}
}

func TestResampleInto(t *testing.T) {
	up := make([]int16, 8)
	ResampleInto(up, []int16{0, 100, 200, 300})
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	for i := range want {
		if up[i] != want[i] {
			t.Fatalf("up = %v, want %v", up, want)
		}
	}

	down := []int16{9, 9, 9}
	ResampleInto(down, nil)
	if down[0] != 0 || down[2] != 0 {
		t.Fatalf("empty source should silence dst, got %v", down)
	}

	src := make([]int16, 320)
	dst := make([]int16, 960)
	if n := testing.AllocsPerRun(100, func() { ResampleInto(dst, src) }); n != 0 {
		t.Fatalf("ResampleInto allocates %v times per call", n)
	}
}

func TestQuantizeClips(t *testing.T) {
	got := Quantize([]float32{0, 1, -1, 2, -2, 0.5})
	want := []int16{0, math.MaxInt16, -math.MaxInt16, math.MaxInt16, math.MinInt16, 16383}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Quantize[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDuration(t *testing.T) {
	if d := Duration(FrameSamples, SampleRate); d != FrameDuration {
		t.Fatalf("frame duration = %v", d)
	}
	if n := Samples(200*time.Millisecond, SampleRate); n != 3200 {
		t.Fatalf("samples in 200ms = %d", n)
	}
}

func TestTones(t *testing.T) {
	beep := RogerBeep(SampleRate)
	if len(beep) != int(Samples(180*time.Millisecond, SampleRate)) {
		t.Fatalf("roger beep has %d samples", len(beep))
	}
	var peak int16
	for _, s := range beep {
		if s > peak {
			peak = s
		}
	}
	if peak < 5000 {
		t.Fatalf("roger beep too quiet: peak %d", peak)
	}
	for name, tone := range map[string][]int16{
		"permit": TalkPermit(SampleRate),
		"busy":   BusyTone(SampleRate),
		"alert":  AlertTone(SampleRate),
	} {
		if len(tone) == 0 {
			t.Errorf("%s tone is empty", name)
		}
	}
}
