// Package audio holds the PTT audio path: capture and downsampling, the
// RTP/L16 batch codec, the playback scheduler and its mixing timeline,
// and the cue tones.
package audio

import (
	"errors"
	"math"
	"time"
)

const (
	// SampleRate is the wire rate: 16 kHz mono.
	SampleRate    = 16000
	FrameSamples  = SampleRate / 50
	FrameDuration = 20 * time.Millisecond
)

var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Duration is the play time of n samples at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// Samples converts a duration into a sample count at rate.
func Samples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// Resample converts in from inRate to outRate by linear interpolation.
func Resample(in []float32, inRate, outRate int) []float32 {
	if len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return nil
	}
	if inRate == outRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := int(int64(len(in)) * int64(outRate) / int64(inRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(inRate) / float64(outRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// ResampleInto fills dst by linear interpolation over src, stretching or
// squeezing src to exactly len(dst) samples. It does not allocate.
func ResampleInto(dst, src []int16) {
	if len(src) == 0 {
		clear(dst)
		return
	}
	if len(src) == len(dst) {
		copy(dst, src)
		return
	}
	ratio := float64(len(src)) / float64(len(dst))
	last := len(src) - 1
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			dst[i] = src[last]
			continue
		}
		frac := pos - float64(idx)
		dst[i] = int16(float64(src[idx]) + float64(int32(src[idx+1])-int32(src[idx]))*frac)
	}
}

// Quantize maps [-1, 1] floats to int16, clipping anything outside.
func Quantize(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		s := float64(v) * math.MaxInt16
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		out[i] = int16(s)
	}
	return out
}

func clip16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
