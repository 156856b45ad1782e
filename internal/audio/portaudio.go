//go:build cgo

package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// Devices owns the PortAudio library handle.
type Devices struct {
	mu     sync.Mutex
	closed bool
}

func OpenDevices() (*Devices, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return &Devices{}, nil
}

func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return portaudio.Terminate()
}

// Mic returns the default input device. Nothing is opened until Start.
func (d *Devices) Mic() Mic { return &paMic{} }

type paMic struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	rate   int
}

func (m *paMic) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		return fmt.Errorf("%w: no input device: %v", ErrDeviceUnavailable, err)
	}
	rate := int(math.Round(dev.DefaultSampleRate))
	if rate <= 0 {
		rate = SampleRate
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: rate / 50,
	}
	cb := func(in []float32) {
		if len(in) == 0 {
			return
		}
		buf := make([]float32, len(in))
		copy(buf, in)
		onSamples(buf)
	}
	stream, err := portaudio.OpenStream(params, cb)
	if err != nil {
		log.Debug().Err(err).Str("module", "audio.portaudio").Msg("low latency input failed, trying high latency")
		params.Input.Latency = dev.DefaultHighInputLatency
		stream, err = portaudio.OpenStream(params, cb)
		if err != nil {
			return fmt.Errorf("%w: open input: %v", ErrDeviceUnavailable, err)
		}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start input: %v", ErrDeviceUnavailable, err)
	}
	m.stream = stream
	m.rate = rate
	log.Info().Str("module", "audio.portaudio").Str("device", dev.Name).Int("rate", rate).Msg("input open")
	return nil
}

func (m *paMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	err := m.stream.Stop()
	if cerr := m.stream.Close(); err == nil {
		err = cerr
	}
	m.stream = nil
	return err
}

func (m *paMic) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rate == 0 {
		return SampleRate
	}
	return m.rate
}

// Speaker pulls from a Timeline into the default output device.
type Speaker struct {
	stream *portaudio.Stream
	tl     *Timeline
	rate   int

	// scratch is only touched from the output callback.
	scratch []int16
}

func (d *Devices) Speaker(tl *Timeline) (*Speaker, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil || dev == nil {
		return nil, fmt.Errorf("%w: no output device: %v", ErrDeviceUnavailable, err)
	}
	rates := []int{tl.Rate()}
	if r := int(math.Round(dev.DefaultSampleRate)); r > 0 && r != tl.Rate() {
		rates = append(rates, r)
	}
	for _, rate := range rates {
		sp := &Speaker{tl: tl, rate: rate}
		params := portaudio.StreamParameters{
			Output: portaudio.StreamDeviceParameters{
				Device:   dev,
				Channels: 1,
				Latency:  dev.DefaultLowOutputLatency,
			},
			SampleRate:      float64(rate),
			FramesPerBuffer: rate / 50,
		}
		stream, err := portaudio.OpenStream(params, sp.process)
		if err != nil {
			log.Debug().Err(err).Str("module", "audio.portaudio").Int("rate", rate).Msg("output open failed")
			continue
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			continue
		}
		sp.stream = stream
		log.Info().Str("module", "audio.portaudio").Str("device", dev.Name).Int("rate", rate).Msg("output open")
		return sp, nil
	}
	return nil, fmt.Errorf("%w: output stream", ErrDeviceUnavailable)
}

func (s *Speaker) process(out []int16) {
	if s.rate == s.tl.Rate() {
		s.tl.Read(out)
		return
	}
	n := len(out) * s.tl.Rate() / s.rate
	if cap(s.scratch) < n {
		s.scratch = make([]int16, n)
	}
	tmp := s.scratch[:n]
	s.tl.Read(tmp)
	ResampleInto(out, tmp)
}

func (s *Speaker) Close() error {
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	return err
}
