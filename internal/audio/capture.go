package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=audiomock/mic.go -package=audiomock github.com/dkeye/ptt/internal/audio Mic

// Mic is a capture device. onSamples receives mono float samples at
// SampleRate() and may be called from any goroutine.
type Mic interface {
	Start(onSamples func([]float32)) error
	Stop() error
	SampleRate() int
}

// Publisher ships one batch of 16 kHz PCM.
type Publisher interface {
	Publish(ctx context.Context, samples []int16) error
}

const (
	DefaultBatchInterval = 200 * time.Millisecond
	defaultPublishWait   = 5 * time.Second
)

type CaptureConfig struct {
	BatchInterval time.Duration
	OpTimeout     time.Duration
}

// Capture accumulates microphone samples and publishes them as one batch
// per interval while transmitting.
type Capture struct {
	mic    Mic
	pub    Publisher
	cfg    CaptureConfig
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	buf     []float32
	stop    chan struct{}
	done    chan struct{}
	// micDown is closed once the last mic.Stop has returned.
	micDown chan struct{}

	// publishMu is held for the duration of a flush; Stop waits on it.
	publishMu sync.Mutex
}

func NewCapture(mic Mic, pub Publisher, cfg CaptureConfig) *Capture {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultPublishWait
	}
	return &Capture{
		mic:    mic,
		pub:    pub,
		cfg:    cfg,
		logger: log.With().Str("module", "audio.capture").Logger(),
	}
}

// Start opens the microphone and begins the flush ticker. Any device
// failure is reported as ErrDeviceUnavailable.
func (c *Capture) Start() error {
	c.lockMicDown()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.mic == nil {
		return ErrDeviceUnavailable
	}
	if err := c.mic.Start(c.onSamples); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	c.running = true
	c.buf = c.buf[:0]
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
	c.logger.Debug().Int("rate", c.mic.SampleRate()).Msg("capture started")
	return nil
}

// lockMicDown takes c.mu once no mic teardown is pending. The wait happens
// unlocked since the device may still deliver samples while it stops.
func (c *Capture) lockMicDown() {
	for {
		c.mu.Lock()
		down := c.micDown
		if c.running || down == nil {
			return
		}
		select {
		case <-down:
			c.micDown = nil
			return
		default:
		}
		c.mu.Unlock()
		<-down
	}
}

func (c *Capture) onSamples(s []float32) {
	c.mu.Lock()
	if c.running {
		c.buf = append(c.buf, s...)
	}
	c.mu.Unlock()
}

func (c *Capture) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Capture) flush() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	if !c.running || len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	raw := c.buf
	c.buf = make([]float32, 0, cap(raw))
	c.mu.Unlock()

	pcm := Quantize(Resample(raw, c.mic.SampleRate(), SampleRate))
	if len(pcm) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if err := c.pub.Publish(ctx, pcm); err != nil {
		c.logger.Warn().Err(err).Int("samples", len(pcm)).Msg("publish failed")
	}
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop ends capture. Once it returns no further batch is published; the
// device itself is released in the background and a later Start waits
// for that.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.buf = nil
	stop, done := c.stop, c.done
	micDown := make(chan struct{})
	c.micDown = micDown
	c.mu.Unlock()

	close(stop)
	// An in-flight flush holds publishMu until its publish returns.
	c.publishMu.Lock()
	c.publishMu.Unlock()
	<-done

	mic := c.mic
	go func() {
		defer close(micDown)
		if err := mic.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("mic stop")
		}
	}()
	c.logger.Debug().Msg("capture stopped")
}
