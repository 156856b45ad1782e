//go:build !cgo

package audio

// Devices is unavailable without cgo.
type Devices struct{}

func OpenDevices() (*Devices, error) { return nil, ErrDeviceUnavailable }

func (d *Devices) Close() error { return nil }

func (d *Devices) Mic() Mic { return nil }

type Speaker struct{}

func (d *Devices) Speaker(*Timeline) (*Speaker, error) { return nil, ErrDeviceUnavailable }

func (s *Speaker) Close() error { return nil }
