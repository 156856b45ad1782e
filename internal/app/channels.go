package app

import (
	"slices"
	"sync"

	"github.com/dkeye/ptt/internal/domain"
)

// ChannelDirectory is the server's list of channels worth showing: the
// configured defaults plus any channel seen in use.
type ChannelDirectory struct {
	mu       sync.RWMutex
	defaults []domain.ChannelName
	seen     map[domain.ChannelName]struct{}
}

func NewChannelDirectory(defaults []domain.ChannelName) *ChannelDirectory {
	return &ChannelDirectory{
		defaults: slices.Clone(defaults),
		seen:     make(map[domain.ChannelName]struct{}),
	}
}

func (d *ChannelDirectory) IsDefault(ch domain.ChannelName) bool {
	return slices.Contains(d.defaults, ch)
}

// Touch records ch as in use. Invalid names are ignored.
func (d *ChannelDirectory) Touch(ch domain.ChannelName) {
	if ch.Validate() != nil || d.IsDefault(ch) {
		return
	}
	d.mu.RLock()
	_, ok := d.seen[ch]
	d.mu.RUnlock()
	if ok {
		return
	}
	d.mu.Lock()
	d.seen[ch] = struct{}{}
	d.mu.Unlock()
}

// List returns the defaults in their configured order, then the other
// channels alphabetically.
func (d *ChannelDirectory) List() []domain.ChannelName {
	d.mu.RLock()
	extra := make([]domain.ChannelName, 0, len(d.seen))
	for ch := range d.seen {
		extra = append(extra, ch)
	}
	d.mu.RUnlock()
	slices.Sort(extra)
	return append(slices.Clone(d.defaults), extra...)
}

// Forget drops a channel that went idle. Defaults are never dropped.
func (d *ChannelDirectory) Forget(ch domain.ChannelName) {
	d.mu.Lock()
	delete(d.seen, ch)
	d.mu.Unlock()
}
