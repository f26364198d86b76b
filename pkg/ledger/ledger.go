// Package ledger tracks the last emitted cumulative total per statistic
// channel and serializes writers to a channel's history. History backfill
// holds a channel's handle for the duration of a single day's emission; the
// live sync path only ever seeds an empty channel.
package ledger

import (
	"sync"

	"github.com/prabucki/energa-sync/pkg/types"
)

// Ledger hands out per-channel handles. The zero value is not usable; use New.
type Ledger struct {
	mu       sync.Mutex
	channels map[types.ChannelKey]*Handle
}

func New() *Ledger {
	return &Ledger{channels: make(map[types.ChannelKey]*Handle)}
}

// Handle returns the handle for key, creating it on first use.
func (l *Ledger) Handle(key types.ChannelKey) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.channels[key]
	if !ok {
		h = &Handle{key: key}
		l.channels[key] = h
	}
	return h
}

// Handle is the single writer token for one channel's statistic history.
// Lock is held per emitted day, not per run, so a long backfill never starves
// other writers for more than one day's worth of work.
type Handle struct {
	sync.Mutex
	key  types.ChannelKey
	seen bool
	// seeded marks a total that came from a register seed rather than an
	// emitted point. Seeds are a fallback; the sink's last emitted Sum
	// replaces them via Reseed at backfill start.
	seeded bool
	total  float64
}

// Key returns the channel this handle serializes.
func (h *Handle) Key() types.ChannelKey { return h.key }

// Value returns the current cumulative total and whether one is known.
// The caller must hold the handle.
func (h *Handle) Value() (float64, bool) {
	return h.total, h.seen
}

// Extend advances the cumulative total. A total below the current one would
// rewind history and is rejected. The caller must hold the handle.
func (h *Handle) Extend(total float64) bool {
	if h.seen && total < h.total {
		return false
	}
	h.total = total
	h.seen = true
	h.seeded = false
	return true
}

// Seeded reports whether the current total is only a register seed, with no
// emitted point behind it. The caller must hold the handle.
func (h *Handle) Seeded() bool {
	return h.seen && h.seeded
}

// Reseed replaces a register seed with an authoritative total from the sink,
// even a lower one: the emitted series continues from the sink's last point,
// not from the register. The caller must hold the handle.
func (h *Handle) Reseed(total float64) {
	h.total = total
	h.seen = true
	h.seeded = false
}

// SeedIfEmpty sets the total only when nothing is known yet, locking the
// handle itself. It reports whether the seed was applied.
func (h *Handle) SeedIfEmpty(total float64) bool {
	h.Lock()
	defer h.Unlock()
	if h.seen {
		return false
	}
	h.total = total
	h.seen = true
	h.seeded = true
	return true
}
