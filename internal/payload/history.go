package payload

import (
	"sync"
	"time"

	"github.com/rpkiwire/rpki-rp/internal/rescount"
)

// defaultRetention bounds how many deltas History keeps before the
// oldest is dropped and delta_since for that serial starts returning
// false. Not specified by spec.md beyond "bounded"; chosen generously
// enough to cover a slow RTR client missing several update cycles
// without forcing it back to a full snapshot transfer.
const defaultRetention = 1024

// History is the process-wide record of payload versions: the current
// snapshot, the serial it was produced at, and enough trailing deltas
// to answer delta_since for recently-seen serials (spec §4.9).
type History struct {
	mu sync.RWMutex

	session uint64
	serial  uint64
	current *Snapshot
	deltas  []*Delta // ascending by Serial; deltas[i].Serial == some serial > 0

	refresh    time.Duration
	retention  int
	nextUpdate time.Time
}

// NewHistory creates an empty history. session is the internal 64-bit
// session identifier; refresh is the base poll interval absent any
// tighter deadline from the snapshot itself.
func NewHistory(session uint64, refresh time.Duration) *History {
	return &History{
		session:   session,
		current:   &Snapshot{},
		refresh:   refresh,
		retention: defaultRetention,
	}
}

// SetRetention overrides the default retained-delta count.
func (h *History) SetRetention(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retention = n
}

// Update builds a new snapshot from buffers, diffs it against the
// current one, pushes the delta if non-empty, and always replaces
// current so refresh times and publication info track reality. Returns
// whether a new version was produced (spec §4.9).
func (h *History) Update(now time.Time, buffers []PointBuffer, rejected *rescount.Set, policy UnsafePolicy, slurm SlurmFilter) (bool, Metrics) {
	next, m := BuildSnapshot(now, buffers, rejected, policy, slurm)

	h.mu.Lock()
	defer h.mu.Unlock()

	target := h.serial + 1
	d := Diff(h.current, next, target)
	pushed := !d.Empty()
	if pushed {
		h.deltas = append(h.deltas, d)
		if len(h.deltas) > h.retention {
			h.deltas = h.deltas[len(h.deltas)-h.retention:]
		}
		h.serial = target
	}
	h.current = next

	nextUpdate := now.Add(h.refresh)
	if !next.RefreshDeadline.IsZero() && next.RefreshDeadline.Before(nextUpdate) {
		nextUpdate = next.RefreshDeadline
	}
	h.nextUpdate = nextUpdate

	return pushed, m
}

// Current returns the current snapshot and the serial it was produced at.
func (h *History) Current() (*Snapshot, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.serial
}

// DeltaSince returns the delta that takes the snapshot at serial to the
// current snapshot. ok is false if serial is outside the retention
// window or is a future serial (spec §4.9).
func (h *History) DeltaSince(serial uint64) (delta *Delta, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if serial > h.serial {
		return nil, false
	}
	if serial == h.serial {
		return &Delta{Serial: h.serial}, true
	}

	start := -1
	for i, d := range h.deltas {
		if d.Serial == serial+1 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}

	merged := h.deltas[start]
	for i := start + 1; i < len(h.deltas); i++ {
		merged = Merge(merged, h.deltas[i])
	}
	return merged, true
}

// SessionAndSerial returns the internal 64-bit session id and the
// current serial.
func (h *History) SessionAndSerial() (session uint64, serial uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session, h.serial
}

// ResidualWait returns how long until the next scheduled update, never
// negative.
func (h *History) ResidualWait(now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.nextUpdate.IsZero() {
		return h.refresh
	}
	if d := h.nextUpdate.Sub(now); d > 0 {
		return d
	}
	return 0
}

// WireSessionID narrows an internal session id to the 16-bit value the
// RTR protocol's session id field carries (spec §4.9 "Serial
// arithmetic").
func WireSessionID(session uint64) uint16 { return uint16(session) }

// WireSerial narrows an internal serial to the u32 the RTR protocol
// carries on the wire.
func WireSerial(serial uint64) uint32 { return uint32(serial) }
