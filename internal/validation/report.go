package validation

import (
	"sync"

	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/rescount"
	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
)

// Report is the tree walk's output: one buffer per accepted publication
// point plus the union of resources covered by every rejected
// certificate encountered (spec §4.6 step 5, §4.7's rejected-resources
// input to the snapshot builder).
type Report struct {
	Buffers  []payload.PointBuffer
	Rejected *rescount.Set
}

// report is the mutable, concurrency-safe accumulator the walk writes
// into; Report is its immutable snapshot once the walk finishes.
type report struct {
	mu       sync.Mutex
	buffers  []payload.PointBuffer
	rejected rescount.Set
}

func newReport() *report {
	return &report{}
}

func (r *report) addBuffer(pb payload.PointBuffer) {
	if len(pb.Origins) == 0 && len(pb.RouterKeys) == 0 && len(pb.ASPAs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = append(r.buffers, pb)
}

// reject records that res is no longer trusted, propagating to every
// rejected-resources query the snapshot builder runs afterward. An
// inheriting certificate carries no resources of its own to record; its
// issuer's own rejection (or the issuer's non-inherited resources)
// already covers the same space.
func (r *report) reject(res rpkicert.Resources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range res.IPv4 {
		r.rejected.AddPrefix(p)
	}
	for _, p := range res.IPv6 {
		r.rejected.AddPrefix(p)
	}
	for _, a := range res.ASNs {
		r.rejected.AddASRange(rescount.ASRange{Min: a.Min, Max: a.Max})
	}
}

func (r *report) finish() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected.Finalize()
	return &Report{Buffers: r.buffers, Rejected: &r.rejected}
}
