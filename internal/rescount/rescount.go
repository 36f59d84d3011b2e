// Package rescount tracks the set of resources rejected during a
// validation run — merged IP and AS intervals — so the snapshot
// builder's per-VRP unsafe check is a binary search rather than a
// linear scan over every rejected certificate (SPEC_FULL §12.1,
// grounded on Routinator's src/payload/validation.rs interval-tree
// approach to the same problem).
package rescount

import (
	"net/netip"
	"sort"
)

// ASRange is an inclusive range of AS numbers.
type ASRange struct {
	Min, Max uint32
}

// Set is the union of rejected IPv4 prefixes, IPv6 prefixes, and AS
// ranges accumulated over one validation run. Zero value is an empty set.
type Set struct {
	v4  []netip.Prefix
	v6  []netip.Prefix
	asn []ASRange
	// sorted is false after any Add call until the next query forces a
	// Finalize; Finalize drops prefixes covered by another prefix and
	// merges overlapping/adjacent AS ranges.
	sorted bool
}

// AddPrefix adds a rejected IP prefix (either family).
func (s *Set) AddPrefix(p netip.Prefix) {
	p = p.Masked()
	if p.Addr().Is4() {
		s.v4 = append(s.v4, p)
	} else {
		s.v6 = append(s.v6, p)
	}
	s.sorted = false
}

// AddASRange adds a rejected inclusive AS range.
func (s *Set) AddASRange(r ASRange) {
	s.asn = append(s.asn, r)
	s.sorted = false
}

// Finalize sorts and merges all three interval lists. Safe to call
// repeatedly; a no-op once already finalized and unchanged.
func (s *Set) Finalize() {
	if s.sorted {
		return
	}
	s.v4 = mergePrefixes(s.v4)
	s.v6 = mergePrefixes(s.v6)
	s.asn = mergeASRanges(s.asn)
	s.sorted = true
}

// ContainsPrefix reports whether p is fully covered by some rejected
// prefix in the set (i.e. p's resources are entirely unsafe). Partial
// overlap is reported via IntersectsPrefix instead.
func (s *Set) ContainsPrefix(p netip.Prefix) bool {
	s.Finalize()
	list := s.v4
	if p.Addr().Is6() {
		list = s.v6
	}
	for _, r := range list {
		if prefixCovers(r, p) {
			return true
		}
	}
	return false
}

// IntersectsPrefix reports whether p overlaps any rejected prefix at
// all (spec §4.7: "a VRP whose prefix intersects the rejected-resources
// set is unsafe" — overlap, not full coverage, is the test).
func (s *Set) IntersectsPrefix(p netip.Prefix) bool {
	s.Finalize()
	list := s.v4
	if p.Addr().Is6() {
		list = s.v6
	}
	// list is sorted and merged (non-overlapping, disjoint); binary
	// search for the first entry whose range could overlap p.
	idx := sort.Search(len(list), func(i int) bool {
		return prefixLastAddr(list[i]).Compare(p.Addr()) >= 0
	})
	for i := idx; i < len(list) && list[i].Addr().Compare(prefixLastAddr(p)) <= 0; i++ {
		if prefixesOverlap(list[i], p) {
			return true
		}
	}
	// the candidate found by Search may start after p but an earlier
	// entry could still overlap if p is wide; check the one immediately
	// before idx too.
	if idx > 0 && prefixesOverlap(list[idx-1], p) {
		return true
	}
	return false
}

// IntersectsASN reports whether asn falls within any rejected AS range.
func (s *Set) IntersectsASN(asn uint32) bool {
	s.Finalize()
	idx := sort.Search(len(s.asn), func(i int) bool { return s.asn[i].Max >= asn })
	return idx < len(s.asn) && s.asn[idx].Min <= asn
}

// Len reports the number of merged intervals currently held, for metrics.
func (s *Set) Len() int {
	s.Finalize()
	return len(s.v4) + len(s.v6) + len(s.asn)
}

func prefixLastAddr(p netip.Prefix) netip.Addr {
	bits := p.Addr().BitLen()
	if p.Bits() == bits {
		return p.Addr()
	}
	buf := p.Addr().AsSlice()
	hostBits := bits - p.Bits()
	for i := len(buf) - 1; hostBits > 0; i-- {
		if hostBits >= 8 {
			buf[i] = 0xff
			hostBits -= 8
		} else {
			buf[i] |= (1 << hostBits) - 1
			hostBits = 0
		}
	}
	if len(buf) == 4 {
		a := netip.AddrFrom4([4]byte(buf))
		return a
	}
	a := netip.AddrFrom16([16]byte(buf))
	return a
}

func prefixCovers(outer, inner netip.Prefix) bool {
	if outer.Bits() > inner.Bits() {
		return false
	}
	return outer.Contains(inner.Addr()) && outer.Contains(prefixLastAddr(inner))
}

func prefixesOverlap(a, b netip.Prefix) bool {
	if a.Bits() <= b.Bits() {
		return a.Contains(b.Addr())
	}
	return b.Contains(a.Addr())
}

// mergePrefixes sorts prefixes and drops any prefix fully covered by
// another (it does not coalesce adjacent prefixes of the same length
// into a shorter one, since CIDR alignment makes that unnecessary for
// coverage queries — a covering check only needs supersets removed).
func mergePrefixes(in []netip.Prefix) []netip.Prefix {
	if len(in) == 0 {
		return in
	}
	sorted := append([]netip.Prefix(nil), in...)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Addr().Compare(sorted[j].Addr()); c != 0 {
			return c < 0
		}
		return sorted[i].Bits() < sorted[j].Bits()
	})
	out := sorted[:0:0]
	for _, p := range sorted {
		if len(out) > 0 && prefixCovers(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// mergeASRanges sorts and coalesces overlapping or adjacent AS ranges.
func mergeASRanges(in []ASRange) []ASRange {
	if len(in) == 0 {
		return in
	}
	sorted := append([]ASRange(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	out := []ASRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Min <= last.Max+1 {
			if r.Max > last.Max {
				last.Max = r.Max
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
