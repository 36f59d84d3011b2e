package payload

import (
	"net/netip"
	"slices"
	"time"

	"github.com/rpkiwire/rpki-rp/internal/rescount"
)

// UnsafePolicy controls how VRPs whose prefix intersects the
// rejected-resources set are handled (spec §4.7).
type UnsafePolicy uint8

const (
	UnsafeAccept UnsafePolicy = iota // keep silently
	UnsafeWarn                       // keep, count
	UnsafeReject                     // drop, count
)

// maxASPAProviders bounds a merged ASPA provider set to what fits in one
// RTR ASPA PDU. The draft RTR ASPA encoding allows up to 65535 bytes of
// provider data (4 bytes/ASN); this is set well below that so a single
// PDU never needs fragmentation support the RTR server doesn't have.
// Overflow is dropped with a warning (spec §9 Open Questions: RP
// behaviour on overflow is unspecified upstream, so this threshold is a
// local, documented choice, not a guess at the standard).
const maxASPAProviders = 4096

// PointBuffer is one accepted publication point's payload objects, as
// produced by the validation engine (spec §4.6 step 4-5).
type PointBuffer struct {
	Origins         []VRP
	RouterKeys      []RouterKey
	ASPAs           []ASPA
	RefreshDeadline time.Time
}

// SlurmFilter applies local exceptions (SLURM, spec §4.10) at snapshot
// assembly. Implemented by internal/slurm.Exceptions; kept as a small
// interface here so this package never imports slurm.
type SlurmFilter interface {
	DropOrigin(v VRP) bool
	DropRouterKey(k RouterKey) bool
	Assertions() (origins []VRP, keys []RouterKey)
}

// Metrics is the subset of snapshot-assembly counters the metrics
// package aggregates (spec §2 "metrics aggregation").
type Metrics struct {
	UnsafeVRPsWarned    int
	UnsafeVRPsDropped   int
	ASPAOverflowDropped int
}

// Snapshot is the validated payload set at one point in time: three
// sorted, deduplicated collections plus the time it was built and the
// deadline by which it must be refreshed.
type Snapshot struct {
	Origins         []VRP
	RouterKeys      []RouterKey
	ASPAs           []ASPA
	Created         time.Time
	RefreshDeadline time.Time
}

// BuildSnapshot assembles a Snapshot from accepted publication-point
// buffers, the rejected-resources set, the configured unsafe-VRP
// policy, and any SLURM filter (spec §4.7).
func BuildSnapshot(now time.Time, buffers []PointBuffer, rejected *rescount.Set, policy UnsafePolicy, slurm SlurmFilter) (*Snapshot, Metrics) {
	var m Metrics
	s := &Snapshot{Created: now}

	originSet := make(map[vrpKey]VRP)
	keySet := make(map[routerKeyKey]RouterKey)
	aspaSet := make(map[aspaKeyT]ASPA)

	deadline := time.Time{}
	for _, pb := range buffers {
		if len(pb.Origins) == 0 && len(pb.RouterKeys) == 0 && len(pb.ASPAs) == 0 {
			continue // spec §8: a point with zero payload objects does not enter the report
		}
		if deadline.IsZero() || (!pb.RefreshDeadline.IsZero() && pb.RefreshDeadline.Before(deadline)) {
			deadline = pb.RefreshDeadline
		}

		for _, v := range pb.Origins {
			if rejected != nil && rejected.IntersectsPrefix(v.Prefix) {
				switch policy {
				case UnsafeWarn:
					m.UnsafeVRPsWarned++
				case UnsafeReject:
					m.UnsafeVRPsDropped++
					continue
				}
			}
			if slurm != nil && slurm.DropOrigin(v) {
				continue
			}
			mergeOrigin(originSet, v)
		}

		for _, k := range pb.RouterKeys {
			if slurm != nil && slurm.DropRouterKey(k) {
				continue
			}
			keySet[routerKeyOf(k)] = k
		}

		for _, a := range pb.ASPAs {
			mergeASPAEntry(aspaSet, a, &m)
		}
	}

	if slurm != nil {
		assertOrigins, assertKeys := slurm.Assertions()
		for _, v := range assertOrigins {
			mergeOrigin(originSet, v)
		}
		for _, k := range assertKeys {
			keySet[routerKeyOf(k)] = k
		}
	}

	s.Origins = sortedValues(originSet, func(a, b VRP) int { return a.less(b) })
	s.RouterKeys = sortedValues(keySet, func(a, b RouterKey) int { return a.less(b) })
	s.ASPAs = sortedValues(aspaSet, func(a, b ASPA) int { return a.less(b) })
	s.RefreshDeadline = deadline
	return s, m
}

type vrpKey struct {
	addr   netip.Addr
	bits   int
	maxLen int
	asn    uint32
}

func vrpKeyOf(v VRP) vrpKey {
	return vrpKey{addr: v.Prefix.Addr(), bits: v.Prefix.Bits(), maxLen: v.MaxLength, asn: v.ASN}
}

func mergeOrigin(set map[vrpKey]VRP, v VRP) {
	k := vrpKeyOf(v)
	if _, ok := set[k]; !ok {
		set[k] = v
	}
}

type routerKeyKey struct {
	skid string
	asn  uint32
	pub  string
}

func routerKeyOf(k RouterKey) routerKeyKey {
	return routerKeyKey{skid: string(k.SubjectKeyID), asn: k.ASN, pub: string(k.PublicKey)}
}

type aspaKeyT struct {
	customer uint32
	family   Family
}

func mergeASPAEntry(set map[aspaKeyT]ASPA, a ASPA, m *Metrics) {
	k := aspaKeyT{customer: a.Customer, family: a.Family}
	existing, ok := set[k]
	providers := a.Providers
	if ok {
		providers = mergeProviders(existing.Providers, a.Providers)
	}
	if len(providers) > maxASPAProviders {
		m.ASPAOverflowDropped++
		delete(set, k)
		return
	}
	set[k] = ASPA{Customer: a.Customer, Family: a.Family, Providers: providers}
}

func sortedValues[K comparable, V any](m map[K]V, less func(a, b V) int) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, less)
	return out
}
