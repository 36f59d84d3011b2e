package payload

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/rescount"
)

func vrp(t *testing.T, asn uint32, prefix string, maxLen int) VRP {
	t.Helper()
	p, err := netip.ParsePrefix(prefix)
	require.NoError(t, err)
	return VRP{ASN: asn, Prefix: p, MaxLength: maxLen}
}

func TestBuildSnapshotSortsAndDedupes(t *testing.T) {
	now := time.Now()
	buffers := []PointBuffer{
		{Origins: []VRP{vrp(t, 64497, "198.51.100.0/24", 24)}},
		{Origins: []VRP{
			vrp(t, 64496, "192.0.2.0/24", 24),
			vrp(t, 64496, "192.0.2.0/24", 24), // duplicate within a point
		}},
	}
	snap, _ := BuildSnapshot(now, buffers, nil, UnsafeAccept, nil)
	require.Len(t, snap.Origins, 2)
	require.Equal(t, uint32(64496), snap.Origins[0].ASN) // 192.0.2.0/24 sorts first
	require.Equal(t, uint32(64497), snap.Origins[1].ASN)
}

func TestBuildSnapshotSkipsEmptyPoints(t *testing.T) {
	snap, _ := BuildSnapshot(time.Now(), []PointBuffer{{}}, nil, UnsafeAccept, nil)
	require.Empty(t, snap.Origins)
}

func TestUnsafeVRPPolicy(t *testing.T) {
	var rejected rescount.Set
	rejected.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	buf := []PointBuffer{{Origins: []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}}}

	snap, m := BuildSnapshot(time.Now(), buf, &rejected, UnsafeReject, nil)
	require.Empty(t, snap.Origins)
	require.Equal(t, 1, m.UnsafeVRPsDropped)

	snap, m = BuildSnapshot(time.Now(), buf, &rejected, UnsafeWarn, nil)
	require.Len(t, snap.Origins, 1)
	require.Equal(t, 1, m.UnsafeVRPsWarned)

	snap, _ = BuildSnapshot(time.Now(), buf, &rejected, UnsafeAccept, nil)
	require.Len(t, snap.Origins, 1)
}

func TestDiffApplyRoundTrip(t *testing.T) {
	old := &Snapshot{Origins: []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}}
	updated := &Snapshot{Origins: []VRP{
		vrp(t, 64496, "192.0.2.0/24", 24),
		vrp(t, 64497, "198.51.100.0/24", 24),
	}}
	d := Diff(old, updated, 1)
	require.Len(t, d.Origins, 1)
	require.Equal(t, Announce, d.Origins[0].Kind)

	got := Apply(old, d)
	require.ElementsMatch(t, updated.Origins, got.Origins)
}

func TestEmptySnapshotDiffedAgainstItselfYieldsNoDelta(t *testing.T) {
	s := &Snapshot{Origins: []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}}
	d := Diff(s, s, 1)
	require.True(t, d.Empty())
}

func TestMergeAssociativeUnderReplay(t *testing.T) {
	v1 := vrp(t, 64496, "192.0.2.0/24", 24)
	v2 := vrp(t, 64497, "198.51.100.0/24", 24)
	v3 := vrp(t, 64498, "203.0.113.0/24", 24)

	s0 := &Snapshot{Origins: []VRP{v1}}
	s1 := &Snapshot{Origins: []VRP{v1, v2}}
	s2 := &Snapshot{Origins: []VRP{v2, v3}}

	d1 := Diff(s0, s1, 1)
	d2 := Diff(s1, s2, 2)
	merged := Merge(d1, d2)

	direct := Diff(s0, s2, 2)
	require.ElementsMatch(t, Apply(s0, merged).Origins, Apply(s0, direct).Origins)
}

func TestASPAUpdateMergeCancelsWhenProvidersReturnToOriginal(t *testing.T) {
	a := ASPAAction{Kind: ASPAWithdraw, Customer: 64496, Family: FamilyIPv4, OldProviders: []uint32{64497}}
	b := ASPAAction{Kind: ASPAAnnounce, Customer: 64496, Family: FamilyIPv4, NewProviders: []uint32{64497}}
	_, keep := mergeASPAPair(a, b)
	require.False(t, keep)
}

func TestASPAUpdateMergeSurvivesWhenProvidersDiffer(t *testing.T) {
	a := ASPAAction{Kind: ASPAWithdraw, Customer: 64496, Family: FamilyIPv4, OldProviders: []uint32{64497}}
	b := ASPAAction{Kind: ASPAAnnounce, Customer: 64496, Family: FamilyIPv4, NewProviders: []uint32{64498}}
	merged, keep := mergeASPAPair(a, b)
	require.True(t, keep)
	require.Equal(t, ASPAUpdate, merged.Kind)
}

func TestASPAOverflowDropped(t *testing.T) {
	providers := make([]uint32, maxASPAProviders+1)
	for i := range providers {
		providers[i] = uint32(i)
	}
	buf := []PointBuffer{{ASPAs: []ASPA{{Customer: 64496, Family: FamilyIPv4, Providers: providers}}}}
	snap, m := BuildSnapshot(time.Now(), buf, nil, UnsafeAccept, nil)
	require.Empty(t, snap.ASPAs)
	require.Equal(t, 1, m.ASPAOverflowDropped)
}

// --- end-to-end scenarios ---

func TestScenario1EmptyTASet(t *testing.T) {
	h := NewHistory(1, time.Hour)
	pushed, _ := h.Update(time.Now(), nil, nil, UnsafeAccept, nil)
	require.False(t, pushed)
	_, serial := h.Current()
	require.Equal(t, uint64(0), serial)

	d, ok := h.DeltaSince(0)
	require.True(t, ok)
	require.True(t, d.Empty())
}

func TestScenario2SingleROA(t *testing.T) {
	h := NewHistory(1, time.Hour)
	buf := []PointBuffer{{Origins: []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}}}
	pushed, _ := h.Update(time.Now(), buf, nil, UnsafeAccept, nil)
	require.True(t, pushed)

	snap, serial := h.Current()
	require.Equal(t, uint64(1), serial)
	require.Equal(t, []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}, snap.Origins)

	d, ok := h.DeltaSince(0)
	require.True(t, ok)
	require.Len(t, d.Origins, 1)
	require.Equal(t, Announce, d.Origins[0].Kind)
}

func TestScenario3DeltaAddRemove(t *testing.T) {
	h := NewHistory(1, time.Hour)
	_, _ = h.Update(time.Now(), []PointBuffer{{Origins: []VRP{vrp(t, 64496, "192.0.2.0/24", 24)}}}, nil, UnsafeAccept, nil)

	pushed, _ := h.Update(time.Now(), []PointBuffer{{Origins: []VRP{vrp(t, 64497, "198.51.100.0/24", 24)}}}, nil, UnsafeAccept, nil)
	require.True(t, pushed)

	_, serial := h.Current()
	require.Equal(t, uint64(2), serial)

	d1, ok := h.DeltaSince(1)
	require.True(t, ok)
	var announced, withdrawn []uint32
	for _, a := range d1.Origins {
		if a.Kind == Announce {
			announced = append(announced, a.VRP.ASN)
		} else {
			withdrawn = append(withdrawn, a.VRP.ASN)
		}
	}
	require.Equal(t, []uint32{64497}, announced)
	require.Equal(t, []uint32{64496}, withdrawn)

	d0, ok := h.DeltaSince(0)
	require.True(t, ok)
	require.Len(t, d0.Origins, 1)
	require.Equal(t, Announce, d0.Origins[0].Kind)
	require.Equal(t, uint32(64497), d0.Origins[0].VRP.ASN)
}

func TestDeltaSinceFutureSerialIsNotOK(t *testing.T) {
	h := NewHistory(1, time.Hour)
	_, ok := h.DeltaSince(5)
	require.False(t, ok)
}
