package rescount

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func pfx(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestIntersectsPrefixDetectsCoveredBlock(t *testing.T) {
	var s Set
	s.AddPrefix(pfx(t, "192.0.2.0/24"))
	require.True(t, s.IntersectsPrefix(pfx(t, "192.0.2.0/25")))
	require.False(t, s.IntersectsPrefix(pfx(t, "198.51.100.0/24")))
}

func TestIntersectsPrefixDetectsSupersetBlock(t *testing.T) {
	var s Set
	s.AddPrefix(pfx(t, "192.0.2.128/25"))
	require.True(t, s.IntersectsPrefix(pfx(t, "192.0.2.0/24")))
}

func TestContainsPrefixRequiresFullCoverage(t *testing.T) {
	var s Set
	s.AddPrefix(pfx(t, "192.0.2.0/24"))
	require.True(t, s.ContainsPrefix(pfx(t, "192.0.2.0/25")))
	require.False(t, s.ContainsPrefix(pfx(t, "192.0.0.0/16")))
}

func TestMergePrefixesDropsRedundantSubprefixes(t *testing.T) {
	var s Set
	s.AddPrefix(pfx(t, "10.0.0.0/8"))
	s.AddPrefix(pfx(t, "10.5.0.0/16"))
	s.AddPrefix(pfx(t, "11.0.0.0/9"))
	s.Finalize()
	require.Len(t, s.v4, 2)
}

func TestIntersectsASN(t *testing.T) {
	var s Set
	s.AddASRange(ASRange{Min: 64496, Max: 64500})
	s.AddASRange(ASRange{Min: 64501, Max: 64510}) // adjacent, should coalesce
	s.Finalize()
	require.Len(t, s.asn, 1)
	require.True(t, s.IntersectsASN(64505))
	require.False(t, s.IntersectsASN(64600))
}

func TestIPv6Prefixes(t *testing.T) {
	var s Set
	s.AddPrefix(pfx(t, "2001:db8::/32"))
	require.True(t, s.IntersectsPrefix(pfx(t, "2001:db8::/48")))
	require.False(t, s.IntersectsPrefix(pfx(t, "2001:db9::/32")))
}
