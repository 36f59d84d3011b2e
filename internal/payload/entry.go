// Package payload implements the snapshot, delta, and history machinery
// that sits between the validation engine and the RTR/HTTP consumers:
// sorted deduplicated payload sets, merge-walk deltas between
// snapshots, delta merging across updates, and a serial-addressed
// history ring buffer.
package payload

import (
	"bytes"
	"net/netip"
	"slices"
)

// Family distinguishes IPv4 from IPv6 ASPA entries, which are split per
// address family even though the underlying certificate resource may
// cover both.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// VRP is a Validated ROA Payload: an ASN authorized to originate routes
// for prefix, up to maxLength.
type VRP struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength int
}

func (a VRP) less(b VRP) int {
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	if a.Prefix.Bits() != b.Prefix.Bits() {
		return a.Prefix.Bits() - b.Prefix.Bits()
	}
	if a.MaxLength != b.MaxLength {
		return a.MaxLength - b.MaxLength
	}
	if a.ASN != b.ASN {
		if a.ASN < b.ASN {
			return -1
		}
		return 1
	}
	return 0
}

// RouterKey is one BGPsec router key entry, expanded from a router
// certificate's AS-set into one entry per covered ASN.
type RouterKey struct {
	ASN          uint32
	SubjectKeyID []byte
	PublicKey    []byte
}

func (a RouterKey) less(b RouterKey) int {
	if c := bytes.Compare(a.SubjectKeyID, b.SubjectKeyID); c != 0 {
		return c
	}
	if a.ASN != b.ASN {
		if a.ASN < b.ASN {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.PublicKey, b.PublicKey)
}

// ASPA is one Autonomous System Provider Authorization entry, split per
// address family (spec §4.7 "per-ASPA rule").
type ASPA struct {
	Customer  uint32
	Family    Family
	Providers []uint32 // sorted ascending, deduplicated
}

func (a ASPA) less(b ASPA) int {
	if a.Customer != b.Customer {
		if a.Customer < b.Customer {
			return -1
		}
		return 1
	}
	if a.Family != b.Family {
		return int(a.Family) - int(b.Family)
	}
	return 0
}

// sameProviders reports whether two provider sets are equal, assuming
// both are already sorted ascending.
func sameProviders(a, b []uint32) bool {
	return slices.Equal(a, b)
}

// mergeProviders returns the sorted union of two provider sets.
func mergeProviders(a, b []uint32) []uint32 {
	out := append([]uint32(nil), a...)
	for _, p := range b {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
