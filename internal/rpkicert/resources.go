package rpkicert

import (
	"encoding/asn1"
	"fmt"
	"net/netip"
)

// ASRange is an inclusive range of AS numbers.
type ASRange struct {
	Min, Max uint32
}

// Resources is the RFC 3779 IP/AS resource set carried by a
// certificate's extensions. "Inherit" means the resource set is
// whatever the issuer holds for that family; it is resolved against the
// parent during the tree walk, not here.
type Resources struct {
	InheritIPv4 bool
	InheritIPv6 bool
	InheritASN  bool
	IPv4        []netip.Prefix
	IPv6        []netip.Prefix
	ASNs        []ASRange
}

var (
	oidIPAddrBlocks  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidASIdentifiers = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
)

// rawSeq unmarshals b as a DER SEQUENCE, returning its elements in
// encounter order. encoding/asn1 has no native support for the ASN.1
// CHOICE types RFC 3779 extensions use, so resource extensions are
// walked manually one raw TLV at a time.
func rawSeq(b []byte) ([]asn1.RawValue, error) {
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(b, &outer); err != nil {
		return nil, err
	}
	rest := outer.Bytes
	var items []asn1.RawValue
	for len(rest) > 0 {
		var rv asn1.RawValue
		tail, err := asn1.Unmarshal(rest, &rv)
		if err != nil {
			return nil, err
		}
		items = append(items, rv)
		rest = tail
	}
	return items, nil
}

// parseIPAddrBlocks parses the id-pe-ipAddrBlocks extension (RFC 3779 §2.2.3).
func parseIPAddrBlocks(ext []byte, r *Resources) error {
	families, err := rawSeq(ext)
	if err != nil {
		return fmt.Errorf("rpkicert: ipAddrBlocks: %w", err)
	}
	for _, fam := range families {
		fields, err := rawSeq(fam.FullBytes)
		if err != nil || len(fields) != 2 {
			return fmt.Errorf("rpkicert: malformed IPAddressFamily")
		}
		afi := fields[0].Bytes
		if len(afi) < 2 {
			return fmt.Errorf("rpkicert: malformed address family")
		}
		isV6 := afi[1] == 2

		choice := fields[1]
		if choice.Tag == asn1.TagNull {
			if isV6 {
				r.InheritIPv6 = true
			} else {
				r.InheritIPv4 = true
			}
			continue
		}
		entries, err := rawSeq(choice.FullBytes)
		if err != nil {
			return fmt.Errorf("rpkicert: malformed IPAddressChoice: %w", err)
		}
		for _, e := range entries {
			prefixes, err := ipAddressOrRangeToPrefixes(e, isV6)
			if err != nil {
				return err
			}
			if isV6 {
				r.IPv6 = append(r.IPv6, prefixes...)
			} else {
				r.IPv4 = append(r.IPv4, prefixes...)
			}
		}
	}
	return nil
}

// ipAddressOrRangeToPrefixes decodes one IPAddressOrRange CHOICE entry.
// An addressPrefix is a BIT STRING; an addressRange (min/max BIT
// STRINGs) is reduced to the single prefix its min BIT STRING encodes.
func ipAddressOrRangeToPrefixes(rv asn1.RawValue, isV6 bool) ([]netip.Prefix, error) {
	size := 4
	if isV6 {
		size = 16
	}
	switch rv.Tag {
	case asn1.TagBitString:
		var bs asn1.BitString
		if _, err := asn1.Unmarshal(rv.FullBytes, &bs); err != nil {
			return nil, fmt.Errorf("rpkicert: bad address prefix: %w", err)
		}
		p, err := bitStringToPrefix(bs, size)
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{p}, nil
	default:
		// IPAddressRange SEQUENCE { min, max BIT STRING }; approximated
		// by the prefix encoded by min alone (its address bits and bit
		// length). max is not examined, so the result need not cover or
		// match [min,max].
		fields, err := rawSeq(rv.FullBytes)
		if err != nil || len(fields) != 2 {
			return nil, fmt.Errorf("rpkicert: malformed IPAddressRange")
		}
		var min asn1.BitString
		if _, err := asn1.Unmarshal(fields[0].FullBytes, &min); err != nil {
			return nil, fmt.Errorf("rpkicert: bad range min: %w", err)
		}
		p, err := bitStringToPrefix(min, size)
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{p}, nil
	}
}

func bitStringToPrefix(bs asn1.BitString, size int) (netip.Prefix, error) {
	buf := make([]byte, size)
	copy(buf, bs.Bytes)
	var addr netip.Addr
	var err error
	if size == 4 {
		addr = netip.AddrFrom4([4]byte(buf))
	} else {
		addr = netip.AddrFrom16([16]byte(buf))
	}
	if err != nil {
		return netip.Prefix{}, err
	}
	return addr.Prefix(bs.BitLength)
}

// parseASIdentifiers parses the id-pe-autonomousSysIds extension
// (RFC 3779 §3.2.3), ignoring the routerIdentifiers choice (unused by RPKI).
func parseASIdentifiers(ext []byte, r *Resources) error {
	top, err := rawSeq(ext)
	if err != nil || len(top) == 0 {
		return fmt.Errorf("rpkicert: malformed ASIdentifiers")
	}
	// asnum [0] is context-tagged; take the first context-class element.
	for _, el := range top {
		if el.Class != asn1.ClassContextSpecific || el.Tag != 0 {
			continue
		}
		if el.Tag == 0 && len(el.Bytes) > 0 {
			var inner asn1.RawValue
			if _, err := asn1.Unmarshal(el.Bytes, &inner); err == nil && inner.Tag == asn1.TagNull {
				r.InheritASN = true
				continue
			}
		}
		// el.Bytes is the EXPLICIT tag's content: the complete TLV of the
		// inner "asIdsOrRanges SEQUENCE OF ASIdOrRange", so unwrap that
		// (not el.FullBytes, which still carries the [0] wrapper itself
		// and would make rawSeq yield the whole inner SEQUENCE as a
		// single item instead of its individual ASIdOrRange entries).
		entries, err := rawSeq(el.Bytes)
		if err != nil {
			return fmt.Errorf("rpkicert: malformed ASIdOrRanges: %w", err)
		}
		for _, e := range entries {
			switch e.Tag {
			case asn1.TagInteger:
				var v int64
				if _, err := asn1.Unmarshal(e.FullBytes, &v); err != nil {
					return fmt.Errorf("rpkicert: bad ASId: %w", err)
				}
				r.ASNs = append(r.ASNs, ASRange{Min: uint32(v), Max: uint32(v)})
			default:
				fields, err := rawSeq(e.FullBytes)
				if err != nil || len(fields) != 2 {
					return fmt.Errorf("rpkicert: malformed ASRange")
				}
				var min, max int64
				if _, err := asn1.Unmarshal(fields[0].FullBytes, &min); err != nil {
					return err
				}
				if _, err := asn1.Unmarshal(fields[1].FullBytes, &max); err != nil {
					return err
				}
				r.ASNs = append(r.ASNs, ASRange{Min: uint32(min), Max: uint32(max)})
			}
		}
	}
	return nil
}
