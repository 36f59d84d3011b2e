package rpkicert

import (
	"encoding/asn1"
	"fmt"
	"net/netip"
)

// ROAPrefix is one prefix authorized by a ROA, with its optional
// maxLength (spec: "absent maxLength means maxLength equals the
// prefix's own length").
type ROAPrefix struct {
	Prefix    netip.Prefix
	MaxLength int
}

// ROA is a parsed Route Origination Authorization (RFC 6482): one AS
// number authorized to originate routes for a set of prefixes.
type ROA struct {
	ASN      uint32
	Prefixes []ROAPrefix
}

// ParseROA parses a ROA's eContent.
func ParseROA(content []byte) (*ROA, error) {
	fields, err := rawSeq(content)
	if err != nil || len(fields) < 2 {
		return nil, fmt.Errorf("rpkicert: malformed RouteOriginAttestation")
	}
	// RouteOriginAttestation ::= SEQUENCE { version [0] DEFAULT 0,
	//   asID, ipAddrBlocks SEQUENCE OF ROAIPAddressFamily }
	idx := 0
	if fields[0].Class == asn1.ClassContextSpecific && fields[0].Tag == 0 {
		idx++
	}
	if idx+1 >= len(fields) {
		return nil, fmt.Errorf("rpkicert: ROA truncated")
	}

	r := &ROA{}
	var asn int64
	if _, err := asn1.Unmarshal(fields[idx].FullBytes, &asn); err != nil {
		return nil, fmt.Errorf("rpkicert: roa asID: %w", err)
	}
	r.ASN = uint32(asn)

	families, err := rawSeq(fields[idx+1].FullBytes)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: malformed ROAIPAddressFamily sequence: %w", err)
	}
	for _, fam := range families {
		ff, err := rawSeq(fam.FullBytes)
		if err != nil || len(ff) != 2 {
			return nil, fmt.Errorf("rpkicert: malformed ROAIPAddressFamily")
		}
		afi := ff[0].Bytes
		if len(afi) < 2 {
			return nil, fmt.Errorf("rpkicert: malformed address family")
		}
		isV6 := afi[1] == 2
		size := 4
		if isV6 {
			size = 16
		}

		addrs, err := rawSeq(ff[1].FullBytes)
		if err != nil {
			return nil, fmt.Errorf("rpkicert: malformed addresses: %w", err)
		}
		for _, a := range addrs {
			// ROAIPAddress ::= SEQUENCE { address BIT STRING, maxLength INTEGER OPTIONAL }
			af, err := rawSeq(a.FullBytes)
			if err != nil || len(af) == 0 {
				return nil, fmt.Errorf("rpkicert: malformed ROAIPAddress")
			}
			var bs asn1.BitString
			if _, err := asn1.Unmarshal(af[0].FullBytes, &bs); err != nil {
				return nil, fmt.Errorf("rpkicert: malformed roa prefix: %w", err)
			}
			p, err := bitStringToPrefix(bs, size)
			if err != nil {
				return nil, err
			}
			maxLen := p.Bits()
			if len(af) == 2 {
				var v int64
				if _, err := asn1.Unmarshal(af[1].FullBytes, &v); err != nil {
					return nil, fmt.Errorf("rpkicert: malformed maxLength: %w", err)
				}
				maxLen = int(v)
			}
			r.Prefixes = append(r.Prefixes, ROAPrefix{Prefix: p, MaxLength: maxLen})
		}
	}
	return r, nil
}
