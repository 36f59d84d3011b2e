package rpkicert

import (
	"encoding/asn1"
	"fmt"
)

// ASPA is a parsed Autonomous System Provider Authorization (RFC 9582):
// the customer ASN and the set of providers it authorizes to appear as
// an upstream AS in its routes.
type ASPA struct {
	CustomerASN uint32
	Providers   []uint32
}

// ParseASPA parses an ASPA's eContent.
func ParseASPA(content []byte) (*ASPA, error) {
	fields, err := rawSeq(content)
	if err != nil || len(fields) < 2 {
		return nil, fmt.Errorf("rpkicert: malformed ASProviderAttestation")
	}
	// ASProviderAttestation ::= SEQUENCE { version [0] DEFAULT 0,
	//   customerASID, providerASSet SEQUENCE OF ASID }
	idx := 0
	if fields[0].Class == asn1.ClassContextSpecific && fields[0].Tag == 0 {
		idx++
	}
	if idx+1 >= len(fields) {
		return nil, fmt.Errorf("rpkicert: ASPA truncated")
	}

	a := &ASPA{}
	var customer int64
	if _, err := asn1.Unmarshal(fields[idx].FullBytes, &customer); err != nil {
		return nil, fmt.Errorf("rpkicert: aspa customerASID: %w", err)
	}
	a.CustomerASN = uint32(customer)

	providers, err := rawSeq(fields[idx+1].FullBytes)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: malformed providerASSet: %w", err)
	}
	for _, p := range providers {
		var v int64
		if _, err := asn1.Unmarshal(p.FullBytes, &v); err != nil {
			return nil, fmt.Errorf("rpkicert: malformed provider ASID: %w", err)
		}
		a.Providers = append(a.Providers, uint32(v))
	}
	return a, nil
}
