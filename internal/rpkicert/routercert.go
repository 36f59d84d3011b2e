package rpkicert

import "fmt"

// RouterCert is a parsed BGPsec router certificate (RFC 8209): a
// subject public key bound to the set of ASNs it speaks BGPsec for.
// RFC 3779 carries the AS resources; RouterCert just names the derived
// router-key entries the payload builder needs, one per covered ASN.
type RouterCert struct {
	SubjectKeyID []byte
	PublicKey    []byte // DER SubjectPublicKeyInfo
	ASNs         []ASRange
}

// RouterKeyEntry is one (ASN, SubjectKeyID, PublicKey) router-key entry,
// the unit the payload snapshot actually stores; Entries expands a
// certificate's AS ranges into these.
type RouterKeyEntry struct {
	ASN          uint32
	SubjectKeyID []byte
	PublicKey    []byte
}

// NewRouterCert builds a RouterCert from a parsed certificate already
// confirmed to be a router certificate by ClassifyCertificate.
func NewRouterCert(c *Certificate) (*RouterCert, error) {
	if !c.IsRouter {
		return nil, fmt.Errorf("rpkicert: certificate is not a router certificate")
	}
	if c.Resources.InheritASN {
		return nil, fmt.Errorf("rpkicert: router certificate may not inherit AS resources")
	}
	return &RouterCert{
		SubjectKeyID: c.X509.SubjectKeyId,
		PublicKey:    c.X509.RawSubjectPublicKeyInfo,
		ASNs:         c.Resources.ASNs,
	}, nil
}

// Entries expands each AS range covered by the certificate into one
// RouterKeyEntry per ASN.
func (rc *RouterCert) Entries() []RouterKeyEntry {
	var out []RouterKeyEntry
	for _, r := range rc.ASNs {
		for asn := r.Min; asn <= r.Max; asn++ {
			out = append(out, RouterKeyEntry{ASN: asn, SubjectKeyID: rc.SubjectKeyID, PublicKey: rc.PublicKey})
			if asn == r.Max {
				break // guards against Max == ^uint32(0) wraparound
			}
		}
	}
	return out
}
