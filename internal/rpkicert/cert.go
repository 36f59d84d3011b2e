package rpkicert

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// Certificate wraps a parsed X.509 certificate with the RPKI-specific
// extensions the validation engine needs: RFC 3779 resources, the SIA
// publication point, and the combined-validity window.
type Certificate struct {
	X509 *x509.Certificate

	Resources Resources

	// CARepository is the rsync:// base URI this certificate's subordinate
	// objects are published under (SIA id-ad-caRepository), present only
	// on CA certificates.
	CARepository uri.URI
	// RRDPNotify is the optional https:// RRDP notification URI (SIA
	// id-ad-rpkiNotify), preferred over CARepository when present.
	RRDPNotify uri.URI
	// ManifestURI is the rsync:// location of this CA's manifest (SIA
	// id-ad-rpkiManifest), present only on CA certificates.
	ManifestURI uri.URI

	// CombinedNotBefore/CombinedNotAfter is the intersection of this
	// certificate's own validity with its issuer's combined validity
	// (spec: "the combined validity of a certificate is the intersection
	// of its own validity and its issuer's combined validity").
	CombinedNotBefore time.Time
	CombinedNotAfter  time.Time

	// IsCA mirrors X509.IsCA; IsRouter is true for BGPsec router certificates.
	IsCA     bool
	IsRouter bool
}

var (
	oidADCARepository = "1.3.6.1.5.5.7.48.5"
	oidADRPKIManifest = "1.3.6.1.5.5.7.48.10"
	oidADRPKINotify   = "1.3.6.1.5.5.7.48.13"

	// id-kp-bgpsec-router (RFC 8209 §3.1.3.2), present in the EKU of a
	// router certificate.
	oidEKUBGPsecRouter = []int{1, 3, 6, 1, 5, 5, 7, 3, 30}
)

// ParseCertificate parses a DER-encoded certificate and extracts its RPKI extensions.
func ParseCertificate(der []byte) (*Certificate, error) {
	x, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: parse certificate: %w", err)
	}
	c := &Certificate{
		X509:              x,
		IsCA:              x.IsCA,
		CombinedNotBefore: x.NotBefore,
		CombinedNotAfter:  x.NotAfter,
	}

	for _, ext := range x.Extensions {
		switch {
		case ext.Id.Equal(oidIPAddrBlocks):
			if err := parseIPAddrBlocks(ext.Value, &c.Resources); err != nil {
				return nil, err
			}
		case ext.Id.Equal(oidASIdentifiers):
			if err := parseASIdentifiers(ext.Value, &c.Resources); err != nil {
				return nil, err
			}
		case ext.Id.String() == "1.3.6.1.5.5.7.1.11":
			if err := parseSIA(ext.Value, c); err != nil {
				return nil, err
			}
		}
	}

	for _, eku := range x.UnknownExtKeyUsage {
		if eku.Equal(oidEKUBGPsecRouter) {
			c.IsRouter = true
		}
	}
	return c, nil
}

// parseSIA parses the Subject Information Access extension (RFC 5280
// §4.2.2.2), picking out the three access methods RPKI certificates use.
func parseSIA(ext []byte, c *Certificate) error {
	descs, err := rawSeq(ext)
	if err != nil {
		return fmt.Errorf("rpkicert: malformed SIA: %w", err)
	}
	for _, d := range descs {
		fields, err := rawSeq(d.FullBytes)
		if err != nil || len(fields) != 2 {
			return fmt.Errorf("rpkicert: malformed AccessDescription")
		}
		var oid = asn1OID(fields[0].FullBytes)
		loc := generalNameURI(fields[1])
		if loc == "" {
			continue
		}
		u, err := uri.Parse(loc)
		if err != nil {
			continue // unsupported scheme in an access location is not fatal
		}
		switch oid {
		case oidADCARepository:
			c.CARepository = u
		case oidADRPKIManifest:
			c.ManifestURI = u
		case oidADRPKINotify:
			c.RRDPNotify = u
		}
	}
	return nil
}

// ClassifyCertificate disambiguates a manifest entry's ".cer" extension
// between a CA certificate and a BGPsec router certificate (SPEC_FULL
// §12.4: the manifest entry's file extension must cross-check against
// the parsed object's actual type).
func ClassifyCertificate(c *Certificate) ObjectType {
	if c.IsRouter {
		return TypeRouterCertificate
	}
	return TypeCACertificate
}

// IntersectValidity narrows c's combined validity to the intersection
// with the issuer's combined validity, per the certificate tree's
// combined-validity invariant.
func (c *Certificate) IntersectValidity(issuer *Certificate) {
	if issuer.CombinedNotBefore.After(c.CombinedNotBefore) {
		c.CombinedNotBefore = issuer.CombinedNotBefore
	}
	if issuer.CombinedNotAfter.Before(c.CombinedNotAfter) {
		c.CombinedNotAfter = issuer.CombinedNotAfter
	}
}

// ValidAt reports whether now falls within c's combined validity window.
func (c *Certificate) ValidAt(now time.Time) bool {
	return !now.Before(c.CombinedNotBefore) && !now.After(c.CombinedNotAfter)
}
