package rpkicert

import (
	"crypto/x509"
	"fmt"
	"math/big"
)

// CRL wraps a parsed certificate revocation list. Go's stdlib already
// implements DER CRL parsing natively, so this is a thin wrapper rather
// than another hand-rolled ASN.1 walk.
type CRL struct {
	*x509.RevocationList
}

// ParseCRL parses a DER-encoded CRL.
func ParseCRL(der []byte) (*CRL, error) {
	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: parse crl: %w", err)
	}
	return &CRL{rl}, nil
}

// Revoked reports whether serial appears on the CRL.
func (c *CRL) Revoked(serial *big.Int) bool {
	for _, e := range c.RevokedCertificateEntries {
		if e.SerialNumber.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}
