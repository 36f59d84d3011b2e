// Package slurm implements RFC 8416 local exceptions: drop filters and
// locally-added assertions applied at snapshot assembly (spec §4.10).
package slurm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/buger/jsonparser"

	"github.com/rpkiwire/rpki-rp/internal/payload"
)

const supportedVersion = 1

// prefixFilter drops any VRP whose prefix falls within Prefix,
// optionally narrowed to a single ASN (RFC 8416 §4.2).
type prefixFilter struct {
	prefix netip.Prefix
	asn    *uint32
	hasASN bool
}

// bgpsecFilter drops any router key matching ASN and/or SKI.
type bgpsecFilter struct {
	asn    uint32
	hasASN bool
	ski    []byte
}

type prefixAssertion struct {
	vrp payload.VRP
}

type bgpsecAssertion struct {
	key payload.RouterKey
}

// Exceptions is the parsed, pre-resolved form of a SLURM document,
// implementing payload.SlurmFilter.
type Exceptions struct {
	prefixFilters []prefixFilter
	bgpsecFilters []bgpsecFilter
	prefixAsserts []prefixAssertion
	bgpsecAsserts []bgpsecAssertion
}

// Empty is the zero-value exception set: nothing is dropped or asserted.
var Empty = &Exceptions{}

// rawDoc mirrors RFC 8416's SLURM JSON shape for encoding/json decoding.
type rawDoc struct {
	SlurmVersion           int `json:"slurmVersion"`
	ValidationOutputFilters struct {
		PrefixFilters []struct {
			ASN     *uint32 `json:"asn"`
			Prefix  *string `json:"prefix"`
			Comment string  `json:"comment"`
		} `json:"prefixFilters"`
		BGPsecFilters []struct {
			ASN     *uint32 `json:"asn"`
			SKI     *string `json:"SKI"`
			Comment string  `json:"comment"`
		} `json:"bgpsecFilters"`
	} `json:"validationOutputFilters"`
	LocallyAddedAssertions struct {
		PrefixAssertions []struct {
			ASN             uint32 `json:"asn"`
			Prefix          string `json:"prefix"`
			MaxPrefixLength *int   `json:"maxPrefixLength"`
			Comment         string `json:"comment"`
		} `json:"prefixAssertions"`
		BGPsecAssertions []struct {
			ASN             uint32 `json:"asn"`
			SKI             string `json:"SKI"`
			RouterPublicKey string `json:"routerPublicKey"`
			Comment         string `json:"comment"`
		} `json:"bgpsecAssertions"`
	} `json:"locallyAddedAssertions"`
}

// Load reads and parses a SLURM file. It uses jsonparser for a cheap
// top-level version sniff before committing to the full
// encoding/json decode, so a file with a missing or unsupported
// slurmVersion is rejected without the full decode.
func Load(path string) (*Exceptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("slurm: %w", err)
	}
	version, err := jsonparser.GetInt(data, "slurmVersion")
	if err != nil {
		return nil, fmt.Errorf("slurm: missing slurmVersion: %w", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("slurm: unsupported slurmVersion %d", version)
	}

	var doc rawDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("slurm: %w", err)
	}
	return fromDoc(&doc)
}

func fromDoc(doc *rawDoc) (*Exceptions, error) {
	e := &Exceptions{}

	for _, f := range doc.ValidationOutputFilters.PrefixFilters {
		var pf prefixFilter
		if f.Prefix != nil {
			p, err := netip.ParsePrefix(*f.Prefix)
			if err != nil {
				return nil, fmt.Errorf("slurm: prefixFilter: %w", err)
			}
			pf.prefix = p
		}
		if f.ASN != nil {
			pf.hasASN = true
			pf.asn = f.ASN
		}
		if f.Prefix == nil && f.ASN == nil {
			return nil, fmt.Errorf("slurm: prefixFilter needs a prefix and/or an asn")
		}
		e.prefixFilters = append(e.prefixFilters, pf)
	}

	for _, f := range doc.ValidationOutputFilters.BGPsecFilters {
		var bf bgpsecFilter
		if f.ASN != nil {
			bf.hasASN = true
			bf.asn = *f.ASN
		}
		if f.SKI != nil {
			ski, err := decodeSKI(*f.SKI)
			if err != nil {
				return nil, fmt.Errorf("slurm: bgpsecFilter SKI: %w", err)
			}
			bf.ski = ski
		}
		if f.ASN == nil && f.SKI == nil {
			return nil, fmt.Errorf("slurm: bgpsecFilter needs an asn and/or an SKI")
		}
		e.bgpsecFilters = append(e.bgpsecFilters, bf)
	}

	for _, a := range doc.LocallyAddedAssertions.PrefixAssertions {
		p, err := netip.ParsePrefix(a.Prefix)
		if err != nil {
			return nil, fmt.Errorf("slurm: prefixAssertion: %w", err)
		}
		maxLen := p.Bits()
		if a.MaxPrefixLength != nil {
			maxLen = *a.MaxPrefixLength
		}
		e.prefixAsserts = append(e.prefixAsserts, prefixAssertion{
			vrp: payload.VRP{ASN: a.ASN, Prefix: p, MaxLength: maxLen},
		})
	}

	for _, a := range doc.LocallyAddedAssertions.BGPsecAssertions {
		ski, err := decodeSKI(a.SKI)
		if err != nil {
			return nil, fmt.Errorf("slurm: bgpsecAssertion SKI: %w", err)
		}
		pub, err := base64.StdEncoding.DecodeString(a.RouterPublicKey)
		if err != nil {
			return nil, fmt.Errorf("slurm: bgpsecAssertion routerPublicKey: %w", err)
		}
		e.bgpsecAsserts = append(e.bgpsecAsserts, bgpsecAssertion{
			key: payload.RouterKey{ASN: a.ASN, SubjectKeyID: ski, PublicKey: pub},
		})
	}

	return e, nil
}

// decodeSKI accepts both the base64url-without-padding form RFC 8416's
// examples use and plain base64, since real-world SLURM files in the
// wild mix both.
func decodeSKI(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// DropOrigin reports whether v is covered by a prefix filter.
func (e *Exceptions) DropOrigin(v payload.VRP) bool {
	for _, f := range e.prefixFilters {
		if f.hasASN && (f.asn == nil || *f.asn != v.ASN) {
			continue
		}
		if f.prefix.IsValid() && !prefixCovers(f.prefix, v.Prefix) {
			continue
		}
		return true
	}
	return false
}

// DropRouterKey reports whether k is covered by a BGPsec filter.
func (e *Exceptions) DropRouterKey(k payload.RouterKey) bool {
	for _, f := range e.bgpsecFilters {
		if f.hasASN && f.asn != k.ASN {
			continue
		}
		if len(f.ski) > 0 && string(f.ski) != string(k.SubjectKeyID) {
			continue
		}
		return true
	}
	return false
}

// Assertions returns the locally-added origins and router keys.
func (e *Exceptions) Assertions() (origins []payload.VRP, keys []payload.RouterKey) {
	for _, a := range e.prefixAsserts {
		origins = append(origins, a.vrp)
	}
	for _, a := range e.bgpsecAsserts {
		keys = append(keys, a.key)
	}
	return origins, keys
}

// prefixCovers reports whether outer fully contains inner (RFC 8416
// prefix filters match any route within the filter's prefix, not just
// an exact match).
func prefixCovers(outer, inner netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}
