package rpkicert

import "strings"

// ObjectType classifies a manifest entry by its filename extension and,
// for .cer entries, by certificate content (CA vs router certificate).
// Ghostbusters records are recognized so the validation engine can skip
// them without rejecting their publication point (SPEC_FULL §12.3).
type ObjectType uint8

const (
	TypeUnknown ObjectType = iota
	TypeCACertificate
	TypeRouterCertificate
	TypeROA
	TypeASPA
	TypeGhostbusters
	TypeManifest
	TypeCRL
)

func (t ObjectType) String() string {
	switch t {
	case TypeCACertificate:
		return "ca-certificate"
	case TypeRouterCertificate:
		return "router-certificate"
	case TypeROA:
		return "roa"
	case TypeASPA:
		return "aspa"
	case TypeGhostbusters:
		return "ghostbusters"
	case TypeManifest:
		return "manifest"
	case TypeCRL:
		return "crl"
	default:
		return "unknown"
	}
}

// ClassifyExtension returns the object type implied by a manifest
// entry's filename extension alone. ".cer" is ambiguous between a CA
// and a router certificate; ClassifyCertificate resolves that case once
// the certificate itself has been parsed (SPEC_FULL §12.4: a manifest
// entry's extension must cross-check against its parsed object type).
func ClassifyExtension(filename string) ObjectType {
	switch {
	case strings.HasSuffix(filename, ".cer"):
		return TypeCACertificate // refined by ClassifyCertificate
	case strings.HasSuffix(filename, ".roa"):
		return TypeROA
	case strings.HasSuffix(filename, ".asa"):
		return TypeASPA
	case strings.HasSuffix(filename, ".gbr"):
		return TypeGhostbusters
	case strings.HasSuffix(filename, ".mft"):
		return TypeManifest
	case strings.HasSuffix(filename, ".crl"):
		return TypeCRL
	default:
		return TypeUnknown
	}
}
