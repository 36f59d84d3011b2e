package rpkicert

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// SignedObject is the result of parsing and verifying a CMS SignedData
// envelope (RFC 6488): the signed content, plus the single EE certificate
// embedded in the envelope that must chain to the issuing CA.
type SignedObject struct {
	ContentType asn1.ObjectIdentifier
	Content     []byte
	EECert      *Certificate
}

var (
	oidContentTypeAttr = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

// ParseSignedObject parses and cryptographically verifies a CMS
// SignedData envelope. It does not check the EE certificate's
// RFC 3779 resources or chain it to a trust anchor; that is the
// validation engine's job once the enclosing CA context is known.
//
// encoding/asn1 has no support for ASN.1 CHOICE or implicit SET OF
// ANY, both of which CMS's ContentInfo/SignedData/SignerInfo structures
// use, so the envelope is walked as a tree of asn1.RawValue rather than
// unmarshaled into structs.
func ParseSignedObject(der []byte) (*SignedObject, error) {
	fields, err := rawSeq(der)
	if err != nil || len(fields) != 2 {
		return nil, fmt.Errorf("rpkicert: malformed ContentInfo")
	}
	if oid := asn1OID(fields[0].FullBytes); oid != oidSignedData.String() {
		return nil, fmt.Errorf("rpkicert: unexpected ContentInfo type %s", oid)
	}
	// fields[1] is the [0] EXPLICIT content, itself a SignedData SEQUENCE.
	// explicit.Bytes (not FullBytes) is the EXPLICIT tag's content, which
	// for an EXPLICIT tag is already the inner SEQUENCE's complete TLV.
	var explicit asn1.RawValue
	if _, err := asn1.Unmarshal(fields[1].FullBytes, &explicit); err != nil {
		return nil, fmt.Errorf("rpkicert: malformed explicit content: %w", err)
	}
	sd, err := rawSeq(explicit.Bytes)
	if err != nil || len(sd) < 5 {
		return nil, fmt.Errorf("rpkicert: malformed SignedData")
	}
	// SignedData ::= SEQUENCE { version, digestAlgorithms, encapContentInfo,
	//                           certificates [0] IMPLICIT, ..., signerInfos }
	encapContentInfo := sd[2]
	var certsRaw asn1.RawValue
	var signerInfosRaw asn1.RawValue
	for _, f := range sd[3:] {
		if f.Class == asn1.ClassContextSpecific && f.Tag == 0 {
			certsRaw = f
		} else if f.Class == asn1.ClassUniversal && f.Tag == asn1.TagSet {
			signerInfosRaw = f
		}
	}
	if certsRaw.FullBytes == nil || signerInfosRaw.FullBytes == nil {
		return nil, fmt.Errorf("rpkicert: SignedData missing certificates or signerInfos")
	}

	contentType, content, err := parseEncapContentInfo(encapContentInfo)
	if err != nil {
		return nil, err
	}

	certDERs, err := parseCertificatesSet(certsRaw)
	if err != nil {
		return nil, err
	}
	if len(certDERs) != 1 {
		return nil, fmt.Errorf("rpkicert: expected exactly one EE certificate, got %d", len(certDERs))
	}
	eeCert, err := ParseCertificate(certDERs[0])
	if err != nil {
		return nil, fmt.Errorf("rpkicert: embedded EE cert: %w", err)
	}

	signerInfos, err := rawSeq(signerInfosRaw.FullBytes)
	if err != nil || len(signerInfos) != 1 {
		return nil, fmt.Errorf("rpkicert: expected exactly one SignerInfo")
	}
	if err := verifySignerInfo(signerInfos[0], content, eeCert.X509); err != nil {
		return nil, err
	}

	return &SignedObject{ContentType: contentType, Content: content, EECert: eeCert}, nil
}

func parseEncapContentInfo(rv asn1.RawValue) (asn1.ObjectIdentifier, []byte, error) {
	fields, err := rawSeq(rv.FullBytes)
	if err != nil || len(fields) < 1 {
		return nil, nil, fmt.Errorf("rpkicert: malformed EncapsulatedContentInfo")
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(fields[0].FullBytes, &oid); err != nil {
		return nil, nil, fmt.Errorf("rpkicert: malformed eContentType: %w", err)
	}
	if len(fields) < 2 {
		return oid, nil, nil // absent eContent: degenerate signed object, treated as empty
	}
	// fields[1] is [0] EXPLICIT OCTET STRING; explicit.Bytes is that
	// OCTET STRING's complete TLV, not explicit.FullBytes which still
	// carries the [0] wrapper itself.
	var explicit asn1.RawValue
	if _, err := asn1.Unmarshal(fields[1].FullBytes, &explicit); err != nil {
		return nil, nil, fmt.Errorf("rpkicert: malformed eContent wrapper: %w", err)
	}
	var content []byte
	if _, err := asn1.Unmarshal(explicit.Bytes, &content); err != nil {
		return nil, nil, fmt.Errorf("rpkicert: malformed eContent: %w", err)
	}
	return oid, content, nil
}

// parseCertificatesSet parses the [0] IMPLICIT SET OF Certificate field,
// returning each certificate's raw DER.
func parseCertificatesSet(rv asn1.RawValue) ([][]byte, error) {
	rest := rv.Bytes
	var certs [][]byte
	for len(rest) > 0 {
		var c asn1.RawValue
		tail, err := asn1.Unmarshal(rest, &c)
		if err != nil {
			return nil, fmt.Errorf("rpkicert: malformed certificate in SET: %w", err)
		}
		certs = append(certs, c.FullBytes)
		rest = tail
	}
	return certs, nil
}

// verifySignerInfo checks the message-digest signed attribute against
// content, then verifies the signature over the signed attributes with
// the EE certificate's public key (RFC 6488 §3).
func verifySignerInfo(rv asn1.RawValue, content []byte, eeCert *x509.Certificate) error {
	fields, err := rawSeq(rv.FullBytes)
	if err != nil || len(fields) < 6 {
		return fmt.Errorf("rpkicert: malformed SignerInfo")
	}
	// SignerInfo ::= SEQUENCE { version, sid, digestAlgorithm,
	//   signedAttrs [0] IMPLICIT, signatureAlgorithm, signature, ... }
	var signedAttrsRaw asn1.RawValue
	var sigAlgIdx, sigIdx int = -1, -1
	idx := 0
	for i, f := range fields {
		if f.Class == asn1.ClassContextSpecific && f.Tag == 0 {
			signedAttrsRaw = f
			idx = i
		}
	}
	if signedAttrsRaw.FullBytes == nil {
		return fmt.Errorf("rpkicert: SignerInfo missing signedAttrs")
	}
	sigAlgIdx = idx + 1
	sigIdx = idx + 2
	if sigIdx >= len(fields) {
		return fmt.Errorf("rpkicert: SignerInfo truncated after signedAttrs")
	}

	attrs, err := rawSeq(signedAttrsRaw.FullBytes)
	if err != nil {
		return fmt.Errorf("rpkicert: malformed signed attributes: %w", err)
	}
	var digest []byte
	for _, a := range attrs {
		af, err := rawSeq(a.FullBytes)
		if err != nil || len(af) != 2 {
			continue
		}
		if asn1OID(af[0].FullBytes) != oidMessageDigest.String() {
			continue
		}
		vals, err := rawSeq(af[1].FullBytes)
		// a SET of one OCTET STRING; af[1] itself is the SET TLV.
		_ = err
		if len(vals) == 1 {
			var os []byte
			if _, err := asn1.Unmarshal(vals[0].FullBytes, &os); err == nil {
				digest = os
			}
		}
	}
	if digest == nil {
		return fmt.Errorf("rpkicert: signed attributes missing message-digest")
	}
	sum := sha256.Sum256(content)
	if !bytes.Equal(sum[:], digest) {
		return fmt.Errorf("rpkicert: message-digest mismatch")
	}

	// The signature is computed over the DER encoding of signedAttrs
	// re-tagged as a SET OF (rather than the [0] IMPLICIT it appears as).
	signedAttrsForVerify := append([]byte{0x31}, signedAttrsRaw.FullBytes[1:]...)

	sigAlg := asn1OID(fields[sigAlgIdx].FullBytes)
	var signature []byte
	if _, err := asn1.Unmarshal(fields[sigIdx].FullBytes, &signature); err != nil {
		return fmt.Errorf("rpkicert: malformed signature: %w", err)
	}

	return verifySignature(eeCert, sigAlg, signedAttrsForVerify, signature)
}

func verifySignature(cert *x509.Certificate, sigAlgOID string, signed, signature []byte) error {
	digest := sha256.Sum256(signed)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("rpkicert: rsa signature verification failed: %w", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return fmt.Errorf("rpkicert: ecdsa signature verification failed")
		}
	default:
		return fmt.Errorf("rpkicert: unsupported public key type %T", pub)
	}
	return nil
}
