package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// --- low-level DER helpers, used only where encoding/asn1 struct tags
// can't express the CHOICE/EXPLICIT/IMPLICIT shapes RFC 3779 and CMS need.

func rawTLV(class, tag int, compound bool, content []byte) []byte {
	b, err := asn1.Marshal(asn1.RawValue{Class: class, Tag: tag, IsCompound: compound, Bytes: content})
	if err != nil {
		panic(err)
	}
	return b
}

func seq(parts ...[]byte) []byte {
	var content []byte
	for _, p := range parts {
		content = append(content, p...)
	}
	return rawTLV(asn1.ClassUniversal, asn1.TagSequence, true, content)
}

func explicit(tag int, inner []byte) []byte {
	return rawTLV(asn1.ClassContextSpecific, tag, true, inner)
}

func oidBytes(ints ...int) []byte {
	b, err := asn1.Marshal(asn1.ObjectIdentifier(ints))
	if err != nil {
		panic(err)
	}
	return b
}

func octetString(b []byte) []byte {
	out, err := asn1.Marshal(b)
	if err != nil {
		panic(err)
	}
	return out
}

func accessDescription(method []int, uriStr string) []byte {
	loc := rawTLV(asn1.ClassContextSpecific, 6, false, []byte(uriStr))
	return seq(oidBytes(method...), loc)
}

var (
	oidCARepository = []int{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidRPKIManifest = []int{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidSIA          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidIPAddrBlocks = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidASIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidSignedData   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentType  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
)

// v3779Family marshals to an RFC 3779 IPAddressFamily whose choice is
// always addressesOrRanges of plain addressPrefix BIT STRINGs.
type v3779Family struct {
	AFI       []byte
	Addresses []asn1.BitString
}

func ipAddrBlocksExt(v4 []asn1.BitString) []byte {
	b, err := asn1.Marshal([]v3779Family{{AFI: []byte{0, 1}, Addresses: v4}})
	if err != nil {
		panic(err)
	}
	return b
}

type asIdentifiersData struct {
	ASNum []int64 `asn1:"explicit,tag:0"`
}

func asIdentifiersExt(asns []int64) []byte {
	b, err := asn1.Marshal(asIdentifiersData{ASNum: asns})
	if err != nil {
		panic(err)
	}
	return b
}

func prefixBitString(addr [4]byte, bits int) asn1.BitString {
	nbytes := (bits + 7) / 8
	return asn1.BitString{Bytes: addr[:nbytes], BitLength: bits}
}

func siaExt(caRepo, manifest string) []byte {
	return seq(
		accessDescription(oidCARepository, caRepo),
		accessDescription(oidRPKIManifest, manifest),
	)
}

// buildCA creates a self-signed RPKI CA certificate with the given
// resources and SIA publication point.
func buildCA(t *testing.T, caRepo, manifest string, v4 []asn1.BitString, asns []int64) (*x509.Certificate, []byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ta"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtraExtensions: []pkix.Extension{
			{Id: oidSIA, Value: siaExt(caRepo, manifest)},
			{Id: oidIPAddrBlocks, Value: ipAddrBlocksExt(v4)},
			{Id: oidASIdentifier, Value: asIdentifiersExt(asns)},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der, key
}

// buildEE creates an EE certificate issued by ca/caKey, suitable for
// embedding in a CMS SignedData envelope.
func buildEE(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, []byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-ee"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der, key
}

// signedAttrsTLV builds the CMS signedAttrs [0] IMPLICIT SET and the
// bytes that must actually be signed (the same content re-tagged as an
// explicit SET OF, per CMS convention).
func signedAttrsTLV(eContent []byte) (implicitTLV, toSign []byte) {
	digest := sha256.Sum256(eContent)
	contentTypeAttr := seq(oidBytes(oidContentType...), rawTLV(asn1.ClassUniversal, asn1.TagSet, true, oidBytes(oidData...)))
	digestAttr := seq(oidBytes(oidMessageDigest...), rawTLV(asn1.ClassUniversal, asn1.TagSet, true, octetString(digest[:])))
	content := append(append([]byte{}, contentTypeAttr...), digestAttr...)
	implicitTLV = rawTLV(asn1.ClassContextSpecific, 0, true, content)
	toSign = append([]byte{0x31}, implicitTLV[1:]...)
	return implicitTLV, toSign
}

// buildSignedObject wraps eContent in a CMS SignedData envelope signed
// by eeKey, embedding eeCert, in the exact shape rpkicert.ParseSignedObject expects.
func buildSignedObject(t *testing.T, eContent, eeDER []byte, eeKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	encapContentInfo := seq(oidBytes(oidData...), explicit(0, octetString(eContent)))

	signedAttrsImplicit, toSign := signedAttrsTLV(eContent)
	digest := sha256.Sum256(toSign)
	sigDER, err := ecdsa.SignASN1(rand.Reader, eeKey, digest[:])
	require.NoError(t, err)

	algID := seq(oidBytes(2, 16, 840, 1, 101, 3, 4, 2, 1))
	signerInfo := seq(
		[]byte{0x02, 0x01, 0x01}, // version INTEGER 1
		[]byte{0x02, 0x01, 0x01}, // sid placeholder, unparsed
		algID,                    // digestAlgorithm
		signedAttrsImplicit,      // [0] IMPLICIT signedAttrs
		algID,                    // signatureAlgorithm, unparsed
		octetString(sigDER),      // signature
	)

	certificates := rawTLV(asn1.ClassContextSpecific, 0, true, eeDER)
	signerInfos := rawTLV(asn1.ClassUniversal, asn1.TagSet, true, signerInfo)
	digestAlgorithms := rawTLV(asn1.ClassUniversal, asn1.TagSet, true, algID)

	signedData := seq(
		[]byte{0x02, 0x01, 0x01}, // version
		digestAlgorithms,
		encapContentInfo,
		certificates,
		signerInfos,
	)
	contentInfo := seq(oidBytes(oidSignedData...), explicit(0, signedData))
	return contentInfo
}

type algorithmIdentifier struct {
	Algorithm asn1.ObjectIdentifier
}

type fileAndHash struct {
	Name string
	Hash asn1.BitString
}

type manifestData struct {
	Number      int64
	ThisUpdate  time.Time
	NextUpdate  time.Time
	FileHashAlg algorithmIdentifier
	FileList    []fileAndHash
}

func buildManifest(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var files []fileAndHash
	for name, content := range entries {
		h := sha256.Sum256(content)
		files = append(files, fileAndHash{Name: name, Hash: asn1.BitString{Bytes: h[:], BitLength: 256}})
	}
	b, err := asn1.Marshal(manifestData{
		Number:      1,
		ThisUpdate:  time.Now().Add(-time.Minute),
		NextUpdate:  time.Now().Add(time.Hour),
		FileHashAlg: algorithmIdentifier{Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}},
		FileList:    files,
	})
	require.NoError(t, err)
	return b
}

type roaIPAddress struct {
	Address   asn1.BitString
	MaxLength int
}

type roaIPAddrFamily struct {
	AFI       []byte
	Addresses []roaIPAddress
}

type routeOriginAttestation struct {
	ASID         int64
	IPAddrBlocks []roaIPAddrFamily
}

func buildROAContent(t *testing.T, asn int64, addr [4]byte, bits, maxLen int) []byte {
	t.Helper()
	b, err := asn1.Marshal(routeOriginAttestation{
		ASID: asn,
		IPAddrBlocks: []roaIPAddrFamily{{
			AFI:       []byte{0, 1},
			Addresses: []roaIPAddress{{Address: prefixBitString(addr, bits), MaxLength: maxLen}},
		}},
	})
	require.NoError(t, err)
	return b
}

func buildCRL(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca, caKey)
	require.NoError(t, err)
	return der
}

// fakePointReader serves a fixed map of URI string -> bytes.
type fakePointReader struct {
	files map[string][]byte
}

func (f *fakePointReader) LoadFile(u uri.URI) ([]byte, bool) {
	b, ok := f.files[u.String()]
	return b, ok
}

// fakeLoader returns taDER for FetchTAL and always serves the same
// publication point reader for LoadPoint.
type fakeLoader struct {
	taDER   []byte
	fetcErr error
	reader  *fakePointReader
}

func (f *fakeLoader) FetchTAL(ctx context.Context, tal *rpkicert.TAL) ([]byte, error) {
	if f.fetcErr != nil {
		return nil, f.fetcErr
	}
	return f.taDER, nil
}

func (f *fakeLoader) LoadPoint(ctx context.Context, caRepository, rrdpNotify uri.URI) (PointReader, error) {
	return f.reader, nil
}

func buildTestChain(t *testing.T, roaASN int64, roaAddr [4]byte, roaBits, roaMaxLen int) (taDER []byte, reader *fakePointReader) {
	t.Helper()
	const (
		caRepo   = "rsync://rpki.example.org/repo/"
		mftURI   = "rsync://rpki.example.org/repo/ta.mft"
		roaURI   = "rsync://rpki.example.org/repo/test.roa"
		crlURI   = "rsync://rpki.example.org/repo/ta.crl"
	)
	ca, caDER, caKey := buildCA(t, caRepo, mftURI, []asn1.BitString{prefixBitString([4]byte{203, 0, 113, 0}, 24)}, []int64{65000, 65001, 65002})

	eeCert, eeDER, eeKey := buildEE(t, ca, caKey)
	_ = eeCert
	roaContent := buildROAContent(t, roaASN, roaAddr, roaBits, roaMaxLen)
	roaSigned := buildSignedObject(t, roaContent, eeDER, eeKey)

	crlDER := buildCRL(t, ca, caKey)

	mft := buildManifest(t, map[string][]byte{
		"test.roa": roaSigned,
		"ta.crl":   crlDER,
	})
	mftEE, mftEEDER, mftEEKey := buildEE(t, ca, caKey)
	_ = mftEE
	mftSigned := buildSignedObject(t, mft, mftEEDER, mftEEKey)

	reader = &fakePointReader{files: map[string][]byte{
		mftURI: mftSigned,
		roaURI: roaSigned,
		crlURI: crlDER,
	}}
	return caDER, reader
}

func TestEngineAcceptsValidChainAndEmitsVRP(t *testing.T) {
	taDER, reader := buildTestChain(t, 65000, [4]byte{203, 0, 113, 0}, 24, 24)
	loader := &fakeLoader{taDER: taDER, reader: reader}

	taCert, err := x509.ParseCertificate(taDER)
	require.NoError(t, err)
	tal := &rpkicert.TAL{
		Name: "test",
		URIs: []uri.URI{uri.MustParse("rsync://rpki.example.org/repo/ta.cer")},
		SPKI: taCert.RawSubjectPublicKeyInfo,
	}

	e := New(zerolog.Nop(), loader, Config{})
	rep, err := e.Validate(context.Background(), []*rpkicert.TAL{tal})
	require.NoError(t, err)
	require.Len(t, rep.Buffers, 1)
	require.Len(t, rep.Buffers[0].Origins, 1)
	require.Equal(t, uint32(65000), rep.Buffers[0].Origins[0].ASN)
	require.Equal(t, 0, rep.Rejected.Len())
}

func TestEngineRejectsWhenSPKIDoesNotMatchTAL(t *testing.T) {
	taDER, reader := buildTestChain(t, 65000, [4]byte{203, 0, 113, 0}, 24, 24)
	loader := &fakeLoader{taDER: taDER, reader: reader}

	tal := &rpkicert.TAL{
		Name: "test",
		URIs: []uri.URI{uri.MustParse("rsync://rpki.example.org/repo/ta.cer")},
		SPKI: []byte("not the real key"),
	}

	e := New(zerolog.Nop(), loader, Config{})
	rep, err := e.Validate(context.Background(), []*rpkicert.TAL{tal})
	require.NoError(t, err)
	require.Empty(t, rep.Buffers)
}

func TestEnginePrefixLengthFilterDropsOversizedMaxLength(t *testing.T) {
	taDER, reader := buildTestChain(t, 65000, [4]byte{203, 0, 113, 0}, 24, 32)
	loader := &fakeLoader{taDER: taDER, reader: reader}

	taCert, err := x509.ParseCertificate(taDER)
	require.NoError(t, err)
	tal := &rpkicert.TAL{
		Name: "test",
		URIs: []uri.URI{uri.MustParse("rsync://rpki.example.org/repo/ta.cer")},
		SPKI: taCert.RawSubjectPublicKeyInfo,
	}

	e := New(zerolog.Nop(), loader, Config{MaxPrefixLenIPv4: 24})
	rep, err := e.Validate(context.Background(), []*rpkicert.TAL{tal})
	require.NoError(t, err)
	require.Empty(t, rep.Buffers)
}

func TestEngineRejectsTamperedManifestAddsResourcesToRejectedSet(t *testing.T) {
	taDER, reader := buildTestChain(t, 65000, [4]byte{203, 0, 113, 0}, 24, 24)
	// Corrupt the manifest so its signature no longer verifies, forcing
	// the whole point (and the CA's own resources) to be rejected.
	for k, v := range reader.files {
		if k == "rsync://rpki.example.org/repo/ta.mft" {
			tampered := append([]byte(nil), v...)
			tampered[len(tampered)-1] ^= 0xff
			reader.files[k] = tampered
		}
	}

	loader := &fakeLoader{taDER: taDER, reader: reader}
	taCert, err := x509.ParseCertificate(taDER)
	require.NoError(t, err)
	tal := &rpkicert.TAL{
		Name: "test",
		URIs: []uri.URI{uri.MustParse("rsync://rpki.example.org/repo/ta.cer")},
		SPKI: taCert.RawSubjectPublicKeyInfo,
	}

	e := New(zerolog.Nop(), loader, Config{})
	rep, err := e.Validate(context.Background(), []*rpkicert.TAL{tal})
	require.NoError(t, err)
	require.Empty(t, rep.Buffers)
	require.Greater(t, rep.Rejected.Len(), 0)
	require.True(t, rep.Rejected.IntersectsASN(65000))
}
