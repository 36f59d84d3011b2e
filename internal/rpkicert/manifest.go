package rpkicert

import (
	"encoding/asn1"
	"fmt"
	"time"
)

// ManifestEntry is one file listed on a manifest, with the SHA-256 hash
// of its published content (RFC 9286 uses SHA-256 exclusively).
type ManifestEntry struct {
	Name string
	Hash [32]byte
}

// Manifest is a CA's signed directory listing (RFC 9286): the complete
// set of files it currently publishes, each with its content hash, plus
// the manifest number and validity window used to detect replay and
// staleness.
type Manifest struct {
	Number      []byte // manifestNumber, an arbitrary-precision INTEGER kept as minimal big-endian bytes
	ThisUpdate  time.Time
	NextUpdate  time.Time
	FileHashAlg asn1.ObjectIdentifier
	Entries     []ManifestEntry
}

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// ParseManifest parses a manifest's eContent (RFC 9286 §4.2).
func ParseManifest(content []byte) (*Manifest, error) {
	fields, err := rawSeq(content)
	if err != nil || len(fields) < 5 {
		return nil, fmt.Errorf("rpkicert: malformed Manifest")
	}
	// Manifest ::= SEQUENCE { version [0] DEFAULT 0, manifestNumber,
	//   thisUpdate, nextUpdate, fileHashAlg, fileList SEQUENCE OF FileAndHash }
	idx := 0
	if fields[0].Class == asn1.ClassContextSpecific && fields[0].Tag == 0 {
		idx++
	}
	if idx+4 >= len(fields) {
		return nil, fmt.Errorf("rpkicert: Manifest truncated")
	}

	m := &Manifest{Number: append([]byte(nil), fields[idx].Bytes...)}

	if _, err := asn1.Unmarshal(fields[idx+1].FullBytes, &m.ThisUpdate); err != nil {
		return nil, fmt.Errorf("rpkicert: manifest thisUpdate: %w", err)
	}
	if _, err := asn1.Unmarshal(fields[idx+2].FullBytes, &m.NextUpdate); err != nil {
		return nil, fmt.Errorf("rpkicert: manifest nextUpdate: %w", err)
	}
	var alg asn1.ObjectIdentifier
	algFields, err := rawSeq(fields[idx+3].FullBytes)
	if err != nil || len(algFields) == 0 {
		return nil, fmt.Errorf("rpkicert: malformed fileHashAlg")
	}
	if _, err := asn1.Unmarshal(algFields[0].FullBytes, &alg); err != nil {
		return nil, fmt.Errorf("rpkicert: malformed fileHashAlg oid: %w", err)
	}
	m.FileHashAlg = alg
	if !alg.Equal(oidSHA256) {
		return nil, fmt.Errorf("rpkicert: unsupported manifest hash algorithm %s", alg)
	}

	entries, err := rawSeq(fields[idx+4].FullBytes)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: malformed fileList: %w", err)
	}
	for _, e := range entries {
		fah, err := rawSeq(e.FullBytes)
		if err != nil || len(fah) != 2 {
			return nil, fmt.Errorf("rpkicert: malformed FileAndHash")
		}
		var name string
		if _, err := asn1.Unmarshal(fah[0].FullBytes, &name); err != nil {
			return nil, fmt.Errorf("rpkicert: malformed file name: %w", err)
		}
		var hashBits asn1.BitString
		if _, err := asn1.Unmarshal(fah[1].FullBytes, &hashBits); err != nil {
			return nil, fmt.Errorf("rpkicert: malformed file hash: %w", err)
		}
		if len(hashBits.Bytes) != 32 {
			return nil, fmt.Errorf("rpkicert: file %s: hash is %d bytes, want 32", name, len(hashBits.Bytes))
		}
		var h [32]byte
		copy(h[:], hashBits.Bytes)
		m.Entries = append(m.Entries, ManifestEntry{Name: name, Hash: h})
	}
	return m, nil
}
