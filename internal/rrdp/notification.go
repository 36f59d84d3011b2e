// Package rrdp implements the RRDP delta/snapshot transport: XML
// parsing per RFC 8182 and the per-repository update algorithm of spec
// §4.3.
package rrdp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// DeltaRef is one <delta> entry in a notification file.
type DeltaRef struct {
	Serial uint64
	URI    uri.URI
	Hash   [32]byte
}

// Notification is a parsed notification.xml (RFC 8182 §3.2).
type Notification struct {
	Session     uuid.UUID
	Serial      uint64
	SnapshotURI uri.URI
	SnapshotHash [32]byte
	Deltas      []DeltaRef // sorted by Serial ascending
}

type xmlNotification struct {
	XMLName  xml.Name `xml:"notification"`
	Version  string   `xml:"version,attr"`
	SessionID string  `xml:"session_id,attr"`
	Serial   string   `xml:"serial,attr"`
	Snapshot struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
	} `xml:"snapshot"`
	Delta []struct {
		Serial string `xml:"serial,attr"`
		URI    string `xml:"uri,attr"`
		Hash   string `xml:"hash,attr"`
	} `xml:"delta"`
}

// maxDeltaCount bounds the notification's delta list (spec §4.3 step 3
// "validate delta-list size limits"); a notification with more entries
// is rejected as oversized rather than processed.
const maxDeltaCount = 20000

// ParseNotification parses and validates a notification.xml body,
// sorting the delta list by serial (spec §6 "Deltas must be sorted by
// serial on acceptance").
func ParseNotification(data []byte, base uri.URI) (*Notification, error) {
	var x xmlNotification
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("rrdp: parse notification: %w", err)
	}
	if len(x.Delta) > maxDeltaCount {
		return nil, fmt.Errorf("rrdp: notification lists %d deltas, exceeds limit %d", len(x.Delta), maxDeltaCount)
	}

	n := &Notification{}
	var err error
	if n.Session, err = uuid.Parse(x.SessionID); err != nil {
		return nil, fmt.Errorf("rrdp: bad session_id: %w", err)
	}
	if n.Serial, err = parseU64(x.Serial); err != nil {
		return nil, fmt.Errorf("rrdp: bad serial: %w", err)
	}
	if n.SnapshotURI, err = uri.RelativeTo(base, x.Snapshot.URI); err != nil {
		return nil, fmt.Errorf("rrdp: bad snapshot uri: %w", err)
	}
	if n.SnapshotHash, err = parseHash(x.Snapshot.Hash); err != nil {
		return nil, fmt.Errorf("rrdp: bad snapshot hash: %w", err)
	}

	n.Deltas = make([]DeltaRef, 0, len(x.Delta))
	for _, d := range x.Delta {
		serial, err := parseU64(d.Serial)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad delta serial: %w", err)
		}
		du, err := uri.RelativeTo(base, d.URI)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad delta uri: %w", err)
		}
		hash, err := parseHash(d.Hash)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad delta hash: %w", err)
		}
		n.Deltas = append(n.Deltas, DeltaRef{Serial: serial, URI: du, Hash: hash})
	}
	sort.Slice(n.Deltas, func(i, j int) bool { return n.Deltas[i].Serial < n.Deltas[j].Serial })

	return n, nil
}

func parseU64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(trimXMLWhitespace(s))
}

func trimXMLWhitespace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
