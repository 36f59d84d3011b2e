package rrdp

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// Publish is one published object inside a snapshot or delta.
type Publish struct {
	URI  uri.URI
	Data []byte
}

// Snapshot is a parsed snapshot.xml (RFC 8182 §3.3).
type Snapshot struct {
	Session uuid.UUID
	Serial  uint64
	Objects []Publish
}

type xmlSnapshot struct {
	XMLName   xml.Name `xml:"snapshot"`
	SessionID string   `xml:"session_id,attr"`
	Serial    string   `xml:"serial,attr"`
	Publish   []struct {
		URI  string `xml:"uri,attr"`
		Data string `xml:",chardata"`
	} `xml:"publish"`
}

// maxObjects bounds how many objects one snapshot/delta may publish, a
// companion size guard to spec §4.3's delta-list limit.
const maxObjects = 500000

// ParseSnapshot parses and validates a snapshot.xml body against the
// expected session/serial from the notification that pointed to it, and
// rejects duplicate rsync URIs within the snapshot (spec §6).
func ParseSnapshot(data []byte, base uri.URI, wantSession uuid.UUID, wantSerial uint64) (*Snapshot, error) {
	var x xmlSnapshot
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("rrdp: parse snapshot: %w", err)
	}
	if len(x.Publish) > maxObjects {
		return nil, fmt.Errorf("rrdp: snapshot publishes %d objects, exceeds limit %d", len(x.Publish), maxObjects)
	}

	s := &Snapshot{}
	var err error
	if s.Session, err = uuid.Parse(x.SessionID); err != nil {
		return nil, fmt.Errorf("rrdp: bad session_id: %w", err)
	}
	if s.Session != wantSession {
		return nil, fmt.Errorf("rrdp: snapshot session %s != notification session %s", s.Session, wantSession)
	}
	if s.Serial, err = parseU64(x.Serial); err != nil {
		return nil, fmt.Errorf("rrdp: bad serial: %w", err)
	}
	if s.Serial != wantSerial {
		return nil, fmt.Errorf("rrdp: snapshot serial %d != notification serial %d", s.Serial, wantSerial)
	}

	seen := make(map[string]bool, len(x.Publish))
	s.Objects = make([]Publish, 0, len(x.Publish))
	for _, p := range x.Publish {
		u, err := uri.Parse(p.URI)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad publish uri %q: %w", p.URI, err)
		}
		key := u.String()
		if seen[key] {
			return nil, fmt.Errorf("rrdp: duplicate uri %s within snapshot", key)
		}
		seen[key] = true

		raw, err := decodeBase64(p.Data)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad base64 content for %s: %w", key, err)
		}
		s.Objects = append(s.Objects, Publish{URI: u, Data: raw})
	}
	return s, nil
}

// HashBody returns the SHA-256 of a raw response body, for verifying
// against a notification/delta's advertised hash.
func HashBody(data []byte) [32]byte {
	return sha256.Sum256(data)
}
