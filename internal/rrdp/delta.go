package rrdp

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// DeltaAction classifies one delta item.
type DeltaAction uint8

const (
	ActionPublish DeltaAction = iota
	ActionUpdate
	ActionWithdraw
)

// DeltaItem is one <publish>/<withdraw> entry inside a delta.xml.
type DeltaItem struct {
	Action  DeltaAction
	URI     uri.URI
	OldHash [32]byte // required for Update and Withdraw
	Data    []byte   // present for Publish and Update
}

// Delta is a parsed delta.xml (RFC 8182 §3.4).
type Delta struct {
	Session uuid.UUID
	Serial  uint64
	Items   []DeltaItem
}

type xmlDelta struct {
	XMLName   xml.Name `xml:"delta"`
	SessionID string   `xml:"session_id,attr"`
	Serial    string   `xml:"serial,attr"`
	Publish   []struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
		Data string `xml:",chardata"`
	} `xml:"publish"`
	Withdraw []struct {
		URI  string `xml:"uri,attr"`
		Hash string `xml:"hash,attr"`
	} `xml:"withdraw"`
}

// ParseDelta parses and validates a delta.xml body, rejecting a
// duplicate rsync URI within the same delta (spec §4.3 step 5).
func ParseDelta(data []byte, base uri.URI, wantSession uuid.UUID, wantSerial uint64) (*Delta, error) {
	var x xmlDelta
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("rrdp: parse delta: %w", err)
	}
	if len(x.Publish)+len(x.Withdraw) > maxObjects {
		return nil, fmt.Errorf("rrdp: delta has %d items, exceeds limit %d", len(x.Publish)+len(x.Withdraw), maxObjects)
	}

	d := &Delta{}
	var err error
	if d.Session, err = uuid.Parse(x.SessionID); err != nil {
		return nil, fmt.Errorf("rrdp: bad session_id: %w", err)
	}
	if d.Session != wantSession {
		return nil, fmt.Errorf("rrdp: delta session %s != notification session %s", d.Session, wantSession)
	}
	if d.Serial, err = parseU64(x.Serial); err != nil {
		return nil, fmt.Errorf("rrdp: bad serial: %w", err)
	}
	if d.Serial != wantSerial {
		return nil, fmt.Errorf("rrdp: delta serial %d != expected %d", d.Serial, wantSerial)
	}

	seen := make(map[string]bool, len(x.Publish)+len(x.Withdraw))
	mark := func(key string) error {
		if seen[key] {
			return fmt.Errorf("rrdp: duplicate uri %s within delta", key)
		}
		seen[key] = true
		return nil
	}

	for _, p := range x.Publish {
		u, err := uri.Parse(p.URI)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad publish uri %q: %w", p.URI, err)
		}
		if err := mark(u.String()); err != nil {
			return nil, err
		}
		raw, err := decodeBase64(p.Data)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad base64 content for %s: %w", u, err)
		}
		item := DeltaItem{URI: u, Data: raw}
		if p.Hash != "" {
			item.Action = ActionUpdate
			if item.OldHash, err = parseHash(p.Hash); err != nil {
				return nil, fmt.Errorf("rrdp: bad hash for %s: %w", u, err)
			}
		} else {
			item.Action = ActionPublish
		}
		d.Items = append(d.Items, item)
	}

	for _, w := range x.Withdraw {
		u, err := uri.Parse(w.URI)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad withdraw uri %q: %w", w.URI, err)
		}
		if err := mark(u.String()); err != nil {
			return nil, err
		}
		hash, err := parseHash(w.Hash)
		if err != nil {
			return nil, fmt.Errorf("rrdp: bad hash for %s: %w", u, err)
		}
		d.Items = append(d.Items, DeltaItem{Action: ActionWithdraw, URI: u, OldHash: hash})
	}

	return d, nil
}
