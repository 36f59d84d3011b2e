// Package rtrsource is the PayloadSource contract an external RTR
// server consumes (spec §4.9): session/serial, the current snapshot,
// and delta_since, all narrowed to the wire-sized types RFC 8210 uses.
// It implements no RTR PDU encoding itself.
package rtrsource

import (
	"net/netip"
	"time"

	"github.com/rpkiwire/rpki-rp/internal/payload"
)

// Flags marks whether a record is being announced or withdrawn,
// matching RFC 8210's IPv4/IPv6 Prefix and Router Key PDU flags field.
type Flags uint8

const (
	Announce Flags = iota
	Withdraw
)

// PrefixRecord is one VRP to announce or withdraw.
type PrefixRecord struct {
	Flags     Flags
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength int
}

// RouterKeyRecord is one BGPsec router key to announce or withdraw.
type RouterKeyRecord struct {
	Flags        Flags
	ASN          uint32
	SubjectKeyID []byte
	PublicKey    []byte
}

// ASPARecord is one ASPA entry to announce or withdraw. An update is
// reported as an Announce carrying the new provider set, since the RTR
// ASPA encoding has no separate update verb (spec §9 "ASPA delta
// semantics").
type ASPARecord struct {
	Flags     Flags
	Customer  uint32
	Family    payload.Family
	Providers []uint32
}

// Snapshot is a full payload set addressed at one session and serial.
type Snapshot struct {
	SessionID  uint16
	Serial     uint32
	Prefixes   []PrefixRecord
	RouterKeys []RouterKeyRecord
	ASPAs      []ASPARecord
}

// Delta is the set of changes that bring a client from one serial to
// the next.
type Delta struct {
	SessionID  uint16
	Serial     uint32
	Prefixes   []PrefixRecord
	RouterKeys []RouterKeyRecord
	ASPAs      []ASPARecord
}

// PayloadSource is the interface an RTR server implementation is
// expected to hold and poll; Source is this package's only
// implementation, backed by a payload.History.
type PayloadSource interface {
	SessionAndSerial() (session uint16, serial uint32)
	CurrentSnapshot() Snapshot
	DeltaSince(serial uint32) (Delta, bool)
	ResidualWait() time.Duration
}

// Source adapts a payload.History to PayloadSource.
type Source struct {
	history *payload.History
}

// New wraps history as a PayloadSource.
func New(history *payload.History) *Source {
	return &Source{history: history}
}

func (s *Source) SessionAndSerial() (uint16, uint32) {
	session, serial := s.history.SessionAndSerial()
	return payload.WireSessionID(session), payload.WireSerial(serial)
}

// CurrentSnapshot returns the full payload set at the current serial.
func (s *Source) CurrentSnapshot() Snapshot {
	snap, serial := s.history.Current()
	session, _ := s.history.SessionAndSerial()
	return Snapshot{
		SessionID:  payload.WireSessionID(session),
		Serial:     payload.WireSerial(serial),
		Prefixes:   snapshotPrefixRecords(snap.Origins),
		RouterKeys: snapshotRouterKeyRecords(snap.RouterKeys),
		ASPAs:      snapshotASPARecords(snap.ASPAs),
	}
}

// DeltaSince returns the changes from the client's wire serial to the
// current one. wireSerial is widened back to the internal u64 serial
// space nearest the current serial before consulting history, since
// RTR clients only ever carry the low 32 bits (spec §4.9 "Serial
// arithmetic").
func (s *Source) DeltaSince(wireSerial uint32) (Delta, bool) {
	session, serial := s.history.SessionAndSerial()
	target := widenSerial(serial, wireSerial)
	d, ok := s.history.DeltaSince(target)
	if !ok {
		return Delta{}, false
	}
	return Delta{
		SessionID:  payload.WireSessionID(session),
		Serial:     payload.WireSerial(d.Serial),
		Prefixes:   deltaPrefixRecords(d.Origins),
		RouterKeys: deltaRouterKeyRecords(d.RouterKeys),
		ASPAs:      deltaASPARecords(d.ASPAs),
	}, true
}

// ResidualWait reports how long until the next scheduled validation
// run, for the RTR server's refresh PDU.
func (s *Source) ResidualWait() time.Duration {
	return s.history.ResidualWait(time.Now())
}

// widenSerial recovers the internal u64 serial whose low 32 bits equal
// wire, choosing the candidate at or before current: the client's
// reported serial can never be ahead of the server's.
func widenSerial(current uint64, wire uint32) uint64 {
	base := current &^ uint64(0xffffffff)
	candidate := base | uint64(wire)
	if candidate > current {
		candidate -= 1 << 32
	}
	return candidate
}

func snapshotPrefixRecords(vrps []payload.VRP) []PrefixRecord {
	out := make([]PrefixRecord, len(vrps))
	for i, v := range vrps {
		out[i] = PrefixRecord{Flags: Announce, ASN: v.ASN, Prefix: v.Prefix, MaxLength: v.MaxLength}
	}
	return out
}

func snapshotRouterKeyRecords(keys []payload.RouterKey) []RouterKeyRecord {
	out := make([]RouterKeyRecord, len(keys))
	for i, k := range keys {
		out[i] = RouterKeyRecord{Flags: Announce, ASN: k.ASN, SubjectKeyID: k.SubjectKeyID, PublicKey: k.PublicKey}
	}
	return out
}

func snapshotASPARecords(aspas []payload.ASPA) []ASPARecord {
	out := make([]ASPARecord, len(aspas))
	for i, a := range aspas {
		out[i] = ASPARecord{Flags: Announce, Customer: a.Customer, Family: a.Family, Providers: a.Providers}
	}
	return out
}

func deltaPrefixRecords(actions []payload.OriginAction) []PrefixRecord {
	out := make([]PrefixRecord, len(actions))
	for i, a := range actions {
		out[i] = PrefixRecord{Flags: wireFlags(a.Kind), ASN: a.VRP.ASN, Prefix: a.VRP.Prefix, MaxLength: a.VRP.MaxLength}
	}
	return out
}

func deltaRouterKeyRecords(actions []payload.RouterKeyAction) []RouterKeyRecord {
	out := make([]RouterKeyRecord, len(actions))
	for i, a := range actions {
		out[i] = RouterKeyRecord{Flags: wireFlags(a.Kind), ASN: a.Key.ASN, SubjectKeyID: a.Key.SubjectKeyID, PublicKey: a.Key.PublicKey}
	}
	return out
}

func deltaASPARecords(actions []payload.ASPAAction) []ASPARecord {
	out := make([]ASPARecord, 0, len(actions))
	for _, a := range actions {
		switch a.Kind {
		case payload.ASPAWithdraw:
			out = append(out, ASPARecord{Flags: Withdraw, Customer: a.Customer, Family: a.Family, Providers: a.OldProviders})
		case payload.ASPAAnnounce, payload.ASPAUpdate:
			out = append(out, ASPARecord{Flags: Announce, Customer: a.Customer, Family: a.Family, Providers: a.NewProviders})
		}
	}
	return out
}

func wireFlags(k payload.ActionKind) Flags {
	if k == payload.Withdraw {
		return Withdraw
	}
	return Announce
}
