package store

import (
	"encoding/binary"
	"fmt"
)

// State is the versioned metadata record for one RRDP repository,
// stored under StateKey inside its archive (spec §6).
type State struct {
	NotifyURI      string
	Session        [16]byte // UUID
	Serial         uint64
	UpdatedTS      int64
	BestBeforeTS   int64
	HasLastModTS   bool
	LastModifiedTS int64
	HasETag        bool
	ETag           []byte
	DeltaState     map[uint64][32]byte // serial -> delta content hash
}

// stateVersion is the only version this build understands; anything
// else causes the repository to be treated as corrupt and refreshed
// (spec §4.3 "Older versions cause the repository to be treated as corrupt").
const stateVersion = 1

// Encode serializes s per the wire layout of spec §6.
func (s *State) Encode() []byte {
	var buf []byte
	buf = append(buf, stateVersion)
	buf = appendLenPrefixed(buf, []byte(s.NotifyURI))
	buf = append(buf, s.Session[:]...)
	buf = appendU64(buf, s.Serial)
	buf = appendI64(buf, s.UpdatedTS)
	buf = appendI64(buf, s.BestBeforeTS)
	buf = appendOptI64(buf, s.HasLastModTS, s.LastModifiedTS)
	buf = appendOptBytes(buf, s.HasETag, s.ETag)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(s.DeltaState)))
	buf = append(buf, countBuf[:]...)
	for serial, hash := range s.DeltaState {
		buf = appendU64(buf, serial)
		buf = append(buf, hash[:]...)
	}
	return buf
}

// DecodeState parses a state record previously produced by Encode. A
// version byte other than 1, or any length that fails to parse, is
// reported as a corrupt-archive error per spec §6.
func DecodeState(data []byte) (*State, error) {
	r := &reader{b: data}
	version, err := r.u8()
	if err != nil {
		return nil, corruptf("state", "truncated version: %w", err)
	}
	if version != stateVersion {
		return nil, corruptf("state", "unsupported state version %d", version)
	}

	s := &State{DeltaState: make(map[uint64][32]byte)}

	notify, err := r.lenPrefixed()
	if err != nil {
		return nil, corruptf("state", "notify_uri: %w", err)
	}
	s.NotifyURI = string(notify)

	sess, err := r.fixed(16)
	if err != nil {
		return nil, corruptf("state", "session: %w", err)
	}
	copy(s.Session[:], sess)

	if s.Serial, err = r.u64(); err != nil {
		return nil, corruptf("state", "serial: %w", err)
	}
	if s.UpdatedTS, err = r.i64(); err != nil {
		return nil, corruptf("state", "updated_ts: %w", err)
	}
	if s.BestBeforeTS, err = r.i64(); err != nil {
		return nil, corruptf("state", "best_before_ts: %w", err)
	}

	hasLM, err := r.u8()
	if err != nil {
		return nil, corruptf("state", "last_modified flag: %w", err)
	}
	s.HasLastModTS = hasLM != 0
	if s.HasLastModTS {
		if s.LastModifiedTS, err = r.i64(); err != nil {
			return nil, corruptf("state", "last_modified_ts: %w", err)
		}
	}

	hasETag, err := r.u8()
	if err != nil {
		return nil, corruptf("state", "etag flag: %w", err)
	}
	s.HasETag = hasETag != 0
	if s.HasETag {
		etag, err := r.lenPrefixed()
		if err != nil {
			return nil, corruptf("state", "etag: %w", err)
		}
		s.ETag = etag
	}

	count, err := r.u32()
	if err != nil {
		return nil, corruptf("state", "delta_state count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		serial, err := r.u64()
		if err != nil {
			return nil, corruptf("state", "delta_state[%d] serial: %w", i, err)
		}
		hash, err := r.fixed(32)
		if err != nil {
			return nil, corruptf("state", "delta_state[%d] hash: %w", i, err)
		}
		var h [32]byte
		copy(h[:], hash)
		s.DeltaState[serial] = h
	}

	if !r.eof() {
		return nil, corruptf("state", "trailing bytes after state record")
	}
	return s, nil
}

// --- small byte-slice encode/decode helpers ---

func appendLenPrefixed(buf, b []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func appendOptI64(buf []byte, has bool, v int64) []byte {
	if has {
		buf = append(buf, 1)
		return appendI64(buf, v)
	}
	return append(buf, 0)
}

func appendOptBytes(buf []byte, has bool, v []byte) []byte {
	if has {
		buf = append(buf, 1)
		return appendLenPrefixed(buf, v)
	}
	return append(buf, 0)
}

type reader struct {
	b   []byte
	pos int
}

func (r *reader) eof() bool { return r.pos >= len(r.b) }

func (r *reader) need(n int) error {
	if len(r.b)-r.pos < n {
		return fmt.Errorf("need %d bytes, have %d", n, len(r.b)-r.pos)
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) fixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) lenPrefixed() ([]byte, error) {
	l, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.fixed(int(l))
}

// LoadState fetches and decodes the state record from an open archive.
func LoadState(a *Archive) (*State, error) {
	data, err := a.Fetch(StateKey)
	if err != nil {
		return nil, err
	}
	return DecodeState(data)
}

// SaveState encodes and publishes/updates the state record in a.
func SaveState(a *Archive, s *State) error {
	enc := s.Encode()
	var zero [32]byte
	if _, err := a.Fetch(StateKey); err == nil {
		return a.Update(StateKey, zero, enc, nil)
	}
	return a.Publish(StateKey, zero, enc)
}
