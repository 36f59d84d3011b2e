// Package store implements the archive container described in spec
// §4.1 / §6: an append-oriented on-disk container holding every object
// of one RRDP repository plus a small state record, with atomic
// publish/update/delete semantics and corruption detection on open.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// StateKey is the fixed key under which the repository state record is
// stored, sharing the same container as its objects so a single rename
// swaps both atomically.
const StateKey = "state"

// ErrKind classifies archive failures per spec §4.1 / §7: a Corrupt
// archive is retryable after the caller wipes the file, an Io error is
// fatal to the current run.
type ErrKind uint8

const (
	ErrNone ErrKind = iota
	ErrCorrupt
	ErrIO
	ErrNotFoundKind
	ErrAlreadyExistsKind
	ErrConsistencyFailedKind
)

// Error wraps an archive failure with its classification.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func corruptf(op, format string, a ...any) error {
	return &Error{Kind: ErrCorrupt, Op: op, Err: fmt.Errorf(format, a...)}
}

func ioErr(op string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Err: err}
}

// IsCorrupt reports whether err is a store.Error classified Corrupt.
func IsCorrupt(err error) bool {
	var se *Error
	return asError(err, &se) && se.Kind == ErrCorrupt
}

func asError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

const (
	magic       uint32 = 0x52504b31 // "RPK1"
	recObject   byte   = 0
	recTombstone byte  = 1
)

// record is one entry in the append log.
type record struct {
	offset int64 // offset of the data payload within the file
	length uint32
	meta   [32]byte
	hasMeta bool
}

// Archive is an open on-disk container for one RRDP repository.
type Archive struct {
	path     string
	f        *os.File
	readOnly bool
	index    map[string]record
}

// Create creates a brand-new, empty container at path.
func Create(path string) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioErr("create", err)
	}
	if err := writeHeader(f); err != nil {
		f.Close()
		return nil, ioErr("create", err)
	}
	return &Archive{path: path, f: f, index: make(map[string]record)}, nil
}

// Open opens an existing container, scanning it fully to rebuild its
// in-memory key index. A corrupt container returns a Corrupt error; the
// caller should then wipe the file and retry (spec §4.1, §7).
func Open(path string, readOnly bool) (*Archive, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, ioErr("open", err)
	}
	a := &Archive{path: path, f: f, readOnly: readOnly, index: make(map[string]record)}
	if err := a.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// Verify opens path read-only, scans it fully for corruption, and
// closes it again. Used by the startup sanitize pass (SPEC_FULL §12.7).
func Verify(path string) error {
	a, err := Open(path, true)
	if err != nil {
		return err
	}
	return a.Close()
}

func writeHeader(f *os.File) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = 1 // container format version
	_, err := f.Write(hdr[:])
	return err
}

// scan reads every record sequentially, validating CRCs and rebuilding
// the key index. Tombstones remove prior entries; later records of the
// same key supersede earlier ones (last-write-wins), giving update() and
// delete() their append-only semantics.
func (a *Archive) scan() error {
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return ioErr("scan", err)
	}
	br := bufio.NewReader(a.f)

	var hdr [5]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		if err == io.EOF {
			return corruptf("scan", "empty archive")
		}
		return ioErr("scan", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return corruptf("scan", "bad magic")
	}
	if hdr[4] != 1 {
		return corruptf("scan", "unsupported container version %d", hdr[4])
	}

	offset := int64(len(hdr))
	for {
		recOffset := offset
		typ, key, meta, hasMeta, dataLen, err := readRecordHeader(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return corruptf("scan", "record at offset %d: %w", recOffset, err)
		}
		dataOffset := offset + int64(1+4+len(key)+1) + int64(boolToInt(hasMeta)*32) + 4
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(br, data); err != nil {
			return corruptf("scan", "short record body at offset %d: %w", recOffset, err)
		}
		var crcWant [4]byte
		if _, err := io.ReadFull(br, crcWant[:]); err != nil {
			return corruptf("scan", "missing crc at offset %d: %w", recOffset, err)
		}
		got := crc32.ChecksumIEEE(data)
		want := binary.BigEndian.Uint32(crcWant[:])
		if got != want {
			return corruptf("scan", "crc mismatch for key %q", key)
		}

		if typ == recTombstone {
			delete(a.index, key)
		} else {
			r := record{offset: dataOffset, length: dataLen, hasMeta: hasMeta}
			if hasMeta {
				r.meta = meta
			}
			a.index[key] = r
		}

		recLen := int64(1+4+len(key)+1) + int64(boolToInt(hasMeta)*32) + int64(4+dataLen) + 4
		offset += recLen
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// readRecordHeader reads one record's type/key/meta/data-length and
// leaves the reader positioned at the start of the data payload.
func readRecordHeader(r io.Reader) (typ byte, key string, meta [32]byte, hasMeta bool, dataLen uint32, err error) {
	var typBuf [1]byte
	if _, err = io.ReadFull(r, typBuf[:]); err != nil {
		return
	}
	typ = typBuf[0]

	var keyLenBuf [4]byte
	if _, err = io.ReadFull(r, keyLenBuf[:]); err != nil {
		return
	}
	keyLen := binary.BigEndian.Uint32(keyLenBuf[:])
	keyBuf := make([]byte, keyLen)
	if _, err = io.ReadFull(r, keyBuf); err != nil {
		return
	}
	key = string(keyBuf)

	var metaFlag [1]byte
	if _, err = io.ReadFull(r, metaFlag[:]); err != nil {
		return
	}
	hasMeta = metaFlag[0] != 0
	if hasMeta {
		if _, err = io.ReadFull(r, meta[:]); err != nil {
			return
		}
	}

	var dataLenBuf [4]byte
	if _, err = io.ReadFull(r, dataLenBuf[:]); err != nil {
		return
	}
	dataLen = binary.BigEndian.Uint32(dataLenBuf[:])
	return
}

// appendRecord appends one record (object or tombstone) to the file.
func (a *Archive) appendRecord(typ byte, key string, meta [32]byte, hasMeta bool, data []byte) (record, error) {
	if a.readOnly {
		return record{}, ioErr("append", fmt.Errorf("archive opened read-only"))
	}
	if _, err := a.f.Seek(0, io.SeekEnd); err != nil {
		return record{}, ioErr("append", err)
	}

	var buf []byte
	buf = append(buf, typ)
	var keyLen [4]byte
	binary.BigEndian.PutUint32(keyLen[:], uint32(len(key)))
	buf = append(buf, keyLen[:]...)
	buf = append(buf, key...)
	if hasMeta {
		buf = append(buf, 1)
		buf = append(buf, meta[:]...)
	} else {
		buf = append(buf, 0)
	}
	var dataLen [4]byte
	binary.BigEndian.PutUint32(dataLen[:], uint32(len(data)))
	buf = append(buf, dataLen[:]...)
	dataOffsetInRecord := len(buf)
	buf = append(buf, data...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(data))
	buf = append(buf, crc[:]...)

	pos, err := a.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return record{}, ioErr("append", err)
	}
	if _, err := a.f.Write(buf); err != nil {
		return record{}, ioErr("append", err)
	}
	if err := a.f.Sync(); err != nil {
		return record{}, ioErr("append", err)
	}

	r := record{offset: pos + int64(dataOffsetInRecord), length: uint32(len(data)), hasMeta: hasMeta}
	if hasMeta {
		r.meta = meta
	}
	return r, nil
}

// Publish adds a brand-new key. Returns a *Error{Kind: ErrAlreadyExistsKind}
// if key is already present.
func (a *Archive) Publish(key string, meta [32]byte, data []byte) error {
	if _, ok := a.index[key]; ok {
		return &Error{Kind: ErrAlreadyExistsKind, Op: "publish", Err: fmt.Errorf("key %q already exists", key)}
	}
	r, err := a.appendRecord(recObject, key, meta, true, data)
	if err != nil {
		return err
	}
	a.index[key] = r
	return nil
}

// ConsistencyCheck inspects the previously stored meta before an update
// or delete proceeds; returning false aborts the operation with
// ErrConsistencyFailedKind.
type ConsistencyCheck func(oldMeta [32]byte, hadMeta bool) bool

// Update overwrites an existing key's bytes (and meta) after running
// check against the stored meta.
func (a *Archive) Update(key string, meta [32]byte, data []byte, check ConsistencyCheck) error {
	old, ok := a.index[key]
	if !ok {
		return &Error{Kind: ErrNotFoundKind, Op: "update", Err: fmt.Errorf("key %q not found", key)}
	}
	if check != nil && !check(old.meta, old.hasMeta) {
		return &Error{Kind: ErrConsistencyFailedKind, Op: "update", Err: fmt.Errorf("consistency check failed for key %q", key)}
	}
	r, err := a.appendRecord(recObject, key, meta, true, data)
	if err != nil {
		return err
	}
	a.index[key] = r
	return nil
}

// Delete removes a key after running check against its stored meta.
func (a *Archive) Delete(key string, check ConsistencyCheck) error {
	old, ok := a.index[key]
	if !ok {
		return &Error{Kind: ErrNotFoundKind, Op: "delete", Err: fmt.Errorf("key %q not found", key)}
	}
	if check != nil && !check(old.meta, old.hasMeta) {
		return &Error{Kind: ErrConsistencyFailedKind, Op: "delete", Err: fmt.Errorf("consistency check failed for key %q", key)}
	}
	var zero [32]byte
	if _, err := a.appendRecord(recTombstone, key, zero, false, nil); err != nil {
		return err
	}
	delete(a.index, key)
	return nil
}

// Fetch returns the current bytes stored for key.
func (a *Archive) Fetch(key string) ([]byte, error) {
	r, ok := a.index[key]
	if !ok {
		return nil, &Error{Kind: ErrNotFoundKind, Op: "fetch", Err: fmt.Errorf("key %q not found", key)}
	}
	buf := make([]byte, r.length)
	if _, err := a.f.ReadAt(buf, r.offset); err != nil {
		return nil, ioErr("fetch", err)
	}
	return buf, nil
}

// Object is one (key, meta, bytes) triple yielded by Objects.
type Object struct {
	Key  string
	Meta [32]byte
	Data []byte
}

// Objects iterates every stored key except the reserved state key.
func (a *Archive) Objects(yield func(Object) bool) {
	for key, r := range a.index {
		if key == StateKey {
			continue
		}
		buf := make([]byte, r.length)
		if _, err := a.f.ReadAt(buf, r.offset); err != nil {
			continue
		}
		if !yield(Object{Key: key, Meta: r.meta, Data: buf}) {
			return
		}
	}
}

// Close closes the underlying file.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the container's on-disk path.
func (a *Archive) Path() string { return a.path }
