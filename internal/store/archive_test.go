package store

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFetchUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.rpk")

	a, err := Create(path)
	require.NoError(t, err)

	data := []byte("hello rpki object")
	hash := sha256.Sum256(data)
	require.NoError(t, a.Publish("rsync://repo/module/a.cer", hash, data))

	err = a.Publish("rsync://repo/module/a.cer", hash, data)
	require.Error(t, err)
	var serr *Error
	require.True(t, asError(err, &serr))
	require.Equal(t, ErrAlreadyExistsKind, serr.Kind)

	got, err := a.Fetch("rsync://repo/module/a.cer")
	require.NoError(t, err)
	require.Equal(t, data, got)

	newData := []byte("updated object bytes")
	newHash := sha256.Sum256(newData)
	require.NoError(t, a.Update("rsync://repo/module/a.cer", newHash, newData, func(old [32]byte, hadMeta bool) bool {
		return hadMeta && old == hash
	}))

	got, err = a.Fetch("rsync://repo/module/a.cer")
	require.NoError(t, err)
	require.Equal(t, newData, got)

	err = a.Update("rsync://repo/module/a.cer", newHash, newData, func(old [32]byte, hadMeta bool) bool {
		return old == hash // stale check must fail now
	})
	require.Error(t, err)
	require.True(t, asError(err, &serr))
	require.Equal(t, ErrConsistencyFailedKind, serr.Kind)

	require.NoError(t, a.Delete("rsync://repo/module/a.cer", nil))
	_, err = a.Fetch("rsync://repo/module/a.cer")
	require.Error(t, err)

	require.NoError(t, a.Close())
}

func TestObjectsIteration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.rpk")
	a, err := Create(path)
	require.NoError(t, err)

	want := map[string][]byte{
		"rsync://repo/module/a.cer": []byte("a"),
		"rsync://repo/module/b.roa": []byte("b"),
		"rsync://repo/module/c.crl": []byte("c"),
	}
	for k, v := range want {
		h := sha256.Sum256(v)
		require.NoError(t, a.Publish(k, h, v))
	}

	got := make(map[string][]byte)
	a.Objects(func(o Object) bool {
		got[o.Key] = o.Data
		return true
	})
	require.Equal(t, want, got)
	require.NoError(t, a.Close())
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.rpk")
	a, err := Create(path)
	require.NoError(t, err)

	s := &State{
		NotifyURI:      "https://rrdp.example.com/notification.xml",
		Serial:         42,
		UpdatedTS:      1000,
		BestBeforeTS:   2000,
		HasLastModTS:   true,
		LastModifiedTS: 999,
		HasETag:        true,
		ETag:           []byte(`"abc123"`),
		DeltaState: map[uint64][32]byte{
			40: sha256.Sum256([]byte("delta40")),
			41: sha256.Sum256([]byte("delta41")),
		},
	}
	copy(s.Session[:], []byte("0123456789abcdef"))

	require.NoError(t, SaveState(a, s))
	require.NoError(t, a.Close())

	a2, err := Open(path, false)
	require.NoError(t, err)
	got, err := LoadState(a2)
	require.NoError(t, err)
	require.Equal(t, s, got)
	require.NoError(t, a2.Close())
}

func TestOpenDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.rpk")
	a, err := Create(path)
	require.NoError(t, err)
	data := []byte("x")
	h := sha256.Sum256(data)
	require.NoError(t, a.Publish("k", h, data))
	require.NoError(t, a.Close())

	// truncate file mid-record to simulate a crash during write
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	_, err = Open(path, true)
	require.Error(t, err)
	require.True(t, IsCorrupt(err))
}
