package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/store"
)

func newTestEngine(t *testing.T, cacheRoot string) *Engine {
	t.Helper()
	return &Engine{
		Logger: zerolog.Nop(),
		cfg:    Config{CacheRoot: cacheRoot},
	}
}

func TestSanitizeCacheRemovesLeftoverTmpFiles(t *testing.T) {
	dir := t.TempDir()
	rrdpDir := filepath.Join(dir, "rrdp")
	require.NoError(t, os.MkdirAll(rrdpDir, 0o755))

	tmpPath := filepath.Join(rrdpDir, "abc.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))

	e := newTestEngine(t, dir)
	require.NoError(t, e.sanitizeCache())

	_, err := os.Stat(tmpPath)
	require.True(t, os.IsNotExist(err))
}

func TestSanitizeCacheRemovesCorruptArchives(t *testing.T) {
	dir := t.TempDir()
	rrdpDir := filepath.Join(dir, "rrdp")
	require.NoError(t, os.MkdirAll(rrdpDir, 0o755))

	corruptPath := filepath.Join(rrdpDir, "example.rc")
	require.NoError(t, os.WriteFile(corruptPath, []byte("not a valid archive"), 0o644))

	e := newTestEngine(t, dir)
	require.NoError(t, e.sanitizeCache())

	_, err := os.Stat(corruptPath)
	require.True(t, os.IsNotExist(err))
}

func TestSanitizeCacheKeepsValidArchives(t *testing.T) {
	dir := t.TempDir()
	rrdpDir := filepath.Join(dir, "rrdp")
	require.NoError(t, os.MkdirAll(rrdpDir, 0o755))

	archivePath := filepath.Join(rrdpDir, "good.rc")
	a, err := store.Create(archivePath)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	e := newTestEngine(t, dir)
	require.NoError(t, e.sanitizeCache())

	_, err = os.Stat(archivePath)
	require.NoError(t, err)
}

func TestSanitizeCacheNoopWhenCacheRootMissing(t *testing.T) {
	e := newTestEngine(t, filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, e.sanitizeCache())
}

func TestRejectedResourceCountHandlesNil(t *testing.T) {
	require.Equal(t, 0, rejectedResourceCount(nil))
}
