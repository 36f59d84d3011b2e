package rsync

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// fakeRsync writes a stub script that mimics rsync well enough for
// sync() to succeed: it copies one marker file into the destination
// directory (the second positional arg) and ignores everything else.
func fakeRsync(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake rsync script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "rsync")
	script := "#!/bin/sh\nfor a in \"$@\"; do dest=\"$a\"; done\nmkdir -p \"$dest\"\necho marker > \"$dest/marker.txt\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLoadModuleIdempotentWithinRun(t *testing.T) {
	bin := fakeRsync(t)
	cache := t.TempDir()
	c := New(zerolog.Nop(), Config{CacheRoot: cache, Binary: bin})
	run := c.StartRun()

	u := uri.MustParse("rsync://rpki.example.org/repo/ca/cert.cer")
	require.NoError(t, run.LoadModule(context.Background(), u))

	marker := filepath.Join(cache, "rsync", "rpki.example.org", "repo", "marker.txt")
	require.FileExists(t, marker)
	os.Remove(marker) // second call must not re-invoke rsync

	require.NoError(t, run.LoadModule(context.Background(), u))
	require.NoFileExists(t, marker)
}

func TestLoadModuleRejectsDubiousAuthority(t *testing.T) {
	c := New(zerolog.Nop(), Config{CacheRoot: t.TempDir(), Binary: fakeRsync(t)})
	run := c.StartRun()
	u := uri.MustParse("rsync://127.0.0.1/repo/ca/cert.cer")
	err := run.LoadModule(context.Background(), u)
	require.Error(t, err)
}

func TestCleanupRemovesUntouchedModules(t *testing.T) {
	cache := t.TempDir()
	c := New(zerolog.Nop(), Config{CacheRoot: cache, Binary: fakeRsync(t)})
	run := c.StartRun()

	kept := uri.MustParse("rsync://rpki.example.org/kept/cert.cer")
	require.NoError(t, run.LoadModule(context.Background(), kept))

	stalePath := filepath.Join(cache, "rsync", "rpki.example.org", "stale")
	require.NoError(t, os.MkdirAll(stalePath, 0o755))

	require.NoError(t, run.Cleanup())
	require.NoDirExists(t, stalePath)
	require.DirExists(t, filepath.Join(cache, "rsync", "rpki.example.org", "kept"))
}

func TestModuleDirLayout(t *testing.T) {
	c := New(zerolog.Nop(), Config{CacheRoot: "/cache"})
	require.Equal(t, filepath.Join("/cache", "rsync", "a.example.org", "mod"), c.moduleDir("a.example.org", "mod"))
}
