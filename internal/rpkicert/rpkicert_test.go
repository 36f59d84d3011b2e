package rpkicert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.tal")
	body := "# example TAL\n" +
		"rsync://rpki.example.org/repo/ta.cer\n" +
		"https://rpki.example.org/ta.cer\n" +
		"\n" +
		"MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAE\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tal, err := ParseTAL(path)
	require.NoError(t, err)
	require.Equal(t, "example", tal.Name)
	require.Len(t, tal.URIs, 2)
	require.NotEmpty(t, tal.SPKI)
}

func TestParseTALRejectsMissingURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tal")
	require.NoError(t, os.WriteFile(path, []byte("\nMFkw\n"), 0o644))
	_, err := ParseTAL(path)
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.tal", "b.tal"} {
		body := "rsync://rpki.example.org/repo/" + name + "\n\nMFkw\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	tals, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, tals, 2)
}

func TestClassifyExtension(t *testing.T) {
	cases := map[string]ObjectType{
		"ca.cer":    TypeCACertificate,
		"x.roa":     TypeROA,
		"x.asa":     TypeASPA,
		"x.gbr":     TypeGhostbusters,
		"repo.mft":  TypeManifest,
		"repo.crl":  TypeCRL,
		"weird.txt": TypeUnknown,
	}
	for name, want := range cases {
		require.Equal(t, want, ClassifyExtension(name), name)
	}
}

func TestObjectTypeString(t *testing.T) {
	require.Equal(t, "roa", TypeROA.String())
	require.Equal(t, "unknown", ObjectType(255).String())
}

func TestRouterKeyEntriesExpandsASRange(t *testing.T) {
	rc := &RouterCert{
		SubjectKeyID: []byte{1, 2, 3},
		PublicKey:    []byte{4, 5, 6},
		ASNs:         []ASRange{{Min: 65000, Max: 65002}},
	}
	entries := rc.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, uint32(65000), entries[0].ASN)
	require.Equal(t, uint32(65002), entries[2].ASN)
}
