package uri

import "testing"

import "github.com/stretchr/testify/require"

func TestParse(t *testing.T) {
	u, err := Parse("rsync://Repo.Example.Com/module/path/object.cer")
	require.NoError(t, err)
	require.Equal(t, SchemeRsync, u.Scheme)
	require.Equal(t, "repo.example.com", u.Authority)
	require.Equal(t, "/module/path/object.cer", u.Path)
	require.Equal(t, "rsync://repo.example.com/module/path/object.cer", u.String())

	_, err = Parse("ftp://nope/")
	require.Error(t, err)

	_, err = Parse("https://")
	require.Error(t, err)
}

func TestDubious(t *testing.T) {
	cases := []struct {
		raw     string
		dubious bool
	}{
		{"https://rrdp.example.com/notification.xml", false},
		{"https://localhost/notification.xml", true},
		{"https://127.0.0.1/notification.xml", true},
		{"https://[::1]/notification.xml", true},
		{"https://rrdp.example.com:8443/notification.xml", true},
		{"rsync://repo.example.net/module/path", false},
	}
	for _, c := range cases {
		u := MustParse(c.raw)
		require.Equalf(t, c.dubious, u.Dubious(), "uri=%s", c.raw)
	}
}

func TestModule(t *testing.T) {
	u := MustParse("rsync://repo.example.net/module/path/file.cer")
	auth, seg := u.Module()
	require.Equal(t, "repo.example.net", auth)
	require.Equal(t, "module", seg)
}

func TestRelativeTo(t *testing.T) {
	base := MustParse("https://rrdp.example.com/rrdp/notification.xml")
	rel, err := RelativeTo(base, "deltas/42.xml")
	require.NoError(t, err)
	require.Equal(t, "https://rrdp.example.com/rrdp/deltas/42.xml", rel.String())

	abs, err := RelativeTo(base, "rsync://repo.example.com/module/a.cer")
	require.NoError(t, err)
	require.Equal(t, SchemeRsync, abs.Scheme)
}
