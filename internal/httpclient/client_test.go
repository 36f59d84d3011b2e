package httpclient

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

func newTLSTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return srv, pool
}

func TestConditionalGetNotModified(t *testing.T) {
	srv, roots := newTLSTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("notification body"))
	})

	c := New(zerolog.Nop(), Config{Roots: roots})
	u := httpTestURI(t, srv.URL)

	resp, err := c.Get(t.Context(), u)
	require.NoError(t, err)
	require.Equal(t, []byte("notification body"), resp.Body)
	require.Equal(t, `"v1"`, resp.ETag)

	resp2, err := c.ConditionalGet(t.Context(), u, `"v1"`, "")
	require.NoError(t, err)
	require.True(t, resp2.NotModified)
}

func TestSizeLimitEnforced(t *testing.T) {
	srv, roots := newTLSTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	})

	c := New(zerolog.Nop(), Config{Roots: roots, MaxBodySize: 10})
	u := httpTestURI(t, srv.URL)

	_, err := c.Get(t.Context(), u)
	require.Error(t, err)
	require.True(t, IsLargeObject(err))
}

func httpTestURI(t *testing.T, base string) uri.URI {
	t.Helper()
	u, err := uri.Parse(base + "/notification.xml")
	require.NoError(t, err)
	return u
}
