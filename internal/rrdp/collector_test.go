package rrdp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/httpclient"
	"github.com/rpkiwire/rpki-rp/internal/uri"
)

func newTestCollector(t *testing.T, srv *httptest.Server) (*Collector, string) {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	hc := httpclient.New(zerolog.Nop(), httpclient.Config{Roots: pool})
	dir := t.TempDir()
	reasons := []SnapshotReason{}
	c := New(zerolog.Nop(), hc, Config{
		CacheRoot:       dir,
		RefreshInterval: time.Minute,
		FallbackTTL:     10 * time.Minute,
	}, func(_ uri.URI, r SnapshotReason) { reasons = append(reasons, r) })
	return c, dir
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func buildSnapshot(session uuid.UUID, serial uint64, objURI string, data string) string {
	return fmt.Sprintf(`<snapshot version="1" session_id="%s" serial="%d"><publish uri="%s">%s</publish></snapshot>`,
		session, serial, objURI, b64(data))
}

func TestLoadRepositoryBootstrapsFromSnapshot(t *testing.T) {
	session := uuid.New()
	objData := "hello rpki"
	objURI := "rsync://rpki.example.org/repo/ca.cer"

	mux := httptest.NewServeMux()
	srv := httptest.NewUnstartedServer(mux)
	srv.TLS = &tls.Config{}
	srv.StartTLS()
	defer srv.Close()

	snapURI := srv.URL + "/snapshot.xml"
	snapBody := buildSnapshot(session, 5, objURI, objData)
	snapHash := HashBody([]byte(snapBody))

	mux.HandleFunc("/snapshot.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(snapBody))
	})
	mux.HandleFunc("/notification.xml", func(w http.ResponseWriter, r *http.Request) {
		body := fmt.Sprintf(`<notification version="1" session_id="%s" serial="5">
			<snapshot uri="%s" hash="%x"/>
		</notification>`, session, snapURI, snapHash)
		w.Write([]byte(body))
	})

	c, _ := newTestCollector(t, srv)
	c.skipDubiousCheck = true
	notify := uri.MustParse(srv.URL + "/notification.xml")

	result, handle, err := c.LoadRepository(context.Background(), notify)
	require.NoError(t, err)
	require.Equal(t, Updated, result)
	require.NotNil(t, handle)
	defer handle.Close()

	data, ok := handle.LoadObject(uri.MustParse(objURI))
	require.True(t, ok)
	require.Equal(t, objData, string(data))
}

func TestLoadRepositoryDubiousURIIsUnavailable(t *testing.T) {
	srv := httptest.NewTLSServer(nil)
	defer srv.Close()
	c, _ := newTestCollector(t, srv)
	notify := uri.MustParse("https://example.org:8443/notification.xml")
	result, handle, err := c.LoadRepository(context.Background(), notify)
	require.NoError(t, err)
	require.Equal(t, Unavailable, result)
	require.Nil(t, handle)
}

func TestArchivePathStableAndNamespaced(t *testing.T) {
	c := &Collector{cfg: Config{CacheRoot: t.TempDir()}}
	u := uri.MustParse("https://rrdp.example.org/notification.xml")
	p1 := c.archivePath(u)
	p2 := c.archivePath(u)
	require.Equal(t, p1, p2)
	require.Equal(t, filepath.Join(c.cfg.CacheRoot, "rrdp"), filepath.Dir(p1))
	_, err := os.Stat(p1)
	require.Error(t, err) // nothing written yet, path just computed
}
