// Package httpclient implements the conditional-GET, size-bounded HTTP
// client used by the RRDP collector (spec §4.2).
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

const maxRedirects = 10

// LargeObject is returned when a response body would exceed the
// configured size limit.
type LargeObject struct {
	URI   uri.URI
	Limit int64
}

func (e *LargeObject) Error() string {
	return fmt.Sprintf("httpclient: %s exceeds size limit %d", e.URI, e.Limit)
}

// Config configures a Client; all fields are optional.
type Config struct {
	Timeout        time.Duration // per-request timeout
	ConnectTimeout time.Duration
	BindAddr       string          // local address to dial from
	Proxy          *url.URL        // explicit proxy, overrides environment
	Roots          *x509.CertPool  // trusted roots; when set, used instead of the system pool
	MaxBodySize    int64           // 0 means no limit enforced
	Limiter        *rate.Limiter   // optional request pacing shared across calls
}

// Client is the bounded HTTP client used for RRDP notification,
// snapshot, and delta fetches.
type Client struct {
	zerolog.Logger
	cfg Config
	hc  *http.Client
}

// New builds a Client from cfg.
func New(logger zerolog.Logger, cfg Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if cfg.BindAddr != "" {
		if addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr+":0"); err == nil {
			dialer.LocalAddr = addr
		}
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		Proxy:               http.ProxyFromEnvironment,
		DisableCompression:  true, // we negotiate gzip ourselves via klauspost/compress
		TLSClientConfig:     &tls.Config{RootCAs: cfg.Roots},
		MaxIdleConnsPerHost: 4,
	}
	if cfg.Proxy != nil {
		fixed := cfg.Proxy
		transport.Proxy = func(*http.Request) (*url.URL, error) { return fixed, nil }
	}

	c := &Client{
		Logger: logger.With().Str("component", "httpclient").Logger(),
		cfg:    cfg,
	}
	c.hc = &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// checkRedirect enforces spec §4.2: same scheme/host/port only, max 10 hops.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("httpclient: too many redirects (>%d)", maxRedirects)
	}
	prev := via[len(via)-1]
	if req.URL.Scheme != prev.URL.Scheme || req.URL.Host != prev.URL.Host {
		return fmt.Errorf("httpclient: redirect to different scheme/host rejected: %s -> %s", prev.URL, req.URL)
	}
	return nil
}

// Response is the result of a (conditional) GET.
type Response struct {
	StatusCode    int
	NotModified   bool
	ContentLength int64
	ETag          string
	LastModified  string
	Body          []byte // fully read, size-bounded
}

// Get performs an unconditional GET.
func (c *Client) Get(ctx context.Context, u uri.URI) (*Response, error) {
	return c.do(ctx, u, "", "")
}

// ConditionalGet performs a GET with If-None-Match / If-Modified-Since
// set from the previously stored ETag/Last-Modified, if any. A 304
// response is surfaced as Response.NotModified.
func (c *Client) ConditionalGet(ctx context.Context, u uri.URI, etag, lastModified string) (*Response, error) {
	return c.do(ctx, u, etag, lastModified)
}

func (c *Client) do(ctx context.Context, u uri.URI, etag, lastModified string) (*Response, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}
	if resp.StatusCode == http.StatusNotModified {
		out.NotModified = true
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpclient: %s: unexpected status %s", u, resp.Status)
	}

	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: %s: gzip: %w", u, err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := readBounded(body, u, c.cfg.MaxBodySize)
	if err != nil {
		return nil, err
	}
	out.Body = data
	return out, nil
}

// readBounded streams r into a pooled buffer, failing fast with
// LargeObject once limit bytes have been read (when limit > 0).
func readBounded(r io.Reader, u uri.URI, limit int64) ([]byte, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	if _, err := io.Copy(bb, r); err != nil {
		return nil, err
	}
	if limit > 0 && int64(bb.Len()) > limit {
		return nil, &LargeObject{URI: u, Limit: limit}
	}
	out := make([]byte, bb.Len())
	copy(out, bb.B)
	return out, nil
}

// IsLargeObject reports whether err is a LargeObject error.
func IsLargeObject(err error) bool {
	var lo *LargeObject
	return errors.As(err, &lo)
}
