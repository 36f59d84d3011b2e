// Package uri implements the two typed URI variants a publication point
// is addressed by: rsync:// and https://.
package uri

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Scheme identifies the transport a URI was parsed for.
type Scheme uint8

const (
	SchemeRsync Scheme = iota
	SchemeHTTPS
)

func (s Scheme) String() string {
	switch s {
	case SchemeRsync:
		return "rsync"
	case SchemeHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// URI is a parsed, canonicalized rsync:// or https:// reference.
//
// Authority is always lowercased ASCII. Path keeps its original case and
// leading slash.
type URI struct {
	Scheme    Scheme
	Authority string // host[:port], lowercased
	Path      string // includes leading "/"
}

// Parse parses raw into a URI, rejecting anything that isn't rsync:// or https://.
func Parse(raw string) (URI, error) {
	var u URI
	switch {
	case strings.HasPrefix(raw, "rsync://"):
		u.Scheme = SchemeRsync
		raw = raw[len("rsync://"):]
	case strings.HasPrefix(raw, "https://"):
		u.Scheme = SchemeHTTPS
		raw = raw[len("https://"):]
	default:
		return URI{}, fmt.Errorf("uri: unsupported scheme in %q", raw)
	}

	idx := strings.IndexByte(raw, '/')
	if idx < 0 {
		u.Authority = strings.ToLower(raw)
		u.Path = "/"
	} else {
		u.Authority = strings.ToLower(raw[:idx])
		u.Path = raw[idx:]
	}
	if u.Authority == "" {
		return URI{}, fmt.Errorf("uri: empty authority in %q", raw)
	}
	return u, nil
}

// MustParse is Parse but panics on error; intended for constants in tests.
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String reassembles the canonical URI text.
func (u URI) String() string {
	return u.Scheme.String() + "://" + u.Authority + u.Path
}

// IsZero reports whether u is the zero value (unset).
func (u URI) IsZero() bool {
	return u.Authority == "" && u.Path == ""
}

// host returns the authority without an explicit port, if any.
func (u URI) host() string {
	h, _, err := net.SplitHostPort(u.Authority)
	if err != nil {
		return u.Authority
	}
	return h
}

// hasExplicitPort reports whether the authority carries ":port".
func (u URI) hasExplicitPort() bool {
	_, _, err := net.SplitHostPort(u.Authority)
	return err == nil
}

// Dubious reports whether u has a dubious authority: localhost, an IP
// literal, or an explicit port. Dubious URIs must be refused before any
// network I/O (spec §3).
func (u URI) Dubious() bool {
	h := u.host()
	if h == "localhost" {
		return true
	}
	if _, err := netip.ParseAddr(strings.Trim(h, "[]")); err == nil {
		return true
	}
	if u.hasExplicitPort() {
		return true
	}
	return false
}

// Module returns the rsync module identity (authority, first path
// segment) used by the rsync collector for its per-module lock (spec §4.4).
// Only meaningful for SchemeRsync URIs.
func (u URI) Module() (authority, segment string) {
	p := strings.TrimPrefix(u.Path, "/")
	if idx := strings.IndexByte(p, '/'); idx >= 0 {
		return u.Authority, p[:idx]
	}
	return u.Authority, p
}

// RelativeTo resolves a possibly-relative reference against base, used
// when RRDP notification/snapshot/delta files reference object URIs
// relative to their own location. Both rsync:// and https:// absolute
// refs are passed through unchanged; anything else is resolved as a
// path relative to base's directory.
func RelativeTo(base URI, ref string) (URI, error) {
	if strings.HasPrefix(ref, "rsync://") || strings.HasPrefix(ref, "https://") {
		return Parse(ref)
	}
	if !strings.HasPrefix(ref, "/") {
		dir := base.Path
		if idx := strings.LastIndexByte(dir, '/'); idx >= 0 {
			dir = dir[:idx+1]
		}
		ref = dir + ref
	}
	return URI{Scheme: base.Scheme, Authority: base.Authority, Path: ref}, nil
}
