// Package rpkicert implements the RPKI object model consumed by the
// validation engine: trust anchor locators, certificates with their
// resource extensions, manifests, CRLs, and the three payload object
// types (ROA, router certificate, ASPA), plus the CMS envelope and
// signature verification every signed object is wrapped in.
package rpkicert

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// TAL is a parsed trust anchor locator (spec §6): one or more URIs to
// fetch the TA certificate from, plus the pinned subject public key
// info the downloaded certificate's SPKI must match bitwise.
type TAL struct {
	Name string
	URIs []uri.URI // tried in listed order; the first that succeeds wins (SPEC_FULL §12.9)
	SPKI []byte    // DER-encoded SubjectPublicKeyInfo
}

// ParseTAL parses a TAL file: comment lines, one or more URIs, a blank
// line, then base64-encoded DER of the subject public key info.
func ParseTAL(path string) (*TAL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: open tal %s: %w", path, err)
	}
	defer f.Close()

	t := &TAL{Name: strings.TrimSuffix(fileBase(path), ".tal")}
	var b64 strings.Builder
	parsingURIs := true

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#"):
			continue
		case line == "":
			parsingURIs = false
		case parsingURIs:
			u, err := uri.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("rpkicert: tal %s: bad uri %q: %w", path, line, err)
			}
			t.URIs = append(t.URIs, u)
		default:
			b64.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rpkicert: read tal %s: %w", path, err)
	}
	if len(t.URIs) == 0 {
		return nil, fmt.Errorf("rpkicert: tal %s: no URIs", path)
	}
	hasRsyncOrHTTPS := false
	for _, u := range t.URIs {
		if u.Scheme == uri.SchemeRsync || u.Scheme == uri.SchemeHTTPS {
			hasRsyncOrHTTPS = true
		}
	}
	if !hasRsyncOrHTTPS {
		return nil, fmt.Errorf("rpkicert: tal %s: no rsync:// or https:// URI", path)
	}

	spki, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, fmt.Errorf("rpkicert: tal %s: bad spki base64: %w", path, err)
	}
	t.SPKI = spki
	return t, nil
}

func fileBase(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		path = path[idx+1:]
	}
	return path
}

// LoadDir parses every *.tal file in dir.
func LoadDir(dir string) ([]*TAL, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rpkicert: read tal dir %s: %w", dir, err)
	}
	var tals []*TAL
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tal") {
			continue
		}
		t, err := ParseTAL(dir + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		tals = append(tals, t)
	}
	return tals, nil
}
