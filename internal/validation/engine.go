// Package validation implements the tree walk (spec §4.6): starting
// from each trust anchor, it verifies certificates, manifests, and
// CRLs down to the leaf payload objects, propagating rejection up from
// any point that fails verification and tracking the union of
// resources held by rejected certificates so the snapshot builder can
// flag VRPs that claim them.
package validation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// Config bounds the walk's behaviour on specific edge cases the spec
// leaves as run-time policy rather than hardcoding them.
type Config struct {
	// MaxRestarts bounds the number of times a publication point is
	// re-fetched and re-walked after an object within it failed to load,
	// approximating restart-on-transient-corruption (spec §4.6) at the
	// granularity internal/collector exposes (whole-point re-fetch rather
	// than per-object retry, since PointReader.LoadFile reports only
	// found/not-found, not a corrupt-vs-missing distinction).
	MaxRestarts int
	// MaxPrefixLenIPv4/IPv6, if non-zero, silently drop any ROA prefix
	// entry whose maxLength exceeds the bound for its family (spec §4.6
	// "prefix-length filter": a silent drop, not a rejection).
	MaxPrefixLenIPv4 int
	MaxPrefixLenIPv6 int
	// MaxDepth bounds the CA tree's recursion depth as a backstop against
	// a maliciously or accidentally cyclic repository.
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxDepth == 0 {
		c.MaxDepth = 32
	}
	return c
}

// Engine walks the certificate tree from a set of trust anchors down to
// the leaf payload objects.
type Engine struct {
	zerolog.Logger
	loader Loader
	cfg    Config
}

// New builds an Engine. loader supplies the TA bootstrap fetch and the
// per-CA publication-point transport.
func New(logger zerolog.Logger, loader Loader, cfg Config) *Engine {
	return &Engine{
		Logger: logger.With().Str("component", "validation").Logger(),
		loader: loader,
		cfg:    cfg.withDefaults(),
	}
}

// Validate runs one complete tree walk over every configured trust
// anchor and returns the accumulated publication-point buffers and
// rejected-resources set.
func (e *Engine) Validate(ctx context.Context, tals []*rpkicert.TAL) (*Report, error) {
	rep := newReport()

	var wg sync.WaitGroup
	for _, tal := range tals {
		tal := tal
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.walkTA(ctx, tal, rep)
		}()
	}
	wg.Wait()

	return rep.finish(), nil
}

// walkTA bootstraps one trust anchor: fetch the TA certificate, check
// its pinned SPKI, and if it passes, begin the recursive walk from it.
func (e *Engine) walkTA(ctx context.Context, tal *rpkicert.TAL, rep *report) {
	log := e.Logger.With().Str("ta", tal.Name).Logger()

	der, err := e.loader.FetchTAL(ctx, tal)
	if err != nil {
		log.Warn().Err(err).Msg("trust anchor unreachable")
		return
	}
	cert, err := rpkicert.ParseCertificate(der)
	if err != nil {
		log.Warn().Err(err).Msg("trust anchor certificate malformed")
		return
	}
	if subtle.ConstantTimeCompare(cert.X509.RawSubjectPublicKeyInfo, tal.SPKI) != 1 {
		log.Warn().Msg("trust anchor SPKI does not match TAL")
		return
	}
	if !cert.IsCA || cert.CARepository.IsZero() || cert.ManifestURI.IsZero() {
		log.Warn().Msg("trust anchor certificate is not a usable CA certificate")
		return
	}
	if !cert.ValidAt(time.Now()) {
		log.Warn().Msg("trust anchor certificate not currently valid")
		rep.reject(cert.Resources)
		return
	}

	e.walkCA(ctx, &log, cert, rep, 0)
}

// walkCA processes one CA certificate's publication point: it loads the
// manifest and CRL, then dispatches every manifest entry (spec §4.6
// steps 1-5).
func (e *Engine) walkCA(ctx context.Context, log *zerolog.Logger, ca *rpkicert.Certificate, rep *report, depth int) {
	if depth > e.cfg.MaxDepth {
		log.Warn().Int("depth", depth).Msg("certificate tree too deep, rejecting subtree")
		rep.reject(ca.Resources)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRestarts; attempt++ {
		reader, err := e.loader.LoadPoint(ctx, ca.CARepository, ca.RRDPNotify)
		if err != nil {
			lastErr = err
			continue
		}
		ok, retry := e.walkPoint(ctx, log, ca, reader, rep, depth)
		if ok {
			return
		}
		if !retry {
			rep.reject(ca.Resources)
			return
		}
		lastErr = fmt.Errorf("publication point failed verification, retrying")
	}
	log.Warn().Err(lastErr).Stringer("repo", ca.CARepository).Msg("publication point rejected after exhausting restarts")
	rep.reject(ca.Resources)
}

// walkPoint verifies one fetch of a CA's publication point. It returns
// ok=true once the point has been fully processed and its children
// dispatched (success does not imply every object was accepted: bad
// individual objects are simply excluded, per spec, without rejecting
// siblings). retry=true signals a failure class worth re-fetching the
// point for (a missing file, which restart-on-transient-corruption is
// meant to paper over); retry=false signals an unconditional rejection
// (bad signature, stale manifest, revoked EE).
func (e *Engine) walkPoint(ctx context.Context, log *zerolog.Logger, ca *rpkicert.Certificate, reader PointReader, rep *report, depth int) (ok bool, retry bool) {
	mftBytes, found := reader.LoadFile(ca.ManifestURI)
	if !found {
		return false, true
	}
	mftSigned, err := rpkicert.ParseSignedObject(mftBytes)
	if err != nil {
		log.Debug().Err(err).Msg("manifest envelope verification failed")
		return false, false
	}
	if err := verifyChain(mftSigned.EECert, ca); err != nil {
		log.Debug().Err(err).Msg("manifest EE certificate does not chain to CA")
		return false, false
	}
	mft, err := rpkicert.ParseManifest(mftSigned.Content)
	if err != nil {
		log.Debug().Err(err).Msg("manifest content malformed")
		return false, false
	}
	now := time.Now()
	if now.Before(mft.ThisUpdate) || now.After(mft.NextUpdate) {
		log.Debug().Time("thisUpdate", mft.ThisUpdate).Time("nextUpdate", mft.NextUpdate).Msg("manifest stale or not yet valid")
		return false, false
	}

	var crlEntry *rpkicert.ManifestEntry
	for i, e := range mft.Entries {
		if rpkicert.ClassifyExtension(e.Name) == rpkicert.TypeCRL {
			if crlEntry != nil {
				log.Debug().Msg("manifest lists more than one CRL")
				return false, false
			}
			crlEntry = &mft.Entries[i]
		}
	}
	if crlEntry == nil {
		log.Debug().Msg("manifest lists no CRL")
		return false, false
	}
	crlURI, err := uri.RelativeTo(ca.CARepository, crlEntry.Name)
	if err != nil {
		return false, false
	}
	crlBytes, found := reader.LoadFile(crlURI)
	if !found {
		return false, true
	}
	if sha256.Sum256(crlBytes) != crlEntry.Hash {
		log.Debug().Msg("crl content hash mismatch")
		return false, false
	}
	crl, err := rpkicert.ParseCRL(crlBytes)
	if err != nil {
		log.Debug().Err(err).Msg("crl malformed")
		return false, false
	}
	if err := crl.CheckSignatureFrom(ca.X509); err != nil {
		log.Debug().Err(err).Msg("crl signature does not chain to CA")
		return false, false
	}
	if crl.Revoked(mftSigned.EECert.X509.SerialNumber) {
		log.Debug().Msg("manifest EE certificate revoked")
		return false, false
	}

	buf := payload.PointBuffer{RefreshDeadline: mft.NextUpdate}
	if ca.CombinedNotAfter.Before(buf.RefreshDeadline) || buf.RefreshDeadline.IsZero() {
		buf.RefreshDeadline = ca.CombinedNotAfter
	}

	var childWG sync.WaitGroup
	for _, entry := range mft.Entries {
		entry := entry
		if entry.Name == crlEntry.Name || rpkicert.ClassifyExtension(entry.Name) == rpkicert.TypeCRL {
			continue
		}
		objURI, err := uri.RelativeTo(ca.CARepository, entry.Name)
		if err != nil {
			continue
		}
		objType := rpkicert.ClassifyExtension(entry.Name)
		if objType == rpkicert.TypeCACertificate {
			// CA vs router certificate is ambiguous until parsed; dispatch
			// each in its own goroutine rather than inline like the ROA/ASPA
			// branch below, since a CA child recurses into its own point.
			childWG.Add(1)
			go func() {
				defer childWG.Done()
				e.dispatchCertificateEntry(ctx, log, ca, entry, objURI, reader, crl, rep, depth)
			}()
			continue
		}
		e.dispatchLeafEntry(log, entry, objURI, objType, reader, crl, &buf)
	}
	childWG.Wait()

	rep.addBuffer(buf)
	return true, false
}

// verifyChain checks that ee was issued by issuer, narrows ee's combined
// validity to the intersection with issuer's, and confirms ee is
// currently valid under that intersection.
func verifyChain(ee, issuer *rpkicert.Certificate) error {
	if err := ee.X509.CheckSignatureFrom(issuer.X509); err != nil {
		return err
	}
	ee.IntersectValidity(issuer)
	if !ee.ValidAt(time.Now()) {
		return fmt.Errorf("certificate outside combined validity window")
	}
	return nil
}

// resolveInheritedResources replaces any "inherit" resource family on
// cert with the issuer's already-resolved set for that family, so a
// certificate that inherits everything still contributes concrete
// resources to the rejected-resources set if it is later rejected.
func resolveInheritedResources(cert, issuer *rpkicert.Certificate) {
	if cert.Resources.InheritIPv4 {
		cert.Resources.IPv4 = append([]netip.Prefix(nil), issuer.Resources.IPv4...)
	}
	if cert.Resources.InheritIPv6 {
		cert.Resources.IPv6 = append([]netip.Prefix(nil), issuer.Resources.IPv6...)
	}
	if cert.Resources.InheritASN {
		cert.Resources.ASNs = append([]rpkicert.ASRange(nil), issuer.Resources.ASNs...)
	}
}

// dispatchCertificateEntry handles a manifest entry classified as a
// .cer file: it may turn out to be a CA (recurse) or a router
// certificate (a leaf contributing router-key entries), resolved only
// once the certificate itself is parsed (SPEC_FULL §12.4).
func (e *Engine) dispatchCertificateEntry(ctx context.Context, log *zerolog.Logger, parent *rpkicert.Certificate, entry rpkicert.ManifestEntry, objURI uri.URI, reader PointReader, crl *rpkicert.CRL, rep *report, depth int) {
	der, found := reader.LoadFile(objURI)
	if !found {
		return // missing child object: skip it, do not reject the parent point
	}
	if sha256.Sum256(der) != entry.Hash {
		log.Debug().Str("file", entry.Name).Msg("certificate content hash mismatch")
		return
	}
	cert, err := rpkicert.ParseCertificate(der)
	if err != nil {
		log.Debug().Err(err).Str("file", entry.Name).Msg("certificate malformed")
		return
	}
	if err := verifyChain(cert, parent); err != nil {
		log.Debug().Err(err).Str("file", entry.Name).Msg("certificate does not chain to issuer")
		return
	}
	resolveInheritedResources(cert, parent)
	if crl.Revoked(cert.X509.SerialNumber) {
		log.Debug().Str("file", entry.Name).Msg("certificate revoked")
		return
	}

	switch rpkicert.ClassifyCertificate(cert) {
	case rpkicert.TypeRouterCertificate:
		rc, err := rpkicert.NewRouterCert(cert)
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name).Msg("router certificate malformed")
			return
		}
		keys := rc.Entries()
		childBuf := toPointBuffer(nil, keys, nil, cert.CombinedNotAfter)
		rep.addBuffer(childBuf)
	default:
		if cert.CARepository.IsZero() || cert.ManifestURI.IsZero() {
			log.Debug().Str("file", entry.Name).Msg("CA certificate missing repository or manifest location")
			return
		}
		e.walkCA(ctx, log, cert, rep, depth+1)
	}
}

// dispatchLeafEntry handles a manifest entry that is not a certificate:
// ROA, ASPA, Ghostbusters, or anything else, cross-checking that the
// parsed content actually matches what the file extension promised
// (SPEC_FULL §12.4).
func (e *Engine) dispatchLeafEntry(log *zerolog.Logger, entry rpkicert.ManifestEntry, objURI uri.URI, objType rpkicert.ObjectType, reader PointReader, crl *rpkicert.CRL, buf *payload.PointBuffer) {
	raw, found := reader.LoadFile(objURI)
	if !found {
		return
	}
	if sha256.Sum256(raw) != entry.Hash {
		log.Debug().Str("file", entry.Name).Msg("object content hash mismatch")
		return
	}

	switch objType {
	case rpkicert.TypeGhostbusters:
		// Recognized but not interpreted: verify the envelope so a
		// corrupt Ghostbusters record is still noticed, but its content
		// never contributes to the payload (SPEC_FULL §12.3).
		if _, err := rpkicert.ParseSignedObject(raw); err != nil {
			log.Debug().Err(err).Str("file", entry.Name).Msg("ghostbusters envelope invalid")
		}
		return
	case rpkicert.TypeROA, rpkicert.TypeASPA:
		// handled below
	default:
		log.Debug().Str("file", entry.Name).Msg("unrecognized manifest entry type")
		return
	}

	signed, err := rpkicert.ParseSignedObject(raw)
	if err != nil {
		log.Debug().Err(err).Str("file", entry.Name).Msg("signed object envelope invalid")
		return
	}
	if crl.Revoked(signed.EECert.X509.SerialNumber) {
		log.Debug().Str("file", entry.Name).Msg("EE certificate revoked")
		return
	}

	switch objType {
	case rpkicert.TypeROA:
		roa, err := rpkicert.ParseROA(signed.Content)
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name).Msg("content does not parse as a ROA: extension/content mismatch")
			return
		}
		for _, p := range roa.Prefixes {
			if limit := e.prefixLenLimit(p.Prefix); limit > 0 && p.MaxLength > limit {
				continue // silent drop, not a rejection
			}
			buf.Origins = append(buf.Origins, payload.VRP{ASN: roa.ASN, Prefix: p.Prefix, MaxLength: p.MaxLength})
		}
	case rpkicert.TypeASPA:
		aspa, err := rpkicert.ParseASPA(signed.Content)
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name).Msg("content does not parse as an ASPA: extension/content mismatch")
			return
		}
		providers := append([]uint32(nil), aspa.Providers...)
		slices.Sort(providers)
		providers = slices.Compact(providers)
		// RFC 9582 ASPA objects are address-family agnostic; the RTR
		// protocol splits them into a v4 and a v6 PDU, so the payload
		// model carries both from one source object.
		buf.ASPAs = append(buf.ASPAs,
			payload.ASPA{Customer: aspa.CustomerASN, Family: payload.FamilyIPv4, Providers: providers},
			payload.ASPA{Customer: aspa.CustomerASN, Family: payload.FamilyIPv6, Providers: append([]uint32(nil), providers...)},
		)
	}
}

func (e *Engine) prefixLenLimit(p netip.Prefix) int {
	if p.Addr().Is4() {
		return e.cfg.MaxPrefixLenIPv4
	}
	return e.cfg.MaxPrefixLenIPv6
}

func toPointBuffer(origins []payload.VRP, keys []rpkicert.RouterKeyEntry, aspas []payload.ASPA, refreshDeadline time.Time) payload.PointBuffer {
	var rks []payload.RouterKey
	for _, k := range keys {
		rks = append(rks, payload.RouterKey{ASN: k.ASN, SubjectKeyID: k.SubjectKeyID, PublicKey: k.PublicKey})
	}
	return payload.PointBuffer{Origins: origins, RouterKeys: rks, ASPAs: aspas, RefreshDeadline: refreshDeadline}
}
