// Package collector implements the transport façade (spec §4.5): for
// each publication point, try RRDP first when a notification URI is
// known and RRDP is enabled, fall through to rsync on Unavailable, and
// hide the choice from the validation engine behind a single "load this
// rsync URI" surface.
package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rpkiwire/rpki-rp/internal/rrdp"
	"github.com/rpkiwire/rpki-rp/internal/rsync"
	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// ErrUnreachable is returned when neither enabled transport could load
// a publication point.
var ErrUnreachable = errors.New("collector: publication point unreachable")

// Transport names which collector actually served a publication point,
// exposed for metrics only; the validator never branches on it.
type Transport uint8

const (
	TransportNone Transport = iota
	TransportRRDP
	TransportRsync
)

func (t Transport) String() string {
	switch t {
	case TransportRRDP:
		return "rrdp"
	case TransportRsync:
		return "rsync"
	default:
		return "none"
	}
}

// Config enables or disables each transport independently (SPEC_FULL §10.3).
type Config struct {
	RRDPEnabled  bool
	RsyncEnabled bool
}

// Facade wires the RRDP and rsync collectors behind the transport-choice policy.
type Facade struct {
	zerolog.Logger
	cfg  Config
	rrdp *rrdp.Collector
	rs   *rsync.Collector
}

// New builds a Facade. Either collector may be nil if its transport is disabled.
func New(logger zerolog.Logger, cfg Config, rrdpCollector *rrdp.Collector, rsyncCollector *rsync.Collector) *Facade {
	return &Facade{
		Logger: logger.With().Str("component", "collector").Logger(),
		cfg:    cfg,
		rrdp:   rrdpCollector,
		rs:     rsyncCollector,
	}
}

// Run scopes one validation pass: it tracks the single shared rsync Run
// so modules visited by different publication points within the pass
// are only synced once and are all candidates for end-of-run cleanup.
type Run struct {
	facade   *Facade
	rsyncRun *rsync.Run
}

// StartRun begins a new collection pass.
func (f *Facade) StartRun() *Run {
	var rr *rsync.Run
	if f.rs != nil {
		rr = f.rs.StartRun()
	}
	return &Run{facade: f, rsyncRun: rr}
}

// Cleanup removes any rsync module not visited during the run. A no-op
// if rsync was disabled for the whole run.
func (r *Run) Cleanup() error {
	if r.rsyncRun == nil {
		return nil
	}
	return r.rsyncRun.Cleanup()
}

// PointHandle lets the validator load any object URI that belongs to
// the publication point, regardless of which transport actually served it.
type PointHandle struct {
	transport Transport
	rrdpH     *rrdp.Handle
	rsyncRun  *rsync.Run
}

// Transport reports which transport served this handle, for metrics.
func (h *PointHandle) Transport() Transport { return h.transport }

// LoadFile returns the bytes published at u within this publication point.
func (h *PointHandle) LoadFile(u uri.URI) ([]byte, bool) {
	switch h.transport {
	case TransportRRDP:
		return h.rrdpH.LoadObject(u)
	case TransportRsync:
		return h.rsyncRun.LoadFile(u)
	default:
		return nil, false
	}
}

// Close releases any resources the handle holds open (the RRDP archive, if used).
func (h *PointHandle) Close() error {
	if h.transport == TransportRRDP && h.rrdpH != nil {
		return h.rrdpH.Close()
	}
	return nil
}

// LoadPoint loads a publication point identified by its rsync
// CA-repository URI and, optionally, an RRDP notification URI,
// returning a handle the validator uses for every subsequent file it
// needs from this point (spec §4.5).
func (r *Run) LoadPoint(ctx context.Context, caRepository, rrdpNotify uri.URI) (*PointHandle, Transport, error) {
	f := r.facade

	if f.cfg.RRDPEnabled && f.rrdp != nil && !rrdpNotify.IsZero() {
		result, handle, err := f.rrdp.LoadRepository(ctx, rrdpNotify)
		if err == nil && result != rrdp.Unavailable {
			return &PointHandle{transport: TransportRRDP, rrdpH: handle}, TransportRRDP, nil
		}
		f.Debug().Stringer("notify", rrdpNotify).Err(err).Msg("rrdp unavailable, falling back to rsync")
	}

	if f.cfg.RsyncEnabled && r.rsyncRun != nil {
		if err := r.rsyncRun.LoadModule(ctx, caRepository); err != nil {
			return nil, TransportNone, fmt.Errorf("collector: %w: %w", ErrUnreachable, err)
		}
		return &PointHandle{transport: TransportRsync, rsyncRun: r.rsyncRun}, TransportRsync, nil
	}

	return nil, TransportNone, ErrUnreachable
}
