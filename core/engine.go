// Package core wires every collector, validation, payload, and surface
// package into one running relying-party process: configuration,
// startup sanitation, the trust anchor validation loop, and the
// monitor/RTR-source surfaces it feeds.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rpkiwire/rpki-rp/internal/collector"
	"github.com/rpkiwire/rpki-rp/internal/httpapi"
	"github.com/rpkiwire/rpki-rp/internal/httpclient"
	"github.com/rpkiwire/rpki-rp/internal/metrics"
	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/rescount"
	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
	"github.com/rpkiwire/rpki-rp/internal/rrdp"
	"github.com/rpkiwire/rpki-rp/internal/rsync"
	"github.com/rpkiwire/rpki-rp/internal/rtrsource"
	"github.com/rpkiwire/rpki-rp/internal/slurm"
	"github.com/rpkiwire/rpki-rp/internal/store"
	"github.com/rpkiwire/rpki-rp/internal/uri"
	"github.com/rpkiwire/rpki-rp/internal/validation"
)

// Engine owns one relying party's full lifecycle: configuration has
// already happened by the time New returns, but the subsystems that
// must start after any optional daemonization come up later: the HTTP
// client pool and collectors inside Ignite, the monitor listener in Run.
type Engine struct {
	zerolog.Logger

	cfg  Config
	tals []*rpkicert.TAL

	http       *httpclient.Client
	rrdp       *rrdp.Collector
	rsync      *rsync.Collector
	facade     *collector.Facade
	metrics    *metrics.Collector
	monitor    *httpapi.Server
	history    *payload.History
	exceptions *slurm.Exceptions
	rtr        *rtrsource.Source

	ignited bool
}

// New loads the trust anchors and builds every subsystem that has no
// external side effect of its own; it does not open a socket, spawn a
// subprocess, or touch the cache directory. Call Ignite before Run.
func New(logger zerolog.Logger, cfg Config) (*Engine, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	log := logger.Level(level).With().Str("component", "core").Logger()

	tals, err := rpkicert.LoadDir(cfg.TALDir)
	if err != nil {
		return nil, fmt.Errorf("core: load TALs: %w", err)
	}
	if len(tals) == 0 {
		return nil, ErrNoTALs
	}

	exceptions := slurm.Empty
	if cfg.SlurmFile != "" {
		exceptions, err = slurm.Load(cfg.SlurmFile)
		if err != nil {
			return nil, fmt.Errorf("core: load SLURM file: %w", err)
		}
	}

	history := payload.NewHistory(sessionSeed(), cfg.Refresh)
	if cfg.Retention > 0 {
		history.SetRetention(cfg.Retention)
	}

	e := &Engine{
		Logger:     log,
		cfg:        cfg,
		tals:       tals,
		history:    history,
		exceptions: exceptions,
		metrics:    metrics.New(),
	}
	e.rtr = rtrsource.New(history)
	e.monitor = httpapi.New(log, cfg.Listen, history, e.metrics)
	return e, nil
}

// sessionSeed derives the RTR session id from the process start time in
// nanoseconds. Only its low 16 bits reach the wire (payload.WireSessionID),
// so two restarts can occasionally share a wire session id, which RTR
// clients already tolerate via a cache reset.
func sessionSeed() uint64 {
	return uint64(time.Now().UnixNano())
}

// Ignite brings up every subsystem that must start after optional
// daemonization: the HTTP client pool, the rsync and RRDP collectors,
// and the startup cache sanitize pass (spec §5 "Ignition",
// SPEC_FULL §12.7). It is idempotent; calling it twice is a no-op.
func (e *Engine) Ignite(ctx context.Context) error {
	if e.ignited {
		return nil
	}

	if err := os.MkdirAll(e.cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("core: create cache root: %w", err)
	}
	if err := e.sanitizeCache(); err != nil {
		return fmt.Errorf("core: sanitize cache: %w", err)
	}

	e.http = httpclient.New(e.Logger, httpclient.Config{
		Timeout:        e.cfg.HTTPTimeout,
		ConnectTimeout: e.cfg.HTTPConnectTimeout,
		BindAddr:       e.cfg.HTTPBindAddr,
		Limiter:        rate.NewLimiter(rate.Limit(20), 40),
	})

	if e.cfg.RRDPEnabled {
		e.rrdp = rrdp.New(e.Logger, e.http, rrdp.Config{
			CacheRoot:       filepath.Join(e.cfg.CacheRoot, "rrdp"),
			RefreshInterval: e.cfg.Refresh,
			FallbackTTL:     24 * time.Hour,
			Limiter:         rate.NewLimiter(rate.Limit(10), 20),
		}, e.onSnapshotReason)
	}
	if e.cfg.RsyncEnabled {
		e.rsync = rsync.New(e.Logger, rsync.Config{
			CacheRoot:      e.cfg.CacheRoot,
			Binary:         e.cfg.RsyncBinary,
			Timeout:        e.cfg.RsyncTimeout,
			ConnectTimeout: e.cfg.RsyncConnTimeout,
		})
	}
	e.facade = collector.New(e.Logger, collector.Config{
		RRDPEnabled:  e.cfg.RRDPEnabled,
		RsyncEnabled: e.cfg.RsyncEnabled,
	}, e.rrdp, e.rsync)

	e.ignited = true
	return nil
}

// onSnapshotReason is the hook internal/rrdp invokes whenever a
// repository falls back to a full snapshot instead of applying deltas.
func (e *Engine) onSnapshotReason(notify uri.URI, reason rrdp.SnapshotReason) {
	e.metrics.SnapshotReason(notify.String(), reason)
	e.monitor.Notify(httpapi.Event{
		Type:   "snapshot_reason",
		Time:   time.Now(),
		Repo:   notify.String(),
		Reason: string(reason),
	})
}

// sanitizeCache deletes any leftover *.tmp file and any archive that
// fails verification, left behind by a validation run that was
// cancelled mid-commit (spec §5 cancellation, SPEC_FULL §12.7).
func (e *Engine) sanitizeCache() error {
	root := filepath.Join(e.cfg.CacheRoot, "rrdp")
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			e.Debug().Str("path", path).Msg("sanitize: deleting leftover tmp file")
			return os.Remove(path)
		}
		if verr := store.Verify(path); verr != nil {
			if store.IsCorrupt(verr) {
				e.Warn().Str("path", path).Err(verr).Msg("sanitize: deleting corrupt archive")
				return os.Remove(path)
			}
			return verr
		}
		return nil
	})
}

// Run starts the monitor HTTP server and drives the validation loop
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ignited {
		if err := e.Ignite(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("core: monitor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- e.validationLoop(ctx)
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// validationLoop runs one validation pass immediately, then repeats
// every refresh interval, shrinking the wait to the history's residual
// wait when a run finished early relative to the configured refresh
// (spec §4.9 "Scheduling").
func (e *Engine) validationLoop(ctx context.Context) error {
	for {
		if err := e.runOnce(ctx); err != nil && ctx.Err() == nil {
			e.Error().Err(err).Msg("validation run failed")
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		wait := e.history.ResidualWait(time.Now())
		if wait <= 0 {
			wait = e.cfg.Refresh
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(wait):
		}
	}
}

// runOnce performs one complete collection and validation pass across
// every configured trust anchor and folds the result into history.
func (e *Engine) runOnce(ctx context.Context) error {
	run := e.facade.StartRun()
	defer func() {
		if err := run.Cleanup(); err != nil {
			e.Warn().Err(err).Msg("collector run cleanup failed")
		}
	}()

	loader := newRunLoader(run, e.http, e.rsync, e.metrics)
	defer loader.CloseAll()

	engine := validation.New(e.Logger, loader, e.cfg.Validation)

	start := time.Now()
	report, err := engine.Validate(ctx, e.tals)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	d := time.Since(start)

	e.recordPerTAMetrics(d, report)

	updated, metricsOut := e.history.Update(time.Now(), report.Buffers, report.Rejected, e.cfg.UnsafePolicy, e.exceptions)
	e.metrics.RecordSnapshot(metricsOut, rejectedResourceCount(report.Rejected))
	if metricsOut.ASPAOverflowDropped > 0 {
		e.Warn().Int("aspas", metricsOut.ASPAOverflowDropped).Msg("dropped ASPA entries whose merged provider set exceeds the limit")
	}

	if updated {
		snap, serial := e.history.Current()
		session, _ := e.history.SessionAndSerial()
		e.Info().
			Uint64("session", session).
			Uint64("serial", serial).
			Int("vrps", len(snap.Origins)).
			Msg("published new snapshot")
	}
	return nil
}

// recordPerTAMetrics attributes the pass's wall time to every
// configured trust anchor; the walk itself does not report per-TA
// timing, so the whole pass duration is used as an approximation.
func (e *Engine) recordPerTAMetrics(d time.Duration, report *validation.Report) {
	accepted := len(report.Buffers) > 0
	for _, tal := range e.tals {
		e.metrics.TAValidationRun(tal.Name, d, accepted)
		e.monitor.Notify(httpapi.Event{Type: "ta_run", Time: time.Now(), TA: tal.Name})
	}
}

func rejectedResourceCount(rejected *rescount.Set) int {
	if rejected == nil {
		return 0
	}
	return rejected.Len()
}

// RTRSource exposes the PayloadSource an external RTR server binds to.
func (e *Engine) RTRSource() *rtrsource.Source {
	return e.rtr
}
