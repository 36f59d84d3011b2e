package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpkiwire/rpki-rp/internal/collector"
	"github.com/rpkiwire/rpki-rp/internal/httpclient"
	"github.com/rpkiwire/rpki-rp/internal/metrics"
	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
	"github.com/rpkiwire/rpki-rp/internal/rsync"
	"github.com/rpkiwire/rpki-rp/internal/uri"
	"github.com/rpkiwire/rpki-rp/internal/validation"
)

// runLoader adapts one collector.Run (plus a bare httpclient.Client and
// rsync.Collector for TAL bootstrap, which precedes any publication
// point and so never goes through the façade) to validation.Loader for
// the lifetime of a single validation pass.
//
// validation.PointReader has no Close method, but the *collector.PointHandle
// values LoadPoint hands back do need releasing to free the RRDP archive
// file each holds open. Rather than widen PointReader, runLoader tracks
// every handle it opens and closes them all from CloseAll once the walk
// that owns this loader has finished.
type runLoader struct {
	run     *collector.Run
	http    *httpclient.Client
	rsync   *rsync.Collector
	metrics *metrics.Collector

	mu      sync.Mutex
	handles []*collector.PointHandle
}

func newRunLoader(run *collector.Run, http *httpclient.Client, rs *rsync.Collector, mcol *metrics.Collector) *runLoader {
	return &runLoader{run: run, http: http, rsync: rs, metrics: mcol}
}

var _ validation.Loader = (*runLoader)(nil)

// FetchTAL tries every URI listed in tal, in file order, and returns
// the bytes from the first one that succeeds (SPEC_FULL §12.9).
func (l *runLoader) FetchTAL(ctx context.Context, tal *rpkicert.TAL) ([]byte, error) {
	var lastErr error
	for _, u := range tal.URIs {
		b, err := l.fetchOne(ctx, u)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("core: TAL %s lists no URIs", tal.Name)
	}
	return nil, fmt.Errorf("core: fetch TAL %s: %w", tal.Name, lastErr)
}

func (l *runLoader) fetchOne(ctx context.Context, u uri.URI) ([]byte, error) {
	switch u.Scheme {
	case uri.SchemeHTTPS:
		resp, err := l.http.Get(ctx, u)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	case uri.SchemeRsync:
		if l.rsync == nil {
			return nil, fmt.Errorf("rsync transport disabled")
		}
		run := l.rsync.StartRun()
		defer func() { _ = run.Cleanup() }()
		if err := run.LoadModule(ctx, u); err != nil {
			return nil, err
		}
		b, ok := run.LoadFile(u)
		if !ok {
			return nil, fmt.Errorf("rsync: %s not found after sync", u)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported TAL URI scheme %s", u.Scheme)
	}
}

// LoadPoint resolves the publication point and records the handle so
// CloseAll can release it later.
func (l *runLoader) LoadPoint(ctx context.Context, caRepository, rrdpNotify uri.URI) (validation.PointReader, error) {
	h, transport, err := l.run.LoadPoint(ctx, caRepository, rrdpNotify)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.RepositoryFetch(caRepository.String(), transport)
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

// CloseAll releases every PointHandle opened during the pass.
func (l *runLoader) CloseAll() {
	l.mu.Lock()
	handles := l.handles
	l.handles = nil
	l.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
}
