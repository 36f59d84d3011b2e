package rrdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rpkiwire/rpki-rp/internal/httpclient"
	"github.com/rpkiwire/rpki-rp/internal/store"
	"github.com/rpkiwire/rpki-rp/internal/uri"
	"github.com/rpkiwire/rpki-rp/pkg/util"
)

// Result is the outcome of a LoadRepository call (spec §4.3 contract).
type Result uint8

const (
	Unavailable Result = iota
	Stale
	Current
	Updated
)

func (r Result) String() string {
	switch r {
	case Unavailable:
		return "unavailable"
	case Stale:
		return "stale"
	case Current:
		return "current"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// maxDeltasPerUpdate bounds how many deltas one update() call will
// fetch before preferring a snapshot (spec §4.3 step 4 "too-many-deltas").
const maxDeltasPerUpdate = 300

// Config configures a Collector.
type Config struct {
	CacheRoot       string
	RefreshInterval time.Duration // used to compute best-before jitter
	FallbackTTL     time.Duration
	Limiter         *rate.Limiter
}

// Collector implements the RRDP transport (spec §4.3).
type Collector struct {
	zerolog.Logger
	cfg    Config
	http   *httpclient.Client
	locks  *util.LockSet[string]
	onReason func(notify uri.URI, reason SnapshotReason)

	// skipDubiousCheck disables the Dubious() guard; only ever set by
	// tests exercising httptest servers, which are necessarily addressed
	// by IP literal with an explicit port.
	skipDubiousCheck bool
}

// New builds a Collector. onReason, if non-nil, is invoked with the
// classification of every abandoned-delta-path decision, for metrics.
func New(logger zerolog.Logger, httpClient *httpclient.Client, cfg Config, onReason func(uri.URI, SnapshotReason)) *Collector {
	return &Collector{
		Logger:   logger.With().Str("component", "rrdp").Logger(),
		cfg:      cfg,
		http:     httpClient,
		locks:    util.NewLockSet[string](),
		onReason: onReason,
	}
}

// Handle lets a validator load an object previously fetched into one
// repository's archive.
type Handle struct {
	archive *store.Archive
}

// LoadObject returns the bytes stored for rsyncURI, if present.
func (h *Handle) LoadObject(rsyncURI uri.URI) ([]byte, bool) {
	data, err := h.archive.Fetch(rsyncURI.String())
	if err != nil {
		return nil, false
	}
	return data, true
}

// Close releases the handle's archive.
func (h *Handle) Close() error {
	if h.archive == nil {
		return nil
	}
	return h.archive.Close()
}

func (c *Collector) archivePath(notify uri.URI) string {
	sum := sha256.Sum256([]byte(notify.String()))
	return filepath.Join(c.cfg.CacheRoot, "rrdp", hex.EncodeToString(sum[:])+".rpk")
}

func (c *Collector) reason(notify uri.URI, r SnapshotReason) {
	if c.onReason != nil && r != ReasonNone {
		c.onReason(notify, r)
	}
}

// LoadRepository runs the update algorithm of spec §4.3 and returns a
// Handle usable until the next LoadRepository call for the same URI.
func (c *Collector) LoadRepository(ctx context.Context, notify uri.URI) (Result, *Handle, error) {
	if notify.Dubious() && !c.skipDubiousCheck {
		return Unavailable, nil, nil
	}

	release := c.locks.Acquire(notify.String())
	defer release()

	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return Unavailable, nil, err
		}
	}

	path := c.archivePath(notify)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Unavailable, nil, fmt.Errorf("rrdp: mkdir cache dir: %w", err)
	}

	oldState, arch := c.openExisting(notify, path)

	var etag, lastMod string
	if oldState != nil {
		etag = string(oldState.ETag)
		if oldState.HasLastModTS {
			lastMod = time.Unix(oldState.LastModifiedTS, 0).UTC().Format(time.RFC1123)
		}
	}

	resp, err := c.http.ConditionalGet(ctx, notify, etag, lastMod)
	if err != nil {
		return c.fallback(oldState, arch)
	}

	if resp.NotModified {
		if arch == nil {
			return c.fallback(oldState, arch)
		}
		c.touchBestBefore(arch, oldState)
		return Updated, &Handle{archive: arch}, nil
	}

	notif, err := ParseNotification(resp.Body, notify)
	if err != nil {
		c.Warn().Err(err).Str("notify", notify.String()).Msg("bad notification file")
		return c.fallback(oldState, arch)
	}

	reason := c.classify(oldState, notif)

	var newArch *store.Archive
	var newState *store.State
	if reason == ReasonNone {
		newArch, newState, err = c.applyDeltas(ctx, notify, oldState, notif, resp)
		if err != nil {
			c.Info().Err(err).Str("notify", notify.String()).Msg("delta path failed, falling back to snapshot")
			reason = ReasonConflictingDelta
		}
	}

	if reason != ReasonNone {
		c.reason(notify, reason)
		newArch, newState, err = c.applySnapshot(ctx, notify, notif)
		if err != nil {
			c.Warn().Err(err).Str("notify", notify.String()).Msg("snapshot path failed")
			return c.fallback(oldState, arch)
		}
	}

	closeArchive(arch)
	if err := c.commit(path, newArch, newState); err != nil {
		return Unavailable, nil, err
	}

	final, err := store.Open(path, false)
	if err != nil {
		return Unavailable, nil, err
	}
	return Updated, &Handle{archive: final}, nil
}

func closeArchive(a *store.Archive) {
	if a != nil {
		a.Close()
	}
}

func (c *Collector) openExisting(notify uri.URI, path string) (*store.State, *store.Archive) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	if err := store.Verify(path); err != nil {
		c.Warn().Err(err).Str("path", path).Msg("corrupt archive on open, wiping")
		os.Remove(path)
		return nil, nil
	}
	a, err := store.Open(path, false)
	if err != nil {
		return nil, nil
	}
	st, err := store.LoadState(a)
	if err != nil {
		a.Close()
		os.Remove(path)
		return nil, nil
	}
	return st, a
}

// fallback implements spec §4.3 step 7.
func (c *Collector) fallback(oldState *store.State, arch *store.Archive) (Result, *Handle, error) {
	if oldState == nil {
		closeArchive(arch)
		return Unavailable, nil, nil
	}
	if time.Now().Before(time.Unix(oldState.BestBeforeTS, 0)) {
		return Current, &Handle{archive: arch}, nil
	}
	return Stale, &Handle{archive: arch}, nil
}

// classify implements spec §4.3 step 4: decide whether the delta path is
// viable, or which SnapshotReason forces the snapshot path.
func (c *Collector) classify(old *store.State, notif *Notification) SnapshotReason {
	if old == nil {
		return ReasonNewRepository
	}
	if uuid.UUID(old.Session) != notif.Session {
		return ReasonNewSession
	}
	if notif.Serial < old.Serial {
		return ReasonOutdatedLocal
	}
	if notif.Serial == old.Serial {
		return ReasonNone // nothing to do; treated as a zero-length delta path
	}

	// every delta serial present in both notification and stored state
	// must carry the same hash.
	for serial, hash := range old.DeltaState {
		if d, ok := findDelta(notif.Deltas, serial); ok && d.Hash != hash {
			return ReasonDeltaMutation
		}
	}

	if notif.Serial-old.Serial > (1 << 32) {
		return ReasonLargeSerial
	}

	// the slice strictly following old.Serial up to notif.Serial must be
	// contiguous and present.
	var count uint64
	for s := old.Serial + 1; s <= notif.Serial; s++ {
		if _, ok := findDelta(notif.Deltas, s); !ok {
			return ReasonInconsistentDeltaSet
		}
		count++
	}
	if count > maxDeltasPerUpdate {
		return ReasonTooManyDeltas
	}
	return ReasonNone
}

func findDelta(deltas []DeltaRef, serial uint64) (DeltaRef, bool) {
	for _, d := range deltas {
		if d.Serial == serial {
			return d, true
		}
	}
	return DeltaRef{}, false
}

// applyDeltas implements spec §4.3 step 5.
func (c *Collector) applyDeltas(ctx context.Context, notify uri.URI, old *store.State, notif *Notification, notifResp *httpclient.Response) (*store.Archive, *store.State, error) {
	tmpPath := c.archivePath(notify) + ".tmp"
	os.Remove(tmpPath)

	if err := copyFile(c.archivePath(notify), tmpPath); err != nil {
		return nil, nil, fmt.Errorf("rrdp: clone archive for delta apply: %w", err)
	}
	tmp, err := store.Open(tmpPath, false)
	if err != nil {
		return nil, nil, err
	}

	newDeltaState := make(map[uint64][32]byte, len(notif.Deltas))
	for s, h := range old.DeltaState {
		newDeltaState[s] = h
	}

	for s := old.Serial + 1; s <= notif.Serial; s++ {
		ref, _ := findDelta(notif.Deltas, s)
		resp, err := c.http.Get(ctx, ref.URI)
		if err != nil {
			tmp.Close()
			return nil, nil, fmt.Errorf("rrdp: fetch delta %d: %w", s, err)
		}
		if HashBody(resp.Body) != ref.Hash {
			tmp.Close()
			return nil, nil, fmt.Errorf("rrdp: delta %d hash mismatch", s)
		}
		d, err := ParseDelta(resp.Body, notify, notif.Session, s)
		if err != nil {
			tmp.Close()
			return nil, nil, fmt.Errorf("rrdp: parse delta %d: %w", s, err)
		}
		if err := applyDeltaItems(tmp, d); err != nil {
			tmp.Close()
			return nil, nil, fmt.Errorf("rrdp: apply delta %d: %w", s, err)
		}
		newDeltaState[s] = ref.Hash
	}

	st := &store.State{
		NotifyURI:    notify.String(),
		Session:      notif.Session,
		Serial:       notif.Serial,
		UpdatedTS:    time.Now().Unix(),
		BestBeforeTS: time.Now().Add(c.bestBefore()).Unix(),
		DeltaState:   newDeltaState,
	}
	applyConditionalHeaders(st, notifResp)
	return tmp, st, nil
}

func applyDeltaItems(a *store.Archive, d *Delta) error {
	for _, item := range d.Items {
		key := item.URI.String()
		switch item.Action {
		case ActionPublish:
			hash := HashBody(item.Data)
			if err := a.Publish(key, hash, item.Data); err != nil {
				return err
			}
		case ActionUpdate:
			hash := HashBody(item.Data)
			old := item.OldHash
			if err := a.Update(key, hash, item.Data, func(m [32]byte, had bool) bool {
				return had && m == old
			}); err != nil {
				return err
			}
		case ActionWithdraw:
			old := item.OldHash
			if err := a.Delete(key, func(m [32]byte, had bool) bool {
				return had && m == old
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// applySnapshot implements spec §4.3 step 6.
func (c *Collector) applySnapshot(ctx context.Context, notify uri.URI, notif *Notification) (*store.Archive, *store.State, error) {
	tmpPath := c.archivePath(notify) + ".tmp"
	os.Remove(tmpPath)
	tmp, err := store.Create(tmpPath)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.http.Get(ctx, notif.SnapshotURI)
	if err != nil {
		tmp.Close()
		return nil, nil, fmt.Errorf("rrdp: fetch snapshot: %w", err)
	}
	if HashBody(resp.Body) != notif.SnapshotHash {
		tmp.Close()
		return nil, nil, fmt.Errorf("rrdp: snapshot hash mismatch")
	}
	snap, err := ParseSnapshot(resp.Body, notify, notif.Session, notif.Serial)
	if err != nil {
		tmp.Close()
		return nil, nil, fmt.Errorf("rrdp: parse snapshot: %w", err)
	}
	for _, obj := range snap.Objects {
		hash := HashBody(obj.Data)
		if err := tmp.Publish(obj.URI.String(), hash, obj.Data); err != nil {
			tmp.Close()
			return nil, nil, err
		}
	}

	deltaState := make(map[uint64][32]byte, len(notif.Deltas))
	for _, d := range notif.Deltas {
		deltaState[d.Serial] = d.Hash
	}
	st := &store.State{
		NotifyURI:    notify.String(),
		Session:      notif.Session,
		Serial:       notif.Serial,
		UpdatedTS:    time.Now().Unix(),
		BestBeforeTS: time.Now().Add(c.bestBefore()).Unix(),
		DeltaState:   deltaState,
	}
	return tmp, st, nil
}

// bestBefore implements spec §4.3's jitter formula:
// now + uniform(refresh, max(2*refresh, fallback_ttl)).
func (c *Collector) bestBefore() time.Duration {
	refresh := c.cfg.RefreshInterval
	upper := 2 * refresh
	if c.cfg.FallbackTTL > upper {
		upper = c.cfg.FallbackTTL
	}
	return util.UniformJitter(refresh, upper)
}

func (c *Collector) touchBestBefore(a *store.Archive, old *store.State) {
	old.BestBeforeTS = time.Now().Add(c.bestBefore()).Unix()
	store.SaveState(a, old)
}

func applyConditionalHeaders(st *store.State, resp *httpclient.Response) {
	if resp.ETag != "" {
		st.HasETag = true
		st.ETag = []byte(resp.ETag)
	}
	if resp.LastModified != "" {
		if t, err := time.Parse(time.RFC1123, resp.LastModified); err == nil {
			st.HasLastModTS = true
			st.LastModifiedTS = t.Unix()
		}
	}
}

// commit publishes the state record into newArch and atomically renames
// it into place over path, per spec §5 "commit is a single filesystem
// rename."
func (c *Collector) commit(path string, newArch *store.Archive, newState *store.State) error {
	if err := store.SaveState(newArch, newState); err != nil {
		newArch.Close()
		return err
	}
	tmpPath := newArch.Path()
	if err := newArch.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
