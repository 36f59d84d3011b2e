// Package rsync implements the rsync collector (spec §4.4): one
// external `rsync` invocation per module, with per-module exclusion and
// end-of-run cleanup of anything not visited.
package rsync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/rpkiwire/rpki-rp/internal/uri"
	"github.com/rpkiwire/rpki-rp/pkg/util"
)

// Config configures a Collector.
type Config struct {
	CacheRoot      string
	Binary         string // defaults to "rsync"
	Timeout        time.Duration
	ConnectTimeout time.Duration // only applied if the binary supports --contimeout
}

// Collector runs rsync per module and serves files out of the local
// mirror it produces.
type Collector struct {
	zerolog.Logger
	cfg   Config
	locks *util.LockSet[string]

	probeOnce    sync.Once
	contimeoutOK bool
}

// New builds a Collector.
func New(logger zerolog.Logger, cfg Config) *Collector {
	if cfg.Binary == "" {
		cfg.Binary = "rsync"
	}
	return &Collector{
		Logger: logger.With().Str("component", "rsync").Logger(),
		cfg:    cfg,
		locks:  util.NewLockSet[string](),
	}
}

func moduleKey(authority, segment string) string { return authority + "/" + segment }

func (c *Collector) moduleDir(authority, segment string) string {
	return filepath.Join(c.cfg.CacheRoot, "rsync", authority, segment)
}

// probeContimeout runs `rsync --help` once and checks whether the
// binary advertises --contimeout (spec §4.4, SPEC_FULL §12.6); only
// then are real invocations given a connect-timeout flag.
func (c *Collector) probeContimeout() bool {
	c.probeOnce.Do(func() {
		out, err := exec.Command(c.cfg.Binary, "--help").CombinedOutput()
		if err != nil {
			c.Warn().Err(err).Msg("rsync --help probe failed, assuming no --contimeout support")
			return
		}
		c.contimeoutOK = bytes.Contains(out, []byte("--contimeout"))
	})
	return c.contimeoutOK
}

// Run tracks which modules have been visited during one validation run,
// so LoadModule is idempotent within the run and Cleanup knows what to
// keep.
type Run struct {
	collector *Collector
	mu        sync.Mutex
	touched   map[string]bool // moduleKey -> true
	done      map[string]error
}

// StartRun begins a new collection run.
func (c *Collector) StartRun() *Run {
	return &Run{collector: c, touched: make(map[string]bool), done: make(map[string]error)}
}

// LoadModule synchronizes an rsync module into the local cache.
// Idempotent: the second call in the same run for the same module
// returns the first call's result without re-invoking rsync.
func (r *Run) LoadModule(ctx context.Context, u uri.URI) error {
	if u.Dubious() {
		return fmt.Errorf("rsync: refusing dubious authority %s", u)
	}
	authority, segment := u.Module()
	key := moduleKey(authority, segment)

	release := r.collector.locks.Acquire(key)
	defer release()

	r.mu.Lock()
	if err, ok := r.done[key]; ok {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	err := r.collector.sync(ctx, authority, segment)

	r.mu.Lock()
	r.touched[key] = true
	r.done[key] = err
	r.mu.Unlock()
	return err
}

// LoadFile reads one file out of a previously loaded module's local
// mirror.
func (r *Run) LoadFile(u uri.URI) ([]byte, bool) {
	authority, segment := u.Module()
	dir := r.collector.moduleDir(authority, segment)
	rel := strings.TrimPrefix(u.Path, "/"+segment)
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(rel, "/"))))
	if err != nil {
		return nil, false
	}
	return data, true
}

// sync invokes rsync for one module.
func (c *Collector) sync(ctx context.Context, authority, segment string) error {
	dest := c.moduleDir(authority, segment)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("rsync: mkdir %s: %w", dest, err)
	}
	if runtime.GOOS == "windows" {
		dest = cygwinPath(dest)
	}

	src := fmt.Sprintf("rsync://%s/%s/", authority, segment)
	args := []string{"-rltz", "--delete"}
	if c.cfg.Timeout > 0 {
		args = append(args, "--timeout="+strconv.Itoa(int(c.cfg.Timeout.Seconds())))
	}
	if c.cfg.ConnectTimeout > 0 && c.probeContimeout() {
		args = append(args, "--contimeout="+strconv.Itoa(int(c.cfg.ConnectTimeout.Seconds())))
	}
	args = append(args, src, dest)

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}

	var stderr bytes.Buffer
	cmd.Stdout = &stdoutLogger{log: c.Logger, module: moduleKey(authority, segment)}
	cmd.Stderr = &stderr

	c.Debug().Str("module", moduleKey(authority, segment)).Strs("args", args).Msg("launching rsync")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: module %s/%s: %w: %s", authority, segment, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// stdoutLogger adapts rsync's chatty stdout into trace-level log lines
// rather than piping it through unmodified.
type stdoutLogger struct {
	log    zerolog.Logger
	module string
}

func (w *stdoutLogger) Write(p []byte) (int, error) {
	if s := strings.TrimSpace(string(p)); s != "" {
		w.log.Trace().Str("module", w.module).Str("out", s).Send()
	}
	return len(p), nil
}

// Cleanup removes any authority/module directory under the cache root
// that wasn't touched during this run (spec §4.4 "Cleanup").
func (r *Run) Cleanup() error {
	root := filepath.Join(r.collector.cfg.CacheRoot, "rsync")
	authorities, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, a := range authorities {
		if !a.IsDir() {
			continue
		}
		authDir := filepath.Join(root, a.Name())
		modules, err := os.ReadDir(authDir)
		if err != nil {
			continue
		}
		anyKept := false
		for _, m := range modules {
			if !m.IsDir() {
				continue
			}
			key := moduleKey(a.Name(), m.Name())
			r.mu.Lock()
			kept := r.touched[key]
			r.mu.Unlock()
			if kept {
				anyKept = true
				continue
			}
			os.RemoveAll(filepath.Join(authDir, m.Name()))
		}
		if !anyKept {
			os.RemoveAll(authDir)
		}
	}
	return nil
}

// cygwinPath rewrites an absolute Windows path into the Cygwin form the
// Windows rsync build expects (spec §4.4).
func cygwinPath(p string) string {
	p = filepath.ToSlash(p)
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(string(p[0]))
		return "/cygdrive/" + drive + p[2:]
	}
	return p
}
