package core

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/validation"
)

// Config is the fully resolved configuration for one Engine: the CLI
// flags and config-file values parsed into their runtime types.
type Config struct {
	TALDir    string
	CacheRoot string
	Listen    string
	LogLevel  string

	Refresh   time.Duration
	Retention int

	RRDPEnabled  bool
	RsyncEnabled bool
	RsyncBinary  string

	HTTPTimeout        time.Duration
	HTTPConnectTimeout time.Duration
	HTTPBindAddr       string
	RsyncTimeout       time.Duration
	RsyncConnTimeout   time.Duration

	SlurmFile string

	UnsafePolicy payload.UnsafePolicy
	Validation   validation.Config
}

// addFlags registers every CLI flag onto f, in the same "register
// first, parse later" shape the teacher's own addFlags does.
func addFlags(f *pflag.FlagSet) {
	f.SortFlags = false
	f.StringP("tal-dir", "t", "/etc/rpki-rp/tals", "directory of *.tal trust anchor locators")
	f.StringP("cache-root", "c", "/var/lib/rpki-rp", "directory for RRDP archives and the rsync mirror")
	f.StringP("listen", "L", ":9090", "monitor HTTP listen address")
	f.StringP("log", "l", "info", "log level (debug/info/warn/error/disabled)")
	f.Duration("refresh", 10*time.Minute, "base interval between validation runs")
	f.Int("retention", 1024, "number of deltas kept in history for RTR delta_since")
	f.Bool("rrdp", true, "enable the RRDP transport")
	f.Bool("rsync", true, "enable the rsync transport")
	f.String("rsync-binary", "rsync", "rsync executable name or path")
	f.String("config", "", "optional YAML config file; flags override values loaded from it")
	f.Duration("http-timeout", 30*time.Second, "per-request HTTP timeout")
	f.Duration("http-connect-timeout", 10*time.Second, "HTTP dial timeout")
	f.String("http-bind", "", "local address to dial RRDP requests from")
	f.Duration("rsync-timeout", time.Minute, "rsync --timeout value")
	f.Duration("rsync-connect-timeout", 10*time.Second, "rsync --contimeout value, if supported")
	f.String("slurm", "", "path to an RFC 8416 SLURM exceptions file (optional)")
	f.String("unsafe-vrps", "warn", "policy for VRPs overlapping rejected resources: accept/warn/reject")
	f.Int("max-prefix-ipv4", 0, "drop ROA entries with maxLength above this for IPv4 (0 disables)")
	f.Int("max-prefix-ipv6", 0, "drop ROA entries with maxLength above this for IPv6 (0 disables)")
	f.Int("max-restarts", 2, "restart attempts for a publication point after a transient load failure")
	f.Bool("version", false, "print version info and quit")
}

// LoadConfig parses CLI args (and, through posflag, any matching
// environment or config-file values already loaded into k) into a
// Config.
func LoadConfig(args []string, k *koanf.Koanf) (Config, error) {
	f := pflag.NewFlagSet("rpki-rp", pflag.ContinueOnError)
	addFlags(f)

	if err := f.Parse(args); err != nil {
		return Config{}, fmt.Errorf("core: parse flags: %w", err)
	}

	if path, _ := f.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("core: load config file %s: %w", path, err)
		}
	}

	// Flags loaded last so they override anything set in the file.
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("core: load flags into config: %w", err)
	}

	if k.Bool("version") {
		if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
			fmt.Fprintf(os.Stderr, "rpki-rp build info:\n%s", bi)
		}
		os.Exit(0)
	}

	policy, err := parseUnsafePolicy(k.String("unsafe-vrps"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		TALDir:             k.String("tal-dir"),
		CacheRoot:          k.String("cache-root"),
		Listen:             k.String("listen"),
		LogLevel:           k.String("log"),
		Refresh:            k.Duration("refresh"),
		Retention:          k.Int("retention"),
		RRDPEnabled:        k.Bool("rrdp"),
		RsyncEnabled:       k.Bool("rsync"),
		RsyncBinary:        k.String("rsync-binary"),
		HTTPTimeout:        k.Duration("http-timeout"),
		HTTPConnectTimeout: k.Duration("http-connect-timeout"),
		HTTPBindAddr:       k.String("http-bind"),
		RsyncTimeout:       k.Duration("rsync-timeout"),
		RsyncConnTimeout:   k.Duration("rsync-connect-timeout"),
		SlurmFile:          k.String("slurm"),
		UnsafePolicy:       policy,
		Validation: validation.Config{
			MaxRestarts:      k.Int("max-restarts"),
			MaxPrefixLenIPv4: k.Int("max-prefix-ipv4"),
			MaxPrefixLenIPv6: k.Int("max-prefix-ipv6"),
		},
	}
	return cfg, nil
}

func parseUnsafePolicy(v string) (payload.UnsafePolicy, error) {
	switch v {
	case "accept":
		return payload.UnsafeAccept, nil
	case "warn", "":
		return payload.UnsafeWarn, nil
	case "reject":
		return payload.UnsafeReject, nil
	default:
		return 0, fmt.Errorf("core: --unsafe-vrps: unknown policy %q", v)
	}
}

// parseLogLevel resolves cfg's log level string into a zerolog.Level,
// defaulting to Info on an empty value.
func parseLogLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(level)
}
