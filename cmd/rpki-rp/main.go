// Command rpki-rp is an RPKI relying party: it collects certificates,
// manifests, CRLs, and signed objects over RRDP and rsync, validates
// them down to router-ready payload, and serves the result through a
// monitor HTTP surface and an RTR payload source.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/rpkiwire/rpki-rp/core"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("rpki-rp exiting")
	}
}

func run(log zerolog.Logger) error {
	k := koanf.New(".")
	cfg, err := core.LoadConfig(os.Args[1:], k)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	engine, err := core.New(log, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Ignite(ctx); err != nil {
		return fmt.Errorf("ignite: %w", err)
	}

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
