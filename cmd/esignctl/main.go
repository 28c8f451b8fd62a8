// Command esignctl runs operator tasks against the envelope database:
// provider poll sweeps and audit chain verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/config"
	"qazna.org/esign/internal/ids"
	"qazna.org/esign/internal/reconcile"
	"qazna.org/esign/internal/store/pg"
)

const verifyActor = "system:verifier"

var (
	errChainBroken = errors.New("audit chain broken")
	errMockSweep   = errors.New("sweep needs a real provider: the mock keeps its envelopes in the API process")
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errChainBroken) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return nil
	}
	cmd, rest := args[0], args[1:]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "sweep":
		return runSweep(ctx, cfg, rest)
	case "verify":
		return runVerify(ctx, cfg, rest)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runSweep(ctx context.Context, cfg config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("esignctl sweep", pflag.ContinueOnError)
	interval := flagSet.Duration("interval", 0, "repeat the sweep on this interval until interrupted (0 = once)")
	concurrency := flagSet.Int("concurrency", cfg.SweepConcurrency, "envelopes synced in parallel")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := requireRemoteProvider(cfg); err != nil {
		return err
	}

	engine, store, err := open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sweeper := reconcile.NewSweeper(engine, store, *concurrency)
	if *interval > 0 {
		return sweeper.Run(ctx, *interval)
	}
	res, err := sweeper.SweepOnce(ctx)
	fmt.Printf("checked=%d changed=%d failed=%d\n", res.Checked, res.Changed, res.Failed)
	return err
}

func runVerify(ctx context.Context, cfg config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("esignctl verify", pflag.ContinueOnError)
	id := flagSet.String("id", "", "verify one envelope (default: all)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	engine, store, err := open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	corrID := ids.New()
	broken := 0
	check := func(envelopeID string) error {
		v, err := engine.VerifyChain(ctx, envelopeID, verifyActor, corrID)
		if err != nil {
			return fmt.Errorf("verify %s: %w", envelopeID, err)
		}
		if !v.Valid {
			broken++
			fmt.Printf("%s\tBROKEN\t%s\tflagged=%t\n", envelopeID, v.Problem, v.Flagged)
			return nil
		}
		fmt.Printf("%s\tok\t%d entries\n", envelopeID, v.Entries)
		return nil
	}

	if *id != "" {
		if err := check(*id); err != nil {
			return err
		}
	} else {
		after := ""
		for {
			page, err := store.ListIDs(ctx, after, 500)
			if err != nil {
				return err
			}
			for _, envelopeID := range page {
				if err := check(envelopeID); err != nil {
					return err
				}
			}
			if len(page) < 500 {
				break
			}
			after = page[len(page)-1]
		}
	}
	if broken > 0 {
		return fmt.Errorf("%w: %d envelope(s)", errChainBroken, broken)
	}
	return nil
}

// requireRemoteProvider rejects the mock: a fresh mock in this process knows
// none of the envelopes the API created, so every sync would fail.
func requireRemoteProvider(cfg config.Config) error {
	if cfg.Provider == config.ProviderMock {
		return fmt.Errorf("%w (ESIGN_PROVIDER=%s)", errMockSweep, cfg.Provider)
	}
	return nil
}

func open(cfg config.Config) (*reconcile.Engine, *pg.Store, error) {
	if cfg.PGDSN == "" {
		return nil, nil, errors.New("ESIGN_PG_DSN is required")
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}
	adapter, err := cfg.Adapter()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	chain := audit.NewChain(audit.WithSinks(audit.LogSink{}))
	return reconcile.New(store, adapter, chain, reconcile.WithProviderTimeout(cfg.ProviderTimeout)), store, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `esignctl: operator tasks for signature envelopes.

Usage:
  esignctl sweep [--interval 1m] [--concurrency 4]
  esignctl verify [--id <envelope id>]

Configuration comes from ESIGN_* environment variables (and .env).
sweep refuses ESIGN_PROVIDER=mock; the mock lives inside the API process.
verify exits with status 2 when any audit chain is broken.
`)
}
