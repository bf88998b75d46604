package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var noControl bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the loop on its interval with the control API until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noControl)
		},
	}
	cmd.Flags().BoolVar(&noControl, "no-control", false, "do not start the control API")
	return cmd
}

func run(ctx context.Context, cfg config.Root, withControl bool) error {
	a, err := newApp(cfg, newCollaborators(cfg, time.Now))
	if err != nil {
		return err
	}
	defer a.Close()

	a.alerts.FollowTrades(ctx, a.bus)

	serveErr := make(chan error, 1)
	if withControl && cfg.Control.Enabled {
		go func() { serveErr <- a.server.Serve(ctx) }()
	}

	if !a.loop.Start(ctx) {
		observ.Warn("autoloop_not_started", map[string]any{"enabled": cfg.Loop.Enabled})
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.loop.Stop()
			return fmt.Errorf("control server: %w", err)
		}
	}

	observ.Log("autotrader_shutdown", map[string]any{"reason": "signal"})
	a.loop.Stop()
	return nil
}

func newOnceCmd(flags *rootFlags) *cobra.Command {
	var paper bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run exactly one cycle and print the resulting status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if paper {
				flags.mode = config.ModePaper
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, newCollaborators(cfg, time.Now))
			if err != nil {
				return err
			}
			defer a.Close()

			st, runErr := a.loop.RunOnce(cmd.Context())
			out, _ := json.MarshalIndent(a.loop.Info(), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return runErr
		},
	}
	cmd.Flags().BoolVar(&paper, "paper", false, "force paper mode")
	return cmd
}

func newBreakerCmd(flags *rootFlags) *cobra.Command {
	breaker := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect or reset the persisted circuit breaker",
	}

	var by, reason, remote string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Force-close the circuit breaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}
			if remote != "" {
				return resetRemote(cmd.Context(), remote, by, reason)
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			snap, err := resetStored(cfg, by, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit breaker %s (reset by %s)\n", snap.State, by)
			return nil
		},
	}
	reset.Flags().StringVar(&by, "by", "cli", "operator recorded on the reset")
	reset.Flags().StringVar(&reason, "reason", "", "why the breaker is being reset")
	reset.Flags().StringVar(&remote, "remote", "", "control API base URL; resets a running process instead of the store")

	breaker.AddCommand(reset)
	return breaker
}

// resetStored rewrites the persisted breaker snapshot. The store is
// exclusively locked, so this only works while the loop is not running.
func resetStored(cfg config.Root, by, reason string) (risk.BreakerSnapshot, error) {
	st, err := openStore(cfg)
	if err != nil {
		return risk.BreakerSnapshot{}, err
	}
	defer st.Close()

	cb := risk.NewCircuitBreaker(cfg.CircuitBreaker, time.Now)
	var snap risk.BreakerSnapshot
	switch err := st.GetJSON(store.KeyCircuitBreaker, &snap); {
	case err == nil:
		cb.Restore(snap)
	case !errors.Is(err, store.ErrNotFound):
		return snap, err
	}
	cb.Reset(by, reason)
	out := cb.Snapshot()
	if err := st.PutJSON(store.KeyCircuitBreaker, out); err != nil {
		return out, err
	}

	daily := portfolio.NewManager(st, time.Now)
	if err := daily.Load(); err != nil {
		return out, err
	}
	return out, daily.Rebase()
}

func resetRemote(ctx context.Context, baseURL, by, reason string) error {
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		R().
		SetContext(ctx).
		SetBody(map[string]string{"by": by, "reason": reason}).
		Post("/breaker/reset")
	if err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("reset breaker: %s: %s", resp.Status(), resp.String())
	}
	return nil
}
