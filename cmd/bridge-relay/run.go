package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/bridge-relay/internal/chain"
	"github.com/devblac/bridge-relay/internal/config"
	"github.com/devblac/bridge-relay/internal/decode"
	"github.com/devblac/bridge-relay/internal/engine"
	"github.com/devblac/bridge-relay/internal/health"
	"github.com/devblac/bridge-relay/internal/journal"
	"github.com/devblac/bridge-relay/internal/logging"
	"github.com/devblac/bridge-relay/internal/metrics"
	"github.com/devblac/bridge-relay/internal/notify"
	"github.com/devblac/bridge-relay/internal/relay"
	"github.com/devblac/bridge-relay/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one tick and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Decode but do not submit relays")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		jrnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()

		store := state.Load(cfg.StatePath, cfg.Scan.DedupCapacity, log)

		source, err := chain.NewRPCConnector(cfg.Source.RPCURL, common.HexToAddress(cfg.Contract), "")
		if err != nil {
			return fmt.Errorf("source connector: %w", err)
		}
		defer source.Close()

		bridge := common.HexToAddress(cfg.Destination.Bridge)
		dest, err := chain.NewRPCConnector(cfg.Destination.RPCURL, bridge, cfg.Destination.PrivateKey)
		if err != nil {
			return fmt.Errorf("destination connector: %w", err)
		}
		defer dest.Close()

		desc, err := decode.NewDescriptor(cfg.Event)
		if err != nil {
			return fmt.Errorf("event descriptor: %w", err)
		}

		exec, err := relay.NewExecutor(dest, bridge, cfg.Relay, log)
		if err != nil {
			return fmt.Errorf("relay executor: %w", err)
		}

		var notifier notify.Notifier
		if cfg.Notify != nil {
			notifier, err = notify.NewWebhookNotifier(cfg.Notify.URL, cfg.Notify.Method, cfg.Notify.Template)
			if err != nil {
				return fmt.Errorf("notifier: %w", err)
			}
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Checker{
				JournalPing: jrnl.Ping,
				SourcePing:  health.ChainPing(source),
				DestPing:    health.ChainPing(dest),
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		orch := engine.New(engine.Options{
			Source:            source,
			Dest:              dest,
			Store:             store,
			Descriptor:        desc,
			Executor:          exec,
			Journal:           jrnl,
			Notifier:          notifier,
			Metrics:           mtr,
			PollingInterval:   cfg.PollingInterval(),
			MaxBackoff:        cfg.MaxBackoff(),
			BatchSize:         cfg.Scan.BatchSize,
			ConfirmationDepth: cfg.Scan.ConfirmationDepth,
			MaxAttempts:       cfg.Relay.MaxAttempts,
			DryRun:            flagDryRun || cfg.Relay.DryRun,
			Log:               log,
		})

		if flagOnce {
			if err := source.Connect(ctx); err != nil {
				return fmt.Errorf("connect source: %w", err)
			}
			if err := dest.Connect(ctx); err != nil {
				log.Warn("destination connect failed", "error", err)
			}
			if err := orch.Tick(ctx); err != nil {
				return err
			}
			log.Info("single tick complete", "cursor", store.LastProcessedBlock())
			return nil
		}

		return orch.Run(ctx)
	},
}
