package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	crossgate "github.com/crossgate/crossgate-go"
	"github.com/crossgate/crossgate-go/config"
	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/fees"
	"github.com/crossgate/crossgate-go/monitor"
	"github.com/crossgate/crossgate-go/outbound"
	"github.com/crossgate/crossgate-go/relay/amqp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "crossgate",
		Short:   "Run and inspect a cross-chain message delivery core",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "crossgate.json", "Path to the node config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the delivery core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

			amqpOpts := []amqp.Option{amqp.WithLogger(logger)}
			if cfg.ResultQueue != "" {
				amqpOpts = append(amqpOpts, amqp.WithResultQueue(cfg.ResultQueue))
			}
			transport, err := amqp.Dial(cfg.RelayURL, amqpOpts...)
			if err != nil {
				return fmt.Errorf("connect to relay: %w", err)
			}

			reg := prometheus.NewRegistry()
			collector, err := monitor.NewCollector("crossgate", reg)
			if err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			opts := []crossgate.ClientOption{
				crossgate.WithLogger(logger),
				crossgate.WithPricingSource(fees.NewStaticPricing(cfg.PricingRates())),
				crossgate.WithMetrics(collector),
				crossgate.WithMaxPayloadSize(cfg.MaxPayloadSize),
			}

			var rdb *redis.Client
			if cfg.RedisURL != "" {
				redisOpts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("parse redis url: %w", err)
				}
				rdb = redis.NewClient(redisOpts)
				store, err := outbound.NewRedisStore(rdb, cfg.KeyPrefix)
				if err != nil {
					return fmt.Errorf("create redis store: %w", err)
				}
				opts = append(opts, crossgate.WithMessageStore(store))
			}

			client, err := crossgate.NewClient(contracts.ChainID(cfg.ChainID), cfg.Owner, transport, opts...)
			if err != nil {
				return fmt.Errorf("create core: %w", err)
			}

			for _, binding := range cfg.Trust {
				if err := client.SetTrusted(cfg.Owner, binding.Key(), binding.Remote); err != nil {
					return fmt.Errorf("bind trust for channel %s: %w", binding.Key(), err)
				}
			}

			health := monitor.NewHealthRegistry()
			if rdb != nil {
				health.Register(monitor.NewCheckerFunc("redis", func(ctx context.Context) monitor.CheckResult {
					if err := rdb.Ping(ctx).Err(); err != nil {
						return monitor.CheckResult{Status: monitor.StatusUnhealthy, Message: err.Error()}
					}
					return monitor.CheckResult{Status: monitor.StatusHealthy}
				}))
			}

			mux := http.NewServeMux()
			mux.Handle("/healthz", health.Handler())
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			logger.Info("core running",
				"chainId", cfg.ChainID,
				"listenAddr", cfg.ListenAddr,
				"channels", len(cfg.Trust),
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			case err := <-errCh:
				logger.Error("http server failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return client.Close()
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("chain:      %d\n", cfg.ChainID)
			fmt.Printf("owner:      %s\n", cfg.Owner)
			fmt.Printf("relay:      %s\n", cfg.RelayURL)
			fmt.Printf("listen:     %s\n", cfg.ListenAddr)
			fmt.Printf("priced chains: %d\n", len(cfg.Pricing))
			for _, binding := range cfg.Trust {
				fmt.Printf("channel:    %s trusts %s\n", binding.Key(), binding.Remote)
			}
			return nil
		},
	}

	var (
		quoteDest     uint64
		quoteSize     int
		quoteGasLimit uint64
	)
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote the fee for a payload using the configured pricing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			estimator, err := fees.NewEstimator(fees.NewStaticPricing(cfg.PricingRates()))
			if err != nil {
				return err
			}
			quote, err := estimator.Estimate(cmd.Context(), contracts.ChainID(quoteDest), quoteSize, fees.RelayParams{DestGasLimit: quoteGasLimit})
			if err != nil {
				return err
			}

			fmt.Printf("native fee:   %d\n", quote.NativeFee)
			fmt.Printf("protocol fee: %d\n", quote.ProtocolFee)
			fmt.Printf("total:        %d\n", quote.Total())
			return nil
		},
	}
	quoteCmd.Flags().Uint64Var(&quoteDest, "dest-chain", 0, "Destination chain id")
	quoteCmd.Flags().IntVar(&quoteSize, "size", 0, "Payload size in bytes")
	quoteCmd.Flags().Uint64Var(&quoteGasLimit, "gas-limit", 0, "Destination gas limit")
	_ = quoteCmd.MarkFlagRequired("dest-chain")

	rootCmd.AddCommand(runCmd, checkCmd, quoteCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
