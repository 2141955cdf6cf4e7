package main

import (
	"context"
	"errors"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"ofpmonitor/internal/config"
	"ofpmonitor/internal/connectivity"
	"ofpmonitor/internal/httpapi"
	"ofpmonitor/internal/servers"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		klog.ErrorS(err, "Command failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func rootCmd() *cobra.Command {
	var configPath string
	flags := config.Default()

	cmd := &cobra.Command{
		Use:           "ofpmonitor",
		Short:         "Operation Flashpoint server browser backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&flags.DirectoryURL, "directory-url", flags.DirectoryURL, "Master list URL (one host:port per line)")
	f.StringVar(&flags.APIBase, "api-base", flags.APIBase, "Status API base URL")
	f.StringVar(&flags.Listen, "listen", flags.Listen, "HTTP listen address")
	f.DurationVar(&flags.RefreshInterval, "refresh-interval", flags.RefreshInterval, "Wait between fetch cycles")
	f.DurationVar(&flags.FetchTimeout, "fetch-timeout", flags.FetchTimeout, "Per-server status query timeout")
	f.DurationVar(&flags.DirectoryTimeout, "directory-timeout", flags.DirectoryTimeout, "Master list fetch timeout")
	f.IntVar(&flags.MaxConcurrency, "max-concurrency", flags.MaxConcurrency, "Max in-flight status queries (0 = unbounded)")
	f.BoolVar(&flags.AutoRefresh, "auto-refresh", flags.AutoRefresh, "Refresh servers on a schedule")
	f.StringVar(&flags.ProbeAddress, "probe-address", flags.ProbeAddress, "host:port dialed to detect connectivity")
	f.DurationVar(&flags.ProbeInterval, "probe-interval", flags.ProbeInterval, "Connectivity probe interval")
	f.DurationVar(&flags.ProbeTimeout, "probe-timeout", flags.ProbeTimeout, "Connectivity probe dial timeout")
	f.Float64Var(&flags.RateLimit, "rate-limit", flags.RateLimit, "API requests per second per client (0 = unlimited)")
	f.IntVar(&flags.RateBurst, "rate-burst", flags.RateBurst, "API request burst per client")
	f.BoolVar(&flags.Debug, "debug", flags.Debug, "Expose manual reload/refresh endpoints")

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	return cmd
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags config.Config) {
	set := cmd.Flags().Changed
	if set("directory-url") {
		cfg.DirectoryURL = flags.DirectoryURL
	}
	if set("api-base") {
		cfg.APIBase = flags.APIBase
	}
	if set("listen") {
		cfg.Listen = flags.Listen
	}
	if set("refresh-interval") {
		cfg.RefreshInterval = flags.RefreshInterval
	}
	if set("fetch-timeout") {
		cfg.FetchTimeout = flags.FetchTimeout
	}
	if set("directory-timeout") {
		cfg.DirectoryTimeout = flags.DirectoryTimeout
	}
	if set("max-concurrency") {
		cfg.MaxConcurrency = flags.MaxConcurrency
	}
	if set("auto-refresh") {
		cfg.AutoRefresh = flags.AutoRefresh
	}
	if set("probe-address") {
		cfg.ProbeAddress = flags.ProbeAddress
	}
	if set("probe-interval") {
		cfg.ProbeInterval = flags.ProbeInterval
	}
	if set("probe-timeout") {
		cfg.ProbeTimeout = flags.ProbeTimeout
	}
	if set("rate-limit") {
		cfg.RateLimit = flags.RateLimit
	}
	if set("rate-burst") {
		cfg.RateBurst = flags.RateBurst
	}
	if set("debug") {
		cfg.Debug = flags.Debug
	}
}

func run(ctx context.Context, cfg config.Config) error {
	klog.InfoS("Starting ofpmonitor", "version", version, "directory", cfg.DirectoryURL,
		"apiBase", cfg.APIBase, "listen", cfg.Listen)

	monitor := connectivity.NewMonitor(connectivity.TCPProbe(cfg.ProbeAddress, cfg.ProbeTimeout), cfg.ProbeInterval)
	online := monitor.Check(ctx)
	klog.InfoS("Initial connectivity", "online", online, "probe", cfg.ProbeAddress)

	engine := servers.NewEngine(
		servers.NewDirectory(cfg.DirectoryURL, cfg.DirectoryTimeout),
		servers.NewStatusFetcher(cfg.APIBase, cfg.FetchTimeout),
		servers.WithInterval(cfg.RefreshInterval),
		servers.WithMaxConcurrency(cfg.MaxConcurrency),
		servers.WithAutoRefresh(cfg.AutoRefresh),
		servers.WithOnline(online),
	)

	api := httpapi.New(engine, httpapi.Options{
		Debug:             cfg.Debug,
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.RateBurst,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx, func(online bool) {
			engine.SetOnline(ctx, online)
		})
		return nil
	})
	g.Go(func() error {
		klog.InfoS("HTTP API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	klog.InfoS("Shutdown complete")
	return err
}
