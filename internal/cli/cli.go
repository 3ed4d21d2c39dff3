// ============================================================================
// Beaver-Relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and talking to the relay
//
// Command Structure:
//   relay                          # Root command
//   ├── coordinator                # Registry, watchdog, processing listener, gateway
//   ├── worker                     # Service-side listener for the configured services
//   │   └── --name                # Worker name (default: host name)
//   ├── submit                     # Submit a job through the gateway
//   │   └── --service, --data, --job-id, --wait
//   ├── services                   # Registered services
//   │   └── --details
//   ├── jobs                       # Jobs queued for a service
//   │   └── --service
//   ├── status                     # Configuration summary and coordinator status
//   ├── --config, -c              # YAML config file (default: built-in defaults)
//   ├── --store-addr              # Override store.addr
//   └── --gateway                 # Gateway address for client commands
//
// coordinator / worker:
//   Run until SIGINT or SIGTERM, then stop their listeners through their own
//   shutdown message and wait for in-flight work. With metrics.enabled, both
//   serve /metrics on metrics.port.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/controller"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/server"
	"github.com/ChuLiYu/beaver-relay/internal/service"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// stopTimeout bounds the graceful stop after a signal.
const stopTimeout = 30 * time.Second

type globals struct {
	configFile string
	storeAddr  string
	gateway    string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Beaver-Relay: job distribution and service coordination over Redis",
		Long: `Beaver-Relay routes jobs from requesters to worker services:
- services announce themselves and hold a lease in the registry
- requests travel through durable queues, announced over pub/sub
- every job is claimed exactly once, responses are dispatched exactly once`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&g.storeAddr, "store-addr", "", "override store.addr")
	rootCmd.PersistentFlags().StringVar(&g.gateway, "gateway", "", "gateway address (default localhost:<server.port>)")

	rootCmd.AddCommand(
		buildCoordinatorCommand(g),
		buildWorkerCommand(g),
		buildSubmitCommand(g),
		buildServicesCommand(g),
		buildJobsCommand(g),
		buildStatusCommand(g),
	)
	return rootCmd
}

// ============================================================================
// Shared setup
// ============================================================================

func (g *globals) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if g.configFile == "" {
		def := config.Default()
		cfg = &def
	} else {
		loaded, err := config.Load(g.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if g.storeAddr != "" {
		cfg.Store.Addr = g.storeAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globals) gatewayAddr(cfg *config.Config) string {
	if g.gateway != "" {
		return g.gateway
	}
	return fmt.Sprintf("localhost:%d", cfg.Server.Port)
}

// newLogger builds the slog handler described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// setup loads the configuration, installs the logger and connects to the store.
func (g *globals) setup(ctx context.Context, cmd *cobra.Command) (*config.Config, *slog.Logger, *store.Store, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	st, err := store.Connect(ctx, cfg.Store)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, st, nil
}

// newMetrics registers the relay collector, plus process and Go runtime
// metrics, on a fresh registry.
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

type stopper interface {
	Stop(ctx context.Context) error
}

// runUntilSignal runs run until it returns or a signal arrives; on a signal
// it stops s and waits for run to return.
func runUntilSignal(ctx context.Context, logger *slog.Logger, s stopper, run func(ctx context.Context) error) error {
	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("Received shutdown signal, stopping gracefully...")
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer stopCancel()

	if ctx.Err() == nil {
		if err := s.Stop(stopCtx); err != nil {
			return fmt.Errorf("graceful stop failed: %w", err)
		}
	}
	select {
	case err := <-errCh:
		return err
	case <-stopCtx.Done():
		return stopCtx.Err()
	}
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand(g *globals) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start a coordinator node with its gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(cmd, g, port, cmd.Flags().Changed("port"))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "gateway port (default server.port)")
	return cmd
}

func runCoordinator(cmd *cobra.Command, g *globals, port int, portSet bool) error {
	ctx := cmd.Context()
	cfg, logger, st, err := g.setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	if !portSet {
		port = cfg.Server.Port
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	opts := []controller.Option{controller.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		reg, collector := newMetrics()
		opts = append(opts, controller.WithMetrics(collector))
		group.Go(func() error { return metrics.StartServer(ctx, cfg.Metrics.Port, reg) })
		logger.Info("Metrics server started", "port", cfg.Metrics.Port)
	}
	ctrl := controller.New(st, *cfg, opts...)

	gs := server.NewServer(ctrl, logger).NewGRPCServer()
	group.Go(func() error {
		logger.Info("Gateway listening", "addr", lis.Addr().String())
		return gs.Serve(lis)
	})

	group.Go(func() error {
		defer cancel()
		defer gs.GracefulStop()
		return runUntilSignal(ctx, logger, ctrl, ctrl.Run)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Coordinator stopped. Goodbye!")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(g *globals) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker offering the configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, g, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name (default worker.name, then the host name)")
	return cmd
}

func runWorker(cmd *cobra.Command, g *globals, name string) error {
	ctx := cmd.Context()
	cfg, logger, st, err := g.setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if name != "" {
		cfg.Worker.Name = name
	}
	if cfg.Worker.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker name not configured: %w", err)
		}
		cfg.Worker.Name = host
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	opts := []service.Option{service.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		reg, collector := newMetrics()
		opts = append(opts, service.WithMetrics(collector))
		group.Go(func() error { return metrics.StartServer(ctx, cfg.Metrics.Port, reg) })
	}

	svc, err := service.New(st, service.NewConfig(*cfg), service.Offerings(cfg.Worker.Services), opts...)
	if err != nil {
		return err
	}

	group.Go(func() error {
		defer cancel()
		return runUntilSignal(ctx, logger, svc, svc.Run)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Worker stopped. Goodbye!")
	return nil
}

// ============================================================================
// Client commands
// ============================================================================

// withClient connects to the gateway for the duration of fn.
func (g *globals) withClient(fn func(cfg *config.Config, client *server.Client) error) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, conn, err := server.Dial(g.gatewayAddr(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer conn.Close()
	return fn(cfg, client)
}

func buildSubmitCommand(g *globals) *cobra.Command {
	var (
		serviceName string
		data        string
		jobID       string
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to a service",
		Long:  "Queue a job for a registered service. With --wait, block until its result arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if data != "" {
				if err := types.Unmarshal([]byte(data), &payload); err != nil || payload == nil {
					return fmt.Errorf("--data must be a JSON object")
				}
			}

			return g.withClient(func(_ *config.Config, client *server.Client) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait+10*time.Second)
				defer cancel()

				res, err := client.SubmitJob(ctx, serviceName, payload, jobID, wait)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Result == nil {
					fmt.Fprintln(out, res.JobID)
					return nil
				}
				raw, err := types.Marshal(res.Result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&serviceName, "service", "s", "", "service name")
	cmd.Flags().StringVarP(&data, "data", "d", "", "job payload as a JSON object")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id (default: random)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "wait this long for the result")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func buildServicesCommand(g *globals) *cobra.Command {
	var details bool

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(_ *config.Config, client *server.Client) error {
				out := cmd.OutOrStdout()
				if !details {
					names, err := client.ServiceNames(cmd.Context())
					if err != nil {
						return err
					}
					for _, name := range names {
						fmt.Fprintln(out, name)
					}
					return nil
				}

				records, err := client.ListServices(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tCHANNEL\tFRAMEWORK\tCAPABILITIES")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Version, r.Channel, r.Framework, strings.Join(r.Capabilities, ","))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "show the registration records")
	return cmd
}

func buildJobsCommand(g *globals) *cobra.Command {
	var serviceName string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs queued for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(_ *config.Config, client *server.Client) error {
				ids, err := client.RunningJobs(cmd.Context(), serviceName)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&serviceName, "service", "s", "", "service name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func buildStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and coordinator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(cfg *config.Config, client *server.Client) error {
				showStatus(cmd, g, cfg, client)
				return nil
			})
		},
	}
}

func showStatus(cmd *cobra.Command, g *globals, cfg *config.Config, client *server.Client) {
	out := cmd.OutOrStdout()
	configFile := g.configFile
	if configFile == "" {
		configFile = "(defaults)"
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config File:       %s\n", configFile)
	fmt.Fprintf(out, "  Store:             %s (prefix %q)\n", cfg.Store.Addr, cfg.Store.Prefix)
	fmt.Fprintf(out, "  Lease:             %s\n", cfg.Registry.Lease)
	fmt.Fprintf(out, "  Watchdog Interval: %s\n", cfg.Registry.WatchdogInterval)
	fmt.Fprintf(out, "  Handler Timeout:   %s\n", cfg.Dispatch.HandlerTimeout)
	fmt.Fprintf(out, "  Gateway:           %s\n", g.gatewayAddr(cfg))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics:           http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  Metrics:           disabled")
	}
	fmt.Fprintln(out)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	st, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(out, "Coordinator: unreachable (%v)\n", err)
		return
	}

	fmt.Fprintln(out, "Coordinator:")
	fmt.Fprintf(out, "  Uptime:            %s\n", (time.Duration(st.UptimeMillis) * time.Millisecond).String())
	fmt.Fprintf(out, "  Live Channels:     %s\n", strings.Join(st.LiveChannels, ", "))
	fmt.Fprintf(out, "  Subscribed:        %s\n", strings.Join(st.Subscribed, ", "))
	fmt.Fprintf(out, "  Jobs:              %d pending, %d completed, %d dead\n",
		st.Jobs["pending"], st.Jobs["completed"], st.Jobs["dead"])
}
