package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/nexus-proxy/pkg/certbot"
	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/command"
	"github.com/cuemby/nexus-proxy/pkg/health"
	"github.com/cuemby/nexus-proxy/pkg/ingress"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/metrics"
	"github.com/cuemby/nexus-proxy/pkg/proxy"
	"github.com/cuemby/nexus-proxy/pkg/reconciler"
	"github.com/cuemby/nexus-proxy/pkg/render"
	"github.com/cuemby/nexus-proxy/pkg/resolver"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

var albCmd = &cobra.Command{
	Use:   "alb",
	Short: "Run and inspect an application load balancer",
}

var albRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the proxy configuration in line with the store",
	Long: `Run the reconciliation loop for one ALB.

Every poll interval the configuration is resolved from the store. When the
listeners or the template changed, certificates are staged, the template is
rendered, validated, installed and the proxy reloaded.`,
	RunE: runALB,
}

var albShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration of an ALB",
	Long: `Print the resolved configuration of an ALB.

Examples:
  # Human readable summary
  nexus-proxy alb show --alb-id vhost

  # Configuration file as the reconciler would render it
  nexus-proxy alb show --haproxy

  # Stored configuration only, as YAML
  nexus-proxy alb show --raw -o yaml`,
	RunE: showALB,
}

var albRouteCmd = &cobra.Command{
	Use:   "route PORT HOST PATH",
	Short: "Explain which rule serves a request",
	Args:  cobra.ExactArgs(3),
	RunE:  routeALB,
}

var albTargetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Probe the targets of every target group",
	Long: `Probe the targets of every target group with its health check policy.

Targets start up and go down after the policy's unhealthy threshold of
consecutive failures, so use --rounds to see the state the proxy would
reach.`,
	RunE: probeTargets,
}

func init() {
	albCmd.AddCommand(albRunCmd)
	albCmd.AddCommand(albShowCmd)
	albCmd.AddCommand(albRouteCmd)
	albCmd.AddCommand(albTargetsCmd)

	albRunCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints, empty to use METRICS_ADDR")
	albRunCmd.Flags().String("template", "", "Configuration template, empty to use TEMPLATE_PATH or the built-in one")

	albShowCmd.Flags().Bool("haproxy", false, "Print the rendered proxy configuration")
	albShowCmd.Flags().Bool("raw", false, "Skip certbot routes and rule sorting")
	albShowCmd.Flags().StringP("output", "o", "", "Output format: yaml or json")
	albShowCmd.Flags().String("template", "", "Template used with --haproxy")

	albTargetsCmd.Flags().Int("rounds", 1, "Number of probe rounds")
}

func runALB(cmd *cobra.Command, args []string) error {
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if path, _ := cmd.Flags().GetString("template"); path != "" {
		cfg.TemplatePath = path
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithALB("main", cfg.ALBID)
	metrics.SetVersion(Version)

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	runner := command.NewExecRunner()

	var syncer certs.Syncer = certs.DirSyncer{}
	if cfg.SyncCommand != "" {
		rsync := certs.NewRsyncSyncer(runner)
		rsync.Binary = cfg.SyncCommand
		syncer = rsync
	}
	transferrer := certs.NewTransferrer(certs.NewLoader(store), cfg.CertsPath, cfg.TempCertsPath, syncer)

	controller, err := proxy.NewController(proxy.Config{
		ValidateCommand: cfg.ValidateCommand,
		ReloadCommand:   cfg.ReloadCommand,
	}, runner)
	if err != nil {
		return &types.ConfigurationError{Setting: "VALIDATE_COMMAND/RELOAD_COMMAND", Reason: err.Error()}
	}

	rec := reconciler.New(reconciler.Config{
		ALBID:              cfg.ALBID,
		TemplatePath:       cfg.TemplatePath,
		ConfigPath:         cfg.ConfigPath,
		StagedConfigPath:   cfg.StagedConfigPath,
		PollInterval:       cfg.PollInterval,
		NoServicesInterval: cfg.NoServicesDelay,
		MaxRetries:         cfg.StoreMaxRetries,
		Extras:             cfg.Extras(),
	}, resolver.New(store), transferrer, controller,
		reconciler.WithReadinessMarker(certbot.NewRegistry(store)),
	)

	collector := metrics.NewCollector(rec, metrics.DefaultCollectInterval)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		l, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
		}
		shutdown := serveMetrics(l, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Str("store", cfg.EtcdHost).
		Str("config", cfg.ConfigPath).
		Str("certs", cfg.CertsPath).
		Msg("Initializing ALB")

	return rec.Run(ctx)
}

// serveMetrics serves the metrics and health endpoints on l until the
// returned function shuts the server down
func serveMetrics(l net.Listener, logger zerolog.Logger) func(context.Context) {
	srv := &http.Server{
		Handler:           metrics.NewServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", l.Addr().String()).Msg("Metrics server listening")
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
}

func showALB(cmd *cobra.Command, args []string) error {
	haproxy, _ := cmd.Flags().GetBool("haproxy")
	raw, _ := cmd.Flags().GetBool("raw")
	output, _ := cmd.Flags().GetString("output")
	if path, _ := cmd.Flags().GetString("template"); path != "" {
		cfg.TemplatePath = path
	}

	format, err := parseFormat(output)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lb, err := resolver.New(store).Resolve(ctx, cfg.ALBID, resolver.Options{
		WithListenerGroups: true,
		MaxRetries:         cfg.StoreMaxRetries,
		Raw:                raw,
	})
	out := cmd.OutOrStdout()
	if types.IsNoConfiguration(err) {
		fmt.Fprintln(out, "No configuration found")
		return nil
	}
	if err != nil {
		return err
	}

	if haproxy {
		renderer, _, err := render.Load(cfg.TemplatePath)
		if err != nil {
			return err
		}
		usable, err := certs.Verify(ctx, certs.NewLoader(store), lb.Listeners)
		if err != nil {
			return err
		}
		text, err := renderer.Render(render.NewContext(lb, usable, cfg.CertsPath, cfg.Extras()))
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
		return nil
	}

	return printConfig(out, lb, format)
}

func routeALB(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %s", args[0])
	}
	host, path := args[1], args[2]

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lb, err := resolver.New(store).Resolve(ctx, cfg.ALBID, resolver.Options{
		WithListenerGroups: true,
		MaxRetries:         cfg.StoreMaxRetries,
	})
	out := cmd.OutOrStdout()
	if types.IsNoConfiguration(err) {
		fmt.Fprintln(out, "No configuration found")
		return nil
	}
	if err != nil {
		return err
	}

	usable, err := certs.Verify(ctx, certs.NewLoader(store), lb.Listeners)
	if err != nil {
		return err
	}
	router := ingress.NewRouter(ingress.GroupByPort(lb.Listeners, usable))
	printMatch(out, router.Route(port, host, path))
	return nil
}

func probeTargets(cmd *cobra.Command, args []string) error {
	rounds, _ := cmd.Flags().GetInt("rounds")
	if rounds < 1 {
		return fmt.Errorf("--rounds must be at least 1")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lb, err := resolver.New(store).Resolve(ctx, cfg.ALBID, resolver.Options{MaxRetries: cfg.StoreMaxRetries})
	out := cmd.OutOrStdout()
	if types.IsNoConfiguration(err) {
		fmt.Fprintln(out, "No configuration found")
		return nil
	}
	if err != nil {
		return err
	}

	results := health.NewProber(nil).Watch(ctx, lb.SortedTargetGroups(), rounds)
	printTargets(out, results)
	return nil
}
