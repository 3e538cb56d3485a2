package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iter-org/drawbridge/pkg/certstore"
	"github.com/iter-org/drawbridge/pkg/config"
	"github.com/iter-org/drawbridge/pkg/kube"
	"github.com/iter-org/drawbridge/pkg/leadership"
	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/metrics"
	"github.com/iter-org/drawbridge/pkg/proxy"
	"github.com/iter-org/drawbridge/pkg/routing"
	"github.com/iter-org/drawbridge/pkg/tlsacceptor"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drawbridge",
	Short: "Drawbridge - Kubernetes-native HTTPS ingress controller",
	Long: `Drawbridge is an HTTPS ingress controller for Kubernetes. It watches
Ingress resources, terminates TLS by SNI, proxies HTTP and WebSocket
traffic to in-cluster services, and obtains certificates from Let's
Encrypt automatically. Replicas run as a DaemonSet and elect a single
certificate issuer among themselves.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drawbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	controllerStartCmd.Flags().String("config", "", "Path to a YAML configuration file")

	controllerCmd.AddCommand(controllerStartCmd)
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Drawbridge version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Manage the ingress controller",
}

var controllerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ingress controller",
	Long: `Start the full ingress controller on this node: the HTTP and HTTPS
data planes, the congress mesh listener, the Kubernetes watchers and the
certificate lifecycle engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		return runController(cfg)
	},
}

func runController(cfg config.Config) error {
	logger := log.WithComponent("main")
	logger.Info().
		Str("pod", cfg.PodName).
		Str("environment", string(cfg.Environment)).
		Msg("starting drawbridge")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := kube.NewClient(cfg.Kubeconfig)
	if err != nil {
		return err
	}

	table := routing.NewTable()
	store := certstore.New()
	secrets := kube.NewSecretStore(client, cfg.Namespace, string(cfg.Environment))

	watcher := routing.NewWatcher(client, table, cfg.Namespace)
	watcher.Start(ctx)

	leaderCfg := leadership.DefaultConfig()
	leaderCfg.PodName = cfg.PodName
	leaderCfg.DirectoryURL = cfg.Environment.DirectoryURL()
	leaderCfg.Email = cfg.Email
	leaderCfg.PeerPort = cfg.PeerPort

	system := leadership.New(leaderCfg, table, store, secrets)
	if err := system.Start(ctx); err != nil {
		return err
	}

	handler := proxy.NewHandler(table, store)

	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen on :%d: %w", cfg.HTTPPort, err)
	}
	logger.Info().Int("port", cfg.HTTPPort).Msg("http data plane listening")
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	httpsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPSPort))
	if err != nil {
		return fmt.Errorf("listen on :%d: %w", cfg.HTTPSPort, err)
	}
	acceptor := tlsacceptor.New(httpsListener, store)
	httpsServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info().Int("port", cfg.HTTPSPort).Msg("https data plane listening")
	go func() {
		if err := httpsServer.Serve(acceptor); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("https server error")
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	httpsServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	return nil
}
