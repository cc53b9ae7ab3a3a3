package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kbridge-dev/kbridge/internal/config"
	"github.com/kbridge-dev/kbridge/internal/daemon"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "Kubernetes bridge daemon",
	Long: `A daemon that bridges one locally running container into a Kubernetes
cluster: cluster traffic addressed to a chosen in-cluster container is
intercepted and carried over an encrypted tunnel to the local container,
which in turn reaches cluster services and DNS as if it were a pod.`,
	RunE:          runDaemon,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("namespace", "kbridge", "Namespace for bridge infrastructure resources")
	rootCmd.Flags().String("cluster-domain", config.DefaultClusterDomain, "Kubernetes cluster domain suffix")
	rootCmd.Flags().StringSlice("cluster-cidrs", []string{"10.0.0.0/8"}, "CIDR ranges routed through the tunnel")
	rootCmd.Flags().String("relay-subnet", config.DefaultRelaySubnet, "Subnet for tunnel peer addresses")
	rootCmd.Flags().String("interceptor-image", config.DefaultInterceptorImage, "Image substituted for intercepted containers")
	rootCmd.Flags().Int32("entry-point-port-min", config.DefaultEntryPointPortMin, "Lower bound of the entry point node port range")
	rootCmd.Flags().Int32("entry-point-port-max", config.DefaultEntryPointPortMax, "Upper bound of the entry point node port range")
	rootCmd.Flags().Duration("handshake-timeout", config.DefaultHandshakeTimeout, "How long to wait for the tunnel handshake")
	rootCmd.Flags().Duration("relay-startup-timeout", config.DefaultRelayStartupTimeout, "How long to wait for the relay to come up")
	rootCmd.Flags().Duration("liveness-interval", config.DefaultLivenessInterval, "How often to check tunnel liveness")
	rootCmd.Flags().Duration("liveness-loss-threshold", config.DefaultLivenessLossThreshold, "Silence after which an established tunnel counts as lost")
	rootCmd.Flags().Duration("keepalive-interval", config.DefaultKeepaliveInterval, "Tunnel keepalive interval for NAT traversal")
	rootCmd.Flags().Duration("drain-window", config.DefaultDrainWindow, "Grace period for in-flight connections during teardown")
	rootCmd.Flags().Int("cleanup-attempts", config.DefaultCleanupAttempts, "Bounded retries for each cleanup pass")
	rootCmd.Flags().Duration("cleanup-backoff", config.DefaultCleanupBackoff, "Initial backoff between cleanup attempts")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for the metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for the health probe endpoint")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("KBRIDGE")
	viper.AutomaticEnv()

	config.RegisterDefaults()

	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

//nolint:noinlineerr // inline error handling is fine here
func runDaemon(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	logger.Info("starting bridged",
		"version", version,
		"gitsha", gitsha,
	)

	opts, err := config.FromViper()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := daemon.Run(ctx, opts); err != nil {
		return errors.Wrap(err, "failed to run daemon")
	}

	return nil
}
