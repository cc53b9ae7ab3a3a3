// Package daemon assembles and runs the bridge daemon: cluster client,
// coordinator, and the metrics and health endpoints.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/config"
	"github.com/kbridge-dev/kbridge/internal/coordinator"
	"github.com/kbridge-dev/kbridge/internal/interceptor"
	"github.com/kbridge-dev/kbridge/internal/keys"
	"github.com/kbridge-dev/kbridge/internal/metrics"
	"github.com/kbridge-dev/kbridge/internal/tunnel"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Run starts the daemon and blocks until the context is cancelled. On
// shutdown every live session is torn down so no workload is left
// substituted.
func Run(ctx context.Context, opts *config.Options) error {
	logger := slog.Default().With("component", "daemon")

	clientset, err := buildClientset()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.NewCollector(registry)
	client := cluster.NewClient(clientset, collector)
	keyManager := keys.NewManager()
	provisioner := tunnel.NewProvisioner(client, opts, collector)
	installer := interceptor.NewInstaller(client, opts.InterceptorImage, true, collector)
	coord := coordinator.New(opts, client, keyManager, provisioner, installer, collector)

	recovered, err := coord.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recovering sessions from cluster state")
	}

	if len(recovered) > 0 {
		logger.Info("recovered sessions from a previous run", "count", len(recovered))
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serve(ctx, opts.MetricsAddr, metricsMux(registry))
	})
	group.Go(func() error {
		return serve(ctx, opts.HealthAddr, healthMux())
	})
	group.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down, tearing down all sessions")

		teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Wrap(coord.TeardownAll(teardownCtx), "tearing down sessions on shutdown")
	})

	logger.Info("daemon started",
		"namespace", opts.Namespace,
		"metrics", opts.MetricsAddr,
		"health", opts.HealthAddr,
	)

	return errors.Wrap(group.Wait(), "daemon stopped")
}

// buildClientset prefers in-cluster credentials and falls back to the local
// kubeconfig for development runs.
func buildClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()

		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, "no usable cluster configuration")
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building kubernetes clientset")
	}

	return clientset, nil
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return mux
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()

	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}

	mux.HandleFunc("/healthz", ok)
	mux.HandleFunc("/readyz", ok)

	return mux
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "server on %s failed", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
	defer cancel()

	return errors.Wrapf(server.Shutdown(shutdownCtx), "shutting down server on %s", addr)
}
