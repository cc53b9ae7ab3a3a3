// Package config resolves runtime options for the bridge coordinator from
// viper-bound flags and environment variables.
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Default values for every tunable. The tunnel defaults follow the relay's
// stock configuration: UDP entry points are allocated from a NodePort range
// starting at 31820, peers live in 192.168.99.0/24, and the relay gets 60
// seconds to come up.
const (
	DefaultHandshakeTimeout      = 30 * time.Second
	DefaultLivenessInterval      = 5 * time.Second
	DefaultLivenessLossThreshold = 45 * time.Second
	DefaultDrainWindow           = 10 * time.Second
	DefaultCleanupAttempts       = 5
	DefaultCleanupBackoff        = 500 * time.Millisecond
	DefaultEntryPointPortMin     = 31820
	DefaultEntryPointPortMax     = 31920
	DefaultRelaySubnet           = "192.168.99.0/24"
	DefaultRelayStartupTimeout   = 60 * time.Second
	DefaultClusterDomain         = "cluster.local"
	DefaultKeepaliveInterval     = 25 * time.Second
	DefaultInterceptorImage      = "ghcr.io/kbridge-dev/carrier:latest"
)

// Options holds the resolved configuration for one coordinator process.
type Options struct {
	// Namespace is where the relay and its entry point Service live.
	Namespace string

	// ClusterDomain is the DNS suffix that identifies cluster-internal names.
	ClusterDomain string

	// ClusterCIDRs are the address ranges routed through the tunnel.
	ClusterCIDRs []string

	// RelaySubnet is the point-to-point subnet shared by the tunnel peers.
	RelaySubnet string

	// InterceptorImage is the proxy image substituted for bridged containers.
	InterceptorImage string

	// EntryPointPortMin and EntryPointPortMax bound the UDP NodePort range
	// scanned when allocating an ephemeral entry point.
	EntryPointPortMin int32
	EntryPointPortMax int32

	// HandshakeTimeout bounds the HANDSHAKING state.
	HandshakeTimeout time.Duration

	// RelayStartupTimeout bounds the wait for a ready relay pod before any
	// tunnel resources are allocated.
	RelayStartupTimeout time.Duration

	// LivenessInterval is how often an ACTIVE session polls handshake status.
	LivenessInterval time.Duration

	// LivenessLossThreshold is how long a lost handshake is tolerated before
	// the session self-heals into teardown.
	LivenessLossThreshold time.Duration

	// KeepaliveInterval is the tunnel's persistent keepalive period; a peer
	// silent for longer than the loss threshold past this is LOST.
	KeepaliveInterval time.Duration

	// DrainWindow is the grace period for in-flight connections in DRAINING.
	DrainWindow time.Duration

	// CleanupAttempts and CleanupBackoff bound the teardown retry loop.
	CleanupAttempts int
	CleanupBackoff  time.Duration

	MetricsAddr string
	HealthAddr  string
}

// RegisterDefaults installs default values into viper. Call once before
// FromViper, typically from cobra's OnInitialize hook.
func RegisterDefaults() {
	viper.SetDefault("namespace", "kbridge")
	viper.SetDefault("cluster-domain", DefaultClusterDomain)
	viper.SetDefault("cluster-cidrs", []string{"10.0.0.0/8"})
	viper.SetDefault("relay-subnet", DefaultRelaySubnet)
	viper.SetDefault("interceptor-image", DefaultInterceptorImage)
	viper.SetDefault("entry-point-port-min", DefaultEntryPointPortMin)
	viper.SetDefault("entry-point-port-max", DefaultEntryPointPortMax)
	viper.SetDefault("handshake-timeout", DefaultHandshakeTimeout)
	viper.SetDefault("relay-startup-timeout", DefaultRelayStartupTimeout)
	viper.SetDefault("liveness-interval", DefaultLivenessInterval)
	viper.SetDefault("liveness-loss-threshold", DefaultLivenessLossThreshold)
	viper.SetDefault("keepalive-interval", DefaultKeepaliveInterval)
	viper.SetDefault("drain-window", DefaultDrainWindow)
	viper.SetDefault("cleanup-attempts", DefaultCleanupAttempts)
	viper.SetDefault("cleanup-backoff", DefaultCleanupBackoff)
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
}

// FromViper builds Options from the current viper state and validates them.
func FromViper() (*Options, error) {
	opts := &Options{
		Namespace:             viper.GetString("namespace"),
		ClusterDomain:         viper.GetString("cluster-domain"),
		ClusterCIDRs:          viper.GetStringSlice("cluster-cidrs"),
		RelaySubnet:           viper.GetString("relay-subnet"),
		InterceptorImage:      viper.GetString("interceptor-image"),
		EntryPointPortMin:     viper.GetInt32("entry-point-port-min"),
		EntryPointPortMax:     viper.GetInt32("entry-point-port-max"),
		HandshakeTimeout:      viper.GetDuration("handshake-timeout"),
		RelayStartupTimeout:   viper.GetDuration("relay-startup-timeout"),
		LivenessInterval:      viper.GetDuration("liveness-interval"),
		LivenessLossThreshold: viper.GetDuration("liveness-loss-threshold"),
		KeepaliveInterval:     viper.GetDuration("keepalive-interval"),
		DrainWindow:           viper.GetDuration("drain-window"),
		CleanupAttempts:       viper.GetInt("cleanup-attempts"),
		CleanupBackoff:        viper.GetDuration("cleanup-backoff"),
		MetricsAddr:           viper.GetString("metrics-addr"),
		HealthAddr:            viper.GetString("health-addr"),
	}

	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return opts, nil
}

// Validate checks cross-field consistency of the options.
func (o *Options) Validate() error {
	if o.Namespace == "" {
		return errors.New("namespace must not be empty")
	}

	if o.ClusterDomain == "" {
		return errors.New("cluster-domain must not be empty")
	}

	if len(o.ClusterCIDRs) == 0 {
		return errors.New("at least one cluster CIDR is required")
	}

	if o.EntryPointPortMin <= 0 || o.EntryPointPortMax < o.EntryPointPortMin {
		return errors.Newf("invalid entry point port range %d-%d",
			o.EntryPointPortMin, o.EntryPointPortMax)
	}

	if o.HandshakeTimeout <= 0 {
		return errors.New("handshake-timeout must be positive")
	}

	if o.LivenessInterval <= 0 || o.LivenessLossThreshold < o.LivenessInterval {
		return errors.Newf("liveness loss threshold %s must be at least the poll interval %s",
			o.LivenessLossThreshold, o.LivenessInterval)
	}

	if o.CleanupAttempts < 1 {
		return errors.New("cleanup-attempts must be at least 1")
	}

	return nil
}
