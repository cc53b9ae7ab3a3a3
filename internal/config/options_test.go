package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbridge-dev/kbridge/internal/config"
)

// Viper state is global, so these tests do not run in parallel.

func TestFromViperDefaults(t *testing.T) {
	viper.Reset()
	config.RegisterDefaults()

	opts, err := config.FromViper()

	require.NoError(t, err)
	assert.Equal(t, "kbridge", opts.Namespace)
	assert.Equal(t, "cluster.local", opts.ClusterDomain)
	assert.Equal(t, int32(31820), opts.EntryPointPortMin)
	assert.Equal(t, int32(31920), opts.EntryPointPortMax)
	assert.Equal(t, 30*time.Second, opts.HandshakeTimeout)
	assert.Equal(t, 45*time.Second, opts.LivenessLossThreshold)
	assert.Equal(t, 5, opts.CleanupAttempts)
	assert.Equal(t, "192.168.99.0/24", opts.RelaySubnet)
}

func TestFromViperOverrides(t *testing.T) {
	viper.Reset()
	config.RegisterDefaults()
	viper.Set("namespace", "dev-tunnels")
	viper.Set("handshake-timeout", "45s")
	viper.Set("cluster-cidrs", []string{"10.96.0.0/12", "10.244.0.0/16"})

	opts, err := config.FromViper()

	require.NoError(t, err)
	assert.Equal(t, "dev-tunnels", opts.Namespace)
	assert.Equal(t, 45*time.Second, opts.HandshakeTimeout)
	assert.Len(t, opts.ClusterCIDRs, 2)
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	viper.Reset()
	config.RegisterDefaults()
	viper.Set("entry-point-port-min", 32000)
	viper.Set("entry-point-port-max", 31900)

	_, err := config.FromViper()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "port range")
}

func TestValidateRejectsLossThresholdBelowInterval(t *testing.T) {
	viper.Reset()
	config.RegisterDefaults()
	viper.Set("liveness-interval", "10s")
	viper.Set("liveness-loss-threshold", "5s")

	_, err := config.FromViper()

	require.Error(t, err)
}

func TestValidateRejectsEmptyCIDRs(t *testing.T) {
	viper.Reset()
	config.RegisterDefaults()
	viper.Set("cluster-cidrs", []string{})

	_, err := config.FromViper()

	require.Error(t, err)
}
