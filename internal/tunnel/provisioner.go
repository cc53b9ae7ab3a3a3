package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/config"
	"github.com/kbridge-dev/kbridge/internal/keys"
	"github.com/kbridge-dev/kbridge/internal/metrics"
)

// Secret data keys for the out-of-band tunnel configuration exchange.
const (
	SecretKeyRelayPublic   = "relay.public-key"
	SecretKeyGatewayPublic = "gateway.public-key"
	SecretKeyAllowedRanges = "allowed-ranges"
	SecretKeyEndpoint      = "relay.endpoint"
	SecretKeySubnet        = "subnet"
	SecretKeyPeerDNS       = "peer-dns"
	SecretKeyKeepalive     = "keepalive-seconds"
)

// relayPollInterval is how often the relay readiness wait rechecks.
const relayPollInterval = 500 * time.Millisecond

// relaySelector matches the relay deployment's pods.
var relaySelector = map[string]string{"app.kubernetes.io/name": "kbridge-relay"}

// Provisioner allocates and releases tunnel endpoint pairs against the
// cluster: the ephemeral entry point service and the config secret.
type Provisioner struct {
	client  *cluster.Client
	opts    *config.Options
	metrics metrics.Collector

	mu        sync.Mutex
	allocated map[int32]string
}

// NewProvisioner creates a tunnel provisioner.
func NewProvisioner(client *cluster.Client, opts *config.Options, collector metrics.Collector) *Provisioner {
	return &Provisioner{
		client:    client,
		opts:      opts,
		metrics:   collector,
		allocated: make(map[int32]string),
	}
}

// Provision creates a session's endpoint pair: scans the entry point port
// range for a free UDP node port, creates the entry point service, pushes
// the relay configuration secret, and returns the configured pair. Failures
// surface as ProvisioningError.
func (p *Provisioner) Provision(
	ctx context.Context,
	sessionID string,
	material *keys.Material,
) (*EndpointPair, error) {
	pair := NewEndpointPair(
		sessionID,
		material.Relay.PublicKey(),
		material.Gateway.PublicKey(),
		p.opts.LivenessLossThreshold,
	)

	// Nothing is allocated until the relay can actually terminate a tunnel.
	if err := p.waitForRelay(ctx); err != nil {
		return nil, err
	}

	host, err := p.client.NodeAddress(ctx)
	if err != nil {
		return nil, bridgeerr.ProvisioningWrap(err, "resolving entry point host")
	}

	entryPoint, err := p.allocateEntryPoint(ctx, sessionID, host)
	if err != nil {
		return nil, err
	}

	pair.SetEntryPoint(entryPoint)

	// Relay first: it must be ready to answer before the gateway dials in.
	pair.ConfigureRelay(material.Gateway.PublicKey(), []string{p.opts.RelaySubnet}, "")
	pair.ConfigureGateway(material.Relay.PublicKey(), p.opts.ClusterCIDRs, entryPoint.Address())

	if err := p.writeConfigSecret(ctx, sessionID, pair); err != nil {
		// Roll the entry point back so a failed provision leaves nothing.
		_ = p.releaseEntryPoint(ctx, pair)

		return nil, err
	}

	return pair, nil
}

// Teardown removes a pair's entry point and config secret. It is idempotent
// and converges on already-absent resources without error.
func (p *Provisioner) Teardown(ctx context.Context, pair *EndpointPair) error {
	if err := p.client.DeleteTunnelSecret(ctx, p.opts.Namespace, secretName(pair.SessionID)); err != nil {
		return bridgeerr.RollbackWrap(err, "deleting tunnel secret")
	}

	if err := p.releaseEntryPoint(ctx, pair); err != nil {
		return bridgeerr.RollbackWrap(err, "releasing entry point")
	}

	return nil
}

// waitForRelay blocks until a relay pod is running and ready, bounded by the
// configured startup timeout.
func (p *Provisioner) waitForRelay(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, relayPollInterval, p.opts.RelayStartupTimeout, true,
		func(ctx context.Context) (bool, error) {
			return p.client.RelayReady(ctx, p.opts.Namespace, relaySelector)
		})
	if err != nil {
		return bridgeerr.ProvisioningWrap(err,
			"relay did not become ready within the startup timeout")
	}

	return nil
}

// RecoverPair rebuilds a minimal endpoint pair for a session whose
// artifacts were observed in the cluster after a restart. Key material and
// handshake state are gone; the pair exists so Teardown can converge on the
// named entry point service and config secret.
func (p *Provisioner) RecoverPair(sessionID string) *EndpointPair {
	pair := NewEndpointPair(sessionID, "", "", p.opts.LivenessLossThreshold)

	// The node port is unknown after a restart; -1 keeps the entry point
	// resolvable by name without colliding with the allocation map.
	pair.SetEntryPoint(EntryPoint{
		Protocol:    "udp",
		NodePort:    -1,
		ServiceName: serviceName(sessionID),
	})

	return pair
}

// AllocatedEntryPoints reports how many entry points are currently held.
func (p *Provisioner) AllocatedEntryPoints() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.allocated)
}

func (p *Provisioner) allocateEntryPoint(
	ctx context.Context,
	sessionID, host string,
) (EntryPoint, error) {
	for port := p.opts.EntryPointPortMin; port <= p.opts.EntryPointPortMax; port++ {
		if p.reserved(port) {
			continue
		}

		name := serviceName(sessionID)

		_, err := p.client.CreateEntryPointService(
			ctx, p.opts.Namespace, name, sessionID,
			port, RelayListenPort, relaySelector,
		)
		if err != nil {
			// The service name is fixed per session; a name collision means a
			// leftover from an earlier run and no other port can help.
			if cluster.IsNameConflict(err) {
				return EntryPoint{}, bridgeerr.ProvisioningWrap(err,
					"a leftover entry point service carries this session's name")
			}

			if cluster.IsPortUnavailable(err) {
				continue
			}

			return EntryPoint{}, bridgeerr.ProvisioningWrap(err, "creating entry point service")
		}

		p.reserve(port, sessionID)
		p.metrics.RecordEntryPointsInUse(ctx, p.AllocatedEntryPoints())

		return EntryPoint{
			Protocol:    "udp",
			Host:        host,
			NodePort:    port,
			ServiceName: name,
		}, nil
	}

	return EntryPoint{}, bridgeerr.Provisioningf(
		"entry point range %d-%d exhausted", p.opts.EntryPointPortMin, p.opts.EntryPointPortMax)
}

func (p *Provisioner) releaseEntryPoint(ctx context.Context, pair *EndpointPair) error {
	entryPoint, ok := pair.EntryPoint()
	if !ok {
		return nil
	}

	if err := p.client.DeleteEntryPointService(ctx, p.opts.Namespace, entryPoint.ServiceName); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.allocated, entryPoint.NodePort)
	p.mu.Unlock()

	p.metrics.RecordEntryPointsInUse(ctx, p.AllocatedEntryPoints())
	pair.ClearEntryPoint()

	return nil
}

func (p *Provisioner) writeConfigSecret(ctx context.Context, sessionID string, pair *EndpointPair) error {
	entryPoint, _ := pair.EntryPoint()

	data := map[string][]byte{
		SecretKeyRelayPublic:   []byte(pair.relay.PublicKey),
		SecretKeyGatewayPublic: []byte(pair.gateway.PublicKey),
		SecretKeyAllowedRanges: []byte(strings.Join(p.opts.ClusterCIDRs, ",")),
		SecretKeyEndpoint:      []byte(entryPoint.Address()),
		SecretKeySubnet:        []byte(p.opts.RelaySubnet),
		SecretKeyPeerDNS:       []byte("auto"),
		SecretKeyKeepalive:     []byte(strconv.Itoa(int(p.opts.KeepaliveInterval.Seconds()))),
	}

	err := p.client.WriteTunnelSecret(ctx, p.opts.Namespace, secretName(sessionID), sessionID, data)
	if err != nil {
		return bridgeerr.ProvisioningWrap(err, "writing tunnel config secret")
	}

	return nil
}

func (p *Provisioner) reserved(port int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, taken := p.allocated[port]

	return taken
}

func (p *Provisioner) reserve(port int32, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocated[port] = sessionID
}

func serviceName(sessionID string) string {
	return fmt.Sprintf("kbridge-ep-%s", shortID(sessionID))
}

func secretName(sessionID string) string {
	return fmt.Sprintf("kbridge-tunnel-%s", shortID(sessionID))
}

func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}

	return sessionID
}
