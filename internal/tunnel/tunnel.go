// Package tunnel manages the encrypted point-to-point link between the
// cluster-side relay and the local gateway.
//
// The pair's configuration is exchanged out-of-band through a cluster
// Secret: public keys, allowed ranges and the relay's external endpoint.
// Actual encryption happens inside the tunnel device on each side; nothing
// in this package, or anything riding on it, touches cryptography directly.
package tunnel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the handshake state of a tunnel endpoint pair.
type Status string

// Handshake states.
const (
	// StatusPending means no authenticated traffic has been seen yet.
	StatusPending Status = "PENDING"

	// StatusEstablished means both endpoints observed authenticated traffic
	// within the loss window.
	StatusEstablished Status = "ESTABLISHED"

	// StatusLost means the pair was established once but one side has been
	// silent past the loss window.
	StatusLost Status = "LOST"
)

// RelayListenPort is the port the relay's tunnel device listens on inside
// the cluster; the ephemeral entry point maps a node port onto it.
const RelayListenPort int32 = 51820

// EntryPoint is the ephemeral cluster-external address that lets the two
// tunnel ends find each other. It exists only while its session lives.
type EntryPoint struct {
	Protocol    string
	Host        string
	NodePort    int32
	ServiceName string
}

// Address returns the host:port form used in endpoint configuration.
func (e EntryPoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.NodePort)
}

// EndpointConfig is one endpoint's applied configuration.
type EndpointConfig struct {
	PeerPublicKey   string
	AllowedRanges   []string
	EndpointAddress string
}

func (c EndpointConfig) equal(other EndpointConfig) bool {
	return c.PeerPublicKey == other.PeerPublicKey &&
		c.EndpointAddress == other.EndpointAddress &&
		strings.Join(c.AllowedRanges, ",") == strings.Join(other.AllowedRanges, ",")
}

// Endpoint is one side of the pair: its identity (public key), its applied
// configuration, and the last time authenticated traffic was observed.
type Endpoint struct {
	PublicKey string
	Address   string

	config        EndpointConfig
	configured    bool
	lastHandshake time.Time
}

// EndpointPair is a session's tunnel: the relay side, the gateway side, and
// the ephemeral entry point joining them.
type EndpointPair struct {
	ID        string
	SessionID string

	mu         sync.Mutex
	relay      Endpoint
	gateway    Endpoint
	entryPoint EntryPoint
	lossWindow time.Duration

	now func() time.Time
}

// NewEndpointPair creates a pair for one session. The loss window bounds how
// long an endpoint may stay silent before the pair reports LOST.
func NewEndpointPair(sessionID string, relayKey, gatewayKey string, lossWindow time.Duration) *EndpointPair {
	return &EndpointPair{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		relay:      Endpoint{PublicKey: relayKey},
		gateway:    Endpoint{PublicKey: gatewayKey},
		lossWindow: lossWindow,
		now:        time.Now,
	}
}

// ConfigureRelay applies the relay endpoint's configuration. Reapplying an
// identical configuration is a no-op; Configure reports whether anything
// changed.
func (p *EndpointPair) ConfigureRelay(peerPublicKey string, allowedRanges []string, endpointAddress string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return configure(&p.relay, peerPublicKey, allowedRanges, endpointAddress)
}

// ConfigureGateway applies the gateway endpoint's configuration, with the
// same idempotency contract as ConfigureRelay.
func (p *EndpointPair) ConfigureGateway(peerPublicKey string, allowedRanges []string, endpointAddress string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return configure(&p.gateway, peerPublicKey, allowedRanges, endpointAddress)
}

func configure(ep *Endpoint, peerKey string, ranges []string, address string) bool {
	next := EndpointConfig{
		PeerPublicKey:   peerKey,
		AllowedRanges:   append([]string(nil), ranges...),
		EndpointAddress: address,
	}

	if ep.configured && ep.config.equal(next) {
		return false
	}

	ep.config = next
	ep.configured = true

	return true
}

// ObserveHandshake records that an endpoint saw authenticated traffic or a
// keepalive. side is "relay" or "gateway".
func (p *EndpointPair) ObserveHandshake(side string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case "relay":
		p.relay.lastHandshake = p.now()
	case "gateway":
		p.gateway.lastHandshake = p.now()
	}
}

// HandshakeStatus derives the pair status from both endpoints' last
// observed handshakes.
func (p *EndpointPair) HandshakeStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.relay.lastHandshake.IsZero() || p.gateway.lastHandshake.IsZero() {
		return StatusPending
	}

	cutoff := p.now().Add(-p.lossWindow)
	if p.relay.lastHandshake.Before(cutoff) || p.gateway.lastHandshake.Before(cutoff) {
		return StatusLost
	}

	return StatusEstablished
}

// SetClock replaces the pair's time source. Intended for tests.
func (p *EndpointPair) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.now = now
}

// SetEntryPoint records the allocated entry point.
func (p *EndpointPair) SetEntryPoint(ep EntryPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entryPoint = ep
}

// EntryPoint returns the allocated entry point; ok is false before
// allocation and after release.
func (p *EndpointPair) EntryPoint() (EntryPoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.entryPoint, p.entryPoint.NodePort != 0
}

// ClearEntryPoint forgets the entry point after it has been released.
func (p *EndpointPair) ClearEntryPoint() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entryPoint = EntryPoint{}
}

// RelayConfig returns the relay endpoint's applied configuration.
func (p *EndpointPair) RelayConfig() (EndpointConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.relay.config, p.relay.configured
}

// GatewayConfig returns the gateway endpoint's applied configuration.
func (p *EndpointPair) GatewayConfig() (EndpointConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.gateway.config, p.gateway.configured
}
