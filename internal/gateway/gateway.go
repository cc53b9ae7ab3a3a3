package gateway

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"

	"github.com/kbridge-dev/kbridge/internal/tunnel"
)

// Route classifies an outbound destination.
type Route string

// Destination routes.
const (
	// RouteTunnel sends traffic across the tunnel into the cluster.
	RouteTunnel Route = "tunnel"

	// RouteDirect lets traffic exit through the normal local path.
	RouteDirect Route = "direct"
)

// Router decides, per destination address, whether traffic rides the tunnel.
//
// Only outbound routing happens here. Inbound intercepted traffic arrives
// through the tunnel addressed to the local container directly; requests the
// local container originates toward other cluster services take RouteTunnel
// and therefore never re-enter the interceptor that fronts its own port.
type Router struct {
	clusterRanges []*net.IPNet
}

// NewRouter parses the cluster CIDRs into a routing table.
func NewRouter(clusterCIDRs []string) (*Router, error) {
	ranges := make([]*net.IPNet, 0, len(clusterCIDRs))

	for _, cidr := range clusterCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cluster CIDR %q", cidr)
		}

		ranges = append(ranges, network)
	}

	return &Router{clusterRanges: ranges}, nil
}

// Route classifies one destination IP.
func (r *Router) Route(dst net.IP) Route {
	for _, network := range r.clusterRanges {
		if network.Contains(dst) {
			return RouteTunnel
		}
	}

	return RouteDirect
}

// NamespaceAttacher is the local container runtime collaborator: it attaches
// the gateway as default route and DNS server of a network namespace. The
// core only ever calls it; the container's own lifecycle stays external.
type NamespaceAttacher interface {
	Attach(ctx context.Context, namespace string, gatewayAddr, dnsAddr string) error
	Detach(ctx context.Context, namespace string) error
}

// KeyMaterial is the gateway-side tunnel configuration pushed by the
// coordinator during HANDSHAKING.
type KeyMaterial struct {
	PrivateKey      string
	RelayPublicKey  string
	AllowedRanges   []string
	EndpointAddress string
}

// Gateway is the local tunnel endpoint plus routing/DNS frontend for one
// bridge session.
type Gateway struct {
	pair     *tunnel.EndpointPair
	router   *Router
	dns      *DNSForwarder
	attacher NamespaceAttacher

	attachedNS string
	configured bool
}

// New creates a gateway riding on a session's endpoint pair.
func New(pair *tunnel.EndpointPair, router *Router, dns *DNSForwarder, attacher NamespaceAttacher) *Gateway {
	return &Gateway{
		pair:     pair,
		router:   router,
		dns:      dns,
		attacher: attacher,
	}
}

// PushKeys applies the gateway-side key material. The private key goes
// straight into the tunnel device configuration and is never retained here.
// Reapplying identical material is a no-op.
func (g *Gateway) PushKeys(material KeyMaterial) error {
	if material.PrivateKey == "" || material.RelayPublicKey == "" {
		return errors.New("gateway key material is incomplete")
	}

	g.pair.ConfigureGateway(material.RelayPublicKey, material.AllowedRanges, material.EndpointAddress)
	g.configured = true

	return nil
}

// AttachNamespace makes this gateway the default route and DNS resolver of
// the local container's network namespace. Legal only once the tunnel is
// established; becoming the path of least resistance before that would
// blackhole the container.
func (g *Gateway) AttachNamespace(ctx context.Context, namespace, gatewayAddr, dnsAddr string) error {
	if !g.configured {
		return errors.New("gateway has no key material yet")
	}

	if g.pair.HandshakeStatus() != tunnel.StatusEstablished {
		return errors.Newf("tunnel is %s, namespace attach requires ESTABLISHED", g.pair.HandshakeStatus())
	}

	if err := g.attacher.Attach(ctx, namespace, gatewayAddr, dnsAddr); err != nil {
		return errors.Wrapf(err, "failed to attach namespace %s", namespace)
	}

	g.attachedNS = namespace

	return nil
}

// DetachNamespace reverses AttachNamespace. No-op when nothing is attached.
func (g *Gateway) DetachNamespace(ctx context.Context) error {
	if g.attachedNS == "" {
		return nil
	}

	if err := g.attacher.Detach(ctx, g.attachedNS); err != nil {
		return errors.Wrapf(err, "failed to detach namespace %s", g.attachedNS)
	}

	g.attachedNS = ""

	return nil
}

// Router exposes the gateway's routing table.
func (g *Gateway) Router() *Router {
	return g.router
}

// DNS exposes the gateway's DNS forwarder.
func (g *Gateway) DNS() *DNSForwarder {
	return g.dns
}
