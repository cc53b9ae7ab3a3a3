// Package gateway implements the local side of a bridge: the routing and
// DNS frontend that makes the developer's container behave like a pod.
//
// Cluster-bound traffic and cluster-domain DNS queries travel across the
// tunnel; everything else leaves through the normal local path. Non-cluster
// names are never forwarded to the cluster resolver.
package gateway

import (
	"context"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sync/errgroup"

	"github.com/kbridge-dev/kbridge/internal/metrics"
)

// maxDNSPacket is the largest DNS-over-UDP message we accept.
const maxDNSPacket = 4096

// Exchanger sends one DNS query and returns the raw response. Queries are
// relayed unmodified; the transport (tunnel or local upstream) is the only
// difference between implementations.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, query []byte) ([]byte, error)

// Exchange calls the function.
func (f ExchangerFunc) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	return f(ctx, query)
}

// DNSForwarder splits queries between the cluster resolver (across the
// tunnel) and the local upstream resolver, by cluster domain suffix.
type DNSForwarder struct {
	clusterSuffix string
	cluster       Exchanger
	upstream      Exchanger
	metrics       metrics.Collector
}

// NewDNSForwarder creates a forwarder for the given cluster domain suffix.
func NewDNSForwarder(clusterSuffix string, cluster, upstream Exchanger, collector metrics.Collector) *DNSForwarder {
	return &DNSForwarder{
		clusterSuffix: strings.Trim(clusterSuffix, "."),
		cluster:       cluster,
		upstream:      upstream,
		metrics:       collector,
	}
}

// Forward routes one raw DNS query and returns the chosen resolver's answer
// verbatim.
func (f *DNSForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	name, err := questionName(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse dns query")
	}

	if f.isClusterName(name) {
		f.metrics.RecordDNSQuery(ctx, "cluster")

		response, err := f.cluster.Exchange(ctx, query)

		return response, errors.Wrap(err, "cluster resolver exchange failed")
	}

	f.metrics.RecordDNSQuery(ctx, "upstream")

	response, err := f.upstream.Exchange(ctx, query)

	return response, errors.Wrap(err, "upstream resolver exchange failed")
}

// IsClusterName reports whether a DNS name falls under the cluster domain.
func (f *DNSForwarder) IsClusterName(name string) bool {
	return f.isClusterName(strings.Trim(name, "."))
}

func (f *DNSForwarder) isClusterName(name string) bool {
	return name == f.clusterSuffix || strings.HasSuffix(name, "."+f.clusterSuffix)
}

// ServeUDP answers DNS queries on conn until the context is cancelled.
// Each query is forwarded on its own goroutine so a slow resolver cannot
// stall the loop.
func (f *DNSForwarder) ServeUDP(ctx context.Context, conn net.PacketConn) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()

		return errors.Wrap(conn.Close(), "closing dns listener")
	})

	group.Go(func() error {
		buf := make([]byte, maxDNSPacket)

		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return errors.Wrap(err, "reading dns query")
			}

			query := make([]byte, n)
			copy(query, buf[:n])

			group.Go(func() error {
				response, fwdErr := f.Forward(ctx, query)
				if fwdErr != nil {
					// Resolver failures are per-query; drop and keep serving.
					return nil //nolint:nilerr // intentional: do not kill the serve loop
				}

				_, _ = conn.WriteTo(response, addr)

				return nil
			})
		}
	})

	return errors.Wrap(group.Wait(), "dns serve loop")
}

// questionName extracts the first question's name from a raw DNS message.
func questionName(query []byte) (string, error) {
	var parser dnsmessage.Parser

	if _, err := parser.Start(query); err != nil {
		return "", errors.Wrap(err, "invalid dns header")
	}

	question, err := parser.Question()
	if err != nil {
		return "", errors.Wrap(err, "message has no question")
	}

	return strings.TrimSuffix(question.Name.String(), "."), nil
}
