// Package coordinator owns the bridge session state machine.
//
// One Coordinator supervises any number of sessions, each advancing
// INIT -> PROVISIONING -> HANDSHAKING -> ACTIVE -> DRAINING -> TORN_DOWN
// independently; FAILED is reachable from every non-terminal state and
// funnels into TORN_DOWN through the idempotent cleanup routine. The
// coordinator is the only component that mutates cluster workload
// definitions or tunnel endpoint configuration.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/config"
	"github.com/kbridge-dev/kbridge/internal/gateway"
	"github.com/kbridge-dev/kbridge/internal/interceptor"
	"github.com/kbridge-dev/kbridge/internal/keys"
	"github.com/kbridge-dev/kbridge/internal/metrics"
	"github.com/kbridge-dev/kbridge/internal/session"
	"github.com/kbridge-dev/kbridge/internal/target"
	"github.com/kbridge-dev/kbridge/internal/tunnel"
)

// handshakePollInterval is how often the handshake wait rechecks status.
const handshakePollInterval = 500 * time.Millisecond

// GatewayClient is the local gateway collaborator for one session: the
// coordinator pushes key material to it during HANDSHAKING.
type GatewayClient interface {
	PushKeys(material gateway.KeyMaterial) error
}

// BridgeRequest describes one bridge to establish.
type BridgeRequest struct {
	Target target.InterceptionTarget

	// ForwardAddress is the local container's address on the tunnel subnet;
	// intercepted traffic is forwarded there.
	ForwardAddress string

	// TTL bounds the session's lifetime; zero means no deadline.
	TTL time.Duration

	// Gateway receives the gateway-side key material.
	Gateway GatewayClient
}

// Coordinator drives bridge sessions.
type Coordinator struct {
	opts      *config.Options
	store     *session.Store
	resolver  *target.Resolver
	keys      *keys.Manager
	tunnels   *tunnel.Provisioner
	installer *interceptor.Installer
	cluster   *cluster.Client
	metrics   metrics.Collector
	logger    *slog.Logger

	mu            sync.Mutex
	pairs         map[string]*tunnel.EndpointPair
	installations map[string]*interceptor.Installation
	monitors      map[string]chan struct{}
	ending        map[string]bool
}

// New creates a Coordinator.
func New(
	opts *config.Options,
	clusterClient *cluster.Client,
	keyManager *keys.Manager,
	provisioner *tunnel.Provisioner,
	installer *interceptor.Installer,
	collector metrics.Collector,
) *Coordinator {
	return &Coordinator{
		opts:          opts,
		store:         session.NewStore(),
		resolver:      target.NewResolver(clusterClient.Clientset()),
		keys:          keyManager,
		tunnels:       provisioner,
		installer:     installer,
		cluster:       clusterClient,
		metrics:       collector,
		logger:        slog.Default().With("component", "coordinator"),
		pairs:         make(map[string]*tunnel.EndpointPair),
		installations: make(map[string]*interceptor.Installation),
		monitors:      make(map[string]chan struct{}),
		ending:        make(map[string]bool),
	}
}

// Bridge establishes one bridge end to end and returns the ACTIVE session.
// Any failure before ACTIVE triggers cleanup of whatever partial state was
// created; the returned error carries the taxonomy kind.
func (c *Coordinator) Bridge(ctx context.Context, req BridgeRequest) (*session.Session, error) {
	// INIT: resolve the target once and take the exclusivity lock.
	ref, err := c.resolver.Resolve(ctx, req.Target)
	if err != nil {
		c.metrics.RecordBridgeError(ctx, bridgeerr.Kind(err))

		return nil, err
	}

	sess := session.New(ref, req.ForwardAddress, req.TTL)

	if err := c.store.Add(sess); err != nil {
		c.metrics.RecordBridgeError(ctx, bridgeerr.Kind(err))

		return nil, err
	}

	c.metrics.RecordActiveSessions(ctx, c.store.ActiveCount())
	c.logger.Info("session created",
		"session", sess.ID,
		"target", ref.Key(),
	)

	if err := c.provision(ctx, sess); err != nil {
		return nil, c.fail(ctx, sess, err)
	}

	if err := c.handshake(ctx, sess, req.Gateway); err != nil {
		return nil, c.fail(ctx, sess, err)
	}

	if err := c.activate(ctx, sess); err != nil {
		return nil, c.fail(ctx, sess, err)
	}

	c.startMonitor(sess)

	return sess, nil
}

// provision covers PROVISIONING: key material, entry point, relay config.
// The tunnel always comes up before the interceptor so intercepted traffic
// never arrives with nowhere to go.
func (c *Coordinator) provision(ctx context.Context, sess *session.Session) error {
	c.transition(ctx, sess, session.StateProvisioning)

	material, err := c.keys.Generate(sess.ID)
	if err != nil {
		return bridgeerr.ProvisioningWrap(err, "generating session keys")
	}

	pair, err := c.tunnels.Provision(ctx, sess.ID, material)
	if err != nil {
		return err
	}

	sess.TunnelID = pair.ID

	c.mu.Lock()
	c.pairs[sess.ID] = pair
	c.mu.Unlock()

	return nil
}

// handshake covers HANDSHAKING: push gateway-side keys, then wait for a
// confirmed bidirectional handshake within the timeout.
func (c *Coordinator) handshake(ctx context.Context, sess *session.Session, gw GatewayClient) error {
	c.transition(ctx, sess, session.StateHandshaking)

	pair := c.pair(sess.ID)
	material, ok := c.keys.Get(sess.ID)

	if pair == nil || !ok {
		return errors.Newf("session %s has no tunnel state", sess.ID)
	}

	entryPoint, _ := pair.EntryPoint()

	if gw != nil {
		err := gw.PushKeys(gateway.KeyMaterial{
			PrivateKey:      material.Gateway.PrivateKey(),
			RelayPublicKey:  material.Relay.PublicKey(),
			AllowedRanges:   c.opts.ClusterCIDRs,
			EndpointAddress: entryPoint.Address(),
		})
		if err != nil {
			return bridgeerr.ProvisioningWrap(err, "pushing gateway key material")
		}
	}

	start := time.Now()
	deadline := start.Add(c.opts.HandshakeTimeout)

	for {
		if pair.HandshakeStatus() == tunnel.StatusEstablished {
			c.metrics.RecordHandshakeWait(ctx, "established", time.Since(start))

			return nil
		}

		if time.Now().After(deadline) {
			c.metrics.RecordHandshakeWait(ctx, "timeout", time.Since(start))

			return bridgeerr.HandshakeTimeoutf(
				"tunnel for session %s not established within %s", sess.ID, c.opts.HandshakeTimeout)
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "handshake wait cancelled")
		case <-time.After(handshakePollInterval):
		}
	}
}

// activate covers the entry into ACTIVE: capture the original spec and
// substitute the interceptor, now that the tunnel can carry its traffic.
func (c *Coordinator) activate(ctx context.Context, sess *session.Session) error {
	c.transition(ctx, sess, session.StateActive)

	installation, err := c.installer.Install(ctx, sess.ID, sess.Target, sess.ForwardAddress)
	if err != nil {
		return err
	}

	sess.InterceptorID = installation.ID

	c.mu.Lock()
	c.installations[sess.ID] = installation
	c.mu.Unlock()

	c.logger.Info("bridge active",
		"session", sess.ID,
		"target", sess.Target.Key(),
		"forward", sess.ForwardAddress,
	)

	return nil
}

// Teardown ends a session from any state. From ACTIVE it drains first; from
// earlier states nothing is serving traffic yet, so it goes straight to
// cleanup. Tearing down a session that is already TORN_DOWN, or one another
// goroutine is already driving down, is a no-op.
func (c *Coordinator) Teardown(ctx context.Context, sessionID string) error {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return errors.Newf("unknown session %s", sessionID)
	}

	c.stopMonitor(sessionID)

	if !c.beginTeardown(sessionID) {
		return nil
	}
	defer c.endTeardown(sessionID)

	state, _ := c.store.StateOf(sessionID)

	switch state {
	case session.StateTornDown:
		return nil
	case session.StateActive:
		c.drain(ctx, sess)
	case session.StateInit:
		c.transition(ctx, sess, session.StateTornDown)
		c.finish(ctx, sess, "cancelled")

		return nil
	case session.StateProvisioning, session.StateHandshaking:
		c.transition(ctx, sess, session.StateFailed)
	case session.StateDraining, session.StateFailed:
	}

	return c.cleanup(ctx, sess)
}

// TeardownAll ends every session that is not yet torn down. The first error
// is returned but all sessions are attempted.
func (c *Coordinator) TeardownAll(ctx context.Context) error {
	var firstErr error

	for _, sess := range c.store.List() {
		if state, ok := c.store.StateOf(sess.ID); !ok || state.Terminal() {
			continue
		}

		if err := c.Teardown(ctx, sess.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// SetMode toggles a session's interceptor between intercept and
// passthrough, suspending or resuming the bridge without a rollback cycle.
func (c *Coordinator) SetMode(ctx context.Context, sessionID string, mode interceptor.Mode) error {
	_, ok := c.store.Get(sessionID)
	if !ok {
		return errors.Newf("unknown session %s", sessionID)
	}

	if state, _ := c.store.StateOf(sessionID); state != session.StateActive {
		return errors.Newf("session %s is %s, mode toggling requires ACTIVE", sessionID, state)
	}

	installation := c.installation(sessionID)
	if installation == nil {
		return errors.Newf("session %s has no interceptor installation", sessionID)
	}

	return c.installer.SetMode(ctx, installation, mode)
}

// Session returns a session by id.
func (c *Coordinator) Session(sessionID string) (*session.Session, bool) {
	return c.store.Get(sessionID)
}

// State returns a session's current lifecycle state.
func (c *Coordinator) State(sessionID string) (session.State, bool) {
	return c.store.StateOf(sessionID)
}

// Sessions returns a snapshot of all sessions.
func (c *Coordinator) Sessions() []*session.Session {
	return c.store.List()
}

// Pair exposes a session's tunnel endpoint pair so transport glue can
// report observed handshakes.
func (c *Coordinator) Pair(sessionID string) *tunnel.EndpointPair {
	return c.pair(sessionID)
}

// drain covers DRAINING: stop accepting new intercepted connections by
// flipping the proxy to passthrough, then give in-flight connections the
// drain window.
func (c *Coordinator) drain(ctx context.Context, sess *session.Session) {
	c.transition(ctx, sess, session.StateDraining)

	if installation := c.installation(sess.ID); installation != nil {
		// Best effort: a failed toggle must not block teardown.
		if err := c.installer.SetMode(ctx, installation, interceptor.ModePassthrough); err != nil {
			c.logger.Warn("failed to switch interceptor to passthrough for drain",
				"session", sess.ID,
				"error", err,
			)
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(c.opts.DrainWindow):
	}
}

// fail moves a session to FAILED and runs cleanup. The original error is
// returned to the caller with cleanup problems attached as secondaries.
func (c *Coordinator) fail(ctx context.Context, sess *session.Session, cause error) error {
	state, _ := c.store.StateOf(sess.ID)

	c.store.RecordError(sess.ID, cause)
	c.metrics.RecordBridgeError(ctx, bridgeerr.Kind(cause))
	c.logger.Error("session failed",
		"session", sess.ID,
		"state", string(state),
		"error", cause,
	)

	c.transition(ctx, sess, session.StateFailed)

	if !c.beginTeardown(sess.ID) {
		// A concurrent explicit teardown owns the cleanup.
		return cause
	}
	defer c.endTeardown(sess.ID)

	if cleanupErr := c.cleanup(ctx, sess); cleanupErr != nil {
		return errors.WithSecondaryError(cause, cleanupErr)
	}

	return cause
}

// cleanup is the single rollback routine. It is idempotent and re-entrant:
// every step converges on already-absent resources, so it can be retried
// after partial failure or a process restart. Order is fixed: interceptor
// out first, tunnel second, keys last, so live traffic is never routed into
// a tunnel that no longer exists.
func (c *Coordinator) cleanup(ctx context.Context, sess *session.Session) error {
	backoff := wait.Backoff{
		Duration: c.opts.CleanupBackoff,
		Factor:   2,
		Steps:    c.opts.CleanupAttempts,
	}

	attempts := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempts++

		if err := c.cleanupOnce(ctx, sess); err != nil {
			c.logger.Warn("cleanup attempt failed",
				"session", sess.ID,
				"attempt", attempts,
				"error", err,
			)

			return false, nil
		}

		return true, nil
	})
	if err != nil {
		c.metrics.RecordCleanupAttempts(ctx, "exhausted", attempts)
		c.metrics.RecordBridgeError(ctx, bridgeerr.KindRollback)

		return bridgeerr.RollbackWrap(err,
			"cleanup did not converge, the routine stays re-invocable")
	}

	c.metrics.RecordCleanupAttempts(ctx, "success", attempts)

	if state, _ := c.store.StateOf(sess.ID); state != session.StateTornDown {
		c.transition(ctx, sess, session.StateTornDown)
	}

	outcome := "torn_down"
	if c.store.ErrorOf(sess.ID) != nil {
		outcome = "failed"
	}

	c.finish(ctx, sess, outcome)

	return nil
}

// cleanupOnce runs one pass of the rollback steps.
func (c *Coordinator) cleanupOnce(ctx context.Context, sess *session.Session) error {
	if installation := c.installation(sess.ID); installation != nil {
		if err := c.installer.Uninstall(ctx, installation); err != nil {
			return err
		}

		c.mu.Lock()
		delete(c.installations, sess.ID)
		c.mu.Unlock()
	}

	if pair := c.pair(sess.ID); pair != nil {
		if err := c.tunnels.Teardown(ctx, pair); err != nil {
			return err
		}

		c.mu.Lock()
		delete(c.pairs, sess.ID)
		c.mu.Unlock()
	}

	// Synchronous wipe; a destroyed key never outlives its session.
	c.keys.Destroy(sess.ID)

	return nil
}

// finish releases the target lock and records the session's end.
func (c *Coordinator) finish(ctx context.Context, sess *session.Session, outcome string) {
	lifetime := c.store.MarkFinished(sess.ID)

	if err := c.store.ReleaseTarget(sess.ID); err != nil {
		c.logger.Warn("failed to release target lock", "session", sess.ID, "error", err)
	}

	c.metrics.RecordActiveSessions(ctx, c.store.ActiveCount())
	c.metrics.RecordSessionOutcome(ctx, outcome, lifetime)
	c.logger.Info("session finished",
		"session", sess.ID,
		"outcome", outcome,
		"lifetime", lifetime.Round(time.Millisecond),
	)
}

func (c *Coordinator) transition(ctx context.Context, sess *session.Session, to session.State) {
	from, _ := c.store.StateOf(sess.ID)

	if err := c.store.Transition(sess.ID, to); err != nil {
		// Transitions are driven solely by this coordinator; an illegal one
		// is a programming error worth surfacing loudly in logs.
		c.logger.Error("illegal state transition",
			"session", sess.ID,
			"from", string(from),
			"to", string(to),
			"error", err,
		)

		return
	}

	c.metrics.RecordStateTransition(ctx, string(from), string(to))
}

// beginTeardown claims exclusive ownership of a session's drain/cleanup
// path. It returns false when another goroutine, an explicit Teardown or
// the session's own monitor, is already driving the session down.
func (c *Coordinator) beginTeardown(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ending[sessionID] {
		return false
	}

	c.ending[sessionID] = true

	return true
}

func (c *Coordinator) endTeardown(sessionID string) {
	c.mu.Lock()
	delete(c.ending, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) pair(sessionID string) *tunnel.EndpointPair {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pairs[sessionID]
}

func (c *Coordinator) installation(sessionID string) *interceptor.Installation {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.installations[sessionID]
}
