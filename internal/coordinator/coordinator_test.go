package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/config"
	"github.com/kbridge-dev/kbridge/internal/coordinator"
	"github.com/kbridge-dev/kbridge/internal/gateway"
	"github.com/kbridge-dev/kbridge/internal/interceptor"
	"github.com/kbridge-dev/kbridge/internal/keys"
	"github.com/kbridge-dev/kbridge/internal/metrics"
	"github.com/kbridge-dev/kbridge/internal/session"
	"github.com/kbridge-dev/kbridge/internal/target"
	"github.com/kbridge-dev/kbridge/internal/tunnel"
)

const proxyImage = "ghcr.io/kbridge-dev/carrier:latest"

func testOptions() *config.Options {
	return &config.Options{
		Namespace:             "kbridge",
		ClusterDomain:         "cluster.local",
		ClusterCIDRs:          []string{"10.0.0.0/8"},
		RelaySubnet:           "192.168.99.0/24",
		InterceptorImage:      proxyImage,
		EntryPointPortMin:     31820,
		EntryPointPortMax:     31825,
		HandshakeTimeout:      2 * time.Second,
		RelayStartupTimeout:   time.Second,
		LivenessInterval:      20 * time.Millisecond,
		LivenessLossThreshold: time.Hour,
		KeepaliveInterval:     25 * time.Second,
		DrainWindow:           10 * time.Millisecond,
		CleanupAttempts:       3,
		CleanupBackoff:        10 * time.Millisecond,
	}
}

func clusterObjects() []runtimeObject {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeExternalIP, Address: "203.0.113.10"},
			},
		},
	}

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": "checkout"},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "checkout"},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "checkout",
						Image: "checkout:1.2.0",
						Ports: []corev1.ContainerPort{{ContainerPort: 8080}},
					}},
				},
			},
		},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "checkout-7d9-abc12",
			Namespace: "shop",
			Labels:    map[string]string{"app": "checkout"},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "checkout",
				Image: "checkout:1.2.0",
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}

	relay := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "kbridge-relay-0",
			Namespace: "kbridge",
			Labels:    map[string]string{"app.kubernetes.io/name": "kbridge-relay"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}

	return []runtimeObject{node, deploy, pod, relay}
}

type runtimeObject interface {
	metav1.Object
}

type fixture struct {
	coord     *coordinator.Coordinator
	clientset *fake.Clientset
	keyMgr    *keys.Manager
	tunnels   *tunnel.Provisioner
	opts      *config.Options
}

func newFixture(t *testing.T, opts *config.Options) *fixture {
	t.Helper()

	clientset := fake.NewClientset()

	ctx := context.Background()
	for _, obj := range clusterObjects() {
		switch typed := obj.(type) {
		case *corev1.Node:
			_, err := clientset.CoreV1().Nodes().Create(ctx, typed, metav1.CreateOptions{})
			require.NoError(t, err)
		case *appsv1.Deployment:
			_, err := clientset.AppsV1().Deployments(typed.Namespace).Create(ctx, typed, metav1.CreateOptions{})
			require.NoError(t, err)
		case *corev1.Pod:
			_, err := clientset.CoreV1().Pods(typed.Namespace).Create(ctx, typed, metav1.CreateOptions{})
			require.NoError(t, err)
		}
	}

	collector := metrics.NewNoopCollector()
	client := cluster.NewClient(clientset, collector)
	keyMgr := keys.NewManager()
	tunnels := tunnel.NewProvisioner(client, opts, collector)
	installer := interceptor.NewInstaller(client, opts.InterceptorImage, true, collector)

	return &fixture{
		coord:     coordinator.New(opts, client, keyMgr, tunnels, installer, collector),
		clientset: clientset,
		keyMgr:    keyMgr,
		tunnels:   tunnels,
		opts:      opts,
	}
}

func checkoutTarget() target.InterceptionTarget {
	return target.InterceptionTarget{
		Kind:      target.KindWorkload,
		Namespace: "shop",
		Name:      "checkout",
		Port:      8080,
	}
}

// autoGateway completes the handshake as soon as keys are pushed, standing
// in for a live local tunnel endpoint.
type autoGateway struct {
	coord *coordinator.Coordinator
	keys  []gateway.KeyMaterial
}

func (g *autoGateway) PushKeys(material gateway.KeyMaterial) error {
	g.keys = append(g.keys, material)

	for _, sess := range g.coord.Sessions() {
		if pair := g.coord.Pair(sess.ID); pair != nil {
			pair.ObserveHandshake("relay")
			pair.ObserveHandshake("gateway")
		}
	}

	return nil
}

// silentGateway accepts keys but never handshakes.
type silentGateway struct{}

func (silentGateway) PushKeys(gateway.KeyMaterial) error { return nil }

func (f *fixture) bridge(t *testing.T, tgt target.InterceptionTarget) *session.Session {
	t.Helper()

	sess, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         tgt,
		ForwardAddress: "192.168.99.2:8080",
		Gateway:        &autoGateway{coord: f.coord},
	})
	require.NoError(t, err)

	return sess
}

func (f *fixture) deployment(t *testing.T) *appsv1.Deployment {
	t.Helper()

	deploy, err := f.clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout", metav1.GetOptions{})
	require.NoError(t, err)

	return deploy
}

func (f *fixture) serviceCount(t *testing.T) int {
	t.Helper()

	services, err := f.clientset.CoreV1().Services(f.opts.Namespace).List(
		context.Background(), metav1.ListOptions{})
	require.NoError(t, err)

	return len(services.Items)
}

func TestBridgeReachesActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	gw := &autoGateway{coord: f.coord}

	sess, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         checkoutTarget(),
		ForwardAddress: "192.168.99.2:8080",
		Gateway:        gw,
	})
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, sess.State)
	assert.NotEmpty(t, sess.TunnelID)
	assert.NotEmpty(t, sess.InterceptorID)

	// The gateway received complete material including the entry point.
	require.Len(t, gw.keys, 1)
	assert.NotEmpty(t, gw.keys[0].PrivateKey)
	assert.NotEmpty(t, gw.keys[0].RelayPublicKey)
	assert.Contains(t, gw.keys[0].EndpointAddress, "203.0.113.10:")

	// The interceptor is in place.
	deploy := f.deployment(t)
	assert.Equal(t, proxyImage, deploy.Spec.Template.Spec.Containers[0].Image)

	assert.Equal(t, 1, f.keyMgr.Live())
	assert.Equal(t, 1, f.tunnels.AllocatedEntryPoints())
	assert.Equal(t, 1, f.serviceCount(t))
}

func TestBridgeRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())

	_, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target: target.InterceptionTarget{
			Kind:      target.KindWorkload,
			Namespace: "shop",
			Name:      "no-such-workload",
			Port:      8080,
		},
		ForwardAddress: "192.168.99.2:8080",
		Gateway:        &autoGateway{coord: f.coord},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.ErrTargetNotFound))

	// Resolution failed before any session was created.
	assert.Empty(t, f.coord.Sessions())
}

func TestTargetExclusivity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	_, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         checkoutTarget(),
		ForwardAddress: "192.168.99.3:8080",
		Gateway:        &autoGateway{coord: f.coord},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.ErrTargetAlreadyBridged))

	// The existing session is untouched by the rejected request.
	assert.Equal(t, session.StateActive, sess.State)

	// After teardown the target is bridgeable again.
	require.NoError(t, f.coord.Teardown(context.Background(), sess.ID))

	f.bridge(t, checkoutTarget())
}

func TestTeardownRestoresEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	require.NoError(t, f.coord.Teardown(context.Background(), sess.ID))
	assert.Equal(t, session.StateTornDown, sess.State)

	deploy := f.deployment(t)
	assert.Equal(t, "checkout:1.2.0", deploy.Spec.Template.Spec.Containers[0].Image)
	assert.NotContains(t, deploy.Annotations, interceptor.OriginalSpecAnnotation)

	assert.Equal(t, 0, f.keyMgr.Live())
	assert.Equal(t, 0, f.tunnels.AllocatedEntryPoints())
	assert.Equal(t, 0, f.serviceCount(t))

	secrets, err := f.clientset.CoreV1().Secrets("kbridge").List(
		context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, secrets.Items)
}

func TestTeardownIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	require.NoError(t, f.coord.Teardown(context.Background(), sess.ID))
	require.NoError(t, f.coord.Teardown(context.Background(), sess.ID))
}

func TestConcurrentTeardownConvergesOnce(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.LivenessLossThreshold = 30 * time.Millisecond

	f := newFixture(t, opts)
	sess := f.bridge(t, checkoutTarget())

	// The monitor is about to notice the silent tunnel while explicit
	// teardowns pile on. Exactly one goroutine may drive drain and cleanup;
	// every caller still returns without error.
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, f.coord.Teardown(context.Background(), sess.ID))
		}()
	}

	wg.Wait()

	require.Eventually(t, func() bool {
		state, ok := f.coord.State(sess.ID)

		return ok && state == session.StateTornDown
	}, 3*time.Second, 10*time.Millisecond)

	deploy := f.deployment(t)
	assert.Equal(t, "checkout:1.2.0", deploy.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, 0, f.serviceCount(t))
	assert.Equal(t, 0, f.keyMgr.Live())
	assert.Equal(t, 0, f.tunnels.AllocatedEntryPoints())
}

func TestHandshakeTimeoutLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond

	f := newFixture(t, opts)

	_, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         checkoutTarget(),
		ForwardAddress: "192.168.99.2:8080",
		Gateway:        silentGateway{},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.ErrHandshakeTimeout))

	// The failed session converged to TORN_DOWN with no trace left.
	sessions := f.coord.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StateTornDown, sessions[0].State)

	assert.Equal(t, 0, f.keyMgr.Live())
	assert.Equal(t, 0, f.tunnels.AllocatedEntryPoints())
	assert.Equal(t, 0, f.serviceCount(t))

	deploy := f.deployment(t)
	assert.Equal(t, "checkout:1.2.0", deploy.Spec.Template.Spec.Containers[0].Image)

	// The target lock is free again.
	f.bridge(t, checkoutTarget())
}

func TestHandshakeLossTriggersAutoTeardown(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.LivenessLossThreshold = 60 * time.Millisecond

	f := newFixture(t, opts)
	sess := f.bridge(t, checkoutTarget())

	// No further handshakes are observed; the monitor must notice the loss
	// and tear the session down by itself.
	require.Eventually(t, func() bool {
		state, ok := f.coord.State(sess.ID)

		return ok && state == session.StateTornDown
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, errors.Is(sess.LastError, bridgeerr.ErrHandshakeLost))

	deploy := f.deployment(t)
	assert.Equal(t, "checkout:1.2.0", deploy.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, 0, f.serviceCount(t))
}

func TestSessionTTLExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())

	sess, err := f.coord.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         checkoutTarget(),
		ForwardAddress: "192.168.99.2:8080",
		TTL:            50 * time.Millisecond,
		Gateway:        &autoGateway{coord: f.coord},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := f.coord.State(sess.ID)

		return ok && state == session.StateTornDown
	}, 3*time.Second, 10*time.Millisecond)

	// Expiry is a normal end of life, not a failure.
	assert.NoError(t, sess.LastError)
}

func TestSetModeTogglesInterceptor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	require.NoError(t, f.coord.SetMode(context.Background(), sess.ID, interceptor.ModePassthrough))

	deploy := f.deployment(t)

	var mode string

	for _, env := range deploy.Spec.Template.Spec.Containers[0].Env {
		if env.Name == "KBRIDGE_MODE" {
			mode = env.Value
		}
	}

	assert.Equal(t, "passthrough", mode)

	require.NoError(t, f.coord.SetMode(context.Background(), sess.ID, interceptor.ModeIntercept))

	require.Error(t, f.coord.SetMode(context.Background(), "nope", interceptor.ModeIntercept))
}

func TestSetModeRequiresActiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	require.NoError(t, f.coord.Teardown(context.Background(), sess.ID))
	require.Error(t, f.coord.SetMode(context.Background(), sess.ID, interceptor.ModePassthrough))
}

func TestTeardownAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testOptions())
	sess := f.bridge(t, checkoutTarget())

	require.NoError(t, f.coord.TeardownAll(context.Background()))
	assert.Equal(t, session.StateTornDown, sess.State)
	assert.Equal(t, 0, f.serviceCount(t))
}

func TestRecoverRestoresLocksAndConverges(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	f := newFixture(t, opts)
	sess := f.bridge(t, checkoutTarget())

	// A second coordinator against the same cluster simulates a restart:
	// all in-memory state is gone, the substitution is still live.
	collector := metrics.NewNoopCollector()
	client := cluster.NewClient(f.clientset, collector)
	restarted := coordinator.New(
		opts,
		client,
		keys.NewManager(),
		tunnel.NewProvisioner(client, opts, collector),
		interceptor.NewInstaller(client, opts.InterceptorImage, true, collector),
		collector,
	)

	recovered, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, sess.ID, recovered[0].ID)
	assert.Equal(t, session.StateFailed, recovered[0].State)

	// The target lock is held again: a new bridge for the same target is
	// refused until the recovered session is torn down.
	_, err = restarted.Bridge(context.Background(), coordinator.BridgeRequest{
		Target:         checkoutTarget(),
		ForwardAddress: "192.168.99.2:8080",
		Gateway:        silentGateway{},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.ErrTargetAlreadyBridged))

	// Teardown of the recovered session restores the original workload and
	// removes the orphaned tunnel artifacts.
	require.NoError(t, restarted.Teardown(context.Background(), recovered[0].ID))

	deploy := f.deployment(t)
	assert.Equal(t, "checkout:1.2.0", deploy.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, 0, f.serviceCount(t))
}
