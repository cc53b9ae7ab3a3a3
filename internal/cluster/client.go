// Package cluster wraps the Kubernetes API for the bridge coordinator.
//
// All writes are full specification replacements, never partial patches, so
// that rollback can reapply a captured spec verbatim. Deletes tolerate
// already-absent resources, which keeps teardown idempotent.
package cluster

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/kbridge-dev/kbridge/internal/metrics"
)

const (
	opGet     = "get"
	opCreate  = "create"
	opReplace = "replace"
	opDelete  = "delete"

	statusSuccess = "success"
	statusError   = "error"
)

// ManagedByLabel marks every resource the coordinator creates, so orphans
// can be found after a process restart.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// ManagedByValue is the label value for coordinator-owned resources.
const ManagedByValue = "kbridge"

// SessionLabel carries the owning session id on coordinator-owned resources.
const SessionLabel = "kbridge.dev/session"

// Client is the cluster API collaborator.
type Client struct {
	clientset kubernetes.Interface
	metrics   metrics.Collector
}

// NewClient creates a cluster client.
func NewClient(clientset kubernetes.Interface, collector metrics.Collector) *Client {
	return &Client{
		clientset: clientset,
		metrics:   collector,
	}
}

// Clientset exposes the underlying clientset for components that need typed
// access (target resolution).
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// GetDeployment fetches a deployment.
func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	start := time.Now()

	deploy, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	c.record(ctx, opGet, "deployment", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to get deployment %s/%s", namespace, name)
	}

	return deploy, nil
}

// ReplaceDeployment replaces a deployment's specification wholesale.
func (c *Client) ReplaceDeployment(ctx context.Context, deploy *appsv1.Deployment) (*appsv1.Deployment, error) {
	start := time.Now()

	updated, err := c.clientset.AppsV1().Deployments(deploy.Namespace).Update(ctx, deploy, metav1.UpdateOptions{})
	c.record(ctx, opReplace, "deployment", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to replace deployment %s/%s", deploy.Namespace, deploy.Name)
	}

	return updated, nil
}

// GetPod fetches a pod.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	start := time.Now()

	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	c.record(ctx, opGet, "pod", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pod %s/%s", namespace, name)
	}

	return pod, nil
}

// ReplacePod replaces a pod's specification. Kubernetes only allows image
// changes on live pods, which is exactly what interceptor substitution needs.
func (c *Client) ReplacePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	start := time.Now()

	updated, err := c.clientset.CoreV1().Pods(pod.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	c.record(ctx, opReplace, "pod", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to replace pod %s/%s", pod.Namespace, pod.Name)
	}

	return updated, nil
}

// ListManagedDeployments lists deployments carrying the coordinator's
// managed-by label in any namespace. Used for restart recovery.
func (c *Client) ListManagedDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	start := time.Now()

	list, err := c.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: ManagedByLabel + "=" + ManagedByValue,
	})
	c.record(ctx, opGet, "deployment", err, start)

	if err != nil {
		return nil, errors.Wrap(err, "failed to list managed deployments")
	}

	return list.Items, nil
}

// CreateEntryPointService creates the ephemeral UDP NodePort service that
// exposes the relay for one session.
func (c *Client) CreateEntryPointService(
	ctx context.Context,
	namespace, name, sessionID string,
	nodePort, targetPort int32,
	relaySelector map[string]string,
) (*corev1.Service, error) {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				ManagedByLabel: ManagedByValue,
				SessionLabel:   sessionID,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: relaySelector,
			Ports: []corev1.ServicePort{
				{
					Name:       "tunnel",
					Protocol:   corev1.ProtocolUDP,
					Port:       targetPort,
					TargetPort: intstr.FromInt32(targetPort),
					NodePort:   nodePort,
				},
			},
		},
	}

	start := time.Now()

	created, err := c.clientset.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{})
	c.record(ctx, opCreate, "service", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to create entry point service %s/%s", namespace, name)
	}

	return created, nil
}

// DeleteEntryPointService removes a session's entry point service. Absent
// services are not an error.
func (c *Client) DeleteEntryPointService(ctx context.Context, namespace, name string) error {
	start := time.Now()

	err := c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}

	c.record(ctx, opDelete, "service", err, start)

	if err != nil {
		return errors.Wrapf(err, "failed to delete entry point service %s/%s", namespace, name)
	}

	return nil
}

// WriteTunnelSecret creates or replaces the secret carrying a session's
// out-of-band tunnel configuration (public keys, ranges, endpoint address).
func (c *Client) WriteTunnelSecret(
	ctx context.Context,
	namespace, name, sessionID string,
	data map[string][]byte,
) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				ManagedByLabel: ManagedByValue,
				SessionLabel:   sessionID,
			},
		},
		Data: data,
	}

	start := time.Now()

	_, err := c.clientset.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = c.clientset.CoreV1().Secrets(namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}

	c.record(ctx, opCreate, "secret", err, start)

	if err != nil {
		return errors.Wrapf(err, "failed to write tunnel secret %s/%s", namespace, name)
	}

	return nil
}

// ReadTunnelSecret fetches a session's tunnel configuration secret.
func (c *Client) ReadTunnelSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	start := time.Now()

	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	c.record(ctx, opGet, "secret", err, start)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tunnel secret %s/%s", namespace, name)
	}

	return secret.Data, nil
}

// DeleteTunnelSecret removes a session's tunnel configuration secret.
// Absent secrets are not an error.
func (c *Client) DeleteTunnelSecret(ctx context.Context, namespace, name string) error {
	start := time.Now()

	err := c.clientset.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}

	c.record(ctx, opDelete, "secret", err, start)

	if err != nil {
		return errors.Wrapf(err, "failed to delete tunnel secret %s/%s", namespace, name)
	}

	return nil
}

// NodeAddress returns an externally reachable node address for the entry
// point, preferring ExternalIP over InternalIP.
func (c *Client) NodeAddress(ctx context.Context) (string, error) {
	start := time.Now()

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	c.record(ctx, opGet, "node", err, start)

	if err != nil {
		return "", errors.Wrap(err, "failed to list nodes")
	}

	if len(nodes.Items) == 0 {
		return "", errors.New("cluster has no nodes")
	}

	var internal string

	for i := range nodes.Items {
		for _, addr := range nodes.Items[i].Status.Addresses {
			switch addr.Type {
			case corev1.NodeExternalIP:
				return addr.Address, nil
			case corev1.NodeInternalIP:
				if internal == "" {
					internal = addr.Address
				}
			case corev1.NodeHostName, corev1.NodeExternalDNS, corev1.NodeInternalDNS:
			}
		}
	}

	if internal == "" {
		return "", errors.New("no node reported a usable address")
	}

	return internal, nil
}

// RelayReady reports whether at least one relay pod matching the selector is
// running and ready in the given namespace.
func (c *Client) RelayReady(ctx context.Context, namespace string, selector map[string]string) (bool, error) {
	start := time.Now()

	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set(selector).String(),
	})
	c.record(ctx, opGet, "pod", err, start)

	if err != nil {
		return false, errors.Wrap(err, "failed to list relay pods")
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}

		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return true, nil
			}
		}
	}

	return false, nil
}

// IsPortUnavailable reports whether a service create failed because the
// requested node port is taken or otherwise rejected. Name collisions are a
// different condition, see IsNameConflict.
func IsPortUnavailable(err error) bool {
	return apierrors.IsInvalid(err) || apierrors.IsConflict(err)
}

// IsNameConflict reports whether a create failed because a resource with the
// same name already exists. Retrying other ports cannot resolve this.
func IsNameConflict(err error) bool {
	return apierrors.IsAlreadyExists(err)
}

func (c *Client) record(ctx context.Context, operation, resource string, err error, start time.Time) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}

	c.metrics.RecordClusterOp(ctx, operation, resource, status, time.Since(start))
}
