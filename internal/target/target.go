// Package target defines the tagged interception target variant and its
// one-time resolution into a concrete container reference.
//
// A bridge request may address a workload (the usual case), a bare pod, or a
// specific container inside a multi-container pod. Resolution happens exactly
// once, at session INIT; everything downstream works with the resolved
// ContainerRef and never re-interprets the original selector.
package target

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
)

// Kind discriminates the interception target variant.
type Kind string

// Target kinds.
const (
	// KindWorkload addresses a Deployment; the bridged pod is picked from
	// the workload's live pods.
	KindWorkload Kind = "workload"

	// KindPod addresses a bare pod with a single container.
	KindPod Kind = "pod"

	// KindContainer addresses a named container inside a multi-container pod.
	KindContainer Kind = "container"
)

// InterceptionTarget is the user-supplied, possibly ambiguous target
// selector. It is resolved into a ContainerRef once, at INIT.
type InterceptionTarget struct {
	Kind      Kind
	Namespace string

	// Name is the workload name for KindWorkload, the pod name otherwise.
	Name string

	// Container names the container to substitute. Optional for KindWorkload
	// and KindPod when the pod runs a single container; required for
	// KindContainer.
	Container string

	// Port is the container port whose inbound traffic is intercepted.
	Port int32
}

// ContainerRef is the fully resolved target: one container in one pod,
// optionally owned by one workload.
type ContainerRef struct {
	Namespace    string
	WorkloadKind Kind
	Workload     string
	Pod          string
	Container    string
	Port         int32
}

// Key returns the exclusivity lock key for this reference. Sessions are
// mutually exclusive per (workload, container); for bare pods the pod name
// stands in for the workload.
func (r ContainerRef) Key() string {
	owner := r.Workload
	if owner == "" {
		owner = r.Pod
	}

	return fmt.Sprintf("%s/%s/%s/%s", r.Namespace, r.WorkloadKind, owner, r.Container)
}

func (r ContainerRef) String() string {
	return fmt.Sprintf("%s/%s:%d in pod %s/%s", r.Container, r.Pod, r.Port, r.Namespace, r.Pod)
}

// Validate checks the selector for structural problems before any cluster
// round trip.
func (t InterceptionTarget) Validate() error {
	if t.Namespace == "" || t.Name == "" {
		return errors.New("target namespace and name are required")
	}

	if t.Port <= 0 {
		return errors.Newf("target port %d is not a valid container port", t.Port)
	}

	switch t.Kind {
	case KindWorkload, KindPod:
		return nil
	case KindContainer:
		if t.Container == "" {
			return errors.New("container targets must name the container")
		}

		return nil
	default:
		return errors.Newf("unknown target kind %q", t.Kind)
	}
}

// Resolver resolves interception targets against the live cluster.
type Resolver struct {
	client kubernetes.Interface
}

// NewResolver creates a Resolver backed by the given clientset.
func NewResolver(client kubernetes.Interface) *Resolver {
	return &Resolver{client: client}
}

// Resolve turns the tagged target into a concrete container reference.
// Missing workloads, pods without running replicas, and unknown container
// names all surface as TargetNotFound.
func (r *Resolver) Resolve(ctx context.Context, t InterceptionTarget) (ContainerRef, error) {
	if err := t.Validate(); err != nil {
		return ContainerRef{}, errors.Wrap(err, "invalid target")
	}

	switch t.Kind {
	case KindWorkload:
		return r.resolveWorkload(ctx, t)
	case KindPod, KindContainer:
		return r.resolvePod(ctx, t)
	default:
		return ContainerRef{}, errors.Newf("unknown target kind %q", t.Kind)
	}
}

func (r *Resolver) resolveWorkload(ctx context.Context, t InterceptionTarget) (ContainerRef, error) {
	deploy, err := r.client.AppsV1().Deployments(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ContainerRef{}, bridgeerr.TargetNotFoundf(
				"deployment %s/%s does not exist", t.Namespace, t.Name)
		}

		return ContainerRef{}, errors.Wrapf(err, "failed to get deployment %s/%s", t.Namespace, t.Name)
	}

	selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
	if err != nil {
		return ContainerRef{}, errors.Wrap(err, "invalid workload selector")
	}

	pod, err := r.pickRunningPod(ctx, t.Namespace, selector)
	if err != nil {
		return ContainerRef{}, err
	}

	container, err := pickContainer(pod, t.Container)
	if err != nil {
		return ContainerRef{}, err
	}

	return ContainerRef{
		Namespace:    t.Namespace,
		WorkloadKind: KindWorkload,
		Workload:     t.Name,
		Pod:          pod.Name,
		Container:    container,
		Port:         t.Port,
	}, nil
}

func (r *Resolver) resolvePod(ctx context.Context, t InterceptionTarget) (ContainerRef, error) {
	pod, err := r.client.CoreV1().Pods(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ContainerRef{}, bridgeerr.TargetNotFoundf(
				"pod %s/%s does not exist", t.Namespace, t.Name)
		}

		return ContainerRef{}, errors.Wrapf(err, "failed to get pod %s/%s", t.Namespace, t.Name)
	}

	container, err := pickContainer(pod, t.Container)
	if err != nil {
		return ContainerRef{}, err
	}

	return ContainerRef{
		Namespace:    t.Namespace,
		WorkloadKind: t.Kind,
		Pod:          pod.Name,
		Container:    container,
		Port:         t.Port,
	}, nil
}

func (r *Resolver) pickRunningPod(
	ctx context.Context,
	namespace string,
	selector labels.Selector,
) (*corev1.Pod, error) {
	pods, err := r.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workload pods")
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			return pod, nil
		}
	}

	return nil, bridgeerr.TargetNotFoundf("no running pod matches selector %s", selector.String())
}

// pickContainer returns the named container, or the pod's only container
// when no name was given.
func pickContainer(pod *corev1.Pod, name string) (string, error) {
	if name == "" {
		if len(pod.Spec.Containers) != 1 {
			names := make([]string, 0, len(pod.Spec.Containers))
			for i := range pod.Spec.Containers {
				names = append(names, pod.Spec.Containers[i].Name)
			}

			return "", bridgeerr.TargetNotFoundf(
				"pod %s has %d containers, name one of %v", pod.Name, len(pod.Spec.Containers), names)
		}

		return pod.Spec.Containers[0].Name, nil
	}

	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name == name {
			return name, nil
		}
	}

	return "", bridgeerr.TargetNotFoundf("pod %s has no container %q", pod.Name, name)
}
