// Package interceptor substitutes one in-cluster container with a forwarding
// proxy and restores it exactly on uninstall.
//
// The original container specification is captured verbatim before the
// substitution, kept immutable for the life of the installation, and written
// into a workload annotation so that rollback survives a coordinator
// restart. Rollback always reapplies the captured value; there is no
// diff-based restore.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/metrics"
	"github.com/kbridge-dev/kbridge/internal/target"
)

// Mode selects what the proxy does with accepted connections.
type Mode string

// Interceptor modes.
const (
	// ModeIntercept forwards accepted connections to the local container.
	ModeIntercept Mode = "intercept"

	// ModePassthrough forwards to the original destination, suspending the
	// bridge without a rollback cycle.
	ModePassthrough Mode = "passthrough"
)

// Annotations and proxy environment variables.
const (
	// OriginalSpecAnnotation carries the JSON snapshot of the substituted
	// container for exact rollback.
	OriginalSpecAnnotation = "kbridge.dev/original-container"

	// TargetContainerAnnotation names which container was substituted.
	TargetContainerAnnotation = "kbridge.dev/target-container"

	envMode        = "KBRIDGE_MODE"
	envForwardTo   = "KBRIDGE_FORWARD_TO"
	envPort        = "KBRIDGE_INTERCEPT_PORT"
	envPassthrough = "KBRIDGE_PASSTHROUGH_TO"
)

// Installation is the live record of one substitution.
type Installation struct {
	ID             string
	SessionID      string
	Ref            target.ContainerRef
	ForwardAddress string
	Mode           Mode

	original corev1.Container
}

// Original returns a copy of the captured container specification. The
// snapshot itself is immutable.
func (i *Installation) Original() corev1.Container {
	return *i.original.DeepCopy()
}

// Installer performs interceptor substitutions through the cluster API.
type Installer struct {
	client       *cluster.Client
	proxyImage   string
	handleProbes bool
	metrics      metrics.Collector
}

// NewInstaller creates an Installer. When handleProbes is true, liveness and
// readiness probes are stripped from the substitute so the proxy is not
// killed by probes meant for the original container; the snapshot restores
// them on uninstall.
func NewInstaller(client *cluster.Client, proxyImage string, handleProbes bool, collector metrics.Collector) *Installer {
	return &Installer{
		client:       client,
		proxyImage:   proxyImage,
		handleProbes: handleProbes,
		metrics:      collector,
	}
}

// Install captures the target container's spec and replaces it with the
// forwarding proxy. The proxy keeps the original container's name and
// declared ports, so Service and Ingress routing upstream is unaffected.
func (ins *Installer) Install(
	ctx context.Context,
	sessionID string,
	ref target.ContainerRef,
	forwardAddress string,
) (*Installation, error) {
	start := time.Now()

	installation, err := ins.install(ctx, sessionID, ref, forwardAddress)
	ins.record(ctx, "install", err, start)

	if err != nil {
		return nil, bridgeerr.InstallWrap(err, "installing interceptor")
	}

	return installation, nil
}

func (ins *Installer) install(
	ctx context.Context,
	sessionID string,
	ref target.ContainerRef,
	forwardAddress string,
) (*Installation, error) {
	if ref.WorkloadKind == target.KindWorkload {
		return ins.installOnDeployment(ctx, sessionID, ref, forwardAddress)
	}

	return ins.installOnPod(ctx, sessionID, ref, forwardAddress)
}

func (ins *Installer) installOnDeployment(
	ctx context.Context,
	sessionID string,
	ref target.ContainerRef,
	forwardAddress string,
) (*Installation, error) {
	deploy, err := ins.client.GetDeployment(ctx, ref.Namespace, ref.Workload)
	if err != nil {
		return nil, err
	}

	container := findContainer(deploy.Spec.Template.Spec.Containers, ref.Container)
	if container == nil {
		return nil, errors.Newf("container %s not found in deployment %s/%s",
			ref.Container, ref.Namespace, ref.Workload)
	}

	original := container.DeepCopy()

	snapshot, err := json.Marshal(original)
	if err != nil {
		return nil, errors.Wrap(err, "failed to snapshot original container")
	}

	*container = ins.proxyContainer(original, ref.Port, forwardAddress)

	if deploy.Annotations == nil {
		deploy.Annotations = map[string]string{}
	}

	deploy.Annotations[OriginalSpecAnnotation] = string(snapshot)
	deploy.Annotations[TargetContainerAnnotation] = ref.Container

	if deploy.Labels == nil {
		deploy.Labels = map[string]string{}
	}

	deploy.Labels[cluster.ManagedByLabel] = cluster.ManagedByValue
	deploy.Labels[cluster.SessionLabel] = sessionID

	if _, err := ins.client.ReplaceDeployment(ctx, deploy); err != nil {
		return nil, err
	}

	return &Installation{
		ID:             installationID(sessionID),
		SessionID:      sessionID,
		Ref:            ref,
		ForwardAddress: forwardAddress,
		Mode:           ModeIntercept,
		original:       *original,
	}, nil
}

// installOnPod substitutes a bare pod's container. Live pods only allow
// image changes, so the proxy's settings travel as pod annotations, which
// the proxy reads through the downward API.
func (ins *Installer) installOnPod(
	ctx context.Context,
	sessionID string,
	ref target.ContainerRef,
	forwardAddress string,
) (*Installation, error) {
	pod, err := ins.client.GetPod(ctx, ref.Namespace, ref.Pod)
	if err != nil {
		return nil, err
	}

	container := findContainer(pod.Spec.Containers, ref.Container)
	if container == nil {
		return nil, errors.Newf("container %s not found in pod %s/%s",
			ref.Container, ref.Namespace, ref.Pod)
	}

	original := container.DeepCopy()

	snapshot, err := json.Marshal(original)
	if err != nil {
		return nil, errors.Wrap(err, "failed to snapshot original container")
	}

	container.Image = ins.proxyImage

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}

	pod.Annotations[OriginalSpecAnnotation] = string(snapshot)
	pod.Annotations[TargetContainerAnnotation] = ref.Container
	pod.Annotations["kbridge.dev/mode"] = string(ModeIntercept)
	pod.Annotations["kbridge.dev/forward-to"] = forwardAddress

	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}

	pod.Labels[cluster.ManagedByLabel] = cluster.ManagedByValue
	pod.Labels[cluster.SessionLabel] = sessionID

	if _, err := ins.client.ReplacePod(ctx, pod); err != nil {
		return nil, err
	}

	return &Installation{
		ID:             installationID(sessionID),
		SessionID:      sessionID,
		Ref:            ref,
		ForwardAddress: forwardAddress,
		Mode:           ModeIntercept,
		original:       *original,
	}, nil
}

// SetMode switches the proxy between intercept and passthrough without
// touching the installation itself.
func (ins *Installer) SetMode(ctx context.Context, installation *Installation, mode Mode) error {
	start := time.Now()

	err := ins.setMode(ctx, installation, mode)
	ins.record(ctx, "set_mode", err, start)

	if err != nil {
		return bridgeerr.InstallWrap(err, "switching interceptor mode")
	}

	installation.Mode = mode

	return nil
}

func (ins *Installer) setMode(ctx context.Context, installation *Installation, mode Mode) error {
	ref := installation.Ref

	if ref.WorkloadKind == target.KindWorkload {
		deploy, err := ins.client.GetDeployment(ctx, ref.Namespace, ref.Workload)
		if err != nil {
			return err
		}

		container := findContainer(deploy.Spec.Template.Spec.Containers, ref.Container)
		if container == nil {
			return errors.Newf("interceptor container %s is gone from deployment %s/%s",
				ref.Container, ref.Namespace, ref.Workload)
		}

		setEnv(container, envMode, string(mode))

		_, err = ins.client.ReplaceDeployment(ctx, deploy)

		return err
	}

	pod, err := ins.client.GetPod(ctx, ref.Namespace, ref.Pod)
	if err != nil {
		return err
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}

	pod.Annotations["kbridge.dev/mode"] = string(mode)

	_, err = ins.client.ReplacePod(ctx, pod)

	return err
}

// Uninstall restores the captured original specification exactly. It is
// idempotent: if the original spec is already in place, or the workload is
// gone, it converges without error.
func (ins *Installer) Uninstall(ctx context.Context, installation *Installation) error {
	start := time.Now()

	err := ins.uninstall(ctx, installation)
	ins.record(ctx, "uninstall", err, start)

	if err != nil {
		return bridgeerr.RollbackWrap(err, "uninstalling interceptor")
	}

	return nil
}

func (ins *Installer) uninstall(ctx context.Context, installation *Installation) error {
	ref := installation.Ref
	original := installation.Original()

	if ref.WorkloadKind == target.KindWorkload {
		return ins.restoreDeployment(ctx, ref, original)
	}

	return ins.restorePod(ctx, ref, original)
}

func (ins *Installer) restoreDeployment(ctx context.Context, ref target.ContainerRef, original corev1.Container) error {
	deploy, err := ins.client.GetDeployment(ctx, ref.Namespace, ref.Workload)
	if err != nil {
		if apierrors.IsNotFound(err) {
			// The workload is gone; there is nothing left to restore.
			return nil
		}

		return err
	}

	container := findContainer(deploy.Spec.Template.Spec.Containers, ref.Container)
	if container == nil {
		return errors.Newf("container %s not found in deployment %s/%s",
			ref.Container, ref.Namespace, ref.Workload)
	}

	if _, installed := deploy.Annotations[OriginalSpecAnnotation]; !installed &&
		equality.Semantic.DeepEqual(*container, original) {
		// Already restored.
		return nil
	}

	*container = original

	delete(deploy.Annotations, OriginalSpecAnnotation)
	delete(deploy.Annotations, TargetContainerAnnotation)
	delete(deploy.Labels, cluster.ManagedByLabel)
	delete(deploy.Labels, cluster.SessionLabel)

	_, err = ins.client.ReplaceDeployment(ctx, deploy)

	return err
}

func (ins *Installer) restorePod(ctx context.Context, ref target.ContainerRef, original corev1.Container) error {
	pod, err := ins.client.GetPod(ctx, ref.Namespace, ref.Pod)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}

		return err
	}

	container := findContainer(pod.Spec.Containers, ref.Container)
	if container == nil {
		return errors.Newf("container %s not found in pod %s/%s",
			ref.Container, ref.Namespace, ref.Pod)
	}

	if _, installed := pod.Annotations[OriginalSpecAnnotation]; !installed &&
		container.Image == original.Image {
		return nil
	}

	container.Image = original.Image

	delete(pod.Annotations, OriginalSpecAnnotation)
	delete(pod.Annotations, TargetContainerAnnotation)
	delete(pod.Annotations, "kbridge.dev/mode")
	delete(pod.Annotations, "kbridge.dev/forward-to")
	delete(pod.Labels, cluster.ManagedByLabel)
	delete(pod.Labels, cluster.SessionLabel)

	_, err = ins.client.ReplacePod(ctx, pod)

	return err
}

// proxyContainer builds the substitute. It keeps the original's name, ports
// and resources so upstream routing and scheduling are unaffected; only the
// container's own declared port is proxied, which is what keeps traffic the
// local container originates from looping back through this interceptor.
func (ins *Installer) proxyContainer(original *corev1.Container, port int32, forwardAddress string) corev1.Container {
	proxy := corev1.Container{
		Name:      original.Name,
		Image:     ins.proxyImage,
		Ports:     original.DeepCopy().Ports,
		Resources: *original.Resources.DeepCopy(),
		Env: []corev1.EnvVar{
			{Name: envMode, Value: string(ModeIntercept)},
			{Name: envForwardTo, Value: forwardAddress},
			{Name: envPort, Value: fmt.Sprintf("%d", port)},
			{Name: envPassthrough, Value: fmt.Sprintf("127.0.0.1:%d", port)},
		},
	}

	if !ins.handleProbes {
		proxy.LivenessProbe = original.DeepCopy().LivenessProbe
		proxy.ReadinessProbe = original.DeepCopy().ReadinessProbe
		proxy.StartupProbe = original.DeepCopy().StartupProbe
	}

	return proxy
}

// RecoverInstallation rebuilds an Installation from a workload's snapshot
// annotation after a coordinator restart.
func (ins *Installer) RecoverInstallation(deploy *appsv1.Deployment, port int32) (*Installation, error) {
	snapshot, ok := deploy.Annotations[OriginalSpecAnnotation]
	if !ok {
		return nil, errors.Newf("deployment %s/%s carries no interceptor snapshot",
			deploy.Namespace, deploy.Name)
	}

	var original corev1.Container
	if err := json.Unmarshal([]byte(snapshot), &original); err != nil {
		return nil, errors.Wrap(err, "failed to decode interceptor snapshot")
	}

	sessionID := deploy.Labels[cluster.SessionLabel]

	ref := target.ContainerRef{
		Namespace:    deploy.Namespace,
		WorkloadKind: target.KindWorkload,
		Workload:     deploy.Name,
		Container:    deploy.Annotations[TargetContainerAnnotation],
		Port:         port,
	}

	return &Installation{
		ID:        installationID(sessionID),
		SessionID: sessionID,
		Ref:       ref,
		Mode:      ModeIntercept,
		original:  original,
	}, nil
}

func findContainer(containers []corev1.Container, name string) *corev1.Container {
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i]
		}
	}

	return nil
}

func setEnv(container *corev1.Container, name, value string) {
	for i := range container.Env {
		if container.Env[i].Name == name {
			container.Env[i].Value = value

			return
		}
	}

	container.Env = append(container.Env, corev1.EnvVar{Name: name, Value: value})
}

func installationID(sessionID string) string {
	return "itc-" + sessionID
}

func (ins *Installer) record(ctx context.Context, operation string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}

	ins.metrics.RecordInterceptorOp(ctx, operation, status, time.Since(start))
}
