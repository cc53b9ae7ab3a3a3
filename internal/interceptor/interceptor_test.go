package interceptor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kbridge-dev/kbridge/internal/cluster"
	"github.com/kbridge-dev/kbridge/internal/interceptor"
	"github.com/kbridge-dev/kbridge/internal/metrics"
	"github.com/kbridge-dev/kbridge/internal/target"
)

const proxyImage = "ghcr.io/kbridge-dev/carrier:latest"

func checkoutContainer() corev1.Container {
	return corev1.Container{
		Name:  "checkout",
		Image: "checkout:1.2.0",
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: 8080, Protocol: corev1.ProtocolTCP},
		},
		Env: []corev1.EnvVar{
			{Name: "DATABASE_URL", Value: "postgres://db:5432/checkout"},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU: resource.MustParse("100m"),
			},
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/healthz",
					Port: intstr.FromInt32(8080),
				},
			},
		},
	}
}

func checkoutDeployment() *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "checkout-7d9",
			Namespace: "shop",
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": "checkout"},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "checkout"},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{checkoutContainer()},
				},
			},
		},
	}
}

func checkoutRef() target.ContainerRef {
	return target.ContainerRef{
		Namespace:    "shop",
		WorkloadKind: target.KindWorkload,
		Workload:     "checkout-7d9",
		Pod:          "checkout-7d9-abc12",
		Container:    "checkout",
		Port:         8080,
	}
}

func newInstaller(t *testing.T, handleProbes bool, objects ...*appsv1.Deployment) (*interceptor.Installer, *fake.Clientset) {
	t.Helper()

	clientset := fake.NewClientset()
	for _, obj := range objects {
		_, err := clientset.AppsV1().Deployments(obj.Namespace).Create(
			context.Background(), obj, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	client := cluster.NewClient(clientset, metrics.NewNoopCollector())

	return interceptor.NewInstaller(client, proxyImage, handleProbes, metrics.NewNoopCollector()), clientset
}

func TestInstallSubstitutesContainerPreservingPorts(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, true, checkoutDeployment())

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)
	assert.Equal(t, interceptor.ModeIntercept, installation.Mode)

	deploy, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)

	container := deploy.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "checkout", container.Name)
	assert.Equal(t, proxyImage, container.Image)
	require.Len(t, container.Ports, 1)
	assert.Equal(t, int32(8080), container.Ports[0].ContainerPort)

	// Probes are stripped while intercepting (handleProbes).
	assert.Nil(t, container.LivenessProbe)

	// The snapshot annotation is in place for restart recovery.
	assert.Contains(t, deploy.Annotations, interceptor.OriginalSpecAnnotation)
	assert.Equal(t, "checkout", deploy.Annotations[interceptor.TargetContainerAnnotation])
	assert.Equal(t, "session-1", deploy.Labels[cluster.SessionLabel])
}

func TestInstallKeepsProbesWhenNotHandled(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, false, checkoutDeployment())

	_, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	deploy, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)

	assert.NotNil(t, deploy.Spec.Template.Spec.Containers[0].LivenessProbe)
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, true, checkoutDeployment())
	original := checkoutContainer()

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	require.NoError(t, installer.Uninstall(context.Background(), installation))

	deploy, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)

	restored := deploy.Spec.Template.Spec.Containers[0]
	assert.True(t, equality.Semantic.DeepEqual(original, restored),
		"restored container must deep-equal the original")
	assert.Equal(t, "checkout:1.2.0", restored.Image)
	assert.NotContains(t, deploy.Annotations, interceptor.OriginalSpecAnnotation)
	assert.NotContains(t, deploy.Labels, cluster.SessionLabel)
}

func TestUninstallIsIdempotent(t *testing.T) {
	t.Parallel()

	installer, _ := newInstaller(t, true, checkoutDeployment())

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	require.NoError(t, installer.Uninstall(context.Background(), installation))
	require.NoError(t, installer.Uninstall(context.Background(), installation))
}

func TestUninstallToleratesDeletedWorkload(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, true, checkoutDeployment())

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	err = clientset.AppsV1().Deployments("shop").Delete(
		context.Background(), "checkout-7d9", metav1.DeleteOptions{})
	require.NoError(t, err)

	require.NoError(t, installer.Uninstall(context.Background(), installation))
}

func TestSetModePassthrough(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, true, checkoutDeployment())

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	require.NoError(t, installer.SetMode(context.Background(), installation, interceptor.ModePassthrough))
	assert.Equal(t, interceptor.ModePassthrough, installation.Mode)

	deploy, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)

	var modeValue string

	for _, env := range deploy.Spec.Template.Spec.Containers[0].Env {
		if env.Name == "KBRIDGE_MODE" {
			modeValue = env.Value
		}
	}

	assert.Equal(t, "passthrough", modeValue)

	// The installation record and snapshot survive a mode toggle.
	assert.Contains(t, deploy.Annotations, interceptor.OriginalSpecAnnotation)

	require.NoError(t, installer.SetMode(context.Background(), installation, interceptor.ModeIntercept))
}

func TestOriginalSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	installer, _ := newInstaller(t, true, checkoutDeployment())

	installation, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	copy1 := installation.Original()
	copy1.Image = "tampered:0.0.1"

	copy2 := installation.Original()
	assert.Equal(t, "checkout:1.2.0", copy2.Image)
}

func TestInstallOnBarePodSwapsImageOnly(t *testing.T) {
	t.Parallel()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-0", Namespace: "shop"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "worker",
				Image: "worker:2.1",
				Env:   []corev1.EnvVar{{Name: "QUEUE", Value: "jobs"}},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}

	clientset := fake.NewClientset(pod)
	client := cluster.NewClient(clientset, metrics.NewNoopCollector())
	installer := interceptor.NewInstaller(client, proxyImage, true, metrics.NewNoopCollector())

	ref := target.ContainerRef{
		Namespace:    "shop",
		WorkloadKind: target.KindPod,
		Pod:          "worker-0",
		Container:    "worker",
		Port:         9000,
	}

	installation, err := installer.Install(context.Background(), "session-2", ref, "192.168.99.2:9000")
	require.NoError(t, err)

	got, err := clientset.CoreV1().Pods("shop").Get(context.Background(), "worker-0", metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, proxyImage, got.Spec.Containers[0].Image)
	// Live pods only allow image substitution; everything else is untouched.
	assert.Equal(t, "jobs", got.Spec.Containers[0].Env[0].Value)
	assert.Equal(t, "intercept", got.Annotations["kbridge.dev/mode"])

	require.NoError(t, installer.Uninstall(context.Background(), installation))

	restored, err := clientset.CoreV1().Pods("shop").Get(context.Background(), "worker-0", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "worker:2.1", restored.Spec.Containers[0].Image)
	assert.NotContains(t, restored.Annotations, interceptor.OriginalSpecAnnotation)
}

func TestRecoverInstallationFromAnnotation(t *testing.T) {
	t.Parallel()

	installer, clientset := newInstaller(t, true, checkoutDeployment())

	_, err := installer.Install(context.Background(), "session-1", checkoutRef(), "192.168.99.2:8080")
	require.NoError(t, err)

	deploy, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)

	recovered, err := installer.RecoverInstallation(deploy, 8080)
	require.NoError(t, err)

	assert.Equal(t, "session-1", recovered.SessionID)
	assert.Equal(t, "checkout", recovered.Ref.Container)
	assert.Equal(t, "checkout:1.2.0", recovered.Original().Image)

	// A recovered installation can drive a full restore.
	require.NoError(t, installer.Uninstall(context.Background(), recovered))

	restored, err := clientset.AppsV1().Deployments("shop").Get(
		context.Background(), "checkout-7d9", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "checkout:1.2.0", restored.Spec.Template.Spec.Containers[0].Image)
}
