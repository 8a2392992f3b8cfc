// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package executor translates RemoteApps into Kubernetes Deployments in a
// fixed namespace and reflects Deployment status back into app status.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

const (
	// LabelRemoteAppID marks every Deployment (and pod) owned by porpulsion.
	// The executor exclusively owns the mapping from app ID to Deployment.
	LabelRemoteAppID = "porpulsion.io/remote-app-id"
	// LabelSourcePeer records which peer submitted the workload.
	LabelSourcePeer = "porpulsion.io/source-peer"

	containerName = "app"
)

// Executor applies RemoteApp specs to the local cluster.
type Executor struct {
	client    client.Client
	clientset kubernetes.Interface
	namespace string
	log       logr.Logger
}

// New creates an executor operating in the given namespace.
func New(c client.Client, clientset kubernetes.Interface, namespace string, log logr.Logger) *Executor {
	return &Executor{
		client:    c,
		clientset: clientset,
		namespace: namespace,
		log:       log.WithName("executor"),
	}
}

// Namespace returns the namespace the executor deploys into.
func (e *Executor) Namespace() string { return e.namespace }

// DeploymentName derives the Deployment name for an app. The app name keeps
// it recognizable, the ID prefix keeps it unique.
func DeploymentName(app *porpulsionv1alpha1.RemoteApp) string {
	id := strings.ReplaceAll(app.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s", app.Name, id)
}

// Apply creates or updates the Deployment for the app. It is idempotent:
// applying the same spec twice leaves a single Deployment in the last-applied
// state.
func (e *Executor) Apply(ctx context.Context, app *porpulsionv1alpha1.RemoteApp) error {
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DeploymentName(app),
			Namespace: e.namespace,
		},
	}

	result, err := controllerutil.CreateOrUpdate(ctx, e.client, deployment, func() error {
		e.mutateDeployment(deployment, app)
		return nil
	})
	if err != nil {
		return fmt.Errorf("applying deployment for app %s: %w", app.ID, err)
	}

	if result != controllerutil.OperationResultNone {
		e.log.Info("Applied deployment", "app", app.ID, "deployment", deployment.Name, "operation", result)
	}
	return nil
}

func (e *Executor) mutateDeployment(deployment *appsv1.Deployment, app *porpulsionv1alpha1.RemoteApp) {
	labels := map[string]string{
		LabelRemoteAppID: app.ID,
		LabelSourcePeer:  app.SourcePeer,
	}
	if deployment.Labels == nil {
		deployment.Labels = map[string]string{}
	}
	for k, v := range labels {
		deployment.Labels[k] = v
	}
	if deployment.Annotations == nil {
		deployment.Annotations = map[string]string{}
	}
	deployment.Annotations[AnnotationRemoteAppName] = app.Name

	container := corev1.Container{
		Name:            containerName,
		Image:           app.Spec.Image,
		Command:         app.Spec.Command,
		Args:            app.Spec.Args,
		Env:             app.Spec.Env,
		ImagePullPolicy: app.Spec.ImagePullPolicy,
		ReadinessProbe:  app.Spec.ReadinessProbe,
	}
	for _, port := range app.Spec.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{
			Name:          port.Name,
			ContainerPort: port.Port,
			Protocol:      corev1.ProtocolTCP,
		})
	}
	if app.Spec.Resources != nil {
		container.Resources = *app.Spec.Resources
	}

	var podSecurity *corev1.PodSecurityContext
	if sec := app.Spec.SecurityContext; sec != nil {
		podSecurity = &corev1.PodSecurityContext{
			RunAsNonRoot: sec.RunAsNonRoot,
			RunAsUser:    sec.RunAsUser,
			RunAsGroup:   sec.RunAsGroup,
			FSGroup:      sec.FSGroup,
		}
		if sec.ReadOnlyRootFilesystem != nil {
			container.SecurityContext = &corev1.SecurityContext{
				ReadOnlyRootFilesystem: sec.ReadOnlyRootFilesystem,
			}
		}
	}

	var pullSecrets []corev1.LocalObjectReference
	for _, name := range app.Spec.ImagePullSecrets {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: name})
	}

	deployment.Spec.Replicas = ptr.To(app.Spec.ReplicaCount())
	deployment.Spec.Selector = &metav1.LabelSelector{
		MatchLabels: map[string]string{LabelRemoteAppID: app.ID},
	}
	deployment.Spec.Template = corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: corev1.PodSpec{
			Containers:       []corev1.Container{container},
			ImagePullSecrets: pullSecrets,
			SecurityContext:  podSecurity,
		},
	}
}

// Delete removes the app's Deployment with foreground cascade. Deleting an
// app without a Deployment succeeds.
func (e *Executor) Delete(ctx context.Context, appID string) error {
	deployment, err := e.Deployment(ctx, appID)
	if err != nil {
		return err
	}
	if deployment == nil {
		return nil
	}

	propagation := metav1.DeletePropagationForeground
	if err := e.client.Delete(ctx, deployment, &client.DeleteOptions{PropagationPolicy: &propagation}); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("deleting deployment for app %s: %w", appID, err)
	}
	e.log.Info("Deleted deployment", "app", appID, "deployment", deployment.Name)
	return nil
}

// Deployment returns the Deployment labelled with the app ID, nil when none
// exists.
func (e *Executor) Deployment(ctx context.Context, appID string) (*appsv1.Deployment, error) {
	list := &appsv1.DeploymentList{}
	if err := e.client.List(ctx, list,
		client.InNamespace(e.namespace),
		client.MatchingLabels{LabelRemoteAppID: appID},
	); err != nil {
		return nil, fmt.Errorf("listing deployments for app %s: %w", appID, err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}
	return &list.Items[0], nil
}

// ListDeployments returns every Deployment carrying the porpulsion label.
func (e *Executor) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	list := &appsv1.DeploymentList{}
	if err := e.client.List(ctx, list,
		client.InNamespace(e.namespace),
		client.HasLabels{LabelRemoteAppID},
	); err != nil {
		return nil, fmt.Errorf("listing porpulsion deployments: %w", err)
	}
	return list.Items, nil
}

// Pods returns the app's pods.
func (e *Executor) Pods(ctx context.Context, appID string) ([]corev1.Pod, error) {
	list := &corev1.PodList{}
	if err := e.client.List(ctx, list,
		client.InNamespace(e.namespace),
		client.MatchingLabels{LabelRemoteAppID: appID},
	); err != nil {
		return nil, fmt.Errorf("listing pods for app %s: %w", appID, err)
	}
	return list.Items, nil
}

// ReadyPods returns the app's pods that pass their readiness conditions.
func (e *Executor) ReadyPods(ctx context.Context, appID string) ([]corev1.Pod, error) {
	pods, err := e.Pods(ctx, appID)
	if err != nil {
		return nil, err
	}
	ready := pods[:0]
	for _, pod := range pods {
		if pod.Status.Phase == corev1.PodRunning && isPodReady(&pod) {
			ready = append(ready, pod)
		}
	}
	return ready, nil
}

// LogOrder selects how collected lines are sorted.
type LogOrder string

const (
	// LogOrderPod groups lines per pod.
	LogOrderPod LogOrder = "pod"
	// LogOrderTime interleaves lines chronologically.
	LogOrderTime LogOrder = "time"
)

// Logs collects the last tail lines of every pod of the app.
func (e *Executor) Logs(ctx context.Context, appID string, tail int, order LogOrder) ([]porpulsionv1alpha1.LogEntry, error) {
	pods, err := e.Pods(ctx, appID)
	if err != nil {
		return nil, err
	}

	tailLines := int64(tail)
	if tailLines <= 0 {
		tailLines = 100
	}

	var lines []porpulsionv1alpha1.LogEntry
	for _, pod := range pods {
		request := e.clientset.CoreV1().Pods(e.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container:  containerName,
			TailLines:  ptr.To(tailLines),
			Timestamps: true,
		})
		stream, err := request.Stream(ctx)
		if err != nil {
			e.log.Info("Skipping unreadable pod logs", "pod", pod.Name, "error", err.Error())
			continue
		}
		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			lines = append(lines, parseLogLine(pod.Name, scanner.Text()))
		}
		_ = stream.Close()
	}

	if order == LogOrderTime {
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })
	} else {
		sort.SliceStable(lines, func(i, j int) bool {
			if lines[i].Pod != lines[j].Pod {
				return lines[i].Pod < lines[j].Pod
			}
			return lines[i].Timestamp.Before(lines[j].Timestamp)
		})
	}
	return lines, nil
}

// parseLogLine splits the RFC3339 timestamp the kubelet prefixes when
// Timestamps is requested.
func parseLogLine(pod, raw string) porpulsionv1alpha1.LogEntry {
	line := porpulsionv1alpha1.LogEntry{Pod: pod, Message: raw}
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			line.Timestamp = ts
			line.Message = raw[idx+1:]
		}
	}
	return line
}

func isPodReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
