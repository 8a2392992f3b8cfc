// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

const (
	// failureGracePeriod is how long a container failure must persist before
	// the app is marked Failed.
	failureGracePeriod = 60 * time.Second
	// startupTimeout is how long an app may stay without progress before it
	// is marked Timeout.
	startupTimeout = 300 * time.Second
)

// failureReasons are container waiting reasons treated as workload failures.
var failureReasons = map[string]struct{}{
	"ImagePullBackOff":     {},
	"ErrImagePull":         {},
	"CrashLoopBackOff":     {},
	"ContainerCannotRun":   {},
	"CreateContainerError": {},
	"RunContainerError":    {},
}

// DeriveStatus maps a Deployment plus its pods onto a RemoteApp status.
// startedAt is when the executor first saw the app; now is injected for
// testability.
func DeriveStatus(deployment *appsv1.Deployment, pods []corev1.Pod, startedAt, now time.Time) (porpulsionv1alpha1.RemoteAppStatus, string) {
	if deployment == nil {
		return porpulsionv1alpha1.StatusDeleted, "deployment is gone"
	}

	if reason, pod, since := sustainedFailure(pods, now); reason != "" {
		return porpulsionv1alpha1.StatusFailed,
			fmt.Sprintf("pod %s: %s for %s", pod, reason, now.Sub(since).Round(time.Second))
	}

	desired := int32(1)
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}

	ready := deployment.Status.ReadyReplicas
	if ready == desired && allPodsReady(pods) {
		return porpulsionv1alpha1.StatusReady, ""
	}

	if deployment.Status.AvailableReplicas > 0 {
		return porpulsionv1alpha1.StatusRunning,
			fmt.Sprintf("%d/%d replicas ready", ready, desired)
	}

	if now.Sub(startedAt) > startupTimeout {
		return porpulsionv1alpha1.StatusTimeout,
			fmt.Sprintf("no progress after %s", startupTimeout)
	}

	return porpulsionv1alpha1.StatusCreating,
		fmt.Sprintf("%d/%d replicas ready", ready, desired)
}

// sustainedFailure reports the first container failure older than the grace
// period.
func sustainedFailure(pods []corev1.Pod, now time.Time) (reason, pod string, since time.Time) {
	for _, p := range pods {
		for _, status := range p.Status.ContainerStatuses {
			waiting := status.State.Waiting
			if waiting == nil {
				continue
			}
			if _, failing := failureReasons[waiting.Reason]; !failing {
				continue
			}
			// The kubelet does not record when the waiting state began; the
			// pod start time is the closest stable anchor.
			startedAt := p.CreationTimestamp.Time
			if p.Status.StartTime != nil {
				startedAt = p.Status.StartTime.Time
			}
			if now.Sub(startedAt) > failureGracePeriod {
				return waiting.Reason, p.Name, startedAt
			}
		}
	}
	return "", "", time.Time{}
}

func allPodsReady(pods []corev1.Pod) bool {
	for i := range pods {
		if pods[i].DeletionTimestamp != nil {
			continue
		}
		if !isPodReady(&pods[i]) {
			return false
		}
	}
	return true
}
