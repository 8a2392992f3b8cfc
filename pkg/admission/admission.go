// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package admission enforces the executor-side policy pipeline: inbound
// toggles, peer allowlists, image filters, per-pod caps and aggregate quotas.
package admission

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

// Rejection reasons, first match wins.
const (
	ReasonInboundDisabled         = "inbound_disabled"
	ReasonPeerNotAllowed          = "peer_not_allowed"
	ReasonImageBlocked            = "image_blocked"
	ReasonImageNotAllowed         = "image_not_allowed"
	ReasonResourceRequestRequired = "resource_request_required"
	ReasonResourceLimitRequired   = "resource_limit_required"
	ReasonTunnelDenied            = "tunnel_denied"
)

// Rejection is an admission denial. It is an expected outcome, not a failure
// of the pipeline.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func perPodQuotaExceeded(field string) *Rejection {
	return &Rejection{Reason: fmt.Sprintf("per_pod_quota_exceeded(%s)", field)}
}

func globalQuotaExceeded(field string) *Rejection {
	return &Rejection{Reason: fmt.Sprintf("global_quota_exceeded(%s)", field)}
}

// AppLister supplies the executing apps for aggregate quota computation.
type AppLister interface {
	ExecutingApps() []porpulsionv1alpha1.RemoteApp
}

// Evaluator runs the admission pipeline against the current settings.
type Evaluator struct {
	apps AppLister
}

// NewEvaluator creates an evaluator reading totals from the given lister.
func NewEvaluator(apps AppLister) *Evaluator {
	return &Evaluator{apps: apps}
}

// Admit evaluates an inbound create or spec update. A nil return admits the
// app; a *Rejection denies it with a stable reason string. Apps with the same
// ID already executing do not count against the aggregate quotas, so a spec
// update never collides with the app's own footprint.
func (e *Evaluator) Admit(app *porpulsionv1alpha1.RemoteApp, settings porpulsionv1alpha1.Settings) *Rejection {
	if !settings.AllowInboundRemoteApps {
		return &Rejection{Reason: ReasonInboundDisabled}
	}

	if allowed := splitList(settings.AllowedSourcePeers); len(allowed) > 0 && !contains(allowed, app.SourcePeer) {
		return &Rejection{Reason: ReasonPeerNotAllowed}
	}

	if blocked := splitList(settings.BlockedImages); matchesAnyPrefix(app.Spec.Image, blocked) {
		return &Rejection{Reason: ReasonImageBlocked}
	}
	if allowed := splitList(settings.AllowedImages); len(allowed) > 0 && !matchesAnyPrefix(app.Spec.Image, allowed) {
		return &Rejection{Reason: ReasonImageNotAllowed}
	}

	requests, limits := resourcesOf(&app.Spec)
	if settings.RequireResourceRequests {
		if _, ok := requests[corev1.ResourceCPU]; !ok {
			return &Rejection{Reason: ReasonResourceRequestRequired}
		}
		if _, ok := requests[corev1.ResourceMemory]; !ok {
			return &Rejection{Reason: ReasonResourceRequestRequired}
		}
	}
	if settings.RequireResourceLimits {
		if _, ok := limits[corev1.ResourceCPU]; !ok {
			return &Rejection{Reason: ReasonResourceLimitRequired}
		}
		if _, ok := limits[corev1.ResourceMemory]; !ok {
			return &Rejection{Reason: ReasonResourceLimitRequired}
		}
	}

	if rejection := checkPerPodCaps(requests, limits, settings); rejection != nil {
		return rejection
	}

	if settings.MaxReplicasPerApp > 0 && int(app.Spec.ReplicaCount()) > settings.MaxReplicasPerApp {
		return perPodQuotaExceeded("max_replicas_per_app")
	}

	return e.checkAggregates(app, settings)
}

func checkPerPodCaps(requests, limits corev1.ResourceList, settings porpulsionv1alpha1.Settings) *Rejection {
	caps := []struct {
		field string
		cap   string
		list  corev1.ResourceList
		name  corev1.ResourceName
	}{
		{"max_cpu_request_per_pod", settings.MaxCPURequestPerPod, requests, corev1.ResourceCPU},
		{"max_cpu_limit_per_pod", settings.MaxCPULimitPerPod, limits, corev1.ResourceCPU},
		{"max_memory_request_per_pod", settings.MaxMemoryRequestPerPod, requests, corev1.ResourceMemory},
		{"max_memory_limit_per_pod", settings.MaxMemoryLimitPerPod, limits, corev1.ResourceMemory},
	}

	for _, c := range caps {
		if c.cap == "" {
			continue
		}
		capQuantity, err := resource.ParseQuantity(c.cap)
		if err != nil {
			// Settings validation rejects unparseable caps; a value that
			// slipped through fails closed.
			return perPodQuotaExceeded(c.field)
		}
		if value, ok := c.list[c.name]; ok && value.Cmp(capQuantity) > 0 {
			return perPodQuotaExceeded(c.field)
		}
	}
	return nil
}

// checkAggregates sums the footprint of all non-terminal executing apps
// (except this one) plus the request and rejects when a cap would be crossed.
func (e *Evaluator) checkAggregates(app *porpulsionv1alpha1.RemoteApp, settings porpulsionv1alpha1.Settings) *Rejection {
	var (
		deployments = 1
		pods        = int(app.Spec.ReplicaCount())
		cpu         = scaledRequest(&app.Spec, corev1.ResourceCPU)
		memory      = scaledRequest(&app.Spec, corev1.ResourceMemory)
	)

	for _, existing := range e.apps.ExecutingApps() {
		if existing.ID == app.ID || existing.Status.Terminal() {
			continue
		}
		deployments++
		pods += int(existing.Spec.ReplicaCount())
		cpu.Add(scaledRequest(&existing.Spec, corev1.ResourceCPU))
		memory.Add(scaledRequest(&existing.Spec, corev1.ResourceMemory))
	}

	if settings.MaxTotalDeployments > 0 && deployments > settings.MaxTotalDeployments {
		return globalQuotaExceeded("deployments")
	}
	if settings.MaxTotalPods > 0 && pods > settings.MaxTotalPods {
		return globalQuotaExceeded("pods")
	}
	if settings.MaxTotalCPURequests != "" {
		if capQuantity, err := resource.ParseQuantity(settings.MaxTotalCPURequests); err == nil && cpu.Cmp(capQuantity) > 0 {
			return globalQuotaExceeded("cpu_requests")
		}
	}
	if settings.MaxTotalMemoryRequests != "" {
		if capQuantity, err := resource.ParseQuantity(settings.MaxTotalMemoryRequests); err == nil && memory.Cmp(capQuantity) > 0 {
			return globalQuotaExceeded("memory_requests")
		}
	}
	return nil
}

// TunnelAllowed reports whether an inbound tunnel from the peer to the app is
// permitted. Entries in allowed_tunnel_peers are either a peer name or
// "peer/app-id"; an empty list allows all.
func TunnelAllowed(settings porpulsionv1alpha1.Settings, peer, appID string) bool {
	if !settings.AllowInboundTunnels {
		return false
	}
	allowed := splitList(settings.AllowedTunnelPeers)
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == peer || entry == peer+"/"+appID {
			return true
		}
	}
	return false
}

func resourcesOf(spec *porpulsionv1alpha1.AppSpec) (requests, limits corev1.ResourceList) {
	if spec.Resources == nil {
		return nil, nil
	}
	return spec.Resources.Requests, spec.Resources.Limits
}

// scaledRequest returns the named resource request multiplied by the replica
// count, zero when absent.
func scaledRequest(spec *porpulsionv1alpha1.AppSpec, name corev1.ResourceName) resource.Quantity {
	total := resource.Quantity{}
	requests, _ := resourcesOf(spec)
	value, ok := requests[name]
	if !ok {
		return total
	}
	for i := int32(0); i < spec.ReplicaCount(); i++ {
		total.Add(value)
	}
	return total
}

func splitList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(list, ",") {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func matchesAnyPrefix(image string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(image, prefix) {
			return true
		}
	}
	return false
}
