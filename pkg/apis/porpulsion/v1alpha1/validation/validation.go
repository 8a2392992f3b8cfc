// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package validation validates porpulsion API objects at the boundary.
package validation

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

const maxPortNameLength = 15

var validPullPolicies = map[corev1.PullPolicy]struct{}{
	corev1.PullAlways:       {},
	corev1.PullIfNotPresent: {},
	corev1.PullNever:        {},
}

var validLogLevels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARN": {}, "ERROR": {},
}

// ValidateAppSpec validates a RemoteApp spec. It is run on the submitter
// before the spec leaves the agent and again on the executor before admission.
func ValidateAppSpec(spec *porpulsionv1alpha1.AppSpec, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	if len(spec.Image) == 0 {
		allErrs = append(allErrs, field.Required(fldPath.Child("image"), "image is required"))
	}

	if spec.Replicas != nil && *spec.Replicas < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("replicas"), *spec.Replicas, "must be greater than or equal to 0"))
	}

	portNames := map[string]struct{}{}
	for i, port := range spec.Ports {
		portPath := fldPath.Child("ports").Index(i)
		if port.Port < 1 || port.Port > 65535 {
			allErrs = append(allErrs, field.Invalid(portPath.Child("port"), port.Port, "must be between 1 and 65535"))
		}
		if len(port.Name) > maxPortNameLength {
			allErrs = append(allErrs, field.TooLong(portPath.Child("name"), port.Name, maxPortNameLength))
		}
		if port.Name != "" {
			for _, msg := range validation.IsDNS1123Label(port.Name) {
				allErrs = append(allErrs, field.Invalid(portPath.Child("name"), port.Name, msg))
			}
			if _, ok := portNames[port.Name]; ok {
				allErrs = append(allErrs, field.Duplicate(portPath.Child("name"), port.Name))
			}
			portNames[port.Name] = struct{}{}
		}
	}

	if spec.Resources != nil {
		allErrs = append(allErrs, validateResourceList(spec.Resources.Requests, fldPath.Child("resources", "requests"))...)
		allErrs = append(allErrs, validateResourceList(spec.Resources.Limits, fldPath.Child("resources", "limits"))...)
	}

	for i, env := range spec.Env {
		envPath := fldPath.Child("env").Index(i)
		if env.Name == "" {
			allErrs = append(allErrs, field.Required(envPath.Child("name"), "name is required"))
		}
		if env.ValueFrom != nil {
			if env.Value != "" {
				allErrs = append(allErrs, field.Invalid(envPath.Child("value"), env.Value, "value and valueFrom are mutually exclusive"))
			}
			allErrs = append(allErrs, validateEnvSource(env.ValueFrom, envPath.Child("valueFrom"))...)
		}
	}

	if spec.ImagePullPolicy != "" {
		if _, ok := validPullPolicies[spec.ImagePullPolicy]; !ok {
			allErrs = append(allErrs, field.NotSupported(fldPath.Child("imagePullPolicy"), spec.ImagePullPolicy, []string{
				string(corev1.PullAlways), string(corev1.PullIfNotPresent), string(corev1.PullNever),
			}))
		}
	}

	if spec.ReadinessProbe != nil {
		allErrs = append(allErrs, validateProbe(spec.ReadinessProbe, fldPath.Child("readinessProbe"))...)
	}

	return allErrs
}

func validateResourceList(list corev1.ResourceList, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	for name, quantity := range list {
		switch name {
		case corev1.ResourceCPU, corev1.ResourceMemory:
		default:
			allErrs = append(allErrs, field.NotSupported(fldPath.Child(string(name)), name, []string{
				string(corev1.ResourceCPU), string(corev1.ResourceMemory),
			}))
		}
		if quantity.Sign() < 0 {
			allErrs = append(allErrs, field.Invalid(fldPath.Child(string(name)), quantity.String(), "must not be negative"))
		}
	}

	return allErrs
}

func validateEnvSource(source *corev1.EnvVarSource, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	numSources := 0
	if source.SecretKeyRef != nil {
		numSources++
	}
	if source.ConfigMapKeyRef != nil {
		numSources++
	}
	if source.FieldRef != nil {
		numSources++
	}
	if source.ResourceFieldRef != nil {
		allErrs = append(allErrs, field.Forbidden(fldPath.Child("resourceFieldRef"), "resourceFieldRef is not supported"))
	}
	if numSources != 1 {
		allErrs = append(allErrs, field.Invalid(fldPath, source, "exactly one of secretKeyRef, configMapKeyRef or fieldRef must be set"))
	}

	return allErrs
}

func validateProbe(probe *corev1.Probe, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	numHandlers := 0
	if probe.HTTPGet != nil {
		numHandlers++
		if probe.HTTPGet.Path == "" {
			allErrs = append(allErrs, field.Required(fldPath.Child("httpGet", "path"), "path is required"))
		}
	}
	if probe.Exec != nil {
		numHandlers++
		if len(probe.Exec.Command) == 0 {
			allErrs = append(allErrs, field.Required(fldPath.Child("exec", "command"), "command is required"))
		}
	}
	if probe.TCPSocket != nil || probe.GRPC != nil {
		allErrs = append(allErrs, field.Forbidden(fldPath, "only httpGet and exec probes are supported"))
	}
	if numHandlers != 1 {
		allErrs = append(allErrs, field.Invalid(fldPath, probe, "exactly one of httpGet or exec must be set"))
	}

	if probe.InitialDelaySeconds < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("initialDelaySeconds"), probe.InitialDelaySeconds, "must not be negative"))
	}
	if probe.PeriodSeconds < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("periodSeconds"), probe.PeriodSeconds, "must not be negative"))
	}
	if probe.FailureThreshold < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("failureThreshold"), probe.FailureThreshold, "must not be negative"))
	}

	return allErrs
}

// ValidateSettings checks all quantity- and enum-valued settings so that a bad
// settings update is rejected before it is persisted.
func ValidateSettings(settings *porpulsionv1alpha1.Settings, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	quantityFields := map[string]string{
		"max_cpu_request_per_pod":    settings.MaxCPURequestPerPod,
		"max_cpu_limit_per_pod":      settings.MaxCPULimitPerPod,
		"max_memory_request_per_pod": settings.MaxMemoryRequestPerPod,
		"max_memory_limit_per_pod":   settings.MaxMemoryLimitPerPod,
		"max_total_cpu_requests":     settings.MaxTotalCPURequests,
		"max_total_memory_requests":  settings.MaxTotalMemoryRequests,
	}
	for name, value := range quantityFields {
		if value == "" {
			continue
		}
		if _, err := resource.ParseQuantity(value); err != nil {
			allErrs = append(allErrs, field.Invalid(fldPath.Child(name), value, fmt.Sprintf("not a valid quantity: %v", err)))
		}
	}

	intFields := map[string]int{
		"max_replicas_per_app":  settings.MaxReplicasPerApp,
		"max_total_deployments": settings.MaxTotalDeployments,
		"max_total_pods":        settings.MaxTotalPods,
	}
	for name, value := range intFields {
		if value < 0 {
			allErrs = append(allErrs, field.Invalid(fldPath.Child(name), value, "must not be negative"))
		}
	}

	if settings.LogLevel != "" {
		if _, ok := validLogLevels[strings.ToUpper(settings.LogLevel)]; !ok {
			allErrs = append(allErrs, field.NotSupported(fldPath.Child("log_level"), settings.LogLevel, []string{"DEBUG", "INFO", "WARN", "ERROR"}))
		}
	}

	return allErrs
}

// ValidateName validates operator-chosen names for peers and apps.
func ValidateName(name string, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}

	if name == "" {
		allErrs = append(allErrs, field.Required(fldPath, "name is required"))
		return allErrs
	}
	for _, msg := range validation.IsDNS1123Subdomain(name) {
		allErrs = append(allErrs, field.Invalid(fldPath, name, msg))
	}

	return allErrs
}
