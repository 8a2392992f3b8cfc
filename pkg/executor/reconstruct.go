// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	appsv1 "k8s.io/api/apps/v1"

	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
)

// AnnotationRemoteAppName preserves the operator-chosen app name on the
// Deployment so records survive agent restarts intact.
const AnnotationRemoteAppName = "porpulsion.io/remote-app-name"

// AppFromDeployment rebuilds an executing RemoteApp record from a porpulsion
// Deployment. Used by the reconciler after a restart, when executing apps are
// not persisted anywhere else.
func AppFromDeployment(deployment *appsv1.Deployment) porpulsionv1alpha1.RemoteApp {
	app := porpulsionv1alpha1.RemoteApp{
		ID:         deployment.Labels[LabelRemoteAppID],
		Name:       deployment.Annotations[AnnotationRemoteAppName],
		Origin:     porpulsionv1alpha1.OriginExecuting,
		SourcePeer: deployment.Labels[LabelSourcePeer],
		Status:     porpulsionv1alpha1.StatusCreating,
		CreatedAt:  deployment.CreationTimestamp.Time,
	}
	if app.Name == "" {
		app.Name = deployment.Name
	}

	if deployment.Spec.Replicas != nil {
		replicas := *deployment.Spec.Replicas
		app.Spec.Replicas = &replicas
	}

	containers := deployment.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return app
	}
	container := containers[0]

	app.Spec.Image = container.Image
	app.Spec.Command = container.Command
	app.Spec.Args = container.Args
	app.Spec.Env = container.Env
	app.Spec.ImagePullPolicy = container.ImagePullPolicy
	app.Spec.ReadinessProbe = container.ReadinessProbe
	if len(container.Resources.Requests) > 0 || len(container.Resources.Limits) > 0 {
		resources := container.Resources
		app.Spec.Resources = &resources
	}
	for _, port := range container.Ports {
		app.Spec.Ports = append(app.Spec.Ports, porpulsionv1alpha1.PortSpec{
			Port: port.ContainerPort,
			Name: port.Name,
		})
	}
	for _, secret := range deployment.Spec.Template.Spec.ImagePullSecrets {
		app.Spec.ImagePullSecrets = append(app.Spec.ImagePullSecrets, secret.Name)
	}

	return app
}
