// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	credentialsSecretName = "porpulsion-agent-credentials"
	stateConfigMapName    = "porpulsion-agent-state"
	blobDataKey           = "data"
)

// KubernetesBlobStore persists the sensitive blob in a Secret and the plain
// blob in a ConfigMap in the agent's namespace. Optimistic concurrency maps
// onto the objects' resourceVersion.
type KubernetesBlobStore struct {
	client    client.Client
	namespace string
}

var _ BlobStore = &KubernetesBlobStore{}

// NewKubernetesBlobStore creates a BlobStore backed by the given cluster.
func NewKubernetesBlobStore(c client.Client, namespace string) *KubernetesBlobStore {
	return &KubernetesBlobStore{client: c, namespace: namespace}
}

// Load implements BlobStore.
func (k *KubernetesBlobStore) Load(ctx context.Context, name string) ([]byte, string, error) {
	switch name {
	case BlobSensitive:
		secret := &corev1.Secret{}
		if err := k.client.Get(ctx, client.ObjectKey{Namespace: k.namespace, Name: credentialsSecretName}, secret); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, "", ErrNotFound
			}
			return nil, "", fmt.Errorf("loading credentials secret: %w", err)
		}
		return secret.Data[blobDataKey], secret.ResourceVersion, nil

	case BlobState:
		configMap := &corev1.ConfigMap{}
		if err := k.client.Get(ctx, client.ObjectKey{Namespace: k.namespace, Name: stateConfigMapName}, configMap); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, "", ErrNotFound
			}
			return nil, "", fmt.Errorf("loading state configmap: %w", err)
		}
		return []byte(configMap.Data[blobDataKey]), configMap.ResourceVersion, nil
	}

	return nil, "", fmt.Errorf("unknown blob %q", name)
}

// Save implements BlobStore.
func (k *KubernetesBlobStore) Save(ctx context.Context, name string, data []byte, version string) (string, error) {
	switch name {
	case BlobSensitive:
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:            credentialsSecretName,
				Namespace:       k.namespace,
				ResourceVersion: version,
			},
			Type: corev1.SecretTypeOpaque,
			Data: map[string][]byte{blobDataKey: data},
		}
		return k.save(ctx, secret, version)

	case BlobState:
		configMap := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:            stateConfigMapName,
				Namespace:       k.namespace,
				ResourceVersion: version,
			},
			Data: map[string]string{blobDataKey: string(data)},
		}
		return k.save(ctx, configMap, version)
	}

	return "", fmt.Errorf("unknown blob %q", name)
}

func (k *KubernetesBlobStore) save(ctx context.Context, obj client.Object, version string) (string, error) {
	if version == "" {
		if err := k.client.Create(ctx, obj); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return "", ErrConflict
			}
			return "", fmt.Errorf("creating %s: %w", obj.GetName(), err)
		}
		return obj.GetResourceVersion(), nil
	}

	if err := k.client.Update(ctx, obj); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("updating %s: %w", obj.GetName(), err)
	}
	return obj.GetResourceVersion(), nil
}
