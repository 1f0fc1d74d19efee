/*
Copyright 2025 The NodeTaintPreserver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package taintpreserver

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
)

// getRecord fetches and decodes the preserved taint record for a node.
// The bool reports whether a usable record exists: a missing ConfigMap and a
// malformed payload both come back as (nil, false, nil), a malformed record
// is logged but never deleted.
func (r *ReconcileTaintPreserver) getRecord(ctx context.Context, nodeName string) ([]corev1.Taint, bool, error) {
	cm := &corev1.ConfigMap{}
	err := r.Get(ctx, types.NamespacedName{
		Name:      RecordName(nodeName),
		Namespace: r.Configuration.RecordNamespace,
	}, cm)
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	preserved, err := DecodeRecord(cm)
	if err != nil {
		klog.ErrorS(err, Format("preserved record is malformed, treating as absent"), "node", nodeName, "configmap", cm.Name)
		return nil, false, nil
	}

	return preserved, true, nil
}

// putRecord writes the record for a node as a complete overwrite, creating
// the ConfigMap when absent. The stored record always reflects the exact
// capture handed in, never a merge with previous contents.
func (r *ReconcileTaintPreserver) putRecord(ctx context.Context, nodeName string, custom []corev1.Taint) error {
	desired, err := EncodeRecord(nodeName, r.Configuration.RecordNamespace, custom)
	if err != nil {
		return err
	}

	existing := &corev1.ConfigMap{}
	err = r.Get(ctx, types.NamespacedName{Name: desired.Name, Namespace: desired.Namespace}, existing)
	if apierrors.IsNotFound(err) {
		return r.Create(ctx, desired)
	}
	if err != nil {
		return err
	}

	existing.Annotations = desired.Annotations
	existing.Data = desired.Data
	return r.Update(ctx, existing)
}
