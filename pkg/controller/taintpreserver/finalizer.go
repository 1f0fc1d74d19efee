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
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

const (
	// TaintPreservationFinalizer holds node deletion open until the custom
	// taints have been captured. Never change this string without a
	// migration, its presence is the only signal that cleanup is pending.
	TaintPreservationFinalizer = "nodetaintpreserver.example.com/taint-preservation"
)

// addFinalizer puts the preservation finalizer on the node through a patch
// conditional on the observed resourceVersion.
func (r *ReconcileTaintPreserver) addFinalizer(ctx context.Context, node *corev1.Node) error {
	if controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer) {
		return nil
	}

	nodeCopy := node.DeepCopy()
	controllerutil.AddFinalizer(nodeCopy, TaintPreservationFinalizer)
	return r.Patch(ctx, nodeCopy, client.MergeFromWithOptions(node, client.MergeFromWithOptimisticLock{}))
}

// removeFinalizer releases the node for deletion. When conditional is false
// the patch is applied regardless of intervening writes, used by the cleanup
// timeout escape hatch.
func (r *ReconcileTaintPreserver) removeFinalizer(ctx context.Context, node *corev1.Node, conditional bool) error {
	if !controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer) {
		return nil
	}

	nodeCopy := node.DeepCopy()
	controllerutil.RemoveFinalizer(nodeCopy, TaintPreservationFinalizer)
	if conditional {
		return r.Patch(ctx, nodeCopy, client.MergeFromWithOptions(node, client.MergeFromWithOptimisticLock{}))
	}
	return r.Patch(ctx, nodeCopy, client.MergeFrom(node))
}
