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
	"reflect"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

// NewNodePredicated admits node events that can change the outcome of a
// reconcile. Delete events are dropped: once the node object is fully gone
// there is nothing left to capture or restore.
func NewNodePredicated() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc: func(createEvent event.CreateEvent) bool {
			_, ok := createEvent.Object.(*corev1.Node)
			return ok
		},
		UpdateFunc: func(updateEvent event.UpdateEvent) bool {
			oldNode, ok := updateEvent.ObjectOld.(*corev1.Node)
			if !ok {
				return false
			}

			newNode, ok := updateEvent.ObjectNew.(*corev1.Node)
			if !ok {
				return false
			}

			return isNodeChange(oldNode, newNode)
		},
		DeleteFunc: func(deleteEvent event.DeleteEvent) bool {
			return false
		},
		GenericFunc: func(genericEvent event.GenericEvent) bool {
			return false
		},
	}
}

func isNodeChange(oldNode, newNode *corev1.Node) bool {
	if oldNode.UID != newNode.UID {
		return true
	}

	if isDeleteTimeChange(oldNode, newNode) {
		return true
	}

	if isTaintsChange(oldNode, newNode) {
		return true
	}

	if isFinalizersChange(oldNode, newNode) {
		return true
	}

	if isAnnotationsChange(oldNode, newNode) {
		return true
	}

	return false
}

func isDeleteTimeChange(oldNode, newNode *corev1.Node) bool {
	return !oldNode.DeletionTimestamp.Equal(newNode.DeletionTimestamp)
}

func isTaintsChange(oldNode, newNode *corev1.Node) bool {
	return !reflect.DeepEqual(oldNode.Spec.Taints, newNode.Spec.Taints)
}

func isFinalizersChange(oldNode, newNode *corev1.Node) bool {
	return !reflect.DeepEqual(oldNode.Finalizers, newNode.Finalizers)
}

func isAnnotationsChange(oldNode, newNode *corev1.Node) bool {
	return !reflect.DeepEqual(oldNode.Annotations, newNode.Annotations)
}
