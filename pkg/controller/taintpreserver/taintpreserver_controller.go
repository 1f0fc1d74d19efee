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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/taintpreserver/config"
	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/taintpreserver/metrics"
	taintutil "github.com/nodetaintpreserver/node-taint-preserver/pkg/util/taints"
)

const (
	// ControllerName identifies this controller in logs, events and the workqueue.
	ControllerName = "taint-preserver-controller"

	// RestoredAnnotation carries the incarnation token of the node object
	// the last successful restore acted on. A matching token makes Apply a
	// no-op, so retries and resyncs never re-patch.
	RestoredAnnotation = "nodetaintpreserver.example.com/restored"

	// CleanupStartedAnnotation anchors the cleanup timeout clock at the
	// first cleanup attempt of the current deletion.
	CleanupStartedAnnotation = "nodetaintpreserver.example.com/cleanup-started-at"

	// cleanupTimeout bounds how long a broken record store may hold up node
	// deletion before the finalizer is force-removed.
	cleanupTimeout = time.Hour

	// maxEventKeys caps how many restored taint keys an event message lists.
	maxEventKeys = 5

	// Event reasons emitted on the node.
	EventTaintsRestored    = "TaintsRestored"
	EventNoTaintsToRestore = "NoTaintsToRestore"
	EventCleanupTimedOut   = "CleanupTimedOut"
)

func Format(format string, args ...interface{}) string {
	s := fmt.Sprintf(format, args...)
	return fmt.Sprintf("%s: %s", ControllerName, s)
}

var _ reconcile.Reconciler = &ReconcileTaintPreserver{}

// ReconcileTaintPreserver captures custom taints from nodes leaving the
// cluster and restores them when a node with the same name re-joins.
type ReconcileTaintPreserver struct {
	client.Client
	recorder      record.EventRecorder
	clock         clock.Clock
	Configuration config.TaintPreserverControllerConfiguration
}

// Add creates the taint preserver controller and adds it to the Manager.
// The Manager will set fields on the controller and start it when the
// Manager is started.
func Add(mgr manager.Manager, cfg config.TaintPreserverControllerConfiguration) error {
	klog.Infof(Format("add controller for nodes, record namespace %s", cfg.RecordNamespace))

	r := &ReconcileTaintPreserver{
		Client:        mgr.GetClient(),
		recorder:      mgr.GetEventRecorderFor(ControllerName),
		clock:         clock.RealClock{},
		Configuration: cfg,
	}

	c, err := controller.New(ControllerName, mgr, controller.Options{
		Reconciler:              r,
		MaxConcurrentReconciles: int(cfg.ConcurrentTaintPreserverWorkers),
		RateLimiter:             NewRateLimiter(),
	})
	if err != nil {
		return err
	}

	return c.Watch(
		source.Kind[client.Object](
			mgr.GetCache(),
			&corev1.Node{},
			&handler.EnqueueRequestForObject{},
			NewNodePredicated(),
		),
	)
}

// +kubebuilder:rbac:groups=core,resources=nodes,verbs=get;list;watch;patch;update
// +kubebuilder:rbac:groups=core,resources=configmaps,verbs=get;create;update;delete
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

// Reconcile routes a node to the apply or cleanup path based on whether the
// node is being deleted. All cross-reconcile state lives on the node and in
// the record ConfigMaps, so any step can be repeated safely.
func (r *ReconcileTaintPreserver) Reconcile(ctx context.Context, request reconcile.Request) (reconcile.Result, error) {
	klog.V(4).Infof(Format("Reconcile Node %s", request.Name))

	node := &corev1.Node{}
	if err := r.Get(ctx, request.NamespacedName, node); err != nil {
		// fully gone, cleanup has already run or was never ours to run
		return reconcile.Result{}, client.IgnoreNotFound(err)
	}

	if node.DeletionTimestamp.IsZero() {
		return r.applyNode(ctx, node)
	}
	return r.cleanupNode(ctx, node)
}

// applyNode restores preserved custom taints onto a live node.
func (r *ReconcileTaintPreserver) applyNode(ctx context.Context, node *corev1.Node) (reconcile.Result, error) {
	// The finalizer must land before any restore work so that a deletion
	// arriving next routes through cleanup.
	if !controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer) {
		if err := r.addFinalizer(ctx, node); err != nil {
			if apierrors.IsConflict(err) {
				return reconcile.Result{Requeue: true}, nil
			}
			return reconcile.Result{}, err
		}
		// re-read before restoring, the patch moved the resourceVersion
		return reconcile.Result{Requeue: true}, nil
	}

	token := incarnationToken(node)
	if node.Annotations[RestoredAnnotation] == token {
		_, exists, err := r.getRecord(ctx, node.Name)
		if err != nil {
			metrics.Metrics.ObserveError("configmap", "get_error")
			return reconcile.Result{}, err
		}
		if !exists {
			r.recorder.Event(node, corev1.EventTypeNormal, EventNoTaintsToRestore, "no preserved taints for this node")
		}
		return reconcile.Result{}, nil
	}

	klog.Infof(Format("Reconcile node %s (apply)", node.Name))

	preserved, exists, err := r.getRecord(ctx, node.Name)
	if err != nil {
		metrics.Metrics.ObserveError("configmap", "get_error")
		return reconcile.Result{}, err
	}
	if !exists {
		r.recorder.Event(node, corev1.EventTypeNormal, EventNoTaintsToRestore, "no preserved taints for this node")
		return r.finishApply(ctx, node, token, nil)
	}

	// Key-level merge: a taint re-set by an operator or another controller
	// after recreation wins, whatever its value or effect.
	missing := make([]corev1.Taint, 0, len(preserved))
	for _, taint := range preserved {
		if !taintutil.ContainsKey(node.Spec.Taints, taint.Key) {
			missing = append(missing, taint)
		}
	}

	if len(missing) == 0 {
		r.recorder.Event(node, corev1.EventTypeNormal, EventNoTaintsToRestore, "no taints needed to be restored")
		return r.finishApply(ctx, node, token, nil)
	}

	return r.finishApply(ctx, node, token, missing)
}

// finishApply writes the restoration result in a single conditional patch:
// the missing taints appended in record order plus the restored annotation.
func (r *ReconcileTaintPreserver) finishApply(ctx context.Context, node *corev1.Node, token string, missing []corev1.Taint) (reconcile.Result, error) {
	nodeCopy := node.DeepCopy()
	nodeCopy.Spec.Taints = append(nodeCopy.Spec.Taints, missing...)
	if nodeCopy.Annotations == nil {
		nodeCopy.Annotations = make(map[string]string)
	}
	nodeCopy.Annotations[RestoredAnnotation] = token

	if err := r.Patch(ctx, nodeCopy, client.MergeFromWithOptions(node, client.MergeFromWithOptimisticLock{})); err != nil {
		if apierrors.IsConflict(err) {
			return reconcile.Result{Requeue: true}, nil
		}
		return reconcile.Result{}, err
	}

	metrics.Metrics.ObserveNodeReconciled(metrics.PhaseApply)

	if len(missing) > 0 {
		restoredKeys := make([]string, 0, len(missing))
		for _, taint := range missing {
			metrics.Metrics.ObserveTaintRestored(node.Name, taint.Key)
			restoredKeys = append(restoredKeys, taint.Key)
		}
		message := restoredMessage(restoredKeys)
		r.recorder.Event(node, corev1.EventTypeNormal, EventTaintsRestored, message)
		klog.Infof(Format("node %s: %s", node.Name, message))
	}

	return reconcile.Result{}, nil
}

// cleanupNode captures the custom taints of a node being deleted and then
// releases the finalizer. The record is always written before the finalizer
// is removed, a crash in between re-runs cleanup and overwrites the record
// identically.
func (r *ReconcileTaintPreserver) cleanupNode(ctx context.Context, node *corev1.Node) (reconcile.Result, error) {
	if !controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer) {
		return reconcile.Result{}, nil
	}

	klog.Infof(Format("Reconcile node %s (cleanup)", node.Name))

	startedAt, ok := node.Annotations[CleanupStartedAnnotation]
	if !ok {
		return r.anchorCleanupClock(ctx, node)
	}

	firstAttempt, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		klog.ErrorS(err, Format("cleanup anchor annotation is unparseable, re-anchoring"), "node", node.Name, "value", startedAt)
		return r.anchorCleanupClock(ctx, node)
	}

	if r.clock.Since(firstAttempt) > cleanupTimeout {
		// A broken store must not hold node deletion hostage forever.
		if err := r.removeFinalizer(ctx, node, false); err != nil {
			return reconcile.Result{}, err
		}
		klog.Warningf(Format("node %s cleanup did not succeed within %s, finalizer force-removed", node.Name, cleanupTimeout))
		r.recorder.Eventf(node, corev1.EventTypeWarning, EventCleanupTimedOut,
			"taint capture did not complete within %s, releasing node for deletion", cleanupTimeout)
		metrics.Metrics.ObserveError("cleanup", "timeout")
		return reconcile.Result{}, nil
	}

	custom := taintutil.FilterProtected(node.Spec.Taints, r.Configuration.ExtraProtectedPrefixes)

	if err := r.putRecord(ctx, node.Name, custom); err != nil {
		metrics.Metrics.ObserveError("configmap", "put_error")
		return reconcile.Result{}, err
	}
	klog.Infof(Format("stored %d custom taints for node %s", len(custom), node.Name))

	if err := r.removeFinalizer(ctx, node, true); err != nil {
		if apierrors.IsConflict(err) {
			return reconcile.Result{Requeue: true}, nil
		}
		return reconcile.Result{}, err
	}

	metrics.Metrics.ObserveNodeReconciled(metrics.PhaseCleanup)
	return reconcile.Result{}, nil
}

// anchorCleanupClock stamps the first-attempt annotation. Racing writers are
// harmless: whoever loses the conditional patch re-reads the winner's stamp.
func (r *ReconcileTaintPreserver) anchorCleanupClock(ctx context.Context, node *corev1.Node) (reconcile.Result, error) {
	nodeCopy := node.DeepCopy()
	if nodeCopy.Annotations == nil {
		nodeCopy.Annotations = make(map[string]string)
	}
	nodeCopy.Annotations[CleanupStartedAnnotation] = r.clock.Now().UTC().Format(time.RFC3339)

	err := r.Patch(ctx, nodeCopy, client.MergeFromWithOptions(node, client.MergeFromWithOptimisticLock{}))
	if err != nil && !apierrors.IsConflict(err) {
		return reconcile.Result{}, err
	}
	return reconcile.Result{Requeue: true}, nil
}

// incarnationToken identifies the current lifecycle instance of a node
// object: stable across updates, different across delete/recreate.
func incarnationToken(node *corev1.Node) string {
	if node.UID != "" {
		return string(node.UID)
	}
	sum := sha256.Sum256([]byte(node.CreationTimestamp.UTC().Format(time.RFC3339) + "/" + node.Name))
	return hex.EncodeToString(sum[:])[:16]
}

func restoredMessage(keys []string) string {
	if len(keys) <= maxEventKeys {
		return fmt.Sprintf("Restored taints: %s", strings.Join(keys, ", "))
	}
	return fmt.Sprintf("Restored %d taints: %s …(+%d more)",
		len(keys), strings.Join(keys[:maxEventKeys], ", "), len(keys)-maxEventKeys)
}
