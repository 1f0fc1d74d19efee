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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/taintpreserver/config"
	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/testutil"
)

const testNamespace = "kube-system"

type fixture struct {
	reconciler *ReconcileTaintPreserver
	client     *testutil.ClientWrapper
	recorder   *testutil.FakeRecorder
	clock      *testingclock.FakeClock
}

func newFixture(t *testing.T, extraPrefixes []string, objs ...client.Object) *fixture {
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))

	delegate := fakeclient.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()

	wrapped := testutil.NewClientWrapper(delegate)
	recorder := testutil.NewFakeRecorder()
	fakeClock := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	return &fixture{
		reconciler: &ReconcileTaintPreserver{
			Client:   wrapped,
			recorder: recorder,
			clock:    fakeClock,
			Configuration: config.TaintPreserverControllerConfiguration{
				ConcurrentTaintPreserverWorkers: 1,
				RecordNamespace:                 testNamespace,
				ExtraProtectedPrefixes:          extraPrefixes,
			},
		},
		client:   wrapped,
		recorder: recorder,
		clock:    fakeClock,
	}
}

func (f *fixture) reconcile(t *testing.T, nodeName string) reconcile.Result {
	result, err := f.reconciler.Reconcile(context.Background(), reconcile.Request{
		NamespacedName: types.NamespacedName{Name: nodeName},
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) getNode(t *testing.T, name string) *corev1.Node {
	node := &corev1.Node{}
	require.NoError(t, f.client.Get(context.Background(), types.NamespacedName{Name: name}, node))
	return node
}

func (f *fixture) getRecordConfigMap(t *testing.T, nodeName string) *corev1.ConfigMap {
	cm := &corev1.ConfigMap{}
	require.NoError(t, f.client.Get(context.Background(), types.NamespacedName{
		Name:      RecordName(nodeName),
		Namespace: testNamespace,
	}, cm))
	return cm
}

func liveNode(name string, uid types.UID, taints []corev1.Taint, finalized bool) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			UID:  uid,
		},
		Spec: corev1.NodeSpec{Taints: taints},
	}
	if finalized {
		node.Finalizers = []string{TaintPreservationFinalizer}
	}
	return node
}

func deletingNode(name string, uid types.UID, taints []corev1.Taint, anchoredAt string) *corev1.Node {
	node := liveNode(name, uid, taints, true)
	deletion := metav1.NewTime(time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	node.DeletionTimestamp = &deletion
	if anchoredAt != "" {
		node.Annotations = map[string]string{CleanupStartedAnnotation: anchoredAt}
	}
	return node
}

func recordConfigMap(t *testing.T, nodeName string, taints []corev1.Taint) *corev1.ConfigMap {
	cm, err := EncodeRecord(nodeName, testNamespace, taints)
	require.NoError(t, err)
	return cm
}

func TestReconcileNodeGone(t *testing.T) {
	f := newFixture(t, nil)

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)
	require.Empty(t, f.client.Actions())
}

func TestApplyAddsFinalizerBeforeAnyRestore(t *testing.T) {
	f := newFixture(t, nil,
		liveNode("worker-1", "uid-1", nil, false),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	result := f.reconcile(t, "worker-1")
	require.True(t, result.Requeue)

	node := f.getNode(t, "worker-1")
	require.True(t, controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer))
	// no restore work happened on this pass
	require.Empty(t, node.Spec.Taints)
	require.NotContains(t, node.Annotations, RestoredAnnotation)
}

func TestApplyRestoresPreservedTaints(t *testing.T) {
	f := newFixture(t, nil,
		liveNode("worker-1", "uid-1", nil, true),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	node := f.getNode(t, "worker-1")
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, node.Spec.Taints)
	require.Equal(t, "uid-1", node.Annotations[RestoredAnnotation])
	require.Equal(t, []string{EventTaintsRestored}, f.recorder.Reasons())
	require.Contains(t, f.recorder.Events[0].Message, "gpu")
}

func TestApplyMergesOnKeyOnly(t *testing.T) {
	// an operator already re-set gpu with a different value and effect,
	// that post-recreation intent wins
	f := newFixture(t, nil,
		liveNode("worker-1", "uid-1", []corev1.Taint{
			{Key: "gpu", Value: "false", Effect: corev1.TaintEffectPreferNoSchedule},
		}, true),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	node := f.getNode(t, "worker-1")
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "false", Effect: corev1.TaintEffectPreferNoSchedule},
	}, node.Spec.Taints)
	require.Equal(t, "uid-1", node.Annotations[RestoredAnnotation])
	require.Equal(t, []string{EventNoTaintsToRestore}, f.recorder.Reasons())
}

func TestApplyPartialMergeAppendsInRecordOrder(t *testing.T) {
	f := newFixture(t, nil,
		liveNode("worker-1", "uid-1", []corev1.Taint{
			{Key: "zone", Value: "b", Effect: corev1.TaintEffectNoSchedule},
		}, true),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
			{Key: "zone", Value: "a", Effect: corev1.TaintEffectPreferNoSchedule},
			{Key: "maintenance", Value: "", Effect: corev1.TaintEffectNoExecute},
		}),
	)

	f.reconcile(t, "worker-1")

	node := f.getNode(t, "worker-1")
	require.Equal(t, []corev1.Taint{
		{Key: "zone", Value: "b", Effect: corev1.TaintEffectNoSchedule},
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		{Key: "maintenance", Value: "", Effect: corev1.TaintEffectNoExecute},
	}, node.Spec.Taints)
}

func TestApplyWithoutRecord(t *testing.T) {
	f := newFixture(t, nil, liveNode("worker-1", "uid-1", nil, true))

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	node := f.getNode(t, "worker-1")
	require.Empty(t, node.Spec.Taints)
	require.Equal(t, "uid-1", node.Annotations[RestoredAnnotation])
	require.Equal(t, []string{EventNoTaintsToRestore}, f.recorder.Reasons())
}

func TestApplyMalformedRecordTreatedAsAbsent(t *testing.T) {
	malformed := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName("worker-1"),
			Namespace: testNamespace,
		},
		Data: map[string]string{RecordDataKey: `[{"key":`},
	}
	f := newFixture(t, nil, liveNode("worker-1", "uid-1", nil, true), malformed)

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	node := f.getNode(t, "worker-1")
	require.Empty(t, node.Spec.Taints)
	require.Equal(t, "uid-1", node.Annotations[RestoredAnnotation])
	require.Equal(t, []string{EventNoTaintsToRestore}, f.recorder.Reasons())

	// the malformed record is logged, never deleted
	cm := f.getRecordConfigMap(t, "worker-1")
	require.Equal(t, malformed.Data, cm.Data)
}

func TestApplyIdempotentUnderRepeatedReconcile(t *testing.T) {
	f := newFixture(t, nil,
		liveNode("worker-1", "uid-1", nil, true),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	f.reconcile(t, "worker-1")
	require.Equal(t, 1, f.client.CountActions("patch", "Node"))
	require.Equal(t, []string{EventTaintsRestored}, f.recorder.Reasons())

	f.client.ClearActions()
	f.reconcile(t, "worker-1")
	require.Zero(t, f.client.CountActions("patch", "Node"))
	require.Zero(t, f.client.CountActions("update", "Node"))
	// no second TaintsRestored, the incarnation token already matches
	require.Equal(t, []string{EventTaintsRestored}, f.recorder.Reasons())
}

func TestApplyReRestoresOnNewIncarnation(t *testing.T) {
	node := liveNode("worker-1", "uid-1", nil, true)
	node.Annotations = map[string]string{RestoredAnnotation: "uid-0"}
	f := newFixture(t, nil, node,
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	f.reconcile(t, "worker-1")

	updated := f.getNode(t, "worker-1")
	require.Equal(t, "uid-1", updated.Annotations[RestoredAnnotation])
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, updated.Spec.Taints)
}

func TestCleanupIgnoresForeignDeletions(t *testing.T) {
	node := deletingNode("worker-1", "uid-1", nil, "")
	node.Finalizers = []string{"other.example.com/finalizer"}
	f := newFixture(t, nil, node)

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)
	require.Empty(t, f.client.Actions())
}

func TestCleanupAnchorsTimeoutClockFirst(t *testing.T) {
	f := newFixture(t, nil, deletingNode("worker-1", "uid-1", nil, ""))

	result := f.reconcile(t, "worker-1")
	require.True(t, result.Requeue)

	node := f.getNode(t, "worker-1")
	require.Equal(t, "2025-06-01T12:00:00Z", node.Annotations[CleanupStartedAnnotation])
	require.True(t, controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer))

	// no record written yet on the anchoring pass
	cm := &corev1.ConfigMap{}
	err := f.client.Get(context.Background(), types.NamespacedName{
		Name: RecordName("worker-1"), Namespace: testNamespace,
	}, cm)
	require.Error(t, err)
}

func TestCleanupCapturesCustomTaintsOnly(t *testing.T) {
	f := newFixture(t, []string{"myorg.com/"}, deletingNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "node-role.kubernetes.io/control-plane", Effect: corev1.TaintEffectNoSchedule},
		{Key: "myorg.com/special", Effect: corev1.TaintEffectNoSchedule},
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		{Key: "node.kubernetes.io/unreachable", Effect: corev1.TaintEffectNoExecute},
	}, "2025-06-01T11:30:00Z"))

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	cm := f.getRecordConfigMap(t, "worker-1")
	require.Equal(t, "worker-1", cm.Annotations[NodeNameAnnotation])
	preserved, err := DecodeRecord(cm)
	require.NoError(t, err)
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, preserved)

	// finalizer released, the fake store completes the pending deletion
	err = f.client.Get(context.Background(), types.NamespacedName{Name: "worker-1"}, &corev1.Node{})
	require.Error(t, err)
}

func TestCleanupWritesEmptyRecord(t *testing.T) {
	f := newFixture(t, nil, deletingNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "node.kubernetes.io/not-ready", Effect: corev1.TaintEffectNoExecute},
	}, "2025-06-01T11:30:00Z"))

	f.reconcile(t, "worker-1")

	cm := f.getRecordConfigMap(t, "worker-1")
	require.Equal(t, "[]", cm.Data[RecordDataKey])
}

func TestCleanupOverwritesStaleRecord(t *testing.T) {
	f := newFixture(t, nil,
		deletingNode("worker-1", "uid-1", nil, "2025-06-01T11:30:00Z"),
		recordConfigMap(t, "worker-1", []corev1.Taint{
			{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		}),
	)

	f.reconcile(t, "worker-1")

	// the stale gpu taint from the previous incarnation is gone, the
	// record reflects exactly what cleanup observed
	cm := f.getRecordConfigMap(t, "worker-1")
	require.Equal(t, "[]", cm.Data[RecordDataKey])
}

func TestCleanupFailingStoreKeepsFinalizer(t *testing.T) {
	f := newFixture(t, nil, deletingNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, "2025-06-01T11:30:00Z"))
	f.client.CreateReactor = func(obj client.Object) error {
		return errors.New("store unavailable")
	}

	_, err := f.reconciler.Reconcile(context.Background(), reconcile.Request{
		NamespacedName: types.NamespacedName{Name: "worker-1"},
	})
	require.Error(t, err)

	node := f.getNode(t, "worker-1")
	require.True(t, controllerutil.ContainsFinalizer(node, TaintPreservationFinalizer))
}

func TestCleanupTimeoutForceRemovesFinalizer(t *testing.T) {
	f := newFixture(t, nil, deletingNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, "2025-06-01T10:00:00Z"))
	f.clock.SetTime(time.Date(2025, 6, 1, 11, 0, 1, 0, time.UTC))
	// the record store stays broken, cleanup must still release the node
	f.client.CreateReactor = func(obj client.Object) error {
		return errors.New("store unavailable")
	}

	result := f.reconcile(t, "worker-1")
	require.Equal(t, reconcile.Result{}, result)

	err := f.client.Get(context.Background(), types.NamespacedName{Name: "worker-1"}, &corev1.Node{})
	require.Error(t, err)
	require.Equal(t, []string{EventCleanupTimedOut}, f.recorder.Reasons())
}

func TestCleanupJustUnderTimeoutStillCaptures(t *testing.T) {
	f := newFixture(t, nil, deletingNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, "2025-06-01T11:00:30Z"))
	f.clock.SetTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	f.reconcile(t, "worker-1")

	preserved, err := DecodeRecord(f.getRecordConfigMap(t, "worker-1"))
	require.NoError(t, err)
	require.Len(t, preserved, 1)
	require.Empty(t, f.recorder.Reasons())
}

// Full recycle: capture on deletion, restore on a same-name recreation.
func TestPreserveAcrossNodeRecycle(t *testing.T) {
	f := newFixture(t, nil, liveNode("worker-1", "uid-1", []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
		{Key: "node.kubernetes.io/unreachable", Effect: corev1.TaintEffectNoExecute},
	}, false))

	// first observation adds the finalizer, then apply marks the node
	require.True(t, f.reconcile(t, "worker-1").Requeue)
	f.reconcile(t, "worker-1")
	node := f.getNode(t, "worker-1")
	require.Equal(t, "uid-1", node.Annotations[RestoredAnnotation])

	// deletion is requested, the finalizer holds the object
	require.NoError(t, f.client.Delete(context.Background(), node))
	require.True(t, f.reconcile(t, "worker-1").Requeue) // anchors the timeout clock
	f.reconcile(t, "worker-1")                          // captures and releases

	preserved, err := DecodeRecord(f.getRecordConfigMap(t, "worker-1"))
	require.NoError(t, err)
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, preserved)

	// the node re-joins under the same name with a fresh incarnation
	require.NoError(t, f.client.Create(context.Background(), liveNode("worker-1", "uid-2", nil, false)))
	require.True(t, f.reconcile(t, "worker-1").Requeue)
	f.recorder.Events = nil
	f.reconcile(t, "worker-1")

	restored := f.getNode(t, "worker-1")
	require.Equal(t, []corev1.Taint{
		{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule},
	}, restored.Spec.Taints)
	require.Equal(t, "uid-2", restored.Annotations[RestoredAnnotation])
	require.Equal(t, []string{EventTaintsRestored}, f.recorder.Reasons())
}

func TestIncarnationToken(t *testing.T) {
	withUID := liveNode("worker-1", "uid-1", nil, false)
	require.Equal(t, "uid-1", incarnationToken(withUID))

	// fallback is stable for the same incarnation and differs across names
	created := metav1.NewTime(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	noUID := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1", CreationTimestamp: created}}
	other := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-2", CreationTimestamp: created}}
	require.Equal(t, incarnationToken(noUID), incarnationToken(noUID))
	require.NotEqual(t, incarnationToken(noUID), incarnationToken(other))
	require.Len(t, incarnationToken(noUID), 16)
}

func TestRestoredMessage(t *testing.T) {
	require.Equal(t, "Restored taints: gpu", restoredMessage([]string{"gpu"}))
	require.Equal(t, "Restored taints: a, b, c, d, e", restoredMessage([]string{"a", "b", "c", "d", "e"}))
	require.Equal(t, "Restored 7 taints: a, b, c, d, e …(+2 more)",
		restoredMessage([]string{"a", "b", "c", "d", "e", "f", "g"}))
}
