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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Reconcile phases reported by nodes_reconciled_total.
const (
	PhaseApply   = "apply"
	PhaseCleanup = "cleanup"
)

var (
	// Metrics provides access to all taint preserver metrics.
	Metrics = newPreserverMetrics()
)

type PreserverMetrics struct {
	taintsRestoredCounter  *prometheus.CounterVec
	nodesReconciledCounter *prometheus.CounterVec
	errorsCounter          *prometheus.CounterVec
}

func newPreserverMetrics() *PreserverMetrics {
	taintsRestoredCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taints_restored_total",
			Help: "total number of taints restored onto recreated nodes",
		},
		[]string{"node", "key"})
	nodesReconciledCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodes_reconciled_total",
			Help: "total number of node reconciliations per phase",
		},
		[]string{"phase"})
	errorsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "total number of reconciliation errors",
		},
		[]string{"kind", "reason"})

	ctrlmetrics.Registry.MustRegister(
		taintsRestoredCounter,
		nodesReconciledCounter,
		errorsCounter,
	)

	return &PreserverMetrics{
		taintsRestoredCounter:  taintsRestoredCounter,
		nodesReconciledCounter: nodesReconciledCounter,
		errorsCounter:          errorsCounter,
	}
}

// ObserveTaintRestored increments taints_restored_total for one restored key.
func (m *PreserverMetrics) ObserveTaintRestored(node, key string) {
	m.taintsRestoredCounter.WithLabelValues(node, key).Inc()
}

// ObserveNodeReconciled increments nodes_reconciled_total for the given phase.
func (m *PreserverMetrics) ObserveNodeReconciled(phase string) {
	m.nodesReconciledCounter.WithLabelValues(phase).Inc()
}

// ObserveError increments errors_total for the given kind and reason.
func (m *PreserverMetrics) ObserveError(kind, reason string) {
	m.errorsCounter.WithLabelValues(kind, reason).Inc()
}
