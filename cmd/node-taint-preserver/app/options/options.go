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

package options

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/taintpreserver/config"
	taintutil "github.com/nodetaintpreserver/node-taint-preserver/pkg/util/taints"
)

const (
	// EnvRecordNamespace selects the namespace for record ConfigMaps.
	EnvRecordNamespace = "CONFIGMAP_NAMESPACE"
	// EnvExtraProtectedPrefixes adds operator designated protected taint
	// key prefixes, comma separated.
	EnvExtraProtectedPrefixes = "EXTRA_PROTECTED_TAINT_PREFIXES"
)

// TaintPreserverOptions is the main settings for the node-taint-preserver
type TaintPreserverOptions struct {
	MetricsAddr            string
	ProbeAddr              string
	ConcurrentWorkers      int32
	ResyncPeriod           time.Duration
	RecordNamespace        string
	ExtraProtectedPrefixes string
}

// NewTaintPreserverOptions returns options with defaults applied. The
// record namespace and extra protected prefixes can also be supplied via
// environment, matching the deployment manifests.
func NewTaintPreserverOptions() *TaintPreserverOptions {
	namespace := os.Getenv(EnvRecordNamespace)
	if namespace == "" {
		namespace = "default"
	}

	return &TaintPreserverOptions{
		MetricsAddr:            ":8080",
		ProbeAddr:              ":8081",
		ConcurrentWorkers:      4,
		ResyncPeriod:           10 * time.Minute,
		RecordNamespace:        namespace,
		ExtraProtectedPrefixes: os.Getenv(EnvExtraProtectedPrefixes),
	}
}

// AddFlags registers the option flags.
func (o *TaintPreserverOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.MetricsAddr, "metrics-bind-address", o.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&o.ProbeAddr, "health-probe-bind-address", o.ProbeAddr, "The address the probe endpoint binds to.")
	fs.Int32Var(&o.ConcurrentWorkers, "concurrent-workers", o.ConcurrentWorkers, "The number of node keys reconciled concurrently.")
	fs.DurationVar(&o.ResyncPeriod, "resync-period", o.ResyncPeriod, "The period after which every known node is re-listed and re-enqueued to recover from missed watch events.")
	fs.StringVar(&o.RecordNamespace, "configmap-namespace", o.RecordNamespace, "The namespace holding the preserved taint record ConfigMaps.")
	fs.StringVar(&o.ExtraProtectedPrefixes, "extra-protected-taint-prefixes", o.ExtraProtectedPrefixes, "Comma separated additional taint key prefixes that are never preserved or restored.")
}

// Validate checks the options for fatal misconfiguration.
func (o *TaintPreserverOptions) Validate() error {
	if o.RecordNamespace == "" {
		return fmt.Errorf("configmap namespace must not be empty")
	}
	if o.ConcurrentWorkers <= 0 {
		return fmt.Errorf("concurrent workers must be positive, got %d", o.ConcurrentWorkers)
	}
	if o.ResyncPeriod <= 0 {
		return fmt.Errorf("resync period must be positive, got %s", o.ResyncPeriod)
	}
	return nil
}

// Config resolves the options into the controller configuration.
func (o *TaintPreserverOptions) Config() config.TaintPreserverControllerConfiguration {
	return config.TaintPreserverControllerConfiguration{
		ConcurrentTaintPreserverWorkers: o.ConcurrentWorkers,
		RecordNamespace:                 o.RecordNamespace,
		ExtraProtectedPrefixes:          taintutil.ParseExtraPrefixes(o.ExtraProtectedPrefixes),
	}
}
