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

package app

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/nodetaintpreserver/node-taint-preserver/cmd/node-taint-preserver/app/options"
	"github.com/nodetaintpreserver/node-taint-preserver/pkg/controller/taintpreserver"
	"github.com/nodetaintpreserver/node-taint-preserver/pkg/projectinfo"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
}

// NewCmdTaintPreserver creates the node-taint-preserver command.
func NewCmdTaintPreserver() *cobra.Command {
	opts := options.NewTaintPreserverOptions()
	cmd := &cobra.Command{
		Use:   projectinfo.GetPreserverName(),
		Short: "Launch " + projectinfo.GetPreserverName(),
		Long:  "The node taint preserver captures custom taints from nodes leaving the cluster and restores them when a node with the same name re-joins.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Flags().VisitAll(func(flag *pflag.Flag) {
				klog.V(1).Infof("FLAG: --%s=%q", flag.Name, flag.Value)
			})
			if err := opts.Validate(); err != nil {
				klog.Fatalf("validate options: %v", err)
			}
			Run(opts)
		},
		Version: projectinfo.Get().String(),
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// Run starts the manager and blocks until the stop signal arrives.
func Run(opts *options.TaintPreserverOptions) {
	ctrl.SetLogger(klogr.New())
	cfg := ctrl.GetConfigOrDie()

	resyncPeriod := opts.ResyncPeriod
	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: opts.MetricsAddr,
		},
		HealthProbeBindAddress: opts.ProbeAddr,
		Cache: cache.Options{
			SyncPeriod: &resyncPeriod,
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := taintpreserver.Add(mgr, opts.Config()); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", taintpreserver.ControllerName)
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("health", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("check", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "version", projectinfo.Get().String(), "recordNamespace", opts.RecordNamespace)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "could not run manager")
		os.Exit(1)
	}
}
