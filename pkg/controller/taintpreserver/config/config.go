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

package config

// TaintPreserverControllerConfiguration contains configuration for the taint preserver controller
type TaintPreserverControllerConfiguration struct {
	// ConcurrentTaintPreserverWorkers is the number of workers reconciling nodes concurrently
	ConcurrentTaintPreserverWorkers int32 `json:"concurrentTaintPreserverWorkers,omitempty"`

	// RecordNamespace is the namespace holding the preserved taint record ConfigMaps
	RecordNamespace string `json:"recordNamespace,omitempty"`

	// ExtraProtectedPrefixes are additional taint key prefixes that are never preserved or restored
	ExtraProtectedPrefixes []string `json:"extraProtectedPrefixes,omitempty"`
}
