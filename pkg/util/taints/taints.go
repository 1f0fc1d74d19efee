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

package taints

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// protectedTaintPrefixes are key prefixes managed by the system or the cloud
// provider. Taints under these prefixes are never preserved or restored.
var protectedTaintPrefixes = []string{
	"node.kubernetes.io/",
	"node.cloudprovider.kubernetes.io/",
	"node-role.kubernetes.io/",
}

// protectedTaintKeys are exact keys that are never preserved or restored.
var protectedTaintKeys = []string{
	"CriticalAddonsOnly",
}

// IsProtected reports whether the taint belongs to the system or an operator
// designated namespace. The check is purely lexical on the taint key, value
// and effect are not inspected.
func IsProtected(taint corev1.Taint, extraPrefixes []string) bool {
	for _, key := range protectedTaintKeys {
		if taint.Key == key {
			return true
		}
	}

	for _, prefix := range protectedTaintPrefixes {
		if strings.HasPrefix(taint.Key, prefix) {
			return true
		}
	}

	for _, prefix := range extraPrefixes {
		if strings.HasPrefix(taint.Key, prefix) {
			return true
		}
	}

	return false
}

// FilterProtected returns the custom taints, i.e. the complement of the
// protected set on the given taints. Observed order is preserved.
func FilterProtected(taints []corev1.Taint, extraPrefixes []string) []corev1.Taint {
	custom := make([]corev1.Taint, 0, len(taints))
	for _, t := range taints {
		if !IsProtected(t, extraPrefixes) {
			custom = append(custom, t)
		}
	}
	return custom
}

// ContainsKey checks if any taint in `taints` carries the given key.
// Key membership alone decides the restore merge, so a taint re-set by an
// operator with a different value or effect is left untouched.
func ContainsKey(taints []corev1.Taint, key string) bool {
	for i := range taints {
		if taints[i].Key == key {
			return true
		}
	}
	return false
}

// Equal reports whether two taints match on key, value and effect.
func Equal(a, b corev1.Taint) bool {
	return a.Key == b.Key && a.Value == b.Value && a.Effect == b.Effect
}

// ParseExtraPrefixes splits a comma separated prefix list, trimming
// whitespace and discarding empty entries.
func ParseExtraPrefixes(s string) []string {
	var prefixes []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		prefixes = append(prefixes, p)
	}
	return prefixes
}
