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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// RecordDataKey is the ConfigMap data key holding the preserved taints.
	RecordDataKey = "preserved_taints_json"

	// NodeNameAnnotation carries the plain node name on the record ConfigMap
	// for operator debugging, the ConfigMap name itself is a hash.
	NodeNameAnnotation = "nodetaintpreserver.example.com/node-name"

	recordNamePrefix = "node-taints-"
)

// ErrMalformedRecord marks a record ConfigMap whose payload cannot be
// decoded. The reconciler treats it as no record present.
var ErrMalformedRecord = errors.New("malformed preserved taint record")

// recordedTaint is the stored shape of a single taint. Pointer fields
// distinguish absent keys from empty strings during decoding.
type recordedTaint struct {
	Key    *string `json:"key"`
	Value  *string `json:"value"`
	Effect *string `json:"effect"`
}

var validEffects = map[string]bool{
	string(corev1.TaintEffectNoSchedule):       true,
	string(corev1.TaintEffectPreferNoSchedule): true,
	string(corev1.TaintEffectNoExecute):        true,
}

// RecordName derives the record ConfigMap name for a node. The node name is
// hashed to a fixed length so the ConfigMap name stays within the Kubernetes
// name limit and contains no illegal characters.
func RecordName(nodeName string) string {
	sum := sha256.Sum256([]byte(nodeName))
	return recordNamePrefix + hex.EncodeToString(sum[:])
}

// EncodeRecord builds the record ConfigMap for a node. Value and effect are
// stored even when empty, and an empty capture encodes as "[]" so that a
// completed cleanup with no custom taints suppresses restoration from stale
// data.
func EncodeRecord(nodeName, namespace string, taints []corev1.Taint) (*corev1.ConfigMap, error) {
	recorded := make([]recordedTaint, 0, len(taints))
	for i := range taints {
		effect := string(taints[i].Effect)
		recorded = append(recorded, recordedTaint{
			Key:    &taints[i].Key,
			Value:  &taints[i].Value,
			Effect: &effect,
		})
	}

	payload, err := json.Marshal(recorded)
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode taints for node %s", nodeName)
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(nodeName),
			Namespace: namespace,
			Annotations: map[string]string{
				NodeNameAnnotation: nodeName,
			},
		},
		Data: map[string]string{
			RecordDataKey: string(payload),
		},
	}, nil
}

// DecodeRecord resolves the preserved taints from a record ConfigMap.
// It returns ErrMalformedRecord when the data key is absent, the payload is
// not a JSON array of objects, a key is missing, or an effect is not one of
// the three taint effects.
func DecodeRecord(cm *corev1.ConfigMap) ([]corev1.Taint, error) {
	payload, ok := cm.Data[RecordDataKey]
	if !ok {
		return nil, errors.Wrapf(ErrMalformedRecord, "configmap %s/%s has no %q data key", cm.Namespace, cm.Name, RecordDataKey)
	}

	var recorded []recordedTaint
	if err := json.Unmarshal([]byte(payload), &recorded); err != nil {
		return nil, errors.Wrapf(ErrMalformedRecord, "configmap %s/%s: %v", cm.Namespace, cm.Name, err)
	}

	taints := make([]corev1.Taint, 0, len(recorded))
	for i, r := range recorded {
		if r.Key == nil {
			return nil, errors.Wrapf(ErrMalformedRecord, "configmap %s/%s: entry %d has no key", cm.Namespace, cm.Name, i)
		}
		if r.Effect == nil || !validEffects[*r.Effect] {
			return nil, errors.Wrapf(ErrMalformedRecord, "configmap %s/%s: entry %d has invalid effect", cm.Namespace, cm.Name, i)
		}

		taint := corev1.Taint{
			Key:    *r.Key,
			Effect: corev1.TaintEffect(*r.Effect),
		}
		if r.Value != nil {
			taint.Value = *r.Value
		}
		taints = append(taints, taint)
	}

	return taints, nil
}

// IsMalformedRecord reports whether err stems from an undecodable record.
func IsMalformedRecord(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}
