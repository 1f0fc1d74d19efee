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

// Package testutil provides fakes shared by controller tests: a client
// wrapper recording Create, Update and Patch calls for call-count
// assertions, and an event recorder capturing emitted events in memory.
package testutil

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// Action is one write observed by the ClientWrapper.
type Action struct {
	Verb string
	Kind string
	Name string
}

// ClientWrapper wraps a controller-runtime client and records Create,
// Update and Patch calls; Delete and other writes pass through to the
// delegate unrecorded. Reactors, when set, run before delegation and may
// short-circuit with an error to simulate store failures.
type ClientWrapper struct {
	ctlclient.Client

	sync.Mutex
	actions []Action

	GetReactor    func(key ctlclient.ObjectKey, obj ctlclient.Object) error
	CreateReactor func(obj ctlclient.Object) error
	UpdateReactor func(obj ctlclient.Object) error
	PatchReactor  func(obj ctlclient.Object) error
}

// NewClientWrapper wraps the given delegate client.
func NewClientWrapper(delegate ctlclient.Client) *ClientWrapper {
	return &ClientWrapper{Client: delegate}
}

func (m *ClientWrapper) record(verb string, obj ctlclient.Object) {
	m.Lock()
	defer m.Unlock()
	m.actions = append(m.actions, Action{Verb: verb, Kind: kindOf(obj), Name: obj.GetName()})
}

func (m *ClientWrapper) Get(ctx context.Context, key ctlclient.ObjectKey, obj ctlclient.Object, opts ...ctlclient.GetOption) error {
	if m.GetReactor != nil {
		if err := m.GetReactor(key, obj); err != nil {
			return err
		}
	}
	return m.Client.Get(ctx, key, obj, opts...)
}

func (m *ClientWrapper) Create(ctx context.Context, obj ctlclient.Object, opts ...ctlclient.CreateOption) error {
	m.record("create", obj)
	if m.CreateReactor != nil {
		if err := m.CreateReactor(obj); err != nil {
			return err
		}
	}
	return m.Client.Create(ctx, obj, opts...)
}

func (m *ClientWrapper) Update(ctx context.Context, obj ctlclient.Object, opts ...ctlclient.UpdateOption) error {
	m.record("update", obj)
	if m.UpdateReactor != nil {
		if err := m.UpdateReactor(obj); err != nil {
			return err
		}
	}
	return m.Client.Update(ctx, obj, opts...)
}

func (m *ClientWrapper) Patch(ctx context.Context, obj ctlclient.Object, patch ctlclient.Patch, opts ...ctlclient.PatchOption) error {
	m.record("patch", obj)
	if m.PatchReactor != nil {
		if err := m.PatchReactor(obj); err != nil {
			return err
		}
	}
	return m.Client.Patch(ctx, obj, patch, opts...)
}

// Actions returns a copy of the recorded write actions.
func (m *ClientWrapper) Actions() []Action {
	m.Lock()
	defer m.Unlock()
	return append([]Action{}, m.actions...)
}

// ClearActions drops all recorded actions.
func (m *ClientWrapper) ClearActions() {
	m.Lock()
	defer m.Unlock()
	m.actions = nil
}

// CountActions counts recorded actions matching verb and kind.
func (m *ClientWrapper) CountActions(verb, kind string) int {
	m.Lock()
	defer m.Unlock()
	count := 0
	for _, a := range m.actions {
		if a.Verb == verb && a.Kind == kind {
			count++
		}
	}
	return count
}

func kindOf(obj ctlclient.Object) string {
	switch obj.(type) {
	case *corev1.Node:
		return "Node"
	case *corev1.ConfigMap:
		return "ConfigMap"
	case *corev1.Event:
		return "Event"
	default:
		return fmt.Sprintf("%T", obj)
	}
}

// CapturedEvent is one event emitted through the FakeRecorder.
type CapturedEvent struct {
	Type    string
	Reason  string
	Message string
}

// FakeRecorder is used as a fake event recorder during testing.
type FakeRecorder struct {
	sync.Mutex
	Events []CapturedEvent
}

// NewFakeRecorder returns a pointer to a newly constructed FakeRecorder.
func NewFakeRecorder() *FakeRecorder {
	return &FakeRecorder{Events: []CapturedEvent{}}
}

// Event records a fake event.
func (f *FakeRecorder) Event(obj runtime.Object, eventtype, reason, message string) {
	f.Lock()
	defer f.Unlock()
	f.Events = append(f.Events, CapturedEvent{Type: eventtype, Reason: reason, Message: message})
}

// Eventf records a fake formatted event.
func (f *FakeRecorder) Eventf(obj runtime.Object, eventtype, reason, messageFmt string, args ...interface{}) {
	f.Event(obj, eventtype, reason, fmt.Sprintf(messageFmt, args...))
}

// AnnotatedEventf records a fake formatted event, dropping the annotations.
func (f *FakeRecorder) AnnotatedEventf(obj runtime.Object, annotations map[string]string, eventtype, reason, messageFmt string, args ...interface{}) {
	f.Eventf(obj, eventtype, reason, messageFmt, args...)
}

// Reasons lists the reasons of all captured events in emission order.
func (f *FakeRecorder) Reasons() []string {
	f.Lock()
	defer f.Unlock()
	reasons := make([]string, 0, len(f.Events))
	for _, e := range f.Events {
		reasons = append(reasons, e.Reason)
	}
	return reasons
}
