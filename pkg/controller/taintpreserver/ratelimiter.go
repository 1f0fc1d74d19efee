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
	"math/rand"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

const (
	backoffBase   = 1 * time.Second
	backoffMax    = 60 * time.Second
	backoffJitter = 0.2
)

// jitteredExponentialRateLimiter backs failing node keys off exponentially,
// base 1s doubling up to 60s, with +/-20% jitter so that many nodes failing
// at once do not requeue in lockstep. Forget resets the key after a
// successful reconcile.
type jitteredExponentialRateLimiter struct {
	lock     sync.Mutex
	failures map[interface{}]int
}

var _ workqueue.RateLimiter = &jitteredExponentialRateLimiter{}

// NewRateLimiter creates the per-key rate limiter used by the controller
// workqueue.
func NewRateLimiter() workqueue.RateLimiter {
	return &jitteredExponentialRateLimiter{
		failures: map[interface{}]int{},
	}
}

func (r *jitteredExponentialRateLimiter) When(item interface{}) time.Duration {
	r.lock.Lock()
	defer r.lock.Unlock()

	retries := r.failures[item]
	r.failures[item] = retries + 1

	delay := backoffBase << uint(retries)
	if delay > backoffMax || delay < backoffBase {
		delay = backoffMax
	}

	// spread requeues over [1-jitter, 1+jitter] around the computed delay
	scale := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * scale)
}

func (r *jitteredExponentialRateLimiter) Forget(item interface{}) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.failures, item)
}

func (r *jitteredExponentialRateLimiter) NumRequeues(item interface{}) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.failures[item]
}
