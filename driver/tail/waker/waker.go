//
// Copyright (C) 2023 Andrew Grigorev.
//
// Authors:
// Andrew Grigorev <andrew@ei-grad.ru>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waker provides an interface for a routine waker.
// Adapted from https://github.com/google/mtail/tree/main/internal
package waker

import (
	"context"
	"sync"
	"time"
)

// A Waker is used to signal to idle routines it's time to look for new work.
type Waker interface {
	// Wake returns a channel that is closed at the next wakeup.
	Wake() <-chan struct{}
}

// timedWaker broadcasts a wakeup on a fixed cadence.  The file follower uses
// it as a poll fallback for filesystems where change notifications are
// unreliable.
type timedWaker struct {
	mu   sync.Mutex // protects following fields.
	wake chan struct{}
}

// NewTimed returns a Waker that wakes all waiters every interval, until ctx
// is cancelled.
func NewTimed(ctx context.Context, interval time.Duration) Waker {
	t := &timedWaker{wake: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.broadcast()
			case <-ctx.Done():
				return
			}
		}
	}()
	return t
}

func (t *timedWaker) Wake() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wake
}

func (t *timedWaker) broadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.wake)
	t.wake = make(chan struct{})
}

// alwaysWaker never blocks the wakee.
type alwaysWaker struct {
	wake chan struct{}
}

// NewTestAlways returns a Waker that is always ready, for tests that want
// the wakee to busy-poll.
func NewTestAlways() Waker {
	w := &alwaysWaker{wake: make(chan struct{})}
	close(w.wake)
	return w
}

func (w *alwaysWaker) Wake() <-chan struct{} {
	return w.wake
}
