// Copyright 2025 Antfly, Inc.
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

package describing

import "sync/atomic"

// progressDispatcher hands partial text to a callback on its own goroutine
// so the decode loop never waits on the receiver.
type progressDispatcher struct {
	updates chan string
	done    chan struct{}
	dropped atomic.Uint64
}

func newProgressDispatcher(fn func(string), buffer int) *progressDispatcher {
	d := &progressDispatcher{
		updates: make(chan string, buffer),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for partial := range d.updates {
			fn(partial)
		}
	}()
	return d
}

// notify queues partial, dropping it if the buffer is full.
func (d *progressDispatcher) notify(partial string) {
	select {
	case d.updates <- partial:
	default:
		d.dropped.Add(1)
	}
}

// close stops accepting updates, waits for queued ones to be delivered and
// returns the number of dropped updates.
func (d *progressDispatcher) close() uint64 {
	close(d.updates)
	<-d.done
	return d.dropped.Load()
}
