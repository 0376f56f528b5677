// Copyright 2023 LiveKit, Inc.
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

package activemedialist

import "go.uber.org/atomic"

// ingestQueueCapacity matches the source's fixed MpmcQueue capacity.
const ingestQueueCapacity = 32768

// ingestQueue is the bounded MPSC channel RTP receive workers push audio
// level samples into. Producers never block: a full queue drops the
// sample (spec.md §4.1, §7 "Ingest overflow"). Only the engine goroutine
// drains it.
type ingestQueue struct {
	ch      chan AudioLevelSample
	dropped atomic.Uint64
}

func newIngestQueue() *ingestQueue {
	return &ingestQueue{ch: make(chan AudioLevelSample, ingestQueueCapacity)}
}

// push is safe to call concurrently from any number of producer
// goroutines.
func (q *ingestQueue) push(s AudioLevelSample) {
	select {
	case q.ch <- s:
	default:
		q.dropped.Add(1)
	}
}

// dropCount reports how many samples have been dropped due to overflow,
// observable for logging/metrics per spec.md §7.
func (q *ingestQueue) dropCount() uint64 {
	return q.dropped.Load()
}

// drainInto pops every currently queued sample, calling f for each, and
// returns once the queue is empty. Must only be called from the engine
// goroutine.
func (q *ingestQueue) drainInto(f func(AudioLevelSample)) {
	for {
		select {
		case s := <-q.ch:
			f(s)
		default:
			return
		}
	}
}
