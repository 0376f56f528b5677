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

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineLoopTicksDriveProcess(t *testing.T) {
	aml := New(testParams([]uint32{100, 101}, nil))
	const a EndpointID = 1
	require.NoError(t, aml.AddAudioParticipant(a))

	loop := NewEngineLoop(EngineLoopParams{AML: aml, TickInterval: time.Millisecond})
	loop.Start()
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return aml.lastRunTimestampMs > 0
	}, time.Second, time.Millisecond, "engine loop should have driven at least one Process tick")
}

func TestEngineLoopDebouncesDispatch(t *testing.T) {
	aml := New(testParams([]uint32{100, 101}, nil))
	require.NoError(t, aml.AddAudioParticipant(1))

	loop := NewEngineLoop(EngineLoopParams{
		AML:                      aml,
		TickInterval:             time.Millisecond,
		DataChannelDispatchDelay: 20 * time.Millisecond,
	})

	var mu sync.Mutex
	calls := 0
	loop.OnUserMediaMapChanged(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	// a single, silent participant never produces a rankable score, so
	// Process never reports a change and the debounced callback is never
	// invoked regardless of how many ticks run.
	loop.tick(1000)
	loop.tick(1011)
	loop.tick(1022)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestEngineLoopStopIsIdempotentSafe(t *testing.T) {
	aml := New(testParams([]uint32{100}, nil))
	loop := NewEngineLoop(EngineLoopParams{AML: aml, TickInterval: time.Millisecond})
	loop.Start()
	loop.Stop()
}

func TestEngineLoopDefaultsTickInterval(t *testing.T) {
	aml := New(testParams([]uint32{100}, nil))
	loop := NewEngineLoop(EngineLoopParams{AML: aml})
	require.Equal(t, defaultTickInterval, loop.params.TickInterval)
}
