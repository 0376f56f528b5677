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
	"time"

	"github.com/bep/debounce"
	"github.com/livekit/protocol/logger"
)

// EngineLoopParams configures the goroutine that drives an
// ActiveMediaList's Process call on a fixed tick, the Go stand-in for the
// source's single-threaded EngineMixer run loop.
type EngineLoopParams struct {
	AML *ActiveMediaList

	TickInterval time.Duration

	// DataChannelDispatchDelay debounces the last-N/user-media-map
	// dispatch so a burst of dominant-speaker flips inside one debounce
	// window only triggers one outgoing message round, mirroring
	// dynacastmanager.go's use of the same debounce package for
	// max-subscribed-quality changes.
	DataChannelDispatchDelay time.Duration

	Logger logger.Logger
}

// EngineLoop owns a ticker driving ActiveMediaList.Process and fans out
// its out-flags to registered callbacks.
type EngineLoop struct {
	params EngineLoopParams

	lock                     sync.Mutex
	onDominantSpeakerChanged func(EndpointID)
	onUserMediaMapChanged    func()

	dispatch func(func())

	stop chan struct{}
	done chan struct{}
}

// NewEngineLoop constructs an EngineLoop. Call Start to begin ticking.
func NewEngineLoop(params EngineLoopParams) *EngineLoop {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.TickInterval <= 0 {
		params.TickInterval = defaultTickInterval
	}

	e := &EngineLoop{
		params: params,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if params.DataChannelDispatchDelay > 0 {
		e.dispatch = debounce.New(params.DataChannelDispatchDelay)
	}
	return e
}

// OnDominantSpeakerChanged registers a callback invoked (possibly
// debounced) whenever Process reports a dominant-speaker switch.
func (e *EngineLoop) OnDominantSpeakerChanged(f func(EndpointID)) {
	e.lock.Lock()
	e.onDominantSpeakerChanged = f
	e.lock.Unlock()
}

// OnUserMediaMapChanged registers a callback invoked (possibly debounced)
// whenever Process reports the user-media-map needs to be redelivered.
func (e *EngineLoop) OnUserMediaMapChanged(f func()) {
	e.lock.Lock()
	e.onUserMediaMapChanged = f
	e.lock.Unlock()
}

// Start begins the tick loop in a new goroutine.
func (e *EngineLoop) Start() {
	go e.run()
}

// Stop terminates the tick loop and waits for it to exit.
func (e *EngineLoop) Stop() {
	close(e.stop)
	<-e.done
}

func (e *EngineLoop) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.params.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tick(now.UnixMilli())
		}
	}
}

func (e *EngineLoop) tick(nowMs int64) {
	dominantSpeakerChanged, userMediaMapChanged := e.params.AML.Process(nowMs)
	if !dominantSpeakerChanged && !userMediaMapChanged {
		return
	}

	e.lock.Lock()
	onDominant := e.onDominantSpeakerChanged
	onUserMediaMap := e.onUserMediaMapChanged
	e.lock.Unlock()

	notify := func() {
		if dominantSpeakerChanged && onDominant != nil {
			onDominant(e.params.AML.GetDominantSpeaker())
		}
		if userMediaMapChanged && onUserMediaMap != nil {
			onUserMediaMap()
		}
	}

	if e.dispatch != nil {
		e.dispatch(notify)
	} else {
		notify()
	}
}
