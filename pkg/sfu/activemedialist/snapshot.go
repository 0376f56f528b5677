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

// maxActiveTalkerSnapshot bounds the published talker set, mirroring the
// source's maxParticipants/2 cap on its snapshot array.
const maxActiveTalkerSnapshot = maxParticipants / 2

// talkerSnapshot is published from the engine goroutine and read from any
// number of API goroutines. Publication is an RCU-style atomic pointer
// swap onto an immutable slice: readers always see either the previous or
// the next complete snapshot, never a torn mix (spec.md §4.7), without
// needing a spin-retry loop.
type talkerSnapshot struct {
	current atomic.Pointer[[]ActiveTalker]
}

func newTalkerSnapshot() *talkerSnapshot {
	s := &talkerSnapshot{}
	empty := []ActiveTalker{}
	s.current.Store(&empty)
	return s
}

// publish is called only from the engine goroutine.
func (s *talkerSnapshot) publish(talkers []ActiveTalker) {
	if len(talkers) > maxActiveTalkerSnapshot {
		talkers = talkers[:maxActiveTalkerSnapshot]
	}
	cp := make([]ActiveTalker, len(talkers))
	copy(cp, talkers)
	s.current.Store(&cp)
}

// read is safe to call from any goroutine and never blocks the writer.
func (s *talkerSnapshot) read() []ActiveTalker {
	cp := *s.current.Load()
	out := make([]ActiveTalker, len(cp))
	copy(out, cp)
	return out
}
