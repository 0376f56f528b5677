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

// pool is a bag of interchangeable values (SSRCs, SimulcastLevels) handed
// out to participants and returned on removal. Order doesn't matter, only
// conservation: len(pool)+len(inUse) is invariant across the list's
// lifetime.
type pool[T any] struct {
	values []T
}

func newPool[T any](values []T) *pool[T] {
	p := &pool[T]{values: make([]T, len(values))}
	copy(p.values, values)
	return p
}

// take pops from the front, matching the FIFO discipline of the source's
// MpmcQueue-backed pools: the first ssrc pushed at construction is the
// first one handed out.
func (p *pool[T]) take() (T, bool) {
	var zero T
	if len(p.values) == 0 {
		return zero, false
	}
	v := p.values[0]
	p.values = p.values[1:]
	return v, true
}

func (p *pool[T]) give(v T) {
	p.values = append(p.values, v)
}

func (p *pool[T]) len() int {
	return len(p.values)
}
