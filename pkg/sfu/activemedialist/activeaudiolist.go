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

// activeAudioList is the bounded recency list of audio participants with
// their recycled rewrite SSRCs (spec.md §4.5).
type activeAudioList struct {
	list        *endpointList
	rewriteMap  map[EndpointID]uint32
	ssrcs       *pool[uint32]
	maxSpeakers int
}

func newActiveAudioList(ssrcs []uint32) *activeAudioList {
	return &activeAudioList{
		list:        newEndpointList(),
		rewriteMap:  make(map[EndpointID]uint32),
		ssrcs:       newPool(ssrcs),
		maxSpeakers: len(ssrcs),
	}
}

// add admits a brand-new endpoint, pushing it to the head of the list
// (weakest position; it must be promoted by speaking to survive
// eviction). Returns ErrPoolExhausted if no ssrc remains.
func (a *activeAudioList) add(e EndpointID) error {
	ssrc, ok := a.ssrcs.take()
	if !ok {
		return ErrPoolExhausted
	}
	a.rewriteMap[e] = ssrc
	a.list.pushToHead(e)
	return nil
}

// remove erases e, returning its ssrc to the pool. No-op if e isn't
// tracked.
func (a *activeAudioList) remove(e EndpointID) bool {
	ssrc, ok := a.rewriteMap[e]
	if !ok {
		return false
	}
	delete(a.rewriteMap, e)
	a.ssrcs.give(ssrc)
	a.list.remove(e)
	return true
}

// promote implements updateActiveAudioList: if e is already tracked, move
// it to the tail (most-recently-active position); otherwise evict the
// head entry if the list is at capacity and admit e at the tail with a
// freshly popped ssrc. Every audio list member holds an ssrc, so evicting
// the head at capacity always frees one for the incoming claim; the
// restore-on-failure path below only guards against that invariant ever
// slipping, so a claim failure never leaves the head evicted without e
// taking its place.
func (a *activeAudioList) promote(e EndpointID) {
	if _, ok := a.rewriteMap[e]; ok {
		a.list.moveToTail(e)
		return
	}

	var evicted EndpointID
	var evictedSSRC uint32
	evictedHeld := false
	if len(a.rewriteMap) == a.maxSpeakers {
		if removed, ok := a.list.popFromHead(); ok {
			evicted = removed
			if ssrc, ok := a.rewriteMap[removed]; ok {
				evictedSSRC = ssrc
				evictedHeld = true
				delete(a.rewriteMap, removed)
				a.ssrcs.give(ssrc)
			}
		}
	}

	ssrc, ok := a.ssrcs.take()
	if !ok {
		if evicted != 0 {
			if evictedHeld {
				a.rewriteMap[evicted] = evictedSSRC
			}
			a.list.pushToHead(evicted)
		}
		return
	}
	a.rewriteMap[e] = ssrc
	a.list.pushToTail(e)
}

func (a *activeAudioList) checkInvariants() bool {
	count := 0
	ok := true
	a.list.forEachHeadToTail(func(e EndpointID) bool {
		if _, present := a.rewriteMap[e]; !present {
			ok = false
			return false
		}
		count++
		return true
	})
	return ok && count == len(a.rewriteMap) && len(a.rewriteMap) <= a.maxSpeakers
}
