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

// videoParticipant holds a publisher's registered simulcast streams.
type videoParticipant struct {
	primary   SimulcastStream
	secondary SimulcastStream // nil if absent
}

func (v *videoParticipant) sendsVideo() bool {
	if v.primary != nil && v.primary.IsSendingVideo() {
		return true
	}
	return v.secondary != nil && v.secondary.IsSendingVideo()
}

// videoScreenShareMapping records the single current screen-share holder.
type videoScreenShareMapping struct {
	holder      EndpointID
	sourceSSRC  uint32
	rewriteSSRC uint32
}

// activeVideoList is the bounded recency list of video participants, the
// bijective video SSRC rewrite maps, the reserved screen-share slot and
// the feedback-ssrc lookup table (spec.md §4.6).
type activeVideoList struct {
	maxActiveListSize int

	participants map[EndpointID]*videoParticipant

	ssrcs               *pool[SimulcastLevel]
	feedbackSSRCLookup  map[uint32]uint32
	rewriteMap          map[EndpointID]SimulcastLevel
	reverseRewriteMap   map[uint32]EndpointID
	screenShareSSRC     SimulcastLevel
	screenShareMapping  *videoScreenShareMapping

	list *endpointList
}

func newActiveVideoList(videoSSRCs []SimulcastLevel, maxActiveListSize int) *activeVideoList {
	feedback := make(map[uint32]uint32, len(videoSSRCs))
	for _, v := range videoSSRCs {
		feedback[v.SSRC] = v.FeedbackSSRC
	}

	p := newPool(videoSSRCs)
	screenShare, _ := p.take()

	return &activeVideoList{
		maxActiveListSize:  maxActiveListSize,
		participants:       make(map[EndpointID]*videoParticipant),
		ssrcs:              p,
		feedbackSSRCLookup: feedback,
		rewriteMap:         make(map[EndpointID]SimulcastLevel),
		reverseRewriteMap:  make(map[uint32]EndpointID),
		screenShareSSRC:    screenShare,
		list:               newEndpointList(),
	}
}

func (v *activeVideoList) feedbackSSRC(mainSSRC uint32) (uint32, bool) {
	fb, ok := v.feedbackSSRCLookup[mainSSRC]
	return fb, ok
}

func (v *activeVideoList) isInActiveList(e EndpointID) bool {
	return v.list.contains(e)
}

// isInUserActiveList mirrors ActiveMediaList::isInUserActiveVideoList: once
// the list is at capacity, only entries that aren't the current head are
// considered "user visible" (the head is the next eviction candidate and
// is treated as not-yet-really-in-list for pinning purposes).
func (v *activeVideoList) isInUserActiveList(e EndpointID) bool {
	n, ok := v.list.lookup[e]
	if v.list.size > v.maxActiveListSize-1 {
		return ok && n.prev != nil
	}
	return ok
}

func (v *activeVideoList) claimRewriteSSRC(e EndpointID) bool {
	level, ok := v.ssrcs.take()
	if !ok {
		return false
	}
	v.rewriteMap[e] = level
	v.reverseRewriteMap[level.SSRC] = e
	return true
}

func (v *activeVideoList) releaseRewriteSSRC(e EndpointID) {
	level, ok := v.rewriteMap[e]
	if !ok {
		return
	}
	delete(v.rewriteMap, e)
	delete(v.reverseRewriteMap, level.SSRC)
	v.ssrcs.give(level)
}

func (v *activeVideoList) setScreenShareHolder(e EndpointID, sourceSSRC uint32) {
	v.screenShareMapping = &videoScreenShareMapping{
		holder:      e,
		sourceSSRC:  sourceSSRC,
		rewriteSSRC: v.screenShareSSRC.SSRC,
	}
}

func (v *activeVideoList) clearScreenShareHolder(e EndpointID) {
	if v.screenShareMapping != nil && v.screenShareMapping.holder == e {
		v.screenShareMapping = nil
	}
}

// add registers a video participant and, subject to capacity, admits it to
// the recency list at the head. If e is the current dominant speaker,
// hoists it to the tail via update.
func (v *activeVideoList) add(e EndpointID, primary SimulcastStream, secondary SimulcastStream, isDominantSpeaker bool) error {
	if _, ok := v.participants[e]; ok {
		return ErrDuplicateParticipant
	}

	vp := &videoParticipant{primary: primary, secondary: secondary}

	atCapacity := v.list.size == v.maxActiveListSize
	if !atCapacity && vp.sendsVideo() {
		if !v.claimRewriteSSRC(e) {
			return ErrPoolExhausted
		}
	}

	v.participants[e] = vp

	if primary != nil && primary.IsSendingSlides() {
		v.setScreenShareHolder(e, primary.PrimarySSRC())
	} else if secondary != nil && secondary.IsSendingSlides() {
		v.setScreenShareHolder(e, secondary.PrimarySSRC())
	}

	if atCapacity {
		if isDominantSpeaker {
			v.update(e)
		}
		return nil
	}

	v.list.pushToHead(e)

	if isDominantSpeaker {
		v.update(e)
	}
	return nil
}

// remove erases a video participant, clearing its screen-share hold and
// returning any owned rewrite ssrc.
func (v *activeVideoList) remove(e EndpointID) bool {
	if _, ok := v.participants[e]; !ok {
		return false
	}
	delete(v.participants, e)
	v.clearScreenShareHolder(e)
	v.releaseRewriteSSRC(e)
	v.list.remove(e)
	return true
}

// update implements updateActiveVideoList: promote e to the tail if
// already present; otherwise evict the head (returning its ssrc, if any)
// and admit e at the tail, claiming an ssrc if it sends video. Releasing
// the evicted head's ssrc always makes the pool non-empty for the claim
// that follows, unless the evicted head held no ssrc of its own (it was
// tracked without sending video); in that case a claim failure restores
// the evicted head rather than leave the list mutated with e unadmitted.
func (v *activeVideoList) update(e EndpointID) bool {
	vp, ok := v.participants[e]
	if !ok {
		return false
	}

	if v.list.contains(e) {
		v.list.moveToTail(e)
		return true
	}

	var evicted EndpointID
	var evictedLevel SimulcastLevel
	evictedHeld := false
	if v.list.size == v.maxActiveListSize {
		if removed, ok := v.list.popFromHead(); ok {
			evicted = removed
			if level, held := v.rewriteMap[removed]; held {
				evictedLevel = level
				evictedHeld = true
			}
			v.releaseRewriteSSRC(removed)
		}
	}

	if vp.sendsVideo() {
		if !v.claimRewriteSSRC(e) {
			if evicted != 0 {
				if evictedHeld {
					v.rewriteMap[evicted] = evictedLevel
					v.reverseRewriteMap[evictedLevel.SSRC] = evicted
				}
				v.list.pushToHead(evicted)
			}
			return false
		}
	}

	v.list.pushToTail(e)
	return true
}

func (v *activeVideoList) checkInvariants() bool {
	if v.list.size > v.maxActiveListSize {
		return false
	}
	if len(v.rewriteMap) != len(v.reverseRewriteMap) {
		return false
	}
	ok := true
	count := 0
	v.list.forEachHeadToTail(func(e EndpointID) bool {
		if _, present := v.participants[e]; !present {
			ok = false
			return false
		}
		count++
		return true
	})
	if !ok || count != v.list.size {
		return false
	}
	for e, level := range v.rewriteMap {
		if _, present := v.participants[e]; !present {
			return false
		}
		if back, present := v.reverseRewriteMap[level.SSRC]; !present || back != e {
			return false
		}
	}
	return true
}
