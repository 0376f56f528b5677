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
	"testing"

	"github.com/stretchr/testify/require"
)

func videoSSRCs(n int) []SimulcastLevel {
	out := make([]SimulcastLevel, n)
	for i := range out {
		out[i] = SimulcastLevel{SSRC: uint32(1000 + i), FeedbackSSRC: uint32(2000 + i)}
	}
	return out
}

func TestActiveVideoListScreenShareReservation(t *testing.T) {
	// S4: adding a screen-sharing participant reserves the withheld
	// screen-share ssrc for it; removing it clears the mapping but the
	// reserved ssrc is never returned to the pool.
	l := newActiveVideoList(videoSSRCs(6), 4)
	poolBefore := l.ssrcs.len()

	const s EndpointID = 1
	stream := &fakeSimulcastStream{sendingSlides: true, primarySSRC: 555}
	require.NoError(t, l.add(s, stream, nil, false))

	require.NotNil(t, l.screenShareMapping)
	require.Equal(t, s, l.screenShareMapping.holder)
	require.Equal(t, uint32(555), l.screenShareMapping.sourceSSRC)
	require.Equal(t, l.screenShareSSRC.SSRC, l.screenShareMapping.rewriteSSRC)

	require.True(t, l.remove(s))
	require.Nil(t, l.screenShareMapping)
	// the reserved screen-share ssrc itself is never returned to the pool
	require.Equal(t, poolBefore, l.ssrcs.len())
}

func TestActiveVideoListEvictsHeadWhenFull(t *testing.T) {
	l := newActiveVideoList(videoSSRCs(6), 2)
	streamA := &fakeSimulcastStream{sendingVideo: true}
	streamB := &fakeSimulcastStream{sendingVideo: true}
	streamC := &fakeSimulcastStream{sendingVideo: true}

	require.NoError(t, l.add(1, streamA, nil, false))
	require.NoError(t, l.add(2, streamB, nil, false))
	require.NoError(t, l.add(3, streamC, nil, false)) // list full at capacity 2; no dominant hoist

	// 3 wasn't hoisted (not dominant), so the list still holds 1 and 2.
	require.True(t, l.list.contains(1))
	require.True(t, l.list.contains(2))
	require.False(t, l.list.contains(3))

	require.True(t, l.update(3))
	require.True(t, l.list.contains(3))
	require.Equal(t, 2, l.list.size)
}

func TestActiveVideoListRewriteMapsAreInverse(t *testing.T) {
	l := newActiveVideoList(videoSSRCs(6), 4)
	for i := EndpointID(1); i <= 3; i++ {
		require.NoError(t, l.add(i, &fakeSimulcastStream{sendingVideo: true}, nil, false))
	}
	require.True(t, l.checkInvariants())
	for e, level := range l.rewriteMap {
		back, ok := l.reverseRewriteMap[level.SSRC]
		require.True(t, ok)
		require.Equal(t, e, back)
	}
}

func TestActiveVideoListNonVideoParticipantClaimsNoSSRC(t *testing.T) {
	l := newActiveVideoList(videoSSRCs(6), 4)
	poolBefore := l.ssrcs.len()
	require.NoError(t, l.add(1, &fakeSimulcastStream{}, nil, false))
	require.Equal(t, poolBefore, l.ssrcs.len())
	_, ok := l.rewriteMap[1]
	require.False(t, ok)
}

func TestActiveVideoListUpdateRestoresEvictedHeadOnPoolExhaustion(t *testing.T) {
	// only one ssrc survives the screen-share withhold from videoSSRCs(2);
	// endpoint 10 claims it, leaving the pool genuinely empty.
	l := newActiveVideoList(videoSSRCs(2), 2)

	videoStream := &fakeSimulcastStream{sendingVideo: true}
	require.NoError(t, l.add(10, videoStream, nil, false))
	require.NoError(t, l.add(1, &fakeSimulcastStream{}, nil, false)) // non-video, claims no ssrc
	require.Equal(t, 2, l.list.size)
	require.True(t, l.list.contains(1))
	require.True(t, l.list.contains(10))

	// the list is already at capacity, so add() only registers endpoint 3
	// as tracked-but-not-forwarded; update() is what attempts promotion.
	require.NoError(t, l.add(3, &fakeSimulcastStream{sendingVideo: true}, nil, false))
	require.False(t, l.list.contains(3))

	// endpoint 1 (non-video) sits at the head; evicting it frees no ssrc,
	// and the pool is already empty, so the incoming video-sending
	// endpoint 3 cannot claim one.
	require.False(t, l.update(3))

	require.True(t, l.checkInvariants())
	require.True(t, l.list.contains(1), "evicted head must be restored on claim failure")
	require.False(t, l.list.contains(3), "entrant must not be admitted without its ssrc")
	require.Equal(t, 2, l.list.size)
	_, ok := l.rewriteMap[3]
	require.False(t, ok)
}

func TestActiveVideoListFeedbackSSRCLookup(t *testing.T) {
	l := newActiveVideoList(videoSSRCs(3), 2)
	fb, ok := l.feedbackSSRC(1000)
	require.True(t, ok)
	require.Equal(t, uint32(2000), fb)
}
