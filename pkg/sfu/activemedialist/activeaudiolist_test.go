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

func TestActiveAudioListPoolRecycling(t *testing.T) {
	// S3: audioSsrcs = [100, 101]. Add A, B, C (in order), promoting each
	// to the tail. C should evict A from the list, A's ssrc 100 returns to
	// the pool and is reassigned to C.
	const a, b, c EndpointID = 1, 2, 3
	l := newActiveAudioList([]uint32{100, 101})

	require.NoError(t, l.add(a))
	require.NoError(t, l.add(b))

	l.promote(a)
	l.promote(b)
	l.promote(c) // c is new: evicts head (a), takes a's freed ssrc

	require.False(t, l.list.contains(a))
	require.True(t, l.list.contains(b))
	require.True(t, l.list.contains(c))
	require.Equal(t, uint32(100), l.rewriteMap[c])
	require.Equal(t, uint32(101), l.rewriteMap[b])

	require.True(t, l.remove(c))
	require.Equal(t, 1, l.ssrcs.len())
	remaining, _ := l.ssrcs.take()
	require.Equal(t, uint32(100), remaining)
	l.ssrcs.give(remaining)

	require.Equal(t, uint32(101), l.rewriteMap[b])
}

func TestActiveAudioListAddPoolExhausted(t *testing.T) {
	l := newActiveAudioList([]uint32{100})
	require.NoError(t, l.add(1))
	require.ErrorIs(t, l.add(2), ErrPoolExhausted)
	require.False(t, l.list.contains(2))
}

func TestActiveAudioListRemoveUnknownIsNoop(t *testing.T) {
	l := newActiveAudioList([]uint32{100})
	require.False(t, l.remove(999))
}

func TestActiveAudioListInvariants(t *testing.T) {
	l := newActiveAudioList([]uint32{100, 101, 102})
	for _, e := range []EndpointID{1, 2, 3} {
		require.NoError(t, l.add(e))
	}
	l.promote(1)
	l.promote(4)
	require.True(t, l.checkInvariants())
	l.remove(2)
	require.True(t, l.checkInvariants())
}
