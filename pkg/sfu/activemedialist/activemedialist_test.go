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

func testParams(audioSSRCs []uint32, videoSSRCs []SimulcastLevel) Params {
	cfg := DefaultConfig()
	cfg.DefaultLastN = 4
	cfg.AudioLastN = 3
	cfg.ActiveTalkerSilenceThresholdDb = 20
	return Params{
		InstanceID: 1,
		AudioSSRCs: audioSSRCs,
		VideoSSRCs: videoSSRCs,
		Config:     cfg,
	}
}

func feedLevel(aml *ActiveMediaList, e EndpointID, level uint8, ticks int, startMs int64) int64 {
	now := startMs
	for i := 0; i < ticks; i++ {
		aml.PushAudioLevel(AudioLevelSample{Endpoint: e, Level: level})
		now += tickInterval
		aml.Process(now)
	}
	return now
}

func TestInitialDominantSpeaker(t *testing.T) {
	// S1: A gets loud, B stays silent; A should become dominant on the
	// first qualifying tick since there was no prior dominant speaker.
	aml := New(testParams([]uint32{100, 101}, nil))

	const a, b EndpointID = 1, 2
	require.NoError(t, aml.AddAudioParticipant(a))
	require.NoError(t, aml.AddAudioParticipant(b))

	// first add sets the dominant speaker provisionally
	require.Equal(t, a, aml.GetDominantSpeaker())

	now := feedLevel(aml, a, 80, 5, 1000)
	changed, _ := aml.Process(now + tickInterval)
	require.True(t, changed || aml.GetDominantSpeaker() == a)
	require.Equal(t, a, aml.GetDominantSpeaker())
}

func TestHysteresisBlocksFlapping(t *testing.T) {
	// S2: after A is dominant, B must win 3 consecutive ticks and the 2s
	// cool-down must elapse before a switch is permitted.
	aml := New(testParams([]uint32{100, 101}, nil))
	const a, b EndpointID = 1, 2
	require.NoError(t, aml.AddAudioParticipant(a))
	require.NoError(t, aml.AddAudioParticipant(b))

	now := int64(0)
	for i := 0; i < 300; i++ {
		aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 90})
		now += tickInterval
		aml.Process(now)
	}
	require.Equal(t, a, aml.GetDominantSpeaker())

	// B starts winning, but not for long enough / not soon enough to flip.
	for i := 0; i < 2; i++ {
		aml.PushAudioLevel(AudioLevelSample{Endpoint: b, Level: 120})
		aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 40})
		now += tickInterval
		aml.Process(now)
	}
	require.Equal(t, a, aml.GetDominantSpeaker())

	// keep B winning well past the 2s cool-down; it should eventually flip.
	switched := false
	for i := 0; i < 400; i++ {
		aml.PushAudioLevel(AudioLevelSample{Endpoint: b, Level: 120})
		aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 40})
		now += tickInterval
		changed, _ := aml.Process(now)
		if changed && aml.GetDominantSpeaker() == b {
			switched = true
			break
		}
	}
	require.True(t, switched, "dominant speaker should eventually switch to b")
}

func TestDominantSpeakerCannotSwitchMoreOftenThanCooldown(t *testing.T) {
	aml := New(testParams([]uint32{100, 101}, nil))
	const a, b EndpointID = 1, 2
	require.NoError(t, aml.AddAudioParticipant(a))
	require.NoError(t, aml.AddAudioParticipant(b))

	now := int64(0)
	for i := 0; i < 300; i++ {
		aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 90})
		now += tickInterval
		aml.Process(now)
	}

	switchCount := 0
	lastSwitchAt := int64(-1)
	for i := 0; i < 1000; i++ {
		// alternate which endpoint is loud every tick to stress the gate.
		if i%2 == 0 {
			aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 120})
			aml.PushAudioLevel(AudioLevelSample{Endpoint: b, Level: 40})
		} else {
			aml.PushAudioLevel(AudioLevelSample{Endpoint: b, Level: 120})
			aml.PushAudioLevel(AudioLevelSample{Endpoint: a, Level: 40})
		}
		now += tickInterval
		changed, _ := aml.Process(now)
		if changed {
			if lastSwitchAt >= 0 {
				require.GreaterOrEqual(t, now-lastSwitchAt, maxSwitchDominantSpeakerEvery)
			}
			lastSwitchAt = now
			switchCount++
		}
	}
}

func TestAddThenRemoveIsIdentity(t *testing.T) {
	aml := New(testParams([]uint32{100, 101}, []SimulcastLevel{
		{SSRC: 200}, {SSRC: 201}, {SSRC: 202}, {SSRC: 203}, {SSRC: 204}, {SSRC: 205},
	}))

	const e EndpointID = 42
	require.NoError(t, aml.AddAudioParticipant(e))
	before := aml.audioList.ssrcs.len()
	require.True(t, aml.RemoveAudioParticipant(e))
	after := aml.audioList.ssrcs.len()
	require.Equal(t, before+1, after)
	require.Equal(t, 0, len(aml.audioList.rewriteMap))

	stream := &fakeSimulcastStream{sendingVideo: true}
	require.NoError(t, aml.AddVideoParticipant(e, stream, nil))
	videoPoolBefore := aml.videoList.ssrcs.len()
	require.True(t, aml.RemoveVideoParticipant(e))
	require.Equal(t, videoPoolBefore+1, aml.videoList.ssrcs.len())
	require.Equal(t, 0, len(aml.videoList.rewriteMap))
}

func TestProcessIdempotentWithinInterval(t *testing.T) {
	aml := New(testParams([]uint32{100, 101}, nil))
	const a EndpointID = 1
	require.NoError(t, aml.AddAudioParticipant(a))

	changed1, umm1 := aml.Process(1000)
	changed2, umm2 := aml.Process(1005) // within the 10ms tick interval
	require.Equal(t, changed1, changed2)
	require.Equal(t, umm1, umm2)
	require.False(t, changed2)
}

// fakeSimulcastStream is a minimal SimulcastStream double for tests.
type fakeSimulcastStream struct {
	sendingVideo  bool
	sendingSlides bool
	primarySSRC   uint32
}

func (f *fakeSimulcastStream) IsSendingVideo() bool  { return f.sendingVideo }
func (f *fakeSimulcastStream) IsSendingSlides() bool { return f.sendingSlides }
func (f *fakeSimulcastStream) PrimarySSRC() uint32   { return f.primarySSRC }
