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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAudioParticipantInvariantsHoldUnderRandomLoad(t *testing.T) {
	p := newAudioParticipant()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		p.decay()
		level := uint8(rng.Intn(128))
		ptt := rng.Intn(20) == 0
		p.observe(level, ptt, 37)
		require.True(t, p.checkInvariants(), "invariant violated at step %d", i)
	}
}

func TestAudioParticipantPTTForcesNoiseLevel(t *testing.T) {
	p := newAudioParticipant()
	p.observe(80, true, 37)
	require.Equal(t, float64(37), p.noiseLevel)
}

func TestAudioParticipantNoiseFloorTracksQuietUnmutedWindow(t *testing.T) {
	p := newAudioParticipant()
	// fill the short window with a low, constant, non-zero level.
	for i := 0; i < wShort+1; i++ {
		p.observe(10, false, 37)
	}
	require.LessOrEqual(t, p.noiseLevel, float64(10))
}

func TestAudioParticipantScoreIsSpreadAboveNoiseFloor(t *testing.T) {
	p := newAudioParticipant()
	for i := 0; i < wShort+5; i++ {
		p.observe(10, false, 37)
	}
	p.observe(100, false, 37)
	require.Greater(t, p.score(), float64(0))
}

func TestAudioParticipantMaxRecentLevelNeverNegative(t *testing.T) {
	p := newAudioParticipant()
	for i := 0; i < 1000; i++ {
		p.decay()
	}
	require.GreaterOrEqual(t, p.maxRecentLevel, float64(0))
}
