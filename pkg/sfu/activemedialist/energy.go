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

const (
	// wLong is the length of the long energy window, ~2s at ~125Hz.
	wLong = 256
	// wShort is the length of the short window nested at the tail of the
	// long window, used to estimate the noise floor.
	wShort = 25

	maxLevelDecay = 0.01
	noiseRampup   = 0.005

	minNoise = 6
	maxLevel = 127

	initialNoiseLevel = 50
)

// audioParticipant is the dual-window energy history, peak tracker and
// noise-floor tracker for one endpoint. Mutated only from the engine
// goroutine.
type audioParticipant struct {
	levels [wLong]uint8
	// index is the write cursor into levels for the long window.
	index int
	// indexEndShortWindow trails index by wShort (mod wLong) and marks the
	// sample about to leave the short window.
	indexEndShortWindow int

	totalLevelLongWindow  int32
	totalLevelShortWindow int32
	nonZeroLevelsShortWindow int32

	maxRecentLevel float64
	noiseLevel     float64
	ptt            bool
}

func newAudioParticipant() *audioParticipant {
	return &audioParticipant{
		index:               wShort - 1,
		indexEndShortWindow: 0,
		maxRecentLevel:      0,
		noiseLevel:          initialNoiseLevel,
	}
}

// decay applies the per-tick decay pass (spec §4.2 Pass A) ahead of
// draining any newly arrived samples.
func (p *audioParticipant) decay() {
	avgLong := float64(p.totalLevelLongWindow) / float64(wLong)
	p.maxRecentLevel -= (p.maxRecentLevel - avgLong) * maxLevelDecay

	p.noiseLevel += noiseRampup
	if p.noiseLevel < minNoise {
		p.noiseLevel = minNoise
	}
}

// observe applies the per-sample update pass (spec §4.2 Pass B) for one
// drained level sample.
func (p *audioParticipant) observe(level uint8, ptt bool, noiseLevelOnPTT float64) {
	p.ptt = ptt

	p.index = (p.index + 1) % wLong
	leavingLong := p.levels[p.index]
	leavingShort := p.levels[p.indexEndShortWindow]
	p.indexEndShortWindow = (p.indexEndShortWindow + 1) % wLong
	p.levels[p.index] = level

	p.totalLevelLongWindow += int32(level) - int32(leavingLong)
	p.totalLevelShortWindow += int32(level) - int32(leavingShort)

	if float64(level) > p.maxRecentLevel {
		p.maxRecentLevel = float64(level)
	}

	switch {
	case ptt:
		p.noiseLevel = noiseLevelOnPTT
	case level != 0 && p.nonZeroLevelsShortWindow == wShort:
		shortAvg := float64(p.totalLevelShortWindow) / float64(wShort)
		if shortAvg < p.noiseLevel {
			p.noiseLevel = shortAvg
		}
	}

	if leavingShort != 0 {
		p.nonZeroLevelsShortWindow--
	}
	if level != 0 {
		p.nonZeroLevelsShortWindow++
	}
}

// score is the participant's current talker score: the spread between its
// decayed peak and its tracked noise floor, floored at zero.
func (p *audioParticipant) score() float64 {
	s := p.maxRecentLevel - p.noiseLevel
	if s < 0 {
		return 0
	}
	return s
}

// checkInvariants validates the ring/running-sum bookkeeping described in
// spec.md §8 invariant (1) and (2). Only called when StrictInvariantChecks
// is enabled.
func (p *audioParticipant) checkInvariants() bool {
	var sumLong int32
	for _, v := range p.levels {
		sumLong += int32(v)
	}
	if sumLong != p.totalLevelLongWindow {
		return false
	}

	var sumShort int32
	var nonZero int32
	for i := 0; i < wShort; i++ {
		idx := (p.indexEndShortWindow + i) % wLong
		v := p.levels[idx]
		sumShort += int32(v)
		if v != 0 {
			nonZero++
		}
	}
	if sumShort != p.totalLevelShortWindow || nonZero != p.nonZeroLevelsShortWindow {
		return false
	}

	if p.noiseLevel < minNoise || p.noiseLevel > maxLevel {
		return false
	}
	if p.maxRecentLevel < 0 {
		return false
	}
	return true
}
