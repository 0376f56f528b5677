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
	"container/heap"
	"fmt"
	"sync/atomic"

	"github.com/livekit/protocol/logger"
)

const (
	tickInterval                  = 10 // ms, matches Config.TickInterval default
	requiredConsecutiveWins       = 3
	maxSwitchDominantSpeakerEvery = int64(2000) // ms
)

// clampU32 clamps v to [lo, hi].
func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Params are the construction-time arguments for an ActiveMediaList,
// mirroring the source's constructor signature (spec.md §6).
type Params struct {
	InstanceID uint64

	// AudioSSRCs must have len <= 2*ssrcArraySize (see spec.md §6).
	AudioSSRCs []uint32

	// VideoSSRCs must have len >= DefaultLastN+3; one is withheld at
	// construction time as the reserved screen-share slot.
	VideoSSRCs []SimulcastLevel

	Config Config
	Logger logger.Logger
}

// ActiveMediaList is the dominant-speaker detection and active-talker
// ranking engine, the SSRC rewrite pools it maintains, and the
// serialization of active-video / last-N notifications. It is
// single-writer: every method except PushAudioLevel and GetActiveTalkers
// must only be called from the owning media-engine goroutine.
type ActiveMediaList struct {
	logger logger.Logger
	config Config

	maxActiveListSize int
	maxSpeakers       int

	audioParticipants map[EndpointID]*audioParticipant
	ingest            *ingestQueue
	audioList         *activeAudioList

	dominantSpeakerID              atomic.Uint64
	prevWinningDominantSpeaker     EndpointID
	consecutiveDominantSpeakerWins int32

	videoList *activeVideoList

	talkers *talkerSnapshot

	lastRunTimestampMs    int64
	lastChangeTimestampMs int64

	reentrancyGuard int32
}

// New constructs an ActiveMediaList. VideoSSRCs must have at least
// DefaultLastN+3 entries and AudioSSRCs at least one, or the pools will be
// immediately exhausted.
func New(params Params) *ActiveMediaList {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	cfg := params.Config
	cfg.ActiveTalkerSilenceThresholdDb = clampU32(cfg.ActiveTalkerSilenceThresholdDb, 6, 60)

	maxActiveListSize := int(cfg.DefaultLastN) + 1

	aml := &ActiveMediaList{
		logger:            params.Logger,
		config:            cfg,
		maxActiveListSize: maxActiveListSize,
		maxSpeakers:       len(params.AudioSSRCs),
		audioParticipants: make(map[EndpointID]*audioParticipant, maxParticipants),
		ingest:            newIngestQueue(),
		audioList:         newActiveAudioList(params.AudioSSRCs),
		videoList:         newActiveVideoList(params.VideoSSRCs, maxActiveListSize),
		talkers:           newTalkerSnapshot(),
	}
	return aml
}

func (a *ActiveMediaList) enterExclusive() func() {
	if !a.config.StrictInvariantChecks {
		return func() {}
	}
	if !atomic.CompareAndSwapInt32(&a.reentrancyGuard, 0, 1) {
		panic("activemedialist: re-entrant mutating call")
	}
	return func() { atomic.StoreInt32(&a.reentrancyGuard, 0) }
}

func (a *ActiveMediaList) checkInvariants() {
	if !a.config.StrictInvariantChecks {
		return
	}
	if !a.audioList.checkInvariants() {
		panic("activemedialist: active audio list invariant violated")
	}
	if !a.videoList.checkInvariants() {
		panic("activemedialist: active video list invariant violated")
	}
	for _, p := range a.audioParticipants {
		if !p.checkInvariants() {
			panic("activemedialist: audio participant invariant violated")
		}
	}
}

// AddAudioParticipant registers a new audio endpoint. Returns
// ErrDuplicateParticipant if already tracked, ErrPoolExhausted if no ssrc
// remains.
func (a *ActiveMediaList) AddAudioParticipant(endpoint EndpointID) error {
	defer a.enterExclusive()()
	defer a.checkInvariants()

	if _, ok := a.audioParticipants[endpoint]; ok {
		return ErrDuplicateParticipant
	}

	if err := a.audioList.add(endpoint); err != nil {
		return err
	}

	a.audioParticipants[endpoint] = newAudioParticipant()
	if a.dominantSpeakerID.Load() == 0 {
		a.dominantSpeakerID.Store(uint64(endpoint))
	}

	a.logger.Infow("new audio endpoint added", "endpoint", endpoint)
	return nil
}

// RemoveAudioParticipant erases endpoint and returns its rewrite ssrc to
// the pool. No-op (returns false) if endpoint isn't tracked.
func (a *ActiveMediaList) RemoveAudioParticipant(endpoint EndpointID) bool {
	defer a.enterExclusive()()
	defer a.checkInvariants()

	delete(a.audioParticipants, endpoint)
	return a.audioList.remove(endpoint)
}

// AddVideoParticipant registers a video publisher's simulcast streams. If
// endpoint is the current dominant speaker, it is immediately hoisted into
// the active video list.
func (a *ActiveMediaList) AddVideoParticipant(endpoint EndpointID, primary SimulcastStream, secondary SimulcastStream) error {
	defer a.enterExclusive()()
	defer a.checkInvariants()

	isDominant := EndpointID(a.dominantSpeakerID.Load()) == endpoint
	err := a.videoList.add(endpoint, primary, secondary, isDominant)
	if err == nil {
		a.logger.Infow("new video endpoint added", "endpoint", endpoint)
	}
	return err
}

// RemoveVideoParticipant erases a video publisher, clearing any
// screen-share hold and returning any owned rewrite ssrc.
func (a *ActiveMediaList) RemoveVideoParticipant(endpoint EndpointID) bool {
	defer a.enterExclusive()()
	defer a.checkInvariants()

	return a.videoList.remove(endpoint)
}

// PushAudioLevel enqueues a level sample from an RTP receive worker. Safe
// to call concurrently from any number of goroutines; drops silently if
// the ingest queue is full.
func (a *ActiveMediaList) PushAudioLevel(sample AudioLevelSample) {
	a.ingest.push(sample)
}

// GetDominantSpeaker returns the current dominant speaker endpoint, or 0
// if none has been chosen yet. Safe from any goroutine.
func (a *ActiveMediaList) GetDominantSpeaker() EndpointID {
	return EndpointID(a.dominantSpeakerID.Load())
}

// GetActiveTalkers returns the most recently published active-talker
// snapshot. Safe from any goroutine, never blocks the engine.
func (a *ActiveMediaList) GetActiveTalkers() []ActiveTalker {
	return a.talkers.read()
}

// IngestDropCount returns the number of audio level samples dropped because
// the ingest queue was full. Safe from any goroutine.
func (a *ActiveMediaList) IngestDropCount() uint64 {
	return a.ingest.dropCount()
}

// IsInActiveVideoList reports whether endpoint currently occupies a slot
// in the active video list.
func (a *ActiveMediaList) IsInActiveVideoList(endpoint EndpointID) bool {
	return a.videoList.isInActiveList(endpoint)
}

// IsInUserActiveVideoList reports whether endpoint is "user visible" in
// the active video list; see spec.md §9 supplemented features.
func (a *ActiveMediaList) IsInUserActiveVideoList(endpoint EndpointID) bool {
	return a.videoList.isInUserActiveList(endpoint)
}

// GetFeedbackSSRC looks up the RTX/feedback ssrc for a video main ssrc,
// populated from the constructor's VideoSSRCs argument.
func (a *ActiveMediaList) GetFeedbackSSRC(mainSSRC uint32) (uint32, bool) {
	return a.videoList.feedbackSSRC(mainSSRC)
}

// GetAudioSSRCRewriteMap returns a copy of the endpoint->ssrc rewrite map
// for active audio participants.
func (a *ActiveMediaList) GetAudioSSRCRewriteMap() map[EndpointID]uint32 {
	out := make(map[EndpointID]uint32, len(a.audioList.rewriteMap))
	for k, v := range a.audioList.rewriteMap {
		out[k] = v
	}
	return out
}

// GetVideoSSRCRewriteMap returns a copy of the endpoint->SimulcastLevel
// rewrite map for active video participants.
func (a *ActiveMediaList) GetVideoSSRCRewriteMap() map[EndpointID]SimulcastLevel {
	out := make(map[EndpointID]SimulcastLevel, len(a.videoList.rewriteMap))
	for k, v := range a.videoList.rewriteMap {
		out[k] = v
	}
	return out
}

// GetVideoScreenShareSSRCMapping returns the current screen-share holder
// mapping, if any.
func (a *ActiveMediaList) GetVideoScreenShareSSRCMapping() (holder EndpointID, sourceSSRC uint32, rewriteSSRC uint32, ok bool) {
	m := a.videoList.screenShareMapping
	if m == nil {
		return 0, 0, 0, false
	}
	return m.holder, m.sourceSSRC, m.rewriteSSRC, true
}

func timeDiffLT(last, now int64, interval int64) bool {
	return now-last < interval
}

// Process is the single per-tick entry point: it drains the ingest queue,
// updates energy state, ranks speakers, updates the active-audio and
// active-video lists, publishes the talker snapshot and, subject to
// hysteresis, switches the dominant speaker (spec.md §4.4). It is a no-op
// if less than the configured tick interval has elapsed since the last
// run.
func (a *ActiveMediaList) Process(nowMs int64) (dominantSpeakerChanged bool, userMediaMapChanged bool) {
	defer a.enterExclusive()()

	if timeDiffLT(a.lastRunTimestampMs, nowMs, tickInterval) {
		return false, false
	}
	a.lastRunTimestampMs = nowMs

	a.updateLevels()

	speakers, currentDominantScore := rankSpeakers(a.audioParticipants, a.GetDominantSpeaker())
	if speakers.Len() == 0 {
		return false, false
	}

	top := (*speakers)[0]

	talkers := make([]ActiveTalker, 0, a.config.AudioLastN)
	for i := uint32(0); i < a.config.AudioLastN && speakers.Len() > 0; i++ {
		entry := (*speakers)[0]
		a.audioList.promote(entry.endpoint)

		if entry.score-entry.noiseLevel > float64(a.config.ActiveTalkerSilenceThresholdDb) {
			if len(talkers) < maxActiveTalkerSnapshot {
				p := a.audioParticipants[entry.endpoint]
				ptt := false
				if p != nil {
					ptt = p.ptt
				}
				talkers = append(talkers, ActiveTalker{
					Endpoint:   entry.endpoint,
					PTT:        ptt,
					Score:      uint8(entry.score),
					NoiseLevel: uint8(entry.noiseLevel),
				})
			}
		}
		heap.Pop(speakers)
	}
	a.talkers.publish(talkers)

	if nowMs-a.lastChangeTimestampMs+10*(requiredConsecutiveWins-1) < maxSwitchDominantSpeakerEvery {
		return false, false
	}

	if top.endpoint == a.prevWinningDominantSpeaker {
		a.consecutiveDominantSpeakerWins++
	} else {
		a.consecutiveDominantSpeakerWins = 1
		a.prevWinningDominantSpeaker = top.endpoint
	}

	current := a.GetDominantSpeaker()
	shouldSwitch := top.endpoint != current &&
		((current == 0 || currentDominantScore < 0.01) ||
			(a.consecutiveDominantSpeakerWins >= requiredConsecutiveWins &&
				currentDominantScore < 0.75*top.score &&
				nowMs-a.lastChangeTimestampMs >= maxSwitchDominantSpeakerEvery))

	if !shouldSwitch {
		return false, false
	}

	a.logger.Infow("dominant speaker switch",
		"from", current, "fromScore", fmt.Sprintf("%.2f", currentDominantScore),
		"to", top.endpoint, "toScore", fmt.Sprintf("%.2f", top.score))

	a.lastChangeTimestampMs = nowMs
	a.dominantSpeakerID.Store(uint64(top.endpoint))
	userMediaMapChanged = a.videoList.update(top.endpoint)
	a.checkInvariants()
	return true, userMediaMapChanged
}

func (a *ActiveMediaList) updateLevels() {
	for _, p := range a.audioParticipants {
		p.decay()
	}

	a.ingest.drainInto(func(sample AudioLevelSample) {
		p, ok := a.audioParticipants[sample.Endpoint]
		if !ok {
			return
		}
		p.observe(sample.Level, sample.PTT, float64(a.config.NoiseLevelOnPTT))
	})
}
