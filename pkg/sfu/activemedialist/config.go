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

import "time"

// Config carries the tunables an operator would place in the SFU's YAML
// config file for a conference's active media list.
type Config struct {
	DefaultLastN uint32 `yaml:"default_last_n,omitempty"`
	AudioLastN   uint32 `yaml:"audio_last_n,omitempty"`

	// ActiveTalkerSilenceThresholdDb is clamped to [6, 60].
	ActiveTalkerSilenceThresholdDb uint32 `yaml:"active_talker_silence_threshold_db,omitempty"`

	// NoiseLevelOnPTT is the noise floor forced onto a participant while
	// its push-to-talk flag is set. See spec Open Questions: preserved as
	// a configurable rather than a hardcoded magic constant.
	NoiseLevelOnPTT uint8 `yaml:"noise_level_on_ptt,omitempty"`

	// TickInterval paces the engine loop; the arbiter itself additionally
	// rate-limits Process to this same interval.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// StrictInvariantChecks gates the reentrancy guard and the invariant
	// checker. Left on by default, matching the source's DEBUG-only
	// checks; production deployments that have proven the writer
	// discipline can turn this off to shave the bookkeeping.
	StrictInvariantChecks bool `yaml:"strict_invariant_checks,omitempty"`
}

const (
	defaultLastN                   = 25
	defaultAudioLastN              = 6
	defaultActiveTalkerThresholdDb = 30
	defaultNoiseLevelOnPTT         = 37
	defaultTickInterval            = 10 * time.Millisecond
)

// DefaultConfig returns the configuration used by conferences that don't
// override any active-media-list tunable.
func DefaultConfig() Config {
	return Config{
		DefaultLastN:                   defaultLastN,
		AudioLastN:                     defaultAudioLastN,
		ActiveTalkerSilenceThresholdDb: defaultActiveTalkerThresholdDb,
		NoiseLevelOnPTT:                defaultNoiseLevelOnPTT,
		TickInterval:                   defaultTickInterval,
		StrictInvariantChecks:          true,
	}
}
