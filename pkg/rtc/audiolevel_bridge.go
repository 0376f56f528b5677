package rtc

import "github.com/livekit/livekit-server/pkg/sfu/activemedialist"

// PushAudioLevelSample reads al's current aggregated level and forwards it
// to aml as an AudioLevelSample, converting AudioLevel's 0 (loudest)..127
// (silent) convention to the active media list's 0 (silent)..127 (loudest)
// convention.
func PushAudioLevelSample(al *AudioLevel, endpoint activemedialist.EndpointID, ptt bool, aml *activemedialist.ActiveMediaList) {
	level, _ := al.GetLevel()
	aml.PushAudioLevel(activemedialist.AudioLevelSample{
		Endpoint: endpoint,
		Level:    127 - level,
		PTT:      ptt,
	})
}
