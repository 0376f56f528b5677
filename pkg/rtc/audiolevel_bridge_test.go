package rtc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-server/pkg/rtc"
	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
)

func TestPushAudioLevelSample(t *testing.T) {
	const endpoint activemedialist.EndpointID = 1

	aml := activemedialist.New(activemedialist.Params{
		InstanceID: 1,
		AudioSSRCs: []uint32{100, 101},
		Config:     activemedialist.DefaultConfig(),
	})
	require.NoError(t, aml.AddAudioParticipant(endpoint))

	al := rtc.NewAudioLevel(defaultActiveLevel, defaultPercentile)

	now := int64(0)
	var talkers []activemedialist.ActiveTalker
	for i := 0; i < 50; i++ {
		observeSamples(al, 5, defaultPercentile)
		rtc.PushAudioLevelSample(al, endpoint, false, aml)
		now += 10
		aml.Process(now)
		talkers = aml.GetActiveTalkers()
	}

	require.Len(t, talkers, 1)
	require.Equal(t, endpoint, talkers[0].Endpoint)
}
