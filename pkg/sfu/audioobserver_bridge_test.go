package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
)

func TestActiveTalkerIDs(t *testing.T) {
	endpoint := activemedialist.HashEndpointID("participant-1")
	byEndpoint := map[activemedialist.EndpointID]string{
		endpoint: "participant-1",
	}

	aml := activemedialist.New(activemedialist.Params{
		InstanceID: 1,
		AudioSSRCs: []uint32{100, 101},
		Config:     activemedialist.DefaultConfig(),
	})
	require.NoError(t, aml.AddAudioParticipant(endpoint))

	require.Empty(t, ActiveTalkerIDs(aml, byEndpoint))

	now := int64(0)
	for i := 0; i < 50; i++ {
		aml.PushAudioLevel(activemedialist.AudioLevelSample{Endpoint: endpoint, Level: 100})
		now += 10
		aml.Process(now)
	}

	require.Equal(t, []string{"participant-1"}, ActiveTalkerIDs(aml, byEndpoint))
}
