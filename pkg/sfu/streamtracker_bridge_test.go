package sfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-server/pkg/config"
	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
	"github.com/livekit/livekit-server/pkg/sfu/streamtracker"
	"github.com/livekit/protocol/logger"
)

func newTestTracker() *streamtracker.StreamTracker {
	stp := streamtracker.NewStreamTrackerPacket(streamtracker.StreamTrackerPacketParams{
		Config: config.StreamTrackerPacketConfig{
			SamplesRequired: 5,
			CyclesRequired:  60,
			CycleDuration:   500 * time.Millisecond,
		},
		Logger: logger.GetLogger(),
	})
	return streamtracker.NewStreamTracker(streamtracker.StreamTrackerParams{
		StreamTrackerImpl:     stp,
		BitrateReportInterval: time.Second,
		Logger:                logger.GetLogger(),
	})
}

func TestTrackedSimulcastStream(t *testing.T) {
	tracker := newTestTracker()
	tracker.Start()
	defer tracker.Stop()

	stream := NewTrackedSimulcastStream(tracker, 1000, false)
	require.False(t, stream.IsSendingVideo())

	tracker.Observe(0, 20, 10, false, 0, nil)
	require.True(t, stream.IsSendingVideo())
	require.Equal(t, uint32(1000), stream.PrimarySSRC())

	aml := activemedialist.New(activemedialist.Params{
		InstanceID: 1,
		VideoSSRCs: []activemedialist.SimulcastLevel{{SSRC: 5000}, {SSRC: 5002}, {SSRC: 5004}, {SSRC: 5006}, {SSRC: 5008}},
		Config:     activemedialist.DefaultConfig(),
	})
	const endpoint activemedialist.EndpointID = 1
	require.NoError(t, aml.AddVideoParticipant(endpoint, stream, nil))
	require.True(t, aml.IsInActiveVideoList(endpoint))
}
