package sfu

import (
	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
	"github.com/livekit/livekit-server/pkg/sfu/streamtracker"
)

// trackedSimulcastStream adapts a real StreamTracker (bitrate/liveness
// tracking for one simulcast layer) into activemedialist.SimulcastStream,
// so the active media list's video-admission decisions can be driven by
// the same liveness signal the forwarder itself uses rather than a
// separately maintained flag.
type trackedSimulcastStream struct {
	tracker     *streamtracker.StreamTracker
	primarySSRC uint32
	slides      bool
}

// NewTrackedSimulcastStream wraps tracker so its StreamStatus reports
// whether the layer is actively sending video, for use as an
// AddVideoParticipant argument. slides marks the stream as a
// screen-share source per SPEC_FULL's IsSendingSlides.
func NewTrackedSimulcastStream(tracker *streamtracker.StreamTracker, primarySSRC uint32, slides bool) activemedialist.SimulcastStream {
	return &trackedSimulcastStream{tracker: tracker, primarySSRC: primarySSRC, slides: slides}
}

func (t *trackedSimulcastStream) IsSendingVideo() bool {
	return t.tracker.Status() == streamtracker.StreamStatusActive
}

func (t *trackedSimulcastStream) IsSendingSlides() bool {
	return t.slides && t.IsSendingVideo()
}

func (t *trackedSimulcastStream) PrimarySSRC() uint32 {
	return t.primarySSRC
}
