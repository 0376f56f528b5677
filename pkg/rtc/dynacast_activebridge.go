package rtc

import (
	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-server/pkg/rtc/dynacast"
	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
)

// ActiveVideoListDynacastBridge forces a publisher's dynacast-managed
// tracks off once the active media list drops the publisher's endpoint
// from the active video list, and lets dynacast's own subscriber
// feedback resume driving quality once the endpoint is readmitted.
// Endpoints outside the active/last-N video window are never forwarded,
// so requesting bitrate for them from the publisher is wasted work.
type ActiveVideoListDynacastBridge struct {
	endpoint activemedialist.EndpointID
	aml      *activemedialist.ActiveMediaList
	manager  *dynacast.DynacastManager

	wasActive bool
}

// NewActiveVideoListDynacastBridge constructs a bridge for one publisher.
// Call Poll once per active media list tick.
func NewActiveVideoListDynacastBridge(endpoint activemedialist.EndpointID, aml *activemedialist.ActiveMediaList, manager *dynacast.DynacastManager) *ActiveVideoListDynacastBridge {
	return &ActiveVideoListDynacastBridge{endpoint: endpoint, aml: aml, manager: manager, wasActive: true}
}

// Poll re-checks active video list membership and (de)forces quality on
// a transition; it is a no-op when membership hasn't changed since the
// last call.
func (b *ActiveVideoListDynacastBridge) Poll() {
	active := b.aml.IsInActiveVideoList(b.endpoint)
	if active == b.wasActive {
		return
	}
	b.wasActive = active
	if active {
		b.manager.ForceUpdate()
	} else {
		b.manager.ForceQuality(livekit.VideoQuality_OFF)
	}
}
