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

import "encoding/json"

// lastNEndpointsMessage is the wire shape of the last-N notification
// (spec.md §6). Field names and ordering are stable wire contract, not
// implementation detail.
type lastNEndpointsMessage struct {
	ColibriClass   string   `json:"colibriClass"`
	LastNEndpoints []string `json:"lastNEndpoints"`
}

type userMediaMapEndpoint struct {
	Endpoint string   `json:"endpoint"`
	SSRCs    []uint32 `json:"ssrcs"`
}

type userMediaMapMessage struct {
	ColibriClass string                  `json:"colibriClass"`
	Endpoints    []userMediaMapEndpoint  `json:"endpoints"`
}

// MakeLastNListMessage builds a "LastNEndpointsChangeEvent" payload for
// one receiver, honoring the pin-target-first ordering of spec.md §4.8.
// Fails if lastN is 0 or exceeds the configured default last-N.
func (a *ActiveMediaList) MakeLastNListMessage(
	lastN uint32,
	receiver EndpointID,
	pinTarget EndpointID,
	videoStreams map[EndpointID]VideoStreamHandle,
	out *BoundedBuilder,
) error {
	if lastN == 0 || lastN > a.config.DefaultLastN {
		return ErrInvalidLastN
	}

	msg := lastNEndpointsMessage{
		ColibriClass:   "LastNEndpointsChangeEvent",
		LastNEndpoints: make([]string, 0, lastN),
	}

	i := uint32(0)
	if pinTarget != 0 {
		if h, ok := videoStreams[pinTarget]; ok {
			msg.LastNEndpoints = append(msg.LastNEndpoints, h.EndpointID())
			i++
		}
	}

	a.videoList.list.forEachTailToHead(func(e EndpointID) bool {
		if i >= lastN {
			return false
		}
		if e != pinTarget && e != receiver {
			if h, ok := videoStreams[e]; ok {
				msg.LastNEndpoints = append(msg.LastNEndpoints, h.EndpointID())
			}
			i++
		}
		return true
	})

	return out.writeJSON(msg)
}

// MakeUserMediaMapMessage builds a "UserMediaMap" payload for one
// receiver, per spec.md §4.8/§6.
func (a *ActiveMediaList) MakeUserMediaMapMessage(
	lastN uint32,
	receiver EndpointID,
	pinTarget EndpointID,
	audioStreams map[EndpointID]AudioStreamHandle,
	videoStreams map[EndpointID]VideoStreamHandle,
	out *BoundedBuilder,
) error {
	if lastN == 0 || lastN > a.config.DefaultLastN {
		return ErrInvalidLastN
	}

	msg := userMediaMapMessage{
		ColibriClass: "UserMediaMap",
		Endpoints:    make([]userMediaMapEndpoint, 0, lastN),
	}

	pinInList := a.videoList.isInUserActiveList(pinTarget)

	if pinTarget != 0 && !pinInList {
		receiverHandle, hasReceiver := videoStreams[receiver]
		targetHandle, hasTarget := videoStreams[pinTarget]
		if hasReceiver && hasTarget {
			if pinSSRC, hasPinSSRC := receiverHandle.PinSSRC(); hasPinSSRC {
				entry := userMediaMapEndpoint{Endpoint: targetHandle.EndpointID()}

				sendsVideo := targetHandle.Primary() != nil && targetHandle.Primary().IsSendingVideo()
				if !sendsVideo {
					if sec, ok := targetHandle.Secondary(); ok && sec.IsSendingVideo() {
						sendsVideo = true
					}
				}
				if sendsVideo {
					entry.SSRCs = append(entry.SSRCs, pinSSRC.SSRC)
				}

				if m := a.videoList.screenShareMapping; m != nil && m.holder == pinTarget {
					entry.SSRCs = append(entry.SSRCs, m.rewriteSSRC)
				}

				msg.Endpoints = append(msg.Endpoints, entry)
			}
		}
	}

	added := uint32(len(msg.Endpoints))
	a.videoList.list.forEachTailToHead(func(e EndpointID) bool {
		if added >= lastN {
			return false
		}
		if e == receiver || (e == pinTarget && !pinInList) {
			return true
		}

		h, ok := videoStreams[e]
		if !ok {
			return true
		}

		entry := userMediaMapEndpoint{Endpoint: h.EndpointID()}
		if level, ok := a.videoList.rewriteMap[e]; ok {
			entry.SSRCs = append(entry.SSRCs, level.SSRC)
		}
		if m := a.videoList.screenShareMapping; m != nil && m.holder == e {
			entry.SSRCs = append(entry.SSRCs, m.rewriteSSRC)
		}

		msg.Endpoints = append(msg.Endpoints, entry)
		added++
		return true
	})

	return out.writeJSON(msg)
}

// BoundedBuilder is a caller-supplied scratch buffer for data-channel
// payloads. Serialization that would exceed the capacity is rejected,
// leaving whatever fit in place with Full() reporting true, per spec.md
// §7 "Message size overflow".
type BoundedBuilder struct {
	capacity int
	buf      []byte
	full     bool
}

// NewBoundedBuilder returns a builder with the given byte capacity (1024
// per spec.md §6).
func NewBoundedBuilder(capacity int) *BoundedBuilder {
	return &BoundedBuilder{capacity: capacity}
}

func (b *BoundedBuilder) writeJSON(v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(encoded) > b.capacity {
		b.full = true
		return nil
	}
	b.buf = encoded
	return nil
}

// Bytes returns whatever payload fit in the buffer.
func (b *BoundedBuilder) Bytes() []byte { return b.buf }

// String returns the buffered payload as a string.
func (b *BoundedBuilder) String() string { return string(b.buf) }

// Full reports whether the last write was rejected for exceeding
// capacity.
func (b *BoundedBuilder) Full() bool { return b.full }
