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

// Package activemedialist implements dominant-speaker detection, active
// talker ranking and the SSRC rewrite pools an SFU uses to present a
// stable, bounded set of forwarded video sources to each receiver.
package activemedialist

import "hash/fnv"

// EndpointID is an opaque hash of a stable string endpoint id. Zero means
// "no endpoint".
type EndpointID uint64

// HashEndpointID derives an EndpointID from a stable string identifier
// (e.g. a participant SID), for callers whose collaborator types are
// keyed by string.
func HashEndpointID(id string) EndpointID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return EndpointID(h.Sum64())
}

// AudioLevelSample is a single per-packet audio level observation pushed
// into the ingest queue by an RTP receive worker.
type AudioLevelSample struct {
	Endpoint EndpointID
	// Level is dBov+127 clamped to a byte; 0 means muted/silence.
	Level uint8
	PTT   bool
}

// SimulcastLevel is a rewrite SSRC slot handed out from the video pool.
type SimulcastLevel struct {
	SSRC         uint32
	FeedbackSSRC uint32
	Unused       bool
}

// SimulcastStream is the subset of a publisher's simulcast layer state the
// active media list needs in order to decide whether a participant owns a
// forwardable video or screen-share source.
type SimulcastStream interface {
	IsSendingVideo() bool
	IsSendingSlides() bool
	// PrimarySSRC is the SSRC identifying the stream's lowest simulcast
	// layer, used as the screen-share source key.
	PrimarySSRC() uint32
}

// VideoStreamHandle is the opaque per-endpoint collaborator handle the
// caller supplies when building data-channel messages.
type VideoStreamHandle interface {
	EndpointID() string
	PinSSRC() (SimulcastLevel, bool)
	Primary() SimulcastStream
	Secondary() (SimulcastStream, bool)
}

// AudioStreamHandle is the opaque per-endpoint collaborator handle for
// audio, supplied per user-media-map call.
type AudioStreamHandle interface {
	EndpointID() string
}

// ActiveTalker is a single entry of the published active-talker snapshot.
type ActiveTalker struct {
	Endpoint   EndpointID
	PTT        bool
	Score      uint8
	NoiseLevel uint8
}

const maxParticipants = 1024
