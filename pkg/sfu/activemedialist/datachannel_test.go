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
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeVideoStreamHandle is a minimal VideoStreamHandle double for tests.
type fakeVideoStreamHandle struct {
	id        string
	primary   SimulcastStream
	secondary SimulcastStream
	hasPin    bool
	pinSSRC   SimulcastLevel
}

func (f *fakeVideoStreamHandle) EndpointID() string { return f.id }
func (f *fakeVideoStreamHandle) PinSSRC() (SimulcastLevel, bool) {
	return f.pinSSRC, f.hasPin
}
func (f *fakeVideoStreamHandle) Primary() SimulcastStream { return f.primary }
func (f *fakeVideoStreamHandle) Secondary() (SimulcastStream, bool) {
	if f.secondary == nil {
		return nil, false
	}
	return f.secondary, true
}

type fakeAudioStreamHandle struct{ id string }

func (f *fakeAudioStreamHandle) EndpointID() string { return f.id }

func TestMakeLastNListMessagePutsPinTargetFirst(t *testing.T) {
	// S5: last-N ordering puts an explicit pin target first, then the rest
	// of the active list in tail-to-head recency order, excluding the
	// receiver itself and never double-counting the pin target.
	cfg := DefaultConfig()
	cfg.DefaultLastN = 4
	aml := New(Params{AudioSSRCs: []uint32{100, 101}, VideoSSRCs: videoSSRCs(8), Config: cfg})

	const v1, v2, v3, v4 EndpointID = 1, 2, 3, 4
	streams := map[EndpointID]VideoStreamHandle{}
	for _, e := range []EndpointID{v1, v2, v3, v4} {
		stream := &fakeSimulcastStream{sendingVideo: true}
		require.NoError(t, aml.AddVideoParticipant(e, stream, nil))
		streams[e] = &fakeVideoStreamHandle{id: endpointLabel(e), primary: stream}
	}

	out := NewBoundedBuilder(1024)
	require.NoError(t, aml.MakeLastNListMessage(3, v1, v3, streams, out))

	var msg lastNEndpointsMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &msg))
	require.Equal(t, "LastNEndpointsChangeEvent", msg.ColibriClass)
	require.Equal(t, []string{"ep3", "ep2", "ep4"}, msg.LastNEndpoints)
}

func TestMakeLastNListMessageInvalidLastN(t *testing.T) {
	aml := New(Params{AudioSSRCs: []uint32{100}, VideoSSRCs: videoSSRCs(8)})
	out := NewBoundedBuilder(1024)
	require.ErrorIs(t, aml.MakeLastNListMessage(0, 1, 0, nil, out), ErrInvalidLastN)
	require.ErrorIs(t, aml.MakeLastNListMessage(9999, 1, 0, nil, out), ErrInvalidLastN)
}

func TestMakeUserMediaMapMessageOffListPin(t *testing.T) {
	// S6: pinning an endpoint that isn't in the active video list borrows
	// the receiver's dedicated pin ssrc to forward it anyway. The ssrcs
	// list is video (plus screen-share) only: an audio-publishing pin
	// target must not leak its audio rewrite ssrc into this message.
	cfg := DefaultConfig()
	cfg.DefaultLastN = 1 // active list capacity = DefaultLastN+1 = 2
	aml := New(Params{AudioSSRCs: []uint32{100, 101, 102}, VideoSSRCs: videoSSRCs(8), Config: cfg})

	const receiver, v2, offList EndpointID = 1, 2, 3
	require.NoError(t, aml.AddVideoParticipant(receiver, &fakeSimulcastStream{sendingVideo: true}, nil))
	require.NoError(t, aml.AddVideoParticipant(v2, &fakeSimulcastStream{sendingVideo: true}, nil))

	offListStream := &fakeSimulcastStream{sendingVideo: true}
	require.NoError(t, aml.AddAudioParticipant(offList))

	require.False(t, aml.IsInUserActiveVideoList(offList))

	videoStreams := map[EndpointID]VideoStreamHandle{
		receiver: &fakeVideoStreamHandle{id: endpointLabel(receiver), hasPin: true, pinSSRC: SimulcastLevel{SSRC: 9999}},
		v2:       &fakeVideoStreamHandle{id: endpointLabel(v2), primary: &fakeSimulcastStream{sendingVideo: true}},
		offList:  &fakeVideoStreamHandle{id: endpointLabel(offList), primary: offListStream},
	}
	audioStreams := map[EndpointID]AudioStreamHandle{
		offList: &fakeAudioStreamHandle{id: endpointLabel(offList)},
	}

	out := NewBoundedBuilder(1024)
	require.NoError(t, aml.MakeUserMediaMapMessage(3, receiver, offList, audioStreams, videoStreams, out))

	var msg userMediaMapMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &msg))
	require.Equal(t, "UserMediaMap", msg.ColibriClass)
	require.Len(t, msg.Endpoints, 2)

	require.Equal(t, "ep3", msg.Endpoints[0].Endpoint)
	require.Equal(t, []uint32{9999}, msg.Endpoints[0].SSRCs)
	require.Equal(t, "ep2", msg.Endpoints[1].Endpoint)
}

func TestBoundedBuilderOverflowSetsFull(t *testing.T) {
	b := NewBoundedBuilder(4)
	require.NoError(t, b.writeJSON(map[string]string{"colibriClass": "LastNEndpointsChangeEvent"}))
	require.True(t, b.Full())
	require.Empty(t, b.Bytes())
}

func endpointLabel(e EndpointID) string {
	return "ep" + strconv.FormatUint(uint64(e), 10)
}
