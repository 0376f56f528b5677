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

import "container/heap"

// speakerScore is one participant's rank input: its talker score and its
// currently tracked noise floor.
type speakerScore struct {
	endpoint   EndpointID
	score      float64
	noiseLevel float64
}

// speakerMaxHeap is a binary max-heap over speakerScore by score, giving
// O(log N) top()/pop(), a correctness-equivalent stand-in for the source's
// PartialSortExtractor. Ranking beyond rank 1 is unordered between
// equal-priority pops, matching spec.md's Design Notes.
type speakerMaxHeap []speakerScore

func (h speakerMaxHeap) Len() int            { return len(h) }
func (h speakerMaxHeap) Less(i, j int) bool  { return h[i].score > h[j].score }
func (h speakerMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *speakerMaxHeap) Push(x interface{}) { *h = append(*h, x.(speakerScore)) }
func (h *speakerMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// rankSpeakers scans the audio participant table and returns a max-heap of
// every participant with a positive score, plus the current dominant
// speaker's score (0 if it has no samples yet).
func rankSpeakers(participants map[EndpointID]*audioParticipant, dominantSpeaker EndpointID) (*speakerMaxHeap, float64) {
	h := make(speakerMaxHeap, 0, len(participants))
	var currentDominantScore float64

	for endpoint, p := range participants {
		if p.maxRecentLevel == 0 {
			continue
		}
		s := p.score()
		if endpoint == dominantSpeaker {
			currentDominantScore = s
		}
		h = append(h, speakerScore{endpoint: endpoint, score: s, noiseLevel: maxFloat(0, p.noiseLevel)})
	}

	heap.Init(&h)
	return &h, currentDominantScore
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
