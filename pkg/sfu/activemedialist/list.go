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

// endpointNode is one node of an intrusive doubly-linked list of
// endpoints. head is the oldest / weakest entry (first evicted), tail is
// the most recently promoted one.
type endpointNode struct {
	data       EndpointID
	prev, next *endpointNode
}

// endpointList is a small doubly-linked recency list with O(1)
// push-to-head, push-to-tail and remove-by-key, given an external lookup
// map from EndpointID to *endpointNode. It mirrors the source's
// memory::List<size_t, N> plus its companion lookup hashmap.
type endpointList struct {
	head, tail *endpointNode
	lookup     map[EndpointID]*endpointNode
	size       int
}

func newEndpointList() *endpointList {
	return &endpointList{lookup: make(map[EndpointID]*endpointNode)}
}

func (l *endpointList) len() int { return l.size }

func (l *endpointList) contains(e EndpointID) bool {
	_, ok := l.lookup[e]
	return ok
}

func (l *endpointList) pushToHead(e EndpointID) *endpointNode {
	n := &endpointNode{data: e, next: l.head}
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.lookup[e] = n
	l.size++
	return n
}

func (l *endpointList) pushToTail(e EndpointID) *endpointNode {
	n := &endpointNode{data: e, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	}
	l.tail = n
	if l.head == nil {
		l.head = n
	}
	l.lookup[e] = n
	l.size++
	return n
}

// remove unlinks e from the list. Returns false if e isn't present.
func (l *endpointList) remove(e EndpointID) bool {
	n, ok := l.lookup[e]
	if !ok {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	delete(l.lookup, e)
	l.size--
	return true
}

// popFromHead removes and returns the head entry.
func (l *endpointList) popFromHead() (EndpointID, bool) {
	if l.head == nil {
		var zero EndpointID
		return zero, false
	}
	e := l.head.data
	l.remove(e)
	return e, true
}

// moveToTail unlinks e (if present) and re-inserts it at the tail.
// Returns false if e isn't in the list.
func (l *endpointList) moveToTail(e EndpointID) bool {
	if !l.remove(e) {
		return false
	}
	l.pushToTail(e)
	return true
}

// forEachTailToHead walks the list from tail to head, calling f for each
// entry. Stops early if f returns false.
func (l *endpointList) forEachTailToHead(f func(EndpointID) bool) {
	for n := l.tail; n != nil; n = n.prev {
		if !f(n.data) {
			return
		}
	}
}

// forEachHeadToTail walks the list from head to tail.
func (l *endpointList) forEachHeadToTail(f func(EndpointID) bool) {
	for n := l.head; n != nil; n = n.next {
		if !f(n.data) {
			return
		}
	}
}
