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

import "errors"

var (
	// ErrPoolExhausted is returned by an add operation when no rewrite
	// SSRC remains in the relevant pool. The participant is not added.
	ErrPoolExhausted = errors.New("activemedialist: ssrc pool exhausted")

	// ErrDuplicateParticipant is returned when adding an endpoint that is
	// already tracked. Existing state is left untouched.
	ErrDuplicateParticipant = errors.New("activemedialist: participant already added")

	// ErrUnknownParticipant is returned by remove/update operations for an
	// endpoint that isn't tracked. Callers may treat this as a no-op.
	ErrUnknownParticipant = errors.New("activemedialist: unknown participant")

	// ErrInvalidLastN is returned by the message builders when lastN is 0
	// or exceeds the configured default last-N.
	ErrInvalidLastN = errors.New("activemedialist: invalid lastN")
)
