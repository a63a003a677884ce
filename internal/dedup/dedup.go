// Copyright (c) 2026 John Earle
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

// Package dedup suppresses duplicate emissions within a session. The set
// is deliberately in-memory: cursor persistence already prevents the same
// ids being re-derived across restarts, so this only has to cover
// overlapping diffs inside one run.
package dedup

import "sync"

// DefaultCapacity bounds the seen-set; oldest entries are evicted first.
// Once the cursor has advanced past an id's arrival point the id can only
// reappear through overlapping in-session diffs, which are recent.
const DefaultCapacity = 512

// SeenSet tracks message ids already emitted this session.
type SeenSet struct {
	mu    sync.Mutex
	ids   map[string]bool
	order []string
	cap   int
}

// NewSeenSet creates a bounded seen-set. capacity <= 0 uses the default.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SeenSet{
		ids: make(map[string]bool, capacity),
		cap: capacity,
	}
}

// Seen reports whether the id has already been emitted this session.
func (s *SeenSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

// Mark records the id as emitted, evicting the oldest entries once the
// capacity is exceeded.
func (s *SeenSet) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[id] {
		return
	}
	s.ids[id] = true
	s.order = append(s.order, id)

	if len(s.order) > s.cap {
		evict := len(s.order) - s.cap
		for _, old := range s.order[:evict] {
			delete(s.ids, old)
		}
		s.order = s.order[evict:]
	}
}

// Len returns the current number of remembered ids.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
