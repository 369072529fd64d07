// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package phone

import (
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	earlyStateLimit = 32
	earlyStateTTL   = 2 * time.Second
)

type stateUpdate struct {
	state      State
	lastStatus int
}

// Registry is the ordered set of calls owned by the Phone.
//
// The number of calls is small, so lookups are linear scans over the slice.
// A single mutex guards both the collection and every lookup-then-mutate sequence.
type Registry struct {
	mu    sync.Mutex
	calls []*Call

	// early keeps state updates that arrived for an id between the engine accepting
	// a dial and the outgoing call being added. Updates are only kept while a dial
	// is in flight.
	early   *expirable.LRU[CallID, stateUpdate]
	dialing int
}

func NewRegistry() *Registry {
	return &Registry{
		early: expirable.NewLRU[CallID, stateUpdate](earlyStateLimit, nil, earlyStateTTL),
	}
}

// Add inserts the call. It returns true if the call is now in the registry, including
// the case when this exact call was already present, and false if a different call
// holds the same id.
func (r *Registry) Add(c *Call) bool {
	id := c.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.calls {
		if cur == c {
			return true
		}
		if cur.ID() == id {
			return false
		}
	}
	if st, ok := r.early.Get(id); ok {
		r.early.Remove(id)
		if c.Direction() == Outgoing {
			c.setState(st.state, st.lastStatus)
		}
	}
	r.calls = append(r.calls, c)
	c.track()
	return true
}

// BeginDial opens a window in which updates for unknown ids are kept for the
// outgoing call about to be added. The returned func closes it.
func (r *Registry) BeginDial() func() {
	r.mu.Lock()
	r.dialing++
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.dialing--
			if r.dialing == 0 {
				r.early.Purge()
			}
		})
	}
}

func (r *Registry) Find(id CallID) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

func (r *Registry) findLocked(id CallID) *Call {
	for _, c := range r.calls {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// UpdateState applies an engine state to the call with the given id.
// It reports whether the id is tracked.
func (r *Registry) UpdateState(id CallID, state State, lastStatus int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.findLocked(id)
	if c == nil {
		if r.dialing > 0 {
			r.early.Add(id, stateUpdate{state: state, lastStatus: lastStatus})
		}
		return false
	}
	c.setState(state, lastStatus)
	return true
}

// Remove drops the call from the registry and returns it, or nil if not found.
func (r *Registry) Remove(id CallID) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.early.Remove(id)
	i := slices.IndexFunc(r.calls, func(c *Call) bool { return c.ID() == id })
	if i < 0 {
		return nil
	}
	c := r.calls[i]
	r.calls = slices.Delete(r.calls, i, i+1)
	return c
}

// ActiveSnapshot returns a copy of the public info of all non-terminal calls,
// in insertion order.
func (r *Registry) ActiveSnapshot() []CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		c.mu.Lock()
		if !c.state.IsTerminal() {
			out = append(out, c.infoLocked())
		}
		c.mu.Unlock()
	}
	return out
}

func (r *Registry) activeRecords() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallRecord
	for _, c := range r.calls {
		if c.IsActive() {
			out = append(out, c.record())
		}
	}
	return out
}

// MarkAllInactive forces every call into the terminal state and returns
// how many calls changed.
func (r *Registry) MarkAllInactive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.IsActive() {
			n++
		}
		c.SetInactive()
	}
	return n
}

// All returns the calls in insertion order.
func (r *Registry) All() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Clear releases all calls. Only used at teardown.
func (r *Registry) Clear() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	r.early.Purge()
	return calls
}
