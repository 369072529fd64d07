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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/softphone/pkg/stats"
)

// CallID is the engine-assigned call identifier.
type CallID int

// NoCall marks an outgoing call that was not yet accepted by the engine.
// Mute operations use it to select the engine-wide setting.
const NoCall = CallID(-1)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Direction) statsDir() stats.CallDir {
	if d == Incoming {
		return stats.Inbound
	}
	return stats.Outbound
}

// State mirrors the engine-reported call state.
type State int

const (
	StatePending State = iota
	StateRinging
	StateEarly
	StateActive
	StateInactive
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRinging:
		return "ringing"
	case StateEarly:
		return "early"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the call is over (hung up, failed or rejected).
func (s State) IsTerminal() bool {
	return s == StateInactive
}

// CallInfo is an immutable snapshot of a call, safe to hand to presentation code.
type CallInfo struct {
	ID              CallID    `json:"id"`
	Direction       Direction `json:"direction"`
	State           State     `json:"state"`
	URL             string    `json:"url"`
	Name            string    `json:"name"`
	LastStatus      int       `json:"last_status"`
	AudioMuted      bool      `json:"audio_muted"`
	MicrophoneMuted bool      `json:"microphone_muted"`
	Created         time.Time `json:"created"`
	Connected       time.Time `json:"connected,omitempty"`
}

// Call is the local mirror of one engine call. It does not validate transitions:
// the engine is the authority, the call only records what it reports.
type Call struct {
	engine Engine
	dir    Direction
	mon    *stats.CallMonitor

	mu         sync.Mutex
	id         CallID
	state      State
	url        string
	name       string
	lastStatus int
	audioMuted bool
	micMuted   bool
	created    time.Time
	connected  time.Time
	endDur     func() time.Duration
}

func newCall(engine Engine, dir Direction, mon *stats.Monitor) *Call {
	c := &Call{
		engine:  engine,
		dir:     dir,
		id:      NoCall,
		created: time.Now(),
		mon:     mon.NewCall(dir.statsDir()),
	}
	if dir == Incoming {
		c.state = StateRinging
	} else {
		c.state = StatePending
	}
	return c
}

func (c *Call) ID() CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Call) Direction() Direction {
	return c.dir
}

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Call) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Call) LastStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

func (c *Call) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.state.IsTerminal()
}

// setID assigns the engine id. An assigned id never changes.
func (c *Call) setID(id CallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != NoCall {
		return c.id == id
	}
	c.id = id
	return true
}

func (c *Call) setPeer(url, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
	c.name = name
}

// setState records the latest engine state.
func (c *Call) setState(state State, lastStatus int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyState(state, lastStatus)
}

func (c *Call) applyState(state State, lastStatus int) {
	c.lastStatus = lastStatus
	if c.state == state {
		return
	}
	prev := c.state
	c.state = state
	if prev.IsTerminal() {
		// Engine revived a call we already marked inactive, e.g. after HangUpAll.
		c.mon.CallStart()
	}
	switch {
	case state == StateActive && c.connected.IsZero():
		c.connected = time.Now()
		c.endDur = c.mon.CallDur()
	case state.IsTerminal():
		c.finish()
	}
}

// track is called once the registry owns the call.
func (c *Call) track() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsTerminal() {
		c.mon.CallStart()
	}
}

func (c *Call) finish() {
	c.mon.CallEnd()
	if c.endDur != nil {
		c.endDur()
		c.endDur = nil
	}
}

// SetInactive forces the terminal state. Calling it again has no effect.
func (c *Call) SetInactive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.state = StateInactive
	c.finish()
}

func (c *Call) Info() CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Call) infoLocked() CallInfo {
	return CallInfo{
		ID:              c.id,
		Direction:       c.dir,
		State:           c.state,
		URL:             c.url,
		Name:            c.name,
		LastStatus:      c.lastStatus,
		AudioMuted:      c.audioMuted,
		MicrophoneMuted: c.micMuted,
		Created:         c.created,
		Connected:       c.connected,
	}
}

func (c *Call) record() CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallRecord{
		ID:         c.id,
		Direction:  c.dir.String(),
		URL:        c.url,
		Name:       c.name,
		State:      c.state.String(),
		LastStatus: c.lastStatus,
		RecordedAt: time.Now().UTC(),
	}
}

// MuteAudio mutes the speaker side of this call only.
func (c *Call) MuteAudio(mute bool) {
	id := c.ID()
	if id == NoCall {
		return
	}
	c.engine.MuteAudio(mute, id)
	c.mu.Lock()
	c.audioMuted = mute
	c.mu.Unlock()
}

// MuteMicrophone mutes the capture side of this call only.
func (c *Call) MuteMicrophone(mute bool) {
	id := c.ID()
	if id == NoCall {
		return
	}
	c.engine.MuteMicrophone(mute, id)
	c.mu.Lock()
	c.micMuted = mute
	c.mu.Unlock()
}

// Answer accepts (2xx) or rejects (4xx-6xx) an incoming call.
func (c *Call) Answer(ctx context.Context, code int) error {
	return c.engine.Answer(ctx, c.ID(), code)
}

func (c *Call) HangUp(ctx context.Context) error {
	return c.engine.HangUp(ctx, c.ID())
}

func (c *Call) SendDTMF(ctx context.Context, digits string) error {
	return c.engine.SendDTMF(ctx, c.ID(), digits)
}

func (c *Call) Redirect(ctx context.Context, dest string) error {
	return c.engine.Redirect(ctx, c.ID(), dest)
}

func (c *Call) AddToConference(other *Call) error {
	return c.engine.AddToConference(c.ID(), other.ID())
}

func (c *Call) RemoveFromConference(other *Call) error {
	return c.engine.RemoveFromConference(c.ID(), other.ID())
}

func (c *Call) String() string {
	info := c.Info()
	return fmt.Sprintf("Call(%d, %s, %s, %q)", info.ID, info.Direction, info.State, info.URL)
}
