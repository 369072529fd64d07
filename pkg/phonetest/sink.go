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

package phonetest

import (
	"sync"

	"github.com/livekit/softphone/pkg/phone"
)

type EventKind string

const (
	EventIncomingCall    EventKind = "incoming_call"
	EventCallState       EventKind = "call_state"
	EventAudioLevel      EventKind = "audio_level"
	EventMicrophoneLevel EventKind = "microphone_level"
	EventAccountState    EventKind = "account_state"
	EventRing            EventKind = "ring"
	EventStopSound       EventKind = "stop_sound"
	EventLog             EventKind = "log"
)

type Event struct {
	Kind       EventKind
	ID         phone.CallID
	URL        string
	State      phone.State
	LastStatus int
	Level      int
	Log        phone.LogInfo
}

// Sink records everything it receives. It implements phone.EventSink,
// phone.AudioCues and phone.LogHandler.
type Sink struct {
	mu     sync.Mutex
	events []Event
}

var (
	_ phone.EventSink  = (*Sink)(nil)
	_ phone.AudioCues  = (*Sink)(nil)
	_ phone.LogHandler = (*Sink)(nil)
)

func (s *Sink) add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns the recorded events, optionally filtered by kind.
func (s *Sink) Events(kinds ...EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func (s *Sink) OnIncomingCall(info phone.CallInfo) {
	s.add(Event{Kind: EventIncomingCall, ID: info.ID, URL: info.URL, State: info.State})
}

func (s *Sink) OnCallState(id phone.CallID, state phone.State, lastStatus int) {
	s.add(Event{Kind: EventCallState, ID: id, State: state, LastStatus: lastStatus})
}

func (s *Sink) OnAudioLevel(level int) {
	s.add(Event{Kind: EventAudioLevel, Level: level})
}

func (s *Sink) OnMicrophoneLevel(level int) {
	s.add(Event{Kind: EventMicrophoneLevel, Level: level})
}

func (s *Sink) OnAccountState(state int) {
	s.add(Event{Kind: EventAccountState, Level: state})
}

func (s *Sink) StartRing() {
	s.add(Event{Kind: EventRing})
}

func (s *Sink) Stop() {
	s.add(Event{Kind: EventStopSound})
}

func (s *Sink) Log(info phone.LogInfo) {
	s.add(Event{Kind: EventLog, Log: info})
}

// Recorder is an in-memory phone.Recorder.
type Recorder struct {
	Err error

	mu      sync.Mutex
	records []phone.CallRecord
}

func (r *Recorder) Record(records []phone.CallRecord) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

func (r *Recorder) Records() []phone.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]phone.CallRecord(nil), r.records...)
}
