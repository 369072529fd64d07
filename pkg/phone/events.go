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
	"fmt"

	"github.com/livekit/protocol/logger"
)

// Event handlers run on engine goroutines. None of them may fail or panic:
// unexpected input is logged and ignored.

var _ EngineHandler = (*Phone)(nil)

func (p *Phone) recover(event string) {
	if r := recover(); r != nil {
		p.mon.EngineError("panic")
		p.log.Errorw("event handler panicked", fmt.Errorf("%v", r), "event", event)
	}
}

func (p *Phone) OnIncomingCall(id CallID, url, name string) {
	defer p.recover("incoming_call")
	if p.closing.IsBroken() {
		p.log.Infow("ignoring incoming call after close", "callID", id, "url", url)
		return
	}
	unlock := p.order.lock(id)
	defer unlock()

	call := newCall(p.engine, Incoming, p.mon)
	call.setID(id)
	call.setPeer(url, name)
	if !p.calls.Add(call) {
		// The UI never hears about the duplicate.
		p.mon.IncomingCall("duplicate")
		p.log.Warnw("dropping incoming call with duplicate id", nil, "callID", id, "url", url)
		return
	}
	if p.closing.IsBroken() {
		p.calls.Remove(id)
		call.SetInactive()
		p.log.Infow("ignoring incoming call after close", "callID", id, "url", url)
		return
	}
	p.mon.IncomingCall("ok")
	p.log.Infow("incoming call", "callID", id, "url", url, "name", name)
	if sink := p.eventSink(); sink != nil {
		sink.OnIncomingCall(call.Info())
	}
}

func (p *Phone) OnCallState(id CallID, state State, lastStatus int) {
	defer p.recover("call_state")
	unlock := p.order.lock(id)
	defer unlock()

	tracked := p.calls.UpdateState(id, state, lastStatus)
	p.mon.CallStateEvent(state.String(), tracked)
	if !tracked {
		p.log.Debugw("state change for untracked call", "callID", id, "state", state, "status", lastStatus)
	} else {
		p.log.Debugw("call state changed", "callID", id, "state", state, "status", lastStatus)
	}
	if sink := p.eventSink(); sink != nil {
		sink.OnCallState(id, state, lastStatus)
	}
}

func (p *Phone) OnAudioLevel(level int) {
	defer p.recover("audio_level")
	if sink := p.eventSink(); sink != nil {
		sink.OnAudioLevel(level)
	}
}

func (p *Phone) OnMicrophoneLevel(level int) {
	defer p.recover("microphone_level")
	if sink := p.eventSink(); sink != nil {
		sink.OnMicrophoneLevel(level)
	}
}

func (p *Phone) OnAccountState(state int) {
	defer p.recover("account_state")
	p.mon.RegistrationState(state)
	p.log.Infow("account state changed", "state", state)
	if sink := p.eventSink(); sink != nil {
		sink.OnAccountState(state)
	}
}

// OnLog keeps the newest error message and forwards every entry to the log handler.
func (p *Phone) OnLog(info LogInfo) {
	defer p.recover("log")
	if info.Severity >= SeverityError {
		p.emu.Lock()
		p.lastErr = info.Message
		p.emu.Unlock()
		p.mon.EngineError(info.Domain)
	}
	p.logs.Log(info)
}

func (p *Phone) OnRing() {
	defer p.recover("ring")
	p.cues.StartRing()
}

func (p *Phone) OnStopSound() {
	defer p.recover("stop_sound")
	p.cues.Stop()
}

type loggerHandler struct {
	log logger.Logger
}

// NewLoggerHandler writes engine log entries to log.
func NewLoggerHandler(log logger.Logger) LogHandler {
	return &loggerHandler{log: log.WithValues("source", "engine")}
}

func (h *loggerHandler) Log(info LogInfo) {
	switch info.Severity {
	case SeverityDebug:
		h.log.Debugw(info.Message, "domain", info.Domain)
	case SeverityInfo:
		h.log.Infow(info.Message, "domain", info.Domain)
	case SeverityWarning:
		h.log.Warnw(info.Message, nil, "domain", info.Domain)
	default:
		h.log.Errorw(info.Message, nil, "domain", info.Domain, "severity", info.Severity)
	}
}
