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
	"time"
)

// Engine is the telephony stack (SIP signaling and media) driven by the Phone.
//
// Commands are synchronous. Events are delivered to the EngineHandler from
// goroutines owned by the engine, possibly concurrently for different calls.
type Engine interface {
	Init(ctx context.Context, settings Settings) error
	SetHandler(h EngineHandler)
	Close() error

	RegisterAccount(ctx context.Context, username, password, host string) (int, error)
	Unregister(ctx context.Context) error
	CheckAccountStatus() bool
	AccountInfo() AccountInfo

	// Dial starts an outgoing call and returns its id once the engine accepted it.
	Dial(ctx context.Context, url string, headers map[string]string) (CallID, error)
	Answer(ctx context.Context, id CallID, code int) error
	HangUp(ctx context.Context, id CallID) error
	// HangUpAll terminates every call without waiting for confirmation.
	HangUpAll(ctx context.Context)
	Redirect(ctx context.Context, id CallID, dest string) error
	AddToConference(src, dst CallID) error
	RemoveFromConference(src, dst CallID) error
	SendDTMF(ctx context.Context, id CallID, digits string) error
	CallDetails(id CallID) (CallDetails, error)

	// MuteAudio and MuteMicrophone apply to a single call, or to the whole engine for NoCall.
	MuteAudio(mute bool, id CallID)
	MuteMicrophone(mute bool, id CallID)
	SignalLevels(id CallID) SignalLevels

	SetCodecPriority(codec string, priority int) error
	CodecPriorities() map[string]int
	SoundDevices() []SoundDevice
	SetSoundDevice(input, output int) error
}

// EngineHandler receives engine events. Implementations must not block for long
// and must never panic back into the engine.
type EngineHandler interface {
	OnIncomingCall(id CallID, url, name string)
	OnCallState(id CallID, state State, lastStatus int)
	OnAudioLevel(level int)
	OnMicrophoneLevel(level int)
	OnAccountState(state int)
	OnLog(info LogInfo)
	OnRing()
	OnStopSound()
}

// EventSink is the presentation or scripting layer.
type EventSink interface {
	OnIncomingCall(info CallInfo)
	OnCallState(id CallID, state State, lastStatus int)
	OnAudioLevel(level int)
	OnMicrophoneLevel(level int)
	OnAccountState(state int)
}

// AudioCues plays local sounds.
type AudioCues interface {
	StartRing()
	Stop()
}

// LogHandler receives the engine log stream.
type LogHandler interface {
	Log(info LogInfo)
}

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

type LogInfo struct {
	Severity Severity
	Domain   string
	Message  string
	Time     time.Time
}

type AccountInfo struct {
	ID         int    `json:"id"`
	URI        string `json:"uri"`
	Registered bool   `json:"registered"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
	Expires    int    `json:"expires"`
}

type CallDetails struct {
	ID         CallID        `json:"id"`
	LocalURI   string        `json:"local_uri"`
	RemoteURI  string        `json:"remote_uri"`
	RemoteName string        `json:"remote_name"`
	SIPCallID  string        `json:"sip_call_id"`
	State      State         `json:"state"`
	LastStatus int           `json:"last_status"`
	LastReason string        `json:"last_reason"`
	Duration   time.Duration `json:"duration"`
}

type SignalLevels struct {
	Audio      float32 `json:"audio"`
	Microphone float32 `json:"microphone"`
}

type SoundDevice struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
}
