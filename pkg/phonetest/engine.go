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

// Package phonetest provides in-memory fakes of the phone collaborators.
package phonetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/softphone/pkg/phone"
)

var ErrRejected = errors.New("rejected by fake engine")

// Command is one call made into the Engine.
type Command struct {
	Name string
	ID   phone.CallID
	Args []any
}

// Engine is a scriptable phone.Engine. Dial hands out increasing ids starting at 1
// unless DialFunc is set.
type Engine struct {
	InitErr     error
	RegisterErr error
	CloseErr    error
	DialFunc    func(url string, headers map[string]string) (phone.CallID, error)

	mu       sync.Mutex
	handler  phone.EngineHandler
	nextID   phone.CallID
	commands []Command
	codecs   map[string]int
	closed   bool
}

var _ phone.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		nextID: 1,
		codecs: map[string]int{"PCMU/8000/1": 128, "PCMA/8000/1": 128},
	}
}

func (e *Engine) record(name string, id phone.CallID, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, Command{Name: name, ID: id, Args: args})
}

// Commands returns the recorded commands, optionally filtered by name.
func (e *Engine) Commands(names ...string) []Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Command
	for _, c := range e.commands {
		if len(names) == 0 {
			out = append(out, c)
			continue
		}
		for _, n := range names {
			if c.Name == n {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Handler returns the handler installed by the phone.
func (e *Engine) Handler() phone.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) Init(ctx context.Context, settings phone.Settings) error {
	e.record("Init", phone.NoCall, settings)
	return e.InitErr
}

func (e *Engine) SetHandler(h phone.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) Close() error {
	e.record("Close", phone.NoCall)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.CloseErr
}

func (e *Engine) RegisterAccount(ctx context.Context, username, password, host string) (int, error) {
	e.record("RegisterAccount", phone.NoCall, username, host)
	if e.RegisterErr != nil {
		return -1, e.RegisterErr
	}
	return 0, nil
}

func (e *Engine) Unregister(ctx context.Context) error {
	e.record("Unregister", phone.NoCall)
	return nil
}

func (e *Engine) CheckAccountStatus() bool {
	return e.RegisterErr == nil
}

func (e *Engine) AccountInfo() phone.AccountInfo {
	return phone.AccountInfo{ID: 0, URI: "sip:test@example.com", Registered: e.RegisterErr == nil, StatusCode: 200, StatusText: "OK"}
}

func (e *Engine) Dial(ctx context.Context, url string, headers map[string]string) (phone.CallID, error) {
	e.record("Dial", phone.NoCall, url, headers)
	if e.DialFunc != nil {
		return e.DialFunc(url, headers)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	return id, nil
}

func (e *Engine) Answer(ctx context.Context, id phone.CallID, code int) error {
	e.record("Answer", id, code)
	return nil
}

func (e *Engine) HangUp(ctx context.Context, id phone.CallID) error {
	e.record("HangUp", id)
	return nil
}

func (e *Engine) HangUpAll(ctx context.Context) {
	e.record("HangUpAll", phone.NoCall)
}

func (e *Engine) Redirect(ctx context.Context, id phone.CallID, dest string) error {
	e.record("Redirect", id, dest)
	return nil
}

func (e *Engine) AddToConference(src, dst phone.CallID) error {
	e.record("AddToConference", src, dst)
	return nil
}

func (e *Engine) RemoveFromConference(src, dst phone.CallID) error {
	e.record("RemoveFromConference", src, dst)
	return nil
}

func (e *Engine) SendDTMF(ctx context.Context, id phone.CallID, digits string) error {
	e.record("SendDTMF", id, digits)
	return nil
}

func (e *Engine) CallDetails(id phone.CallID) (phone.CallDetails, error) {
	return phone.CallDetails{}, fmt.Errorf("call %d: %w", id, ErrRejected)
}

func (e *Engine) MuteAudio(mute bool, id phone.CallID) {
	e.record("MuteAudio", id, mute)
}

func (e *Engine) MuteMicrophone(mute bool, id phone.CallID) {
	e.record("MuteMicrophone", id, mute)
}

func (e *Engine) SignalLevels(id phone.CallID) phone.SignalLevels {
	return phone.SignalLevels{Audio: 1, Microphone: 1}
}

func (e *Engine) SetCodecPriority(codec string, priority int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codecs[codec] = priority
	return nil
}

func (e *Engine) CodecPriorities() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.codecs))
	for k, v := range e.codecs {
		out[k] = v
	}
	return out
}

func (e *Engine) SoundDevices() []phone.SoundDevice {
	return []phone.SoundDevice{{ID: 0, Name: "fake", InputChannels: 1, OutputChannels: 2}}
}

func (e *Engine) SetSoundDevice(input, output int) error {
	e.record("SetSoundDevice", phone.NoCall, input, output)
	return nil
}
