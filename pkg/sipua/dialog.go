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

package sipua

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/livekit/softphone/pkg/phone"
)

const (
	allowedMethods = "INVITE, ACK, CANCEL, BYE, REFER, INFO, OPTIONS"
	// Terminated dialogs are kept this long for CallDetails.
	dialogLinger = time.Minute
)

var reasonPhrases = map[int]string{
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	302: "Moved Temporarily",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	503: "Service Unavailable",
	603: "Decline",
}

func reasonPhrase(code int) string {
	return reasonPhrases[code]
}

// finalResponse is handed to the INVITE handler, which owns the server
// transaction until a final response is sent.
type finalResponse struct {
	code    int
	body    []byte
	headers []sip.Header
	done    chan error
}

// dialog is the engine side of one call.
type dialog struct {
	id       phone.CallID
	dir      phone.Direction
	localTag string
	created  time.Time
	// finals is only used by incoming calls.
	finals chan finalResponse

	mu         sync.Mutex
	callID     string
	state      phone.State
	lastStatus int
	lastReason string
	local      sip.Uri
	remote     sip.Uri
	remoteName string
	out        *sipgo.DialogClientSession
	in         *sipgo.DialogServerSession
	answered   bool
	confirmed  bool
	localSDP   []byte
	connected  time.Time
	ended      time.Time
	ringing    bool
	stopDial   context.CancelFunc
	audioMuted bool
	micMuted   bool
}

func newDialog(id phone.CallID, dir phone.Direction) *dialog {
	d := &dialog{
		id:       id,
		dir:      dir,
		localTag: sip.GenerateTagN(16),
		created:  time.Now(),
	}
	if dir == phone.Incoming {
		d.state = phone.StateRinging
		d.finals = make(chan finalResponse)
	} else {
		d.state = phone.StatePending
	}
	return d
}

func (d *dialog) State() phone.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *dialog) SIPCallID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callID
}

// setState reports whether anything observable changed.
func (d *dialog) setState(state phone.State, code int, reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.IsTerminal() {
		return false
	}
	if d.state == state && d.lastStatus == code {
		return false
	}
	d.state = state
	d.lastStatus = code
	d.lastReason = reason
	switch {
	case state == phone.StateActive && d.connected.IsZero():
		d.connected = time.Now()
	case state.IsTerminal():
		d.ended = time.Now()
	}
	return true
}

// setRinging reports whether the ring state flipped.
func (d *dialog) setRinging(on bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ringing == on {
		return false
	}
	d.ringing = on
	return true
}

func (d *dialog) setMute(flag *bool, mute bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*flag = mute
}

func (d *dialog) isConfirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed
}

func (d *dialog) cancelDial() {
	d.mu.Lock()
	stop := d.stopDial
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (d *dialog) setClientSession(s *sipgo.DialogClientSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = s
}

func (d *dialog) clientSession() *sipgo.DialogClientSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

func (d *dialog) serverSession() *sipgo.DialogServerSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.in
}

// claimFinal reserves the final response of an incoming INVITE. Only the
// first caller wins.
func (d *dialog) claimFinal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.answered {
		return false
	}
	d.answered = true
	return true
}

func (d *dialog) releaseFinal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answered = false
}

func (d *dialog) isAnswered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answered
}

func (d *dialog) confirm(localSDP []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed = true
	if localSDP != nil {
		d.localSDP = localSDP
	}
}

// request builds an in-dialog request addressed to the remote target. The
// session fills in the dialog headers when it is sent.
func (d *dialog) request(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.remote
	switch {
	case d.out != nil && d.out.InviteResponse != nil:
		if c := d.out.InviteResponse.Contact(); c != nil {
			target = c.Address
		}
	case d.in != nil:
		if c := d.in.InviteRequest.Contact(); c != nil {
			target = c.Address
		}
	}
	return sip.NewRequest(method, target)
}

// do sends an in-dialog request and waits for the final response.
func (d *dialog) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	if out := d.clientSession(); out != nil {
		return out.Do(ctx, req)
	}
	if in := d.serverSession(); in != nil {
		return in.Do(ctx, req)
	}
	return nil, errNoSession
}

func (d *dialog) details() phone.CallDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dur time.Duration
	if !d.connected.IsZero() {
		end := d.ended
		if end.IsZero() {
			end = time.Now()
		}
		dur = end.Sub(d.connected)
	}
	return phone.CallDetails{
		ID:         d.id,
		LocalURI:   d.local.String(),
		RemoteURI:  d.remote.String(),
		RemoteName: d.remoteName,
		SIPCallID:  d.callID,
		State:      d.state,
		LastStatus: d.lastStatus,
		LastReason: d.lastReason,
		Duration:   dur,
	}
}

func (d *dialog) expired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.IsTerminal() && now.Sub(d.ended) > dialogLinger
}

func (e *Engine) allocDialog(dir phone.Direction) *dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	return newDialog(id, dir)
}

func (e *Engine) addDialog(d *dialog) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, old := range e.calls {
		if old.expired(now) {
			delete(e.calls, id)
			delete(e.bySIPID, old.SIPCallID())
		}
	}
	e.calls[d.id] = d
	e.bySIPID[d.SIPCallID()] = d
}

func (e *Engine) dialog(id phone.CallID) *dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *Engine) dialogBySIPID(callID string) *dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bySIPID[callID]
}

func (e *Engine) dialogs() []*dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*dialog, 0, len(e.calls))
	for _, d := range e.calls {
		out = append(out, d)
	}
	return out
}

// transition applies a state and notifies the handler when it changed.
func (e *Engine) transition(d *dialog, state phone.State, code int, reason string) {
	if !d.setState(state, code, reason) {
		return
	}
	e.log.Debugw("call state", "callID", d.id, "state", state, "status", code, "reason", reason)
	if state == phone.StateActive || state.IsTerminal() {
		e.stopRing(d)
	}
	if state.IsTerminal() {
		e.leaveConferences(d.id)
	}
	e.h().OnCallState(d.id, state, code)
}

func (e *Engine) startRing(d *dialog) {
	if d.setRinging(true) {
		e.h().OnRing()
	}
}

func (e *Engine) stopRing(d *dialog) {
	if d.setRinging(false) {
		e.h().OnStopSound()
	}
}
