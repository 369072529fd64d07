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
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/phone"
)

var contentTypeSDP = sip.ContentTypeHeader("application/sdp")

// parseTarget accepts full SIP URIs, user@host, or a bare user at the
// registrar's host.
func (e *Engine) parseTarget(url string) (sip.Uri, error) {
	s := strings.TrimSpace(url)
	if s == "" {
		return sip.Uri{}, errors.New("empty destination")
	}
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		if !strings.Contains(s, "@") {
			acc := e.account()
			if acc == nil {
				return sip.Uri{}, fmt.Errorf("destination %q has no host and no account is registered", url)
			}
			s += "@" + acc.registrar.Host
			if acc.registrar.Port != 0 {
				s += ":" + strconv.Itoa(acc.registrar.Port)
			}
		}
		s = "sip:" + s
	}
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "invalid destination %q", url)
	}
	return uri, nil
}

func (e *Engine) localURI() sip.Uri {
	if acc := e.account(); acc != nil {
		return acc.aor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sip.Uri{User: "softphone", Host: e.signalingIP}
}

// Dial returns as soon as the call has an id. The INVITE transaction runs in
// the background and reports progress through OnCallState.
func (e *Engine) Dial(ctx context.Context, url string, headers map[string]string) (phone.CallID, error) {
	_, runCtx, err := e.client()
	if err != nil {
		return phone.NoCall, err
	}
	target, err := e.parseTarget(url)
	if err != nil {
		return phone.NoCall, err
	}
	ip, port, codecs := e.mediaAddr()
	offer, err := newOffer(ip, port, codecs)
	if err != nil {
		return phone.NoCall, errors.Wrap(err, "cannot create offer")
	}

	d := e.allocDialog(phone.Outgoing)
	d.callID = sip.GenerateTagN(24)
	d.local = e.localURI()
	d.remote = target
	d.localSDP = offer
	dctx, cancel := context.WithCancel(runCtx)
	d.stopDial = cancel
	e.addDialog(d)

	e.log.Infow("dialing", "callID", d.id, "to", target.String())
	go e.runDial(dctx, d, e.newInvite(d, headers))
	return d.id, nil
}

func (e *Engine) newInvite(d *dialog, headers map[string]string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.remote)
	from := &sip.FromHeader{Address: d.local, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: d.remote, Params: sip.NewParams()})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(e.contact(d.local.User))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	req.AppendHeader(&contentTypeSDP)
	for k, v := range headers {
		req.AppendHeader(sip.NewHeader(k, v))
	}
	req.SetBody(d.localSDP)
	return req
}

func (e *Engine) runDial(ctx context.Context, d *dialog, req *sip.Request) {
	defer d.cancelDial()
	sess, err := e.dialogUA().WriteInvite(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			e.transition(d, phone.StateInactive, 487, reasonPhrase(487))
			return
		}
		e.emit(phone.SeverityWarning, "call", "invite failed", "callID", d.id, "error", err)
		e.transition(d, phone.StateInactive, statusTimeout, err.Error())
		return
	}
	d.setClientSession(sess)

	opts := sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if !res.IsProvisional() || res.StatusCode == 100 {
				return nil
			}
			e.transition(d, phone.StateEarly, res.StatusCode, res.Reason)
			if res.StatusCode == 180 {
				e.startRing(d)
			}
			return nil
		},
	}
	if acc := e.account(); acc != nil {
		opts.Username, opts.Password = acc.username, acc.password
	}

	err = sess.WaitAnswer(ctx, opts)
	var rejected *sipgo.ErrDialogResponse
	switch {
	case errors.As(err, &rejected):
		_ = sess.Close()
		e.transition(d, phone.StateInactive, rejected.Res.StatusCode, rejected.Res.Reason)
		return
	case err != nil && ctx.Err() != nil:
		_ = sess.Close()
		e.transition(d, phone.StateInactive, 487, reasonPhrase(487))
		return
	case err != nil:
		_ = sess.Close()
		e.emit(phone.SeverityWarning, "call", "invite failed", "callID", d.id, "error", err)
		e.transition(d, phone.StateInactive, statusTimeout, err.Error())
		return
	}

	res := sess.InviteResponse
	if err := sess.Ack(context.Background()); err != nil {
		e.emit(phone.SeverityWarning, "call", "cannot send ack", "callID", d.id, "error", err)
	}
	d.confirm(nil)
	if ctx.Err() != nil {
		// Hung up while the answer was in flight.
		_ = e.sendBye(context.Background(), d)
		return
	}
	e.transition(d, phone.StateActive, res.StatusCode, res.Reason)
}

func (e *Engine) sendBye(ctx context.Context, d *dialog) error {
	ctx, cancel := context.WithTimeout(ctx, hangupTimeout)
	defer cancel()
	var err error
	if out := d.clientSession(); out != nil {
		err = out.Bye(ctx)
	} else if in := d.serverSession(); in != nil {
		err = in.Bye(ctx)
	}
	e.transition(d, phone.StateInactive, 200, "Normal call clearing")
	return err
}

// onInvite owns the server transaction until a final response has been sent,
// the caller cancels, or the transaction times out.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if e.closed.IsBroken() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 503, reasonPhrase(503), nil))
		return
	}
	callID, from, to := req.CallID(), req.From(), req.To()
	if callID == nil || from == nil || to == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	if d := e.dialogBySIPID(callID.Value()); d != nil {
		e.onReInvite(d, req, tx)
		return
	}

	sess, err := e.dialogUA().ReadInvite(req, tx)
	if err != nil {
		e.log.Warnw("invalid invite", err, "sipCallID", callID.Value())
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	defer sess.Close()

	d := e.allocDialog(phone.Incoming)
	d.callID = callID.Value()
	d.local = to.Address
	d.remote = from.Address
	d.remoteName = from.DisplayName
	d.in = sess
	e.addDialog(d)

	if err := sess.Respond(180, reasonPhrase(180), nil); err != nil {
		e.emit(phone.SeverityWarning, "call", "cannot send ringing", "callID", d.id, "error", err)
	}
	e.log.Infow("incoming call", "callID", d.id, "from", from.Address.String(), "name", from.DisplayName)
	e.h().OnIncomingCall(d.id, from.Address.String(), from.DisplayName)
	e.startRing(d)

	select {
	case f := <-d.finals:
		f.done <- e.writeFinal(d, f)
	case <-sess.Context().Done():
		// CANCEL, or the transaction ended before we answered.
		e.transition(d, phone.StateInactive, 487, reasonPhrase(487))
	}
}

func (e *Engine) writeFinal(d *dialog, f finalResponse) error {
	res := sip.NewResponseFromRequest(d.in.InviteRequest, f.code, reasonPhrase(f.code), f.body)
	for _, h := range f.headers {
		res.AppendHeader(h)
	}
	if f.body != nil {
		res.AppendHeader(&contentTypeSDP)
	}
	if err := d.in.WriteResponse(res); err != nil {
		e.transition(d, phone.StateInactive, statusTimeout, err.Error())
		return err
	}
	if f.code/100 != 2 {
		e.transition(d, phone.StateInactive, f.code, reasonPhrase(f.code))
		return nil
	}
	d.confirm(f.body)
	e.transition(d, phone.StateActive, f.code, reasonPhrase(f.code))
	return nil
}

// respondFinal passes a final response to the INVITE handler and waits until
// it is written. For 2xx that includes the ACK.
func (e *Engine) respondFinal(ctx context.Context, d *dialog, code int, body []byte, headers ...sip.Header) error {
	if d.in == nil {
		return errNoSession
	}
	if !d.claimFinal() {
		return fmt.Errorf("call %d is already answered", d.id)
	}
	f := finalResponse{code: code, body: body, headers: headers, done: make(chan error, 1)}
	select {
	case d.finals <- f:
	case <-d.in.Context().Done():
		return fmt.Errorf("call %d was cancelled", d.id)
	case <-ctx.Done():
		d.releaseFinal()
		return ctx.Err()
	}
	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onReInvite refreshes an established session with the same local description.
func (e *Engine) onReInvite(d *dialog, req *sip.Request, tx sip.ServerTransaction) {
	d.mu.Lock()
	sdp := d.localSDP
	d.mu.Unlock()
	if d.State() != phone.StateActive || sdp == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, reasonPhrase(491), nil))
		return
	}
	res := sip.NewSDPResponseFromRequest(req, sdp)
	res.AppendHeader(e.contact(d.local.User))
	_ = tx.Respond(res)
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	d := e.dialogBySIPID(callID.Value())
	if d == nil {
		return
	}
	if in := d.serverSession(); in != nil {
		if err := in.ReadAck(req, tx); err != nil {
			e.log.Debugw("ack ignored", "callID", d.id, "error", err)
		}
	}
}

// onCancel only sees requests that match no pending INVITE.
func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 481, reasonPhrase(481), nil))
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	var d *dialog
	if callID := req.CallID(); callID != nil {
		d = e.dialogBySIPID(callID.Value())
	}
	if d == nil || d.State().IsTerminal() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, reasonPhrase(481), nil))
		return
	}
	var err error
	if out := d.clientSession(); out != nil {
		err = out.ReadBye(req, tx)
	} else if in := d.serverSession(); in != nil {
		err = in.ReadBye(req, tx)
	}
	if err != nil {
		e.log.Warnw("invalid bye", err, "callID", d.id)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	e.log.Infow("call ended by peer", "callID", d.id)
	e.transition(d, phone.StateInactive, 200, "Normal call clearing")
}

func (e *Engine) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	e.log.Debugw("info received", "body", string(req.Body()))
}

func (e *Engine) Answer(ctx context.Context, id phone.CallID, code int) error {
	if _, _, err := e.client(); err != nil {
		return err
	}
	d := e.dialog(id)
	if d == nil {
		return siperrors.ErrCallNotFound
	}
	if d.dir != phone.Incoming {
		return fmt.Errorf("call %d is not incoming", id)
	}
	if code < 200 {
		if d.in == nil {
			return errNoSession
		}
		if d.isAnswered() || d.State().IsTerminal() {
			return fmt.Errorf("call %d is already answered", id)
		}
		if err := d.in.Respond(code, reasonPhrase(code), nil); err != nil {
			return err
		}
		if code == 183 {
			e.transition(d, phone.StateEarly, code, reasonPhrase(code))
		}
		return nil
	}
	if code/100 != 2 {
		return e.respondFinal(ctx, d, code, nil)
	}

	if d.in == nil {
		return errNoSession
	}
	ip, port, codecs := e.mediaAddr()
	var (
		body  []byte
		err   error
		offer = d.in.InviteRequest.Body()
	)
	if len(offer) == 0 {
		body, err = newOffer(ip, port, codecs)
	} else {
		body, _, err = newAnswer(offer, ip, port, codecs)
	}
	if err != nil {
		_ = e.respondFinal(ctx, d, 488, nil)
		return errors.Wrap(err, "cannot answer offer")
	}
	return e.respondFinal(ctx, d, code, body, e.contact(d.local.User))
}

func (e *Engine) HangUp(ctx context.Context, id phone.CallID) error {
	if _, _, err := e.client(); err != nil {
		return err
	}
	d := e.dialog(id)
	if d == nil {
		return siperrors.ErrCallNotFound
	}
	return e.hangUp(ctx, d)
}

// hangUp cancels, rejects or ends the call depending on how far it got.
func (e *Engine) hangUp(ctx context.Context, d *dialog) error {
	if d.State().IsTerminal() {
		return nil
	}
	switch {
	case d.dir == phone.Outgoing && !d.isConfirmed():
		d.cancelDial()
		return nil
	case d.dir == phone.Incoming && !d.isConfirmed():
		if d.isAnswered() {
			return nil
		}
		return e.respondFinal(ctx, d, 486, nil)
	}
	return e.sendBye(ctx, d)
}

func (e *Engine) HangUpAll(ctx context.Context) {
	if !e.ready.IsBroken() {
		return
	}
	hctx := context.WithoutCancel(ctx)
	for _, d := range e.dialogs() {
		if d.State().IsTerminal() {
			continue
		}
		go func() {
			if err := e.hangUp(hctx, d); err != nil {
				e.log.Warnw("hangup failed", err, "callID", d.id)
			}
		}()
	}
}

// Redirect answers an unanswered incoming call with 302, or transfers an
// established call with REFER.
func (e *Engine) Redirect(ctx context.Context, id phone.CallID, dest string) error {
	if _, _, err := e.client(); err != nil {
		return err
	}
	d := e.dialog(id)
	if d == nil {
		return siperrors.ErrCallNotFound
	}
	target, err := e.parseTarget(dest)
	if err != nil {
		return err
	}
	if d.dir == phone.Incoming && !d.isConfirmed() {
		return e.respondFinal(ctx, d, 302, nil, &sip.ContactHeader{Address: target})
	}
	if d.State() != phone.StateActive {
		return fmt.Errorf("call %d cannot be redirected in state %s", id, d.State())
	}
	refer := d.request(sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", "<"+target.String()+">"))
	refer.AppendHeader(sip.NewHeader("Referred-By", "<"+d.local.String()+">"))
	res, err := d.do(ctx, refer)
	if err != nil {
		return errors.Wrap(err, "refer failed")
	}
	if res.StatusCode/100 != 2 {
		return &StatusError{StatusCode: res.StatusCode, Reason: res.Reason}
	}
	e.log.Infow("call transferred", "callID", id, "to", target.String())
	return nil
}

// SendDTMF sends each digit as a SIP INFO with an application/dtmf-relay body.
func (e *Engine) SendDTMF(ctx context.Context, id phone.CallID, digits string) error {
	if _, _, err := e.client(); err != nil {
		return err
	}
	digits, err := validateDigits(digits)
	if err != nil {
		return err
	}
	d := e.dialog(id)
	if d == nil {
		return siperrors.ErrCallNotFound
	}
	if d.State() != phone.StateActive {
		return fmt.Errorf("call %d is not active", id)
	}
	ct := sip.ContentTypeHeader(dtmfContentType)
	for i := 0; i < len(digits); i++ {
		info := d.request(sip.INFO)
		info.AppendHeader(&ct)
		info.SetBody(dtmfRelayBody(digits[i]))
		res, err := d.do(ctx, info)
		if err != nil {
			return errors.Wrapf(err, "cannot send digit %q", digits[i])
		}
		if res.StatusCode/100 != 2 {
			return &StatusError{StatusCode: res.StatusCode, Reason: res.Reason}
		}
	}
	return nil
}

func (e *Engine) CallDetails(id phone.CallID) (phone.CallDetails, error) {
	d := e.dialog(id)
	if d == nil {
		return phone.CallDetails{}, siperrors.ErrCallNotFound
	}
	return d.details(), nil
}

func conferenceKey(a, b phone.CallID) [2]phone.CallID {
	if a > b {
		a, b = b, a
	}
	return [2]phone.CallID{a, b}
}

// AddToConference links two active calls. Mixing happens in the media layer.
func (e *Engine) AddToConference(src, dst phone.CallID) error {
	if src == dst {
		return fmt.Errorf("cannot conference call %d with itself", src)
	}
	for _, id := range []phone.CallID{src, dst} {
		d := e.dialog(id)
		if d == nil {
			return siperrors.ErrCallNotFound
		}
		if d.State() != phone.StateActive {
			return fmt.Errorf("call %d is not active", id)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conference[conferenceKey(src, dst)] = struct{}{}
	return nil
}

func (e *Engine) RemoveFromConference(src, dst phone.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conference, conferenceKey(src, dst))
	return nil
}

func (e *Engine) leaveConferences(id phone.CallID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.conference {
		if k[0] == id || k[1] == id {
			delete(e.conference, k)
		}
	}
}

// Conferenced reports whether the two calls are linked.
func (e *Engine) Conferenced(a, b phone.CallID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conference[conferenceKey(a, b)]
	return ok
}
