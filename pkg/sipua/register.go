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
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/livekit/softphone/pkg/phone"
)

// Only one account is supported, so its id is fixed.
const accountID = 0

const (
	registerRetry      = 30 * time.Second
	minRegisterRefresh = 30 * time.Second
	// statusTimeout is reported when the registrar never answered.
	statusTimeout = 408
)

type registration struct {
	username  string
	password  string
	aor       sip.Uri
	registrar sip.Uri
	callID    string
	tag       string

	mu         sync.Mutex
	cseq       uint32
	code       int
	reason     string
	expires    int
	registered bool
	stop       context.CancelFunc
}

func newRegistration(username, password, host string) (*registration, error) {
	var registrar sip.Uri
	if err := sip.ParseUri("sip:"+host, &registrar); err != nil {
		return nil, errors.Wrapf(err, "invalid registrar host %q", host)
	}
	return &registration{
		username:  username,
		password:  password,
		aor:       sip.Uri{User: username, Host: registrar.Host},
		registrar: registrar,
		callID:    sip.GenerateTagN(24),
		tag:       sip.GenerateTagN(16),
	}, nil
}

func (a *registration) newRequest(contact *sip.ContactHeader, expires int) *sip.Request {
	a.mu.Lock()
	a.cseq++
	cseq := a.cseq
	a.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, a.registrar)
	from := &sip.FromHeader{Address: a.aor, Params: sip.NewParams()}
	from.Params.Add("tag", a.tag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return req
}

// authorize answers a 401 or 407 challenge.
func (a *registration) authorize(req *sip.Request, res *sip.Response) (sip.Header, error) {
	return digestAuth(req, res, a.username, a.password)
}

func digestAuth(req *sip.Request, res *sip.Response, username, password string) (sip.Header, error) {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := res.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("status %d without %s header", res.StatusCode, challengeName)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse challenge")
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot compute digest")
	}
	return sip.NewHeader(credName, cred.String()), nil
}

func (a *registration) setStatus(code int, reason string, expires int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.code = code
	a.reason = reason
	a.registered = code/100 == 2 && expires > 0
	if a.registered {
		a.expires = expires
	} else {
		a.expires = 0
	}
}

func (a *registration) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *registration) info() phone.AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return phone.AccountInfo{
		ID:         accountID,
		URI:        a.aor.String(),
		Registered: a.registered,
		StatusCode: a.code,
		StatusText: a.reason,
		Expires:    a.expires,
	}
}

func (a *registration) setStop(cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop = cancel
}

func (a *registration) stopRefresh() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) account() *registration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc
}

// RegisterAccount starts registering in the background and keeps the binding
// refreshed. Every registrar answer is reported through OnAccountState.
func (e *Engine) RegisterAccount(ctx context.Context, username, password, host string) (int, error) {
	if _, _, err := e.client(); err != nil {
		return -1, err
	}
	acc, err := newRegistration(username, password, host)
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	prev := e.acc
	e.acc = acc
	runCtx := e.ctx
	e.mu.Unlock()
	if prev != nil {
		prev.stopRefresh()
	}

	actx, cancel := context.WithCancel(runCtx)
	acc.setStop(cancel)
	go e.keepRegistered(actx, acc)
	return accountID, nil
}

func (e *Engine) keepRegistered(ctx context.Context, acc *registration) {
	for {
		wait := registerRetry
		if err := e.sendRegister(ctx, acc, registerExpires); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.emit(phone.SeverityWarning, "account", "registration failed", "account", acc.aor.String(), "error", err)
		} else if exp := acc.info().Expires; exp > 0 {
			wait = max(time.Duration(exp)*time.Second/2, minRegisterRefresh)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sendRegister sends one REGISTER, answering a single digest challenge.
// Expires of zero removes the binding.
func (e *Engine) sendRegister(ctx context.Context, acc *registration, expires int) error {
	e.mu.Lock()
	cli := e.cli
	e.mu.Unlock()
	contact := e.contact(acc.username)

	var auth sip.Header
	for attempt := 0; ; attempt++ {
		req := acc.newRequest(contact, expires)
		if auth != nil {
			req.AppendHeader(auth)
		}
		res, err := transact(ctx, cli, req, nil)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			acc.setStatus(statusTimeout, err.Error(), 0)
			e.h().OnAccountState(statusTimeout)
			return err
		}
		if (res.StatusCode == 401 || res.StatusCode == 407) && attempt == 0 && acc.password != "" {
			if auth, err = acc.authorize(req, res); err != nil {
				acc.setStatus(res.StatusCode, res.Reason, 0)
				e.h().OnAccountState(res.StatusCode)
				return err
			}
			continue
		}
		granted := expires
		if h := res.GetHeader("Expires"); h != nil {
			if v, err := strconv.Atoi(h.Value()); err == nil {
				granted = v
			}
		}
		acc.setStatus(res.StatusCode, res.Reason, granted)
		e.log.Infow("registrar answered", "account", acc.aor.String(), "status", res.StatusCode, "expires", granted)
		e.h().OnAccountState(res.StatusCode)
		if res.StatusCode/100 != 2 {
			return &StatusError{StatusCode: res.StatusCode, Reason: res.Reason}
		}
		return nil
	}
}

func (e *Engine) Unregister(ctx context.Context) error {
	if _, _, err := e.client(); err != nil {
		return err
	}
	acc := e.account()
	if acc == nil {
		return nil
	}
	acc.stopRefresh()
	return e.sendRegister(ctx, acc, 0)
}

func (e *Engine) CheckAccountStatus() bool {
	acc := e.account()
	return acc != nil && acc.Registered()
}

func (e *Engine) AccountInfo() phone.AccountInfo {
	acc := e.account()
	if acc == nil {
		return phone.AccountInfo{ID: -1}
	}
	return acc.info()
}
