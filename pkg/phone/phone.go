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
	"sync/atomic"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/protocol/logger"

	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/stats"
)

const defaultHistorySize = 20

type Params struct {
	Log        logger.Logger
	Monitor    *stats.Monitor
	Sink       EventSink
	Cues       AudioCues
	LogHandler LogHandler
	Recorder   Recorder
	// HistorySize is the number of removed calls kept for RecentCalls.
	HistorySize int
}

// Phone owns the calls and the engine. Commands come from a single control
// goroutine, engine events may arrive from any goroutine.
type Phone struct {
	log      logger.Logger
	engine   Engine
	mon      *stats.Monitor
	cues     AudioCues
	logs     LogHandler
	recorder Recorder

	sink   atomic.Pointer[EventSink]
	calls  *Registry
	order  *callLocks
	recent *lru.Cache[CallID, CallInfo]

	emu     sync.Mutex
	lastErr string

	// closing breaks as soon as Close starts, closed once it is done.
	closing core.Fuse
	closed  core.Fuse
}

func New(engine Engine, p Params) *Phone {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Cues == nil {
		p.Cues = nopCues{}
	}
	if p.LogHandler == nil {
		p.LogHandler = NewLoggerHandler(p.Log)
	}
	if p.HistorySize <= 0 {
		p.HistorySize = defaultHistorySize
	}
	recent, err := lru.New[CallID, CallInfo](p.HistorySize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	ph := &Phone{
		log:      p.Log,
		engine:   engine,
		mon:      p.Monitor,
		cues:     p.Cues,
		logs:     p.LogHandler,
		recorder: p.Recorder,
		calls:    NewRegistry(),
		order:    newCallLocks(),
		recent:   recent,
	}
	if p.Sink != nil {
		ph.SetEventSink(p.Sink)
	}
	engine.SetHandler(ph)
	return ph
}

// SetEventSink replaces the sink. Nil disables forwarding.
func (p *Phone) SetEventSink(sink EventSink) {
	if sink == nil {
		p.sink.Store(nil)
		return
	}
	p.sink.Store(&sink)
}

func (p *Phone) eventSink() EventSink {
	if s := p.sink.Load(); s != nil {
		return *s
	}
	return nil
}

func (p *Phone) Engine() Engine {
	return p.engine
}

func (p *Phone) Init(ctx context.Context, settings Settings) error {
	ctx, span := Tracer.Start(ctx, "Phone.Init")
	defer span.End()
	if err := p.engine.Init(ctx, settings); err != nil {
		p.log.Errorw("engine init failed", err, "port", settings.Port, "stun", settings.STUNServer)
		span.RecordError(err)
		return fmt.Errorf("%w: %w", siperrors.ErrEngineInit, err)
	}
	p.log.Infow("engine initialized", "port", settings.Port, "stun", settings.STUNServer)
	return nil
}

// RegisterAccount hands the credentials to the engine. The registrar's answer
// arrives later through OnAccountState.
func (p *Phone) RegisterAccount(ctx context.Context, acc Account) error {
	ctx, span := Tracer.Start(ctx, "Phone.RegisterAccount", trace.WithAttributes(
		attribute.String("account", acc.URI()),
	))
	defer span.End()
	if err := acc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", siperrors.ErrRegistration, err)
	}
	id, err := p.engine.RegisterAccount(ctx, acc.Username(), acc.Password(), acc.Host())
	if err == nil && id < 0 {
		err = fmt.Errorf("engine returned account id %d", id)
	}
	if err != nil {
		p.log.Warnw("account registration rejected", err, "account", acc.URI())
		span.RecordError(err)
		return fmt.Errorf("%w: %w", siperrors.ErrRegistration, err)
	}
	p.log.Infow("account registration sent", "account", acc.URI(), "accountID", id)
	return nil
}

func (p *Phone) Unregister(ctx context.Context) error {
	return p.engine.Unregister(ctx)
}

func (p *Phone) CheckAccountStatus() bool {
	return p.engine.CheckAccountStatus()
}

func (p *Phone) AccountInfo() AccountInfo {
	return p.engine.AccountInfo()
}

func (p *Phone) PlaceCall(ctx context.Context, url string) (*Call, error) {
	return p.PlaceCallWithHeaders(ctx, url, nil)
}

// PlaceCallWithHeaders dials url. The call becomes visible only when the engine
// accepted the dial and the registry accepted the call; otherwise it is discarded.
func (p *Phone) PlaceCallWithHeaders(ctx context.Context, url string, headers map[string]string) (*Call, error) {
	ctx, span := Tracer.Start(ctx, "Phone.PlaceCall", trace.WithAttributes(
		attribute.String("url", url),
	))
	defer span.End()
	if p.closing.IsBroken() {
		return nil, siperrors.ErrClosed
	}
	call := newCall(p.engine, Outgoing, p.mon)
	call.setPeer(url, "")

	endDial := p.calls.BeginDial()
	defer endDial()
	id, err := p.engine.Dial(ctx, url, headers)
	if err == nil && id < 0 {
		err = fmt.Errorf("engine returned call id %d", id)
	}
	if err != nil {
		p.mon.CallPlaced("rejected")
		p.log.Warnw("dial failed", err, "url", url)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", siperrors.ErrDialFailed, err)
	}
	call.setID(id)
	if !p.calls.Add(call) {
		p.mon.CallPlaced("duplicate")
		p.log.Errorw("engine reused an active call id", nil, "callID", id, "url", url)
		return nil, fmt.Errorf("%w: %d", siperrors.ErrDuplicateCall, id)
	}
	if p.closing.IsBroken() {
		// Close started while dialing and may have already released the calls.
		p.calls.Remove(id)
		call.SetInactive()
		return nil, siperrors.ErrClosed
	}
	p.mon.CallPlaced("ok")
	p.log.Infow("call placed", "callID", id, "url", url)
	return call, nil
}

// HangUpAll asks the engine to end every call and marks all calls inactive
// without waiting for the engine to confirm.
func (p *Phone) HangUpAll(ctx context.Context) {
	ctx, span := Tracer.Start(ctx, "Phone.HangUpAll")
	defer span.End()
	p.engine.HangUpAll(ctx)
	n := p.calls.MarkAllInactive()
	p.log.Infow("hung up all calls", "count", n)
}

func (p *Phone) HangUp(ctx context.Context, id CallID) error {
	call := p.calls.Find(id)
	if call == nil {
		return siperrors.ErrCallNotFound
	}
	return call.HangUp(ctx)
}

func (p *Phone) Answer(ctx context.Context, id CallID, code int) error {
	call := p.calls.Find(id)
	if call == nil {
		return siperrors.ErrCallNotFound
	}
	return call.Answer(ctx, code)
}

func (p *Phone) SendDTMF(ctx context.Context, id CallID, digits string) error {
	call := p.calls.Find(id)
	if call == nil {
		return siperrors.ErrCallNotFound
	}
	return call.SendDTMF(ctx, digits)
}

func (p *Phone) Redirect(ctx context.Context, id CallID, dest string) error {
	call := p.calls.Find(id)
	if call == nil {
		return siperrors.ErrCallNotFound
	}
	return call.Redirect(ctx, dest)
}

func (p *Phone) Conference(src, dst CallID, join bool) error {
	a, b := p.calls.Find(src), p.calls.Find(dst)
	if a == nil || b == nil {
		return siperrors.ErrCallNotFound
	}
	if join {
		return a.AddToConference(b)
	}
	return a.RemoveFromConference(b)
}

// MuteAudio mutes one call, or the whole engine for NoCall. Unknown ids are ignored.
func (p *Phone) MuteAudio(mute bool, id CallID) {
	if id == NoCall {
		p.engine.MuteAudio(mute, NoCall)
		return
	}
	if call := p.calls.Find(id); call != nil {
		call.MuteAudio(mute)
	}
}

// MuteMicrophone mutes one call, or the whole engine for NoCall. Unknown ids are ignored.
func (p *Phone) MuteMicrophone(mute bool, id CallID) {
	if id == NoCall {
		p.engine.MuteMicrophone(mute, NoCall)
		return
	}
	if call := p.calls.Find(id); call != nil {
		call.MuteMicrophone(mute)
	}
}

func (p *Phone) SignalLevels(id CallID) SignalLevels {
	return p.engine.SignalLevels(id)
}

func (p *Phone) CallDetails(id CallID) (CallDetails, error) {
	return p.engine.CallDetails(id)
}

// Call returns the tracked call with the given id, or nil.
func (p *Phone) Call(id CallID) *Call {
	return p.calls.Find(id)
}

func (p *Phone) ActiveCalls() []CallInfo {
	return p.calls.ActiveSnapshot()
}

// RemoveCall drops a call from the registry. Its last info stays in RecentCalls.
func (p *Phone) RemoveCall(id CallID) bool {
	call := p.calls.Remove(id)
	if call == nil {
		return false
	}
	call.SetInactive()
	p.recent.Add(id, call.Info())
	return true
}

// RecentCalls returns removed calls, oldest first.
func (p *Phone) RecentCalls() []CallInfo {
	return p.recent.Values()
}

// LastError returns the most recent engine error message.
func (p *Phone) LastError() string {
	p.emu.Lock()
	defer p.emu.Unlock()
	return p.lastErr
}

// Close records calls that are still active, releases them and closes the engine.
// Failing to write diagnostics never prevents the engine from being released.
func (p *Phone) Close() error {
	var err error
	p.closing.Break()
	p.closed.Once(func() {
		records := p.calls.activeRecords()
		if len(records) > 0 && p.recorder != nil {
			if rerr := p.recorder.Record(records); rerr != nil {
				p.log.Errorw("cannot write call diagnostics", rerr, "calls", len(records))
			} else {
				p.log.Infow("recorded active calls", "calls", len(records))
			}
		}
		for _, c := range p.calls.Clear() {
			c.SetInactive()
		}
		p.mon.Shutdown()
		err = p.engine.Close()
		if err != nil {
			p.log.Warnw("engine close failed", err)
		}
	})
	return err
}

type nopCues struct{}

func (nopCues) StartRing() {}
func (nopCues) Stop()      {}
