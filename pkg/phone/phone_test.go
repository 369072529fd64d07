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

package phone_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/phonetest"
)

type testPhone struct {
	*phone.Phone
	eng  *phonetest.Engine
	sink *phonetest.Sink
	rec  *phonetest.Recorder
}

func newTestPhone(t *testing.T) *testPhone {
	eng := phonetest.NewEngine()
	sink := &phonetest.Sink{}
	rec := &phonetest.Recorder{}
	p := phone.New(eng, phone.Params{
		Log:        logger.GetLogger(),
		Sink:       sink,
		Cues:       sink,
		LogHandler: sink,
		Recorder:   rec,
	})
	t.Cleanup(func() { _ = p.Close() })
	return &testPhone{Phone: p, eng: eng, sink: sink, rec: rec}
}

func TestPlaceCall(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()

	call, err := p.PlaceCall(ctx, "sip:bob@example.com")
	require.NoError(t, err)
	require.Equal(t, phone.CallID(1), call.ID())
	require.Equal(t, phone.StatePending, call.State())
	require.Equal(t, phone.Outgoing, call.Direction())
	require.Equal(t, "sip:bob@example.com", call.URL())
	require.Len(t, p.ActiveCalls(), 1)
	require.Same(t, call, p.Call(1))

	dial := p.eng.Commands("Dial")
	require.Len(t, dial, 1)
	require.Equal(t, "sip:bob@example.com", dial[0].Args[0])
}

func TestPlaceCallWithHeaders(t *testing.T) {
	p := newTestPhone(t)
	hdrs := map[string]string{"X-Test": "1"}
	_, err := p.PlaceCallWithHeaders(context.Background(), "sip:bob@example.com", hdrs)
	require.NoError(t, err)
	require.Equal(t, hdrs, p.eng.Commands("Dial")[0].Args[1])
}

func TestPlaceCallDialFailure(t *testing.T) {
	p := newTestPhone(t)
	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		return phone.NoCall, phonetest.ErrRejected
	}
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.Nil(t, call)
	require.ErrorIs(t, err, siperrors.ErrDialFailed)
	require.ErrorIs(t, err, phonetest.ErrRejected)
	require.Empty(t, p.ActiveCalls())

	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		return -5, nil
	}
	_, err = p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.ErrorIs(t, err, siperrors.ErrDialFailed)
}

func TestPlaceCallDuplicateID(t *testing.T) {
	p := newTestPhone(t)
	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		return 3, nil
	}
	first, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)

	_, err = p.PlaceCall(context.Background(), "sip:carol@example.com")
	require.ErrorIs(t, err, siperrors.ErrDuplicateCall)
	require.Len(t, p.ActiveCalls(), 1)
	require.Same(t, first, p.Call(3))
}

func TestPlaceCallEarlyState(t *testing.T) {
	p := newTestPhone(t)
	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		// Engine reports progress before Dial returns.
		p.eng.Handler().OnCallState(11, phone.StateEarly, 180)
		return 11, nil
	}
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)
	require.Equal(t, phone.StateEarly, call.State())
	require.Equal(t, 180, call.LastStatus())
}

func TestPlaceCallIgnoresStrayState(t *testing.T) {
	p := newTestPhone(t)
	// Nothing was dialing when the engine reported this id.
	p.eng.Handler().OnCallState(99, phone.StateInactive, 487)

	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		return 99, nil
	}
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)
	require.Equal(t, phone.StatePending, call.State())
	require.Len(t, p.ActiveCalls(), 1)
}

func TestPlaceCallReusedIDAfterRemove(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		return 5, nil
	}
	_, err := p.PlaceCall(ctx, "sip:bob@example.com")
	require.NoError(t, err)
	require.True(t, p.RemoveCall(5))

	// The engine reports the end of the removed call late.
	p.eng.Handler().OnCallState(5, phone.StateInactive, 200)

	again, err := p.PlaceCall(ctx, "sip:carol@example.com")
	require.NoError(t, err)
	require.Equal(t, phone.StatePending, again.State())
	require.Equal(t, "sip:carol@example.com", again.URL())
}

func TestPlaceCallDuringClose(t *testing.T) {
	p := newTestPhone(t)
	p.eng.DialFunc = func(url string, headers map[string]string) (phone.CallID, error) {
		// Close runs to completion while the engine is still dialing.
		require.NoError(t, p.Close())
		return 12, nil
	}
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.Nil(t, call)
	require.ErrorIs(t, err, siperrors.ErrClosed)
	require.Nil(t, p.Call(12))
	require.Empty(t, p.ActiveCalls())
}

func TestIncomingCallDuplicate(t *testing.T) {
	p := newTestPhone(t)
	h := p.eng.Handler()
	h.OnIncomingCall(42, "sip:alice@x", "Alice")
	h.OnIncomingCall(42, "sip:alice@x", "Alice")

	calls := p.ActiveCalls()
	require.Len(t, calls, 1)
	require.Equal(t, phone.CallID(42), calls[0].ID)
	require.Equal(t, phone.Incoming, calls[0].Direction)
	require.Equal(t, phone.StateRinging, calls[0].State)
	require.Equal(t, "Alice", calls[0].Name)

	evs := p.sink.Events(phonetest.EventIncomingCall)
	require.Len(t, evs, 1)
	require.Equal(t, phone.CallID(42), evs[0].ID)
	require.Equal(t, "sip:alice@x", evs[0].URL)
}

func TestHangUpAll(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	for range 2 {
		_, err := p.PlaceCall(ctx, "sip:bob@example.com")
		require.NoError(t, err)
	}
	p.eng.Handler().OnIncomingCall(100, "sip:alice@x", "Alice")
	require.Len(t, p.ActiveCalls(), 3)

	p.HangUpAll(ctx)
	require.Empty(t, p.ActiveCalls())
	require.Len(t, p.eng.Commands("HangUpAll"), 1)
	for _, id := range []phone.CallID{1, 2, 100} {
		require.Equal(t, phone.StateInactive, p.Call(id).State())
	}

	// Late engine events still update the mirror.
	p.eng.Handler().OnCallState(100, phone.StateActive, 200)
	require.Equal(t, phone.StateActive, p.Call(100).State())
}

func TestCallStateUntracked(t *testing.T) {
	p := newTestPhone(t)
	p.eng.Handler().OnIncomingCall(1, "sip:alice@x", "Alice")
	before := p.ActiveCalls()

	p.eng.Handler().OnCallState(99, phone.StateActive, 200)
	require.Equal(t, before, p.ActiveCalls())
	require.Nil(t, p.Call(99))

	evs := p.sink.Events(phonetest.EventCallState)
	require.Len(t, evs, 1)
	require.Equal(t, phone.CallID(99), evs[0].ID)
	require.Equal(t, phone.StateActive, evs[0].State)
	require.Equal(t, 200, evs[0].LastStatus)
}

func TestCallStateTracked(t *testing.T) {
	p := newTestPhone(t)
	h := p.eng.Handler()
	h.OnIncomingCall(5, "sip:alice@x", "Alice")
	h.OnCallState(5, phone.StateActive, 200)
	require.Equal(t, phone.StateActive, p.Call(5).State())
	h.OnCallState(5, phone.StateInactive, 200)
	require.Empty(t, p.ActiveCalls())
	require.NotNil(t, p.Call(5), "terminal calls stay until removed")
	require.Len(t, p.sink.Events(phonetest.EventCallState), 2)
}

func TestMuteUnknownCall(t *testing.T) {
	p := newTestPhone(t)
	p.MuteAudio(true, 7)
	p.MuteMicrophone(true, 7)
	require.Empty(t, p.eng.Commands("MuteAudio", "MuteMicrophone"))
}

func TestMute(t *testing.T) {
	p := newTestPhone(t)
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)

	p.MuteAudio(true, call.ID())
	p.MuteMicrophone(true, call.ID())
	require.True(t, call.Info().AudioMuted)
	require.True(t, call.Info().MicrophoneMuted)

	p.MuteAudio(true, phone.NoCall)
	cmds := p.eng.Commands("MuteAudio")
	require.Len(t, cmds, 2)
	require.Equal(t, call.ID(), cmds[0].ID)
	require.Equal(t, phone.NoCall, cmds[1].ID)
}

func TestCommandsUnknownCall(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	require.ErrorIs(t, p.HangUp(ctx, 1), siperrors.ErrCallNotFound)
	require.ErrorIs(t, p.Answer(ctx, 1, 200), siperrors.ErrCallNotFound)
	require.ErrorIs(t, p.SendDTMF(ctx, 1, "1"), siperrors.ErrCallNotFound)
	require.ErrorIs(t, p.Redirect(ctx, 1, "sip:x@y"), siperrors.ErrCallNotFound)
	require.ErrorIs(t, p.Conference(1, 2, true), siperrors.ErrCallNotFound)
	require.Empty(t, p.eng.Commands("HangUp", "Answer", "SendDTMF", "Redirect", "AddToConference"))
}

func TestCallCommands(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	h := p.eng.Handler()
	h.OnIncomingCall(1, "sip:alice@x", "Alice")
	h.OnIncomingCall(2, "sip:carol@x", "Carol")

	require.NoError(t, p.Answer(ctx, 1, 200))
	require.NoError(t, p.SendDTMF(ctx, 1, "12#"))
	require.NoError(t, p.Redirect(ctx, 2, "sip:dave@x"))
	require.NoError(t, p.Conference(1, 2, true))
	require.NoError(t, p.Conference(1, 2, false))
	require.NoError(t, p.HangUp(ctx, 1))

	names := make([]string, 0)
	for _, c := range p.eng.Commands() {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{"Answer", "SendDTMF", "Redirect", "AddToConference", "RemoveFromConference", "HangUp"}, names)
}

func TestRemoveCall(t *testing.T) {
	p := newTestPhone(t)
	p.eng.Handler().OnIncomingCall(1, "sip:alice@x", "Alice")
	require.True(t, p.RemoveCall(1))
	require.False(t, p.RemoveCall(1))
	require.Nil(t, p.Call(1))

	recent := p.RecentCalls()
	require.Len(t, recent, 1)
	require.Equal(t, phone.StateInactive, recent[0].State)

	// The id is free again.
	p.eng.Handler().OnIncomingCall(1, "sip:bob@x", "Bob")
	require.Len(t, p.ActiveCalls(), 1)
}

func TestEngineLog(t *testing.T) {
	p := newTestPhone(t)
	h := p.eng.Handler()
	h.OnLog(phone.LogInfo{Severity: phone.SeverityInfo, Domain: "transport", Message: "started"})
	require.Empty(t, p.LastError())
	h.OnLog(phone.LogInfo{Severity: phone.SeverityError, Domain: "call", Message: "boom"})
	h.OnLog(phone.LogInfo{Severity: phone.SeverityWarning, Domain: "call", Message: "meh"})
	require.Equal(t, "boom", p.LastError())
	require.Len(t, p.sink.Events(phonetest.EventLog), 3)
}

func TestForwardedEvents(t *testing.T) {
	p := newTestPhone(t)
	h := p.eng.Handler()
	h.OnAudioLevel(3)
	h.OnMicrophoneLevel(4)
	h.OnAccountState(200)
	h.OnRing()
	h.OnStopSound()

	evs := p.sink.Events()
	require.Len(t, evs, 5)
	require.Equal(t, phonetest.EventAudioLevel, evs[0].Kind)
	require.Equal(t, 3, evs[0].Level)
	require.Equal(t, phonetest.EventMicrophoneLevel, evs[1].Kind)
	require.Equal(t, phonetest.EventAccountState, evs[2].Kind)
	require.Equal(t, 200, evs[2].Level)
	require.Equal(t, phonetest.EventRing, evs[3].Kind)
	require.Equal(t, phonetest.EventStopSound, evs[4].Kind)

	// Without a sink, events are dropped silently.
	p.SetEventSink(nil)
	h.OnAudioLevel(1)
	h.OnCallState(1, phone.StateActive, 200)
	require.Len(t, p.sink.Events(), 5)
}

type panicSink struct {
	phonetest.Sink
}

func (s *panicSink) OnCallState(id phone.CallID, state phone.State, lastStatus int) {
	panic("sink failure")
}

func TestHandlerPanic(t *testing.T) {
	p := newTestPhone(t)
	p.SetEventSink(&panicSink{})
	h := p.eng.Handler()
	h.OnIncomingCall(1, "sip:alice@x", "Alice")
	require.NotPanics(t, func() {
		h.OnCallState(1, phone.StateActive, 200)
	})
	require.Equal(t, phone.StateActive, p.Call(1).State())

	// The per-call lock was released.
	require.NotPanics(t, func() {
		p.SetEventSink(p.sink)
		h.OnCallState(1, phone.StateInactive, 200)
	})
	require.Len(t, p.sink.Events(phonetest.EventCallState), 1)
}

// serialSink fails the test if two events for the same call overlap.
type serialSink struct {
	phonetest.Sink
	t      *testing.T
	inside sync.Map // CallID -> *atomic.Int32
	count  atomic.Int32
}

func (s *serialSink) OnCallState(id phone.CallID, state phone.State, lastStatus int) {
	v, _ := s.inside.LoadOrStore(id, &atomic.Int32{})
	n := v.(*atomic.Int32)
	if n.Add(1) != 1 {
		s.t.Errorf("concurrent events for call %d", id)
	}
	s.count.Add(1)
	n.Add(-1)
}

func TestPerCallOrdering(t *testing.T) {
	p := newTestPhone(t)
	sink := &serialSink{t: t}
	p.SetEventSink(sink)
	h := p.eng.Handler()

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.OnCallState(phone.CallID(i%4), phone.StateEarly, 180+i)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 200, sink.count.Load())
}

func TestPerCallOrderingUnderLoad(t *testing.T) {
	p := newTestPhone(t)
	call, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)
	id := call.ID()
	h := p.eng.Handler()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for n := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			other := id + phone.CallID(n+1)
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				h.OnCallState(other, phone.StateEarly, 180+i%10)
			}
		}()
	}

	h.OnCallState(id, phone.StateEarly, 180)
	h.OnCallState(id, phone.StateEarly, 183)
	h.OnCallState(id, phone.StateActive, 200)
	close(stop)
	wg.Wait()

	var got []phonetest.Event
	for _, ev := range p.sink.Events(phonetest.EventCallState) {
		if ev.ID == id {
			got = append(got, ev)
		}
	}
	require.Len(t, got, 3)
	require.Equal(t, phone.StateEarly, got[0].State)
	require.Equal(t, 180, got[0].LastStatus)
	require.Equal(t, phone.StateEarly, got[1].State)
	require.Equal(t, 183, got[1].LastStatus)
	require.Equal(t, phone.StateActive, got[2].State)
	require.Equal(t, 200, got[2].LastStatus)

	require.Equal(t, phone.StateActive, call.State())
	require.Equal(t, 200, call.LastStatus())
}

func TestInitAndRegister(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, phone.Settings{Port: 5060}))

	p.eng.InitErr = errors.New("port in use")
	err := p.Init(ctx, phone.Settings{Port: 5060})
	require.ErrorIs(t, err, siperrors.ErrEngineInit)

	require.NoError(t, p.RegisterAccount(ctx, phone.NewAccount("alice", "secret", "example.com")))
	require.Len(t, p.eng.Commands("RegisterAccount"), 1)

	err = p.RegisterAccount(ctx, phone.NewAccount("", "secret", "example.com"))
	require.ErrorIs(t, err, siperrors.ErrRegistration)
	require.Len(t, p.eng.Commands("RegisterAccount"), 1, "invalid accounts never reach the engine")

	p.eng.RegisterErr = errors.New("rejected")
	err = p.RegisterAccount(ctx, phone.NewAccount("alice", "secret", "example.com"))
	require.ErrorIs(t, err, siperrors.ErrRegistration)
	require.False(t, p.CheckAccountStatus())
}

func TestClose(t *testing.T) {
	p := newTestPhone(t)
	ctx := context.Background()
	_, err := p.PlaceCall(ctx, "sip:bob@example.com")
	require.NoError(t, err)
	p.eng.Handler().OnIncomingCall(7, "sip:alice@x", "Alice")
	p.eng.Handler().OnCallState(7, phone.StateInactive, 486)

	require.NoError(t, p.Close())
	require.True(t, p.eng.Closed())
	require.Empty(t, p.ActiveCalls())

	recs := p.rec.Records()
	require.Len(t, recs, 1, "only active calls are recorded")
	require.Equal(t, "sip:bob@example.com", recs[0].URL)

	// Closed phones ignore new work.
	_, err = p.PlaceCall(ctx, "sip:bob@example.com")
	require.ErrorIs(t, err, siperrors.ErrClosed)
	p.eng.Handler().OnIncomingCall(8, "sip:carol@x", "Carol")
	require.Nil(t, p.Call(8))

	require.NoError(t, p.Close())
	require.Len(t, p.eng.Commands("Close"), 1)
}

func TestCloseRecorderFailure(t *testing.T) {
	p := newTestPhone(t)
	p.rec.Err = errors.New("disk full")
	_, err := p.PlaceCall(context.Background(), "sip:bob@example.com")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.True(t, p.eng.Closed())
}
