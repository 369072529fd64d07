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

package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/phonetest"
)

type testBridge struct {
	eng   *phonetest.Engine
	phone *phone.Phone
	hub   *Hub
	srv   *httptest.Server
}

func newTestBridge(t *testing.T) *testBridge {
	log := logger.GetLogger()
	eng := phonetest.NewEngine()
	hub := NewHub(log)
	p := phone.New(eng, phone.Params{Log: log, Sink: hub, Cues: hub})
	srv := httptest.NewServer(NewHandler(p, hub, log).NewRouter())
	go hub.Run()

	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	t.Cleanup(func() { _ = p.Close() })
	return &testBridge{eng: eng, phone: p, hub: hub, srv: srv}
}

func (b *testBridge) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, b.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (b *testBridge) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return b.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev.Type, ev.Data
}

func TestPlaceCallAndList(t *testing.T) {
	b := newTestBridge(t)

	res := b.do(t, http.MethodPost, "/calls", placeCallRequest{
		URL:     "sip:bob@example.com",
		Headers: map[string]string{"X-Test": "1"},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	info := decode[phone.CallInfo](t, res)
	require.Equal(t, phone.CallID(1), info.ID)
	require.Equal(t, "sip:bob@example.com", info.URL)

	res = b.do(t, http.MethodGet, "/calls", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	list := decode[[]map[string]any](t, res)
	require.Len(t, list, 1)
	require.Equal(t, "pending", list[0]["state"])
	require.Equal(t, "outgoing", list[0]["direction"])

	dial := b.eng.Commands("Dial")
	require.Len(t, dial, 1)
	require.Equal(t, map[string]string{"X-Test": "1"}, dial[0].Args[1])
}

func TestPlaceCallErrors(t *testing.T) {
	b := newTestBridge(t)

	res := b.do(t, http.MethodPost, "/calls", placeCallRequest{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = b.do(t, http.MethodPost, "/calls", map[string]string{"unknown": "x"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	b.eng.DialFunc = func(string, map[string]string) (phone.CallID, error) {
		return phone.NoCall, phonetest.ErrRejected
	}
	res = b.do(t, http.MethodPost, "/calls", placeCallRequest{URL: "sip:bob@example.com"})
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	body := decode[errorResponse](t, res)
	require.Contains(t, body.Error, "dial rejected")
	require.Empty(t, b.phone.ActiveCalls())
}

func TestCallCommands(t *testing.T) {
	b := newTestBridge(t)
	b.eng.Handler().OnIncomingCall(4, "sip:alice@example.com", "Alice")

	res := b.do(t, http.MethodPost, "/calls/4/answer", answerRequest{Code: 180})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	// Empty body answers with 200.
	res = b.do(t, http.MethodPost, "/calls/4/answer", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = b.do(t, http.MethodPost, "/calls/4/dtmf", dtmfRequest{Digits: "12#"})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = b.do(t, http.MethodPost, "/calls/4/redirect", redirectRequest{URL: "sip:carol@example.com"})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = b.do(t, http.MethodPost, "/calls/4/hangup", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	answers := b.eng.Commands("Answer")
	require.Len(t, answers, 2)
	require.Equal(t, 180, answers[0].Args[0])
	require.Equal(t, 200, answers[1].Args[0])
	require.Equal(t, "12#", b.eng.Commands("SendDTMF")[0].Args[0])
	require.Equal(t, "sip:carol@example.com", b.eng.Commands("Redirect")[0].Args[0])
	require.Len(t, b.eng.Commands("HangUp"), 1)
}

func TestUnknownCall(t *testing.T) {
	b := newTestBridge(t)

	for _, path := range []string{"/calls/9/hangup", "/calls/9/answer"} {
		res := b.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusNotFound, res.StatusCode, path)
	}
	res := b.do(t, http.MethodGet, "/calls/9", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res = b.do(t, http.MethodDelete, "/calls/9", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = b.do(t, http.MethodGet, "/calls/abc", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Empty(t, b.eng.Commands("HangUp", "Answer"))
}

func TestCallDetailsAndRemove(t *testing.T) {
	b := newTestBridge(t)
	b.eng.Handler().OnIncomingCall(2, "sip:alice@example.com", "Alice")

	res := b.do(t, http.MethodGet, "/calls/2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[map[string]any](t, res)
	require.Equal(t, "Alice", got["name"])
	require.Equal(t, "ringing", got["state"])
	// The fake engine has no details to offer.
	require.NotContains(t, got, "details")

	res = b.do(t, http.MethodDelete, "/calls/2", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Empty(t, b.phone.ActiveCalls())

	res = b.do(t, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	history := decode[[]phone.CallInfo](t, res)
	require.Len(t, history, 1)
	require.Equal(t, phone.CallID(2), history[0].ID)
	require.Equal(t, phone.StateInactive, history[0].State)
}

func TestHangUpAllRoute(t *testing.T) {
	b := newTestBridge(t)
	b.eng.Handler().OnIncomingCall(1, "sip:a@example.com", "")
	b.eng.Handler().OnIncomingCall(2, "sip:b@example.com", "")

	res := b.do(t, http.MethodDelete, "/calls", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Len(t, b.eng.Commands("HangUpAll"), 1)
	for _, c := range b.phone.ActiveCalls() {
		require.Equal(t, phone.StateInactive, c.State)
	}
}

func TestConferenceRoute(t *testing.T) {
	b := newTestBridge(t)
	b.eng.Handler().OnIncomingCall(1, "sip:a@example.com", "")
	b.eng.Handler().OnIncomingCall(2, "sip:b@example.com", "")

	res := b.do(t, http.MethodPost, "/calls/1/conference", conferenceRequest{With: 2, Join: true})
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = b.do(t, http.MethodPost, "/calls/1/conference", conferenceRequest{With: 2})
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = b.do(t, http.MethodPost, "/calls/1/conference", conferenceRequest{With: 5, Join: true})
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	require.Len(t, b.eng.Commands("AddToConference"), 1)
	require.Len(t, b.eng.Commands("RemoveFromConference"), 1)
}

func TestMuteRoute(t *testing.T) {
	b := newTestBridge(t)
	b.eng.Handler().OnIncomingCall(3, "sip:a@example.com", "")

	yes := true
	res := b.do(t, http.MethodPost, "/mute", map[string]any{"audio": yes})
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = b.do(t, http.MethodPost, "/mute", map[string]any{"id": 3, "microphone": yes})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	audio := b.eng.Commands("MuteAudio")
	require.Len(t, audio, 1)
	require.Equal(t, phone.NoCall, audio[0].ID)
	mic := b.eng.Commands("MuteMicrophone")
	require.Len(t, mic, 1)
	require.Equal(t, phone.CallID(3), mic[0].ID)
	require.True(t, b.phone.Call(3).Info().MicrophoneMuted)
}

func TestQueryRoutes(t *testing.T) {
	b := newTestBridge(t)

	res := b.do(t, http.MethodGet, "/account", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = b.do(t, http.MethodGet, "/signal?id=1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	levels := decode[phone.SignalLevels](t, res)
	require.Equal(t, phone.SignalLevels{Audio: 1, Microphone: 1}, levels)

	res = b.do(t, http.MethodGet, "/signal?id=x", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	b.eng.Handler().OnLog(phone.LogInfo{Severity: phone.SeverityError, Message: "registrar unreachable"})
	res = b.do(t, http.MethodGet, "/error", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "registrar unreachable", decode[errorResponse](t, res).Error)
}

func TestEventStream(t *testing.T) {
	b := newTestBridge(t)
	conn := b.dialWS(t)
	h := b.eng.Handler()

	h.OnIncomingCall(5, "sip:alice@example.com", "Alice")
	typ, data := readEvent(t, conn)
	require.Equal(t, EventIncomingCall, typ)
	require.EqualValues(t, 5, data["id"])
	require.Equal(t, "sip:alice@example.com", data["url"])

	h.OnRing()
	typ, _ = readEvent(t, conn)
	require.Equal(t, EventRing, typ)

	h.OnCallState(5, phone.StateActive, 200)
	typ, data = readEvent(t, conn)
	require.Equal(t, EventCallState, typ)
	require.Equal(t, "active", data["state"])
	require.EqualValues(t, 200, data["last_status"])

	h.OnStopSound()
	typ, _ = readEvent(t, conn)
	require.Equal(t, EventStopSound, typ)

	h.OnAccountState(200)
	typ, data = readEvent(t, conn)
	require.Equal(t, EventAccountState, typ)
	require.EqualValues(t, 200, data["state"])

	h.OnAudioLevel(3)
	typ, data = readEvent(t, conn)
	require.Equal(t, EventAudioLevel, typ)
	require.EqualValues(t, 3, data["level"])
}

func TestEventStreamDisconnect(t *testing.T) {
	b := newTestBridge(t)
	conn := b.dialWS(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.hub.Clients() == 0 }, time.Second, 10*time.Millisecond)

	// Publishing without clients is fine.
	b.eng.Handler().OnAudioLevel(1)
}

func TestHubClose(t *testing.T) {
	b := newTestBridge(t)
	conn := b.dialWS(t)

	b.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)

	// Closed hubs drop events silently.
	b.hub.Publish(EventRing, nil)
	require.Zero(t, b.hub.Dropped())
}

func TestPublishDropsWhenFull(t *testing.T) {
	hub := NewHub(logger.GetLogger())
	// Run is not started, so the broadcast buffer fills up.
	for i := 0; i < broadcastBuffer+3; i++ {
		hub.Publish(EventAudioLevel, LevelData{Level: i})
	}
	require.EqualValues(t, 3, hub.Dropped())
	hub.Close()
}

func TestHTTPStatus(t *testing.T) {
	for _, c := range []struct {
		err  error
		want int
	}{
		{siperrors.ErrCallNotFound, http.StatusNotFound},
		{siperrors.ErrInvalidDigits, http.StatusBadRequest},
		{fmt.Errorf("%w: 3", siperrors.ErrDuplicateCall), http.StatusConflict},
		{siperrors.ErrNotInitialized, http.StatusPreconditionFailed},
		{siperrors.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		require.Equal(t, c.want, httpStatus(c.err), "%v", c.err)
	}
}
