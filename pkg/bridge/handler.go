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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
	"github.com/livekit/psrpc"

	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/phone"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on localhost only by default; scripts may run from any page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	phone *phone.Phone
	hub   *Hub
	log   logger.Logger
}

func NewHandler(p *phone.Phone, hub *Hub, log logger.Logger) *Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Handler{
		phone: p,
		hub:   hub,
		log:   log.WithValues("component", "bridge"),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)

	r.Route("/calls", func(r chi.Router) {
		r.Get("/", h.listCalls)
		r.Post("/", h.placeCall)
		r.Delete("/", h.hangUpAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.callDetails)
			r.Delete("/", h.removeCall)
			r.Post("/answer", h.answer)
			r.Post("/hangup", h.hangUp)
			r.Post("/dtmf", h.sendDTMF)
			r.Post("/redirect", h.redirect)
			r.Post("/conference", h.conference)
		})
	})
	r.Post("/mute", h.mute)
	r.Get("/account", h.account)
	r.Get("/signal", h.signal)
	r.Get("/error", h.lastError)
	r.Get("/history", h.history)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debugw("bridge request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

// ServeWS streams phone events to the client until it disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("cannot upgrade websocket", err)
		return
	}
	c := newClient(guid.New("WS_"), conn)
	if !h.hub.add(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	defer h.hub.remove(c)

	// Clients only listen; reading detects disconnects and handles control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warnw("unexpected websocket close", err, "clientID", c.id)
			}
			return
		}
	}
}

type placeCallRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type answerRequest struct {
	Code int `json:"code"`
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

type redirectRequest struct {
	URL string `json:"url"`
}

type conferenceRequest struct {
	With phone.CallID `json:"with"`
	// Join is false to leave the conference.
	Join bool `json:"join"`
}

type muteRequest struct {
	// ID defaults to the whole engine.
	ID         *phone.CallID `json:"id,omitempty"`
	Audio      *bool         `json:"audio,omitempty"`
	Microphone *bool         `json:"microphone,omitempty"`
}

type accountResponse struct {
	phone.AccountInfo
	Active bool `json:"active"`
}

type callResponse struct {
	phone.CallInfo
	Details *phone.CallDetails `json:"details,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listCalls(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.phone.ActiveCalls())
}

func (h *Handler) placeCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		h.writeError(w, psrpc.NewErrorf(psrpc.InvalidArgument, "url is required"))
		return
	}
	call, err := h.phone.PlaceCallWithHeaders(r.Context(), req.URL, req.Headers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, call.Info())
}

func (h *Handler) hangUpAll(w http.ResponseWriter, r *http.Request) {
	h.phone.HangUpAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) callDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	call := h.phone.Call(id)
	if call == nil {
		h.writeError(w, siperrors.ErrCallNotFound)
		return
	}
	res := callResponse{CallInfo: call.Info()}
	if d, err := h.phone.CallDetails(id); err == nil {
		res.Details = &d
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) removeCall(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	if !h.phone.RemoveCall(id) {
		h.writeError(w, siperrors.ErrCallNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	req := answerRequest{Code: http.StatusOK}
	if r.ContentLength != 0 && !h.readJSON(w, r, &req) {
		return
	}
	h.writeResult(w, h.phone.Answer(r.Context(), id, req.Code))
}

func (h *Handler) hangUp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	h.writeResult(w, h.phone.HangUp(r.Context(), id))
}

func (h *Handler) sendDTMF(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	var req dtmfRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	h.writeResult(w, h.phone.SendDTMF(r.Context(), id, req.Digits))
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	var req redirectRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	h.writeResult(w, h.phone.Redirect(r.Context(), id, req.URL))
}

func (h *Handler) conference(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callID(w, r)
	if !ok {
		return
	}
	var req conferenceRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	h.writeResult(w, h.phone.Conference(id, req.With, req.Join))
}

func (h *Handler) mute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	id := phone.NoCall
	if req.ID != nil {
		id = *req.ID
	}
	if req.Audio != nil {
		h.phone.MuteAudio(*req.Audio, id)
	}
	if req.Microphone != nil {
		h.phone.MuteMicrophone(*req.Microphone, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, accountResponse{
		AccountInfo: h.phone.AccountInfo(),
		Active:      h.phone.CheckAccountStatus(),
	})
}

func (h *Handler) signal(w http.ResponseWriter, r *http.Request) {
	id := phone.NoCall
	if s := r.URL.Query().Get("id"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, psrpc.NewErrorf(psrpc.InvalidArgument, "invalid call id %q", s))
			return
		}
		id = phone.CallID(v)
	}
	h.writeJSON(w, http.StatusOK, h.phone.SignalLevels(id))
}

func (h *Handler) lastError(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, errorResponse{Error: h.phone.LastError()})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.phone.RecentCalls())
}

func (h *Handler) callID(w http.ResponseWriter, r *http.Request) (phone.CallID, bool) {
	s := chi.URLParam(r, "id")
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		h.writeError(w, psrpc.NewErrorf(psrpc.InvalidArgument, "invalid call id %q", s))
		return phone.NoCall, false
	}
	return phone.CallID(v), true
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, psrpc.NewErrorf(psrpc.InvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("cannot write response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Warnw("bridge command failed", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func httpStatus(err error) int {
	switch siperrors.Code(err) {
	case psrpc.InvalidArgument, psrpc.MalformedRequest:
		return http.StatusBadRequest
	case psrpc.NotFound:
		return http.StatusNotFound
	case psrpc.AlreadyExists:
		return http.StatusConflict
	case psrpc.FailedPrecondition:
		return http.StatusPreconditionFailed
	case psrpc.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
