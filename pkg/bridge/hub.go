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

// Package bridge exposes the phone to scripts over HTTP and websockets.
package bridge

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/phone"
)

const (
	EventIncomingCall    = "incoming_call"
	EventCallState       = "call_state"
	EventAudioLevel      = "audio_level"
	EventMicrophoneLevel = "microphone_level"
	EventAccountState    = "account_state"
	EventRing            = "ring"
	EventStopSound       = "stop_sound"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
	writeWait       = 10 * time.Second
)

// Event is the JSON envelope sent to every websocket client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type CallStateData struct {
	ID         phone.CallID `json:"id"`
	State      phone.State  `json:"state"`
	LastStatus int          `json:"last_status"`
}

type LevelData struct {
	Level int `json:"level"`
}

type AccountStateData struct {
	State int `json:"state"`
}

// Hub fans phone events out to websocket clients. It implements
// phone.EventSink and phone.AudioCues.
type Hub struct {
	log logger.Logger

	clients    map[*client]struct{} // owned by Run
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	count      atomic.Int32
	dropped    atomic.Int64

	closed core.Fuse
}

var (
	_ phone.EventSink = (*Hub)(nil)
	_ phone.AudioCues = (*Hub)(nil)
)

func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Hub{
		log:        log.WithValues("component", "bridge"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.closed.Watch():
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.log.Infow("client connected", "clientID", c.id)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.count.Store(int32(len(h.clients)))
				h.log.Infow("client disconnected", "clientID", c.id)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow reader, drop it rather than stall every other client.
					h.log.Warnw("client too slow, disconnecting", nil, "clientID", c.id)
					delete(h.clients, c)
					c.close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.closed.Break()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Dropped returns how many events were discarded because the hub was saturated.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.closed.Watch():
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.closed.Watch():
	}
}

// Publish broadcasts an event. It never blocks the caller: when the broadcast
// buffer is full the event is dropped for every client and counted in Dropped.
// Clients that fall behind are disconnected by Run instead.
func (h *Hub) Publish(typ string, data any) {
	if h.closed.IsBroken() {
		return
	}
	msg, err := json.Marshal(Event{Type: typ, Data: data})
	if err != nil {
		h.log.Errorw("cannot encode event", err, "type", typ)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.log.Warnw("broadcast channel full, dropping event", nil, "type", typ)
	}
}

func (h *Hub) OnIncomingCall(info phone.CallInfo) {
	h.Publish(EventIncomingCall, info)
}

func (h *Hub) OnCallState(id phone.CallID, state phone.State, lastStatus int) {
	h.Publish(EventCallState, CallStateData{ID: id, State: state, LastStatus: lastStatus})
}

func (h *Hub) OnAudioLevel(level int) {
	h.Publish(EventAudioLevel, LevelData{Level: level})
}

func (h *Hub) OnMicrophoneLevel(level int) {
	h.Publish(EventMicrophoneLevel, LevelData{Level: level})
}

func (h *Hub) OnAccountState(state int) {
	h.Publish(EventAccountState, AccountStateData{State: state})
}

func (h *Hub) StartRing() {
	h.Publish(EventRing, nil)
}

func (h *Hub) Stop() {
	h.Publish(EventStopSound, nil)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done core.Fuse
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
}

func (c *client) close() {
	c.done.Break()
}

// writeLoop owns all writes to the connection.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done.Watch():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
