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

// Package sipua is a signaling-only SIP user agent implementing phone.Engine.
package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/phone"
)

const (
	defaultSIPPort  = 5060
	hangupTimeout   = 5 * time.Second
	registerExpires = 3600
)

type Config struct {
	// LocalNet restricts local address detection, e.g. 192.168.0.0/24.
	LocalNet string
	// NAT1To1IP is advertised instead of the detected local address.
	NAT1To1IP string
	// RTPPort is advertised in SDP. Media itself is handled outside the engine.
	RTPPort int
	// Codecs overrides the default codec priorities.
	Codecs map[string]int
}

type Engine struct {
	conf Config
	log  logger.Logger

	hmu     sync.RWMutex
	handler phone.EngineHandler

	mu          sync.Mutex
	settings    phone.Settings
	signalingIP string
	ua          *sipgo.UserAgent
	srv         *sipgo.Server
	cli         *sipgo.Client
	dua         *sipgo.DialogUA
	ctx         context.Context
	cancel      context.CancelFunc
	acc         *registration
	nextID      phone.CallID
	calls       map[phone.CallID]*dialog
	bySIPID     map[string]*dialog
	conference  map[[2]phone.CallID]struct{}
	codecs      map[string]int
	audioMuted  bool
	micMuted    bool
	devIn       int
	devOut      int

	ready  core.Fuse
	closed core.Fuse
}

var _ phone.Engine = (*Engine)(nil)

func New(conf Config, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	codecs := defaultPriorities()
	for name, prio := range conf.Codecs {
		if _, err := checkPriority(name, prio); err != nil {
			log.Warnw("ignoring codec setting", err, "codec", name)
			continue
		}
		codecs[name] = prio
	}
	return &Engine{
		conf:       conf,
		log:        log.WithValues("component", "sipua"),
		handler:    nopHandler{},
		calls:      make(map[phone.CallID]*dialog),
		bySIPID:    make(map[string]*dialog),
		conference: make(map[[2]phone.CallID]struct{}),
		codecs:     codecs,
	}
}

func (e *Engine) SetHandler(h phone.EngineHandler) {
	if h == nil {
		h = nopHandler{}
	}
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handler = h
}

func (e *Engine) h() phone.EngineHandler {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	return e.handler
}

// emit writes to the local logger and to the engine log stream.
func (e *Engine) emit(sev phone.Severity, domain, msg string, keysAndValues ...any) {
	switch sev {
	case phone.SeverityDebug:
		e.log.Debugw(msg, keysAndValues...)
	case phone.SeverityInfo:
		e.log.Infow(msg, keysAndValues...)
	case phone.SeverityWarning:
		e.log.Warnw(msg, nil, keysAndValues...)
	default:
		e.log.Errorw(msg, nil, keysAndValues...)
	}
	e.h().OnLog(phone.LogInfo{Severity: sev, Domain: domain, Message: formatLog(msg, keysAndValues), Time: time.Now()})
}

func formatLog(msg string, keysAndValues []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

func (e *Engine) Init(ctx context.Context, settings phone.Settings) error {
	if e.closed.IsBroken() {
		return siperrors.ErrClosed
	}
	if e.ready.IsBroken() {
		return errors.New("engine already initialized")
	}
	if settings.Port == 0 {
		settings.Port = defaultSIPPort
	}
	if settings.UserAgent == "" {
		settings.UserAgent = config.DefaultUserAgent
	}

	ip := e.conf.NAT1To1IP
	if ip == "" {
		addr, err := config.GetLocalIPIn(e.conf.LocalNet)
		if err != nil {
			return errors.Wrap(err, "cannot detect local address")
		}
		ip = addr.String()
	}

	slogger := slog.New(logger.ToSlogHandler(e.log))
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(settings.UserAgent))
	if err != nil {
		return errors.Wrap(err, "cannot create user agent")
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(slogger))
	if err != nil {
		ua.Close()
		return errors.Wrap(err, "cannot create sip server")
	}
	cli, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(ip),
		sipgo.WithClientLogger(slogger),
	)
	if err != nil {
		ua.Close()
		return errors.Wrap(err, "cannot create sip client")
	}
	dua := &sipgo.DialogUA{
		Client:     cli,
		ContactHDR: sip.ContactHeader{Address: sip.Uri{User: "softphone", Host: ip, Port: settings.Port}},
	}

	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	srv.OnInfo(e.onInfo)
	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	listenIP := settings.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	addr := net.JoinHostPort(listenIP, strconv.Itoa(settings.Port))

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.settings = settings
	e.signalingIP = ip
	e.ua, e.srv, e.cli, e.dua = ua, srv, cli, dua
	e.ctx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	for _, network := range []string{"udp", "tcp"} {
		go func() {
			if err := srv.ListenAndServe(runCtx, network, addr); err != nil && !e.closed.IsBroken() {
				e.emit(phone.SeverityError, "transport", "sip listener stopped", "network", network, "addr", addr, "error", err)
			}
		}()
	}
	e.ready.Break()
	e.emit(phone.SeverityInfo, "transport", "sip transport started",
		"addr", addr, "signalingIP", ip, "stun", settings.STUNServer)
	return nil
}

func (e *Engine) client() (*sipgo.Client, context.Context, error) {
	if e.closed.IsBroken() {
		return nil, nil, siperrors.ErrClosed
	}
	if !e.ready.IsBroken() {
		return nil, nil, siperrors.ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cli, e.ctx, nil
}

func (e *Engine) dialogUA() *sipgo.DialogUA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dua
}

func (e *Engine) contact(user string) *sip.ContactHeader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &sip.ContactHeader{
		Address: sip.Uri{User: user, Host: e.signalingIP, Port: e.settings.Port},
	}
}

func (e *Engine) mediaAddr() (string, int, []codecInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	port := e.conf.RTPPort
	if port == 0 {
		port = config.DefaultRTPPort
	}
	return e.signalingIP, port, enabledCodecs(e.codecs)
}

// Close hangs up all calls, unregisters and stops the transport.
func (e *Engine) Close() error {
	e.closed.Once(func() {
		if !e.ready.IsBroken() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		var wg sync.WaitGroup
		for _, d := range e.dialogs() {
			if d.State().IsTerminal() {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.hangUp(ctx, d)
			}()
		}
		wg.Wait()
		if acc := e.account(); acc != nil && acc.Registered() {
			if err := e.sendRegister(ctx, acc, 0); err != nil {
				e.log.Warnw("unregister on close failed", err)
			}
		}

		e.mu.Lock()
		cancelRun, cli, srv, ua := e.cancel, e.cli, e.srv, e.ua
		e.mu.Unlock()
		cancelRun()
		cli.Close()
		srv.Close()
		ua.Close()
		e.log.Infow("sip transport stopped")
	})
	return nil
}

func (e *Engine) MuteAudio(mute bool, id phone.CallID) {
	if id == phone.NoCall {
		e.mu.Lock()
		e.audioMuted = mute
		e.mu.Unlock()
		return
	}
	if d := e.dialog(id); d != nil {
		d.setMute(&d.audioMuted, mute)
	}
}

func (e *Engine) MuteMicrophone(mute bool, id phone.CallID) {
	if id == phone.NoCall {
		e.mu.Lock()
		e.micMuted = mute
		e.mu.Unlock()
		return
	}
	if d := e.dialog(id); d != nil {
		d.setMute(&d.micMuted, mute)
	}
}

// SignalLevels reports nominal levels for unmuted sides. The engine carries no
// media, so the values only reflect the mute state.
func (e *Engine) SignalLevels(id phone.CallID) phone.SignalLevels {
	e.mu.Lock()
	audio, mic := !e.audioMuted, !e.micMuted
	e.mu.Unlock()
	if id != phone.NoCall {
		d := e.dialog(id)
		if d == nil || d.State() != phone.StateActive {
			return phone.SignalLevels{}
		}
		d.mu.Lock()
		audio = audio && !d.audioMuted
		mic = mic && !d.micMuted
		d.mu.Unlock()
	}
	var lv phone.SignalLevels
	if audio {
		lv.Audio = 1
	}
	if mic {
		lv.Microphone = 1
	}
	return lv
}

func (e *Engine) SetCodecPriority(codec string, priority int) error {
	c, err := checkPriority(codec, priority)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codecs[c.Name] = priority
	return nil
}

func (e *Engine) CodecPriorities() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePriorities(e.codecs)
}

// SoundDevices lists the null device, the only one a signaling-only engine has.
func (e *Engine) SoundDevices() []phone.SoundDevice {
	return []phone.SoundDevice{{ID: 0, Name: "null", InputChannels: 1, OutputChannels: 1}}
}

func (e *Engine) SetSoundDevice(input, output int) error {
	if input != 0 || output != 0 {
		return fmt.Errorf("unknown sound device %d/%d", input, output)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devIn, e.devOut = input, output
	return nil
}

type nopHandler struct{}

func (nopHandler) OnIncomingCall(id phone.CallID, url, name string)         {}
func (nopHandler) OnCallState(id phone.CallID, state phone.State, code int) {}
func (nopHandler) OnAudioLevel(level int)                                   {}
func (nopHandler) OnMicrophoneLevel(level int)                              {}
func (nopHandler) OnAccountState(state int)                                 {}
func (nopHandler) OnLog(info phone.LogInfo)                                 {}
func (nopHandler) OnRing()                                                  {}
func (nopHandler) OnStopSound()                                             {}
