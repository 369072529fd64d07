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

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/bridge"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/stats"
)

const shutdownTimeout = 5 * time.Second

// Service runs the phone together with the script bridge and the metrics endpoint.
type Service struct {
	conf  *config.Config
	log   logger.Logger
	mon   *stats.Monitor
	phone *phone.Phone
	hub   *bridge.Hub

	bridgeSrv *http.Server
	promSrv   *http.Server

	shutdown core.Fuse
	done     core.Fuse
}

func NewService(conf *config.Config, log logger.Logger, engine phone.Engine, mon *stats.Monitor) *Service {
	if log == nil {
		log = logger.GetLogger()
	}
	hub := bridge.NewHub(log)
	p := phone.New(engine, phone.Params{
		Log:         log,
		Monitor:     mon,
		Sink:        hub,
		Cues:        hub,
		Recorder:    phone.NewFileRecorder(conf.DiagnosticsFile),
		HistorySize: conf.RecentCalls,
	})
	s := &Service{
		conf:  conf,
		log:   log,
		mon:   mon,
		phone: p,
		hub:   hub,
		bridgeSrv: &http.Server{
			Addr:              conf.BridgeAddr,
			Handler:           bridge.NewHandler(p, hub, log).NewRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if conf.PrometheusPort > 0 {
		s.promSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

func (s *Service) Phone() *phone.Phone {
	return s.phone
}

// Start initializes the engine, opens the listeners and registers the
// configured account. A failed registration is logged, not fatal.
func (s *Service) Start(ctx context.Context) error {
	if err := s.mon.Start(); err != nil {
		return err
	}
	s.mon.WatchBridge(s.hub.Clients, s.hub.Dropped)
	if err := s.phone.Init(ctx, phone.Settings{
		Port:       s.conf.SIPPort,
		STUNServer: s.conf.STUNServer,
		ListenIP:   s.conf.ListenIP,
		UserAgent:  s.conf.UserAgent,
	}); err != nil {
		return err
	}

	go s.hub.Run()
	if err := s.listen(s.bridgeSrv, "bridge"); err != nil {
		return err
	}
	if s.promSrv != nil {
		if err := s.listen(s.promSrv, "prometheus"); err != nil {
			return err
		}
	}

	if s.conf.HasAccount() {
		acc := phone.NewAccount(s.conf.Account.Username, s.conf.Account.Password, s.conf.Account.Host)
		if err := s.phone.RegisterAccount(ctx, acc); err != nil {
			s.log.Warnw("account registration failed", err, "account", acc.URI())
		}
	} else {
		s.log.Infow("no account configured, outgoing calls need full SIP URIs")
	}
	return nil
}

func (s *Service) listen(srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen for %s: %w", name, err)
	}
	s.log.Infow("listening", "server", name, "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("server failed", err, "server", name)
		}
	}()
	return nil
}

// Stop requests shutdown. With kill unset, active calls are hung up first.
func (s *Service) Stop(kill bool) {
	s.shutdown.Once(func() {
		if !kill {
			s.phone.HangUpAll(context.Background())
		}
	})
}

// Run blocks until Stop is called, then releases everything.
func (s *Service) Run() error {
	defer s.done.Break()
	s.log.Debugw("service ready", "bridge", s.conf.BridgeAddr)

	<-s.shutdown.Watch()
	s.log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	_ = s.bridgeSrv.Shutdown(ctx)
	if s.promSrv != nil {
		_ = s.promSrv.Shutdown(ctx)
	}
	err := s.phone.Close()
	s.mon.Stop()
	return err
}

// Done is closed once Run returned.
func (s *Service) Done() <-chan struct{} {
	return s.done.Watch()
}
