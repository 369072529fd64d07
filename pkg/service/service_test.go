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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/phonetest"
	"github.com/livekit/softphone/pkg/stats"
)

func newTestService(t *testing.T, body string) (*Service, *phonetest.Engine, *config.Config) {
	t.Setenv("SOFTPHONE_SIP_USERNAME", "")
	t.Setenv("SOFTPHONE_SIP_HOST", "")
	conf, err := config.NewConfig(body)
	require.NoError(t, err)
	conf.BridgeAddr = "127.0.0.1:0"
	conf.DiagnosticsFile = filepath.Join(t.TempDir(), "error.log")
	conf.NodeID = "SP_test"

	eng := phonetest.NewEngine()
	return NewService(conf, logger.GetLogger(), eng, stats.NewMonitor(conf)), eng, conf
}

func runService(t *testing.T, s *Service) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run() }()
	return errc
}

func waitDone(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestServiceGracefulStop(t *testing.T) {
	s, eng, _ := newTestService(t, "account:\n  username: alice\n  password: pw\n  host: pbx.example.com\n")
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	errc := runService(t, s)

	init := eng.Commands("Init")
	require.Len(t, init, 1)
	settings := init[0].Args[0].(phone.Settings)
	require.Equal(t, config.DefaultSIPPort, settings.Port)
	require.Equal(t, config.DefaultUserAgent, settings.UserAgent)
	require.Len(t, eng.Commands("RegisterAccount"), 1)

	_, err := s.Phone().PlaceCall(ctx, "sip:bob@example.com")
	require.NoError(t, err)

	s.Stop(false)
	require.NoError(t, waitDone(t, errc))
	<-s.Done()

	require.Len(t, eng.Commands("HangUpAll"), 1)
	require.True(t, eng.Closed())
}

func TestServiceKill(t *testing.T) {
	s, eng, conf := newTestService(t, "")
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	errc := runService(t, s)
	require.Empty(t, eng.Commands("RegisterAccount"))

	_, err := s.Phone().PlaceCall(ctx, "sip:bob@example.com")
	require.NoError(t, err)

	s.Stop(true)
	s.Stop(false)
	require.NoError(t, waitDone(t, errc))

	require.Empty(t, eng.Commands("HangUpAll"))
	require.True(t, eng.Closed())

	// The call was still active, so it lands in the diagnostics file.
	records, err := phone.ReadRecordsFile(conf.DiagnosticsFile)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "sip:bob@example.com", records[0].URL)
}

func TestServiceInitFailure(t *testing.T) {
	s, eng, _ := newTestService(t, "")
	eng.InitErr = phonetest.ErrRejected
	require.Error(t, s.Start(context.Background()))
	s.mon.Stop()
}
