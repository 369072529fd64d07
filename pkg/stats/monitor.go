// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livekit/softphone/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsLong lists histogram buckets for call durations.
	durBucketsLong = []float64{
		1, 10, 60, 5 * 60, 10 * 60, 30 * 60, 3600, 3 * 3600,
	}
)

type CallDir bool

func (d CallDir) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

const (
	Inbound  = CallDir(false)
	Outbound = CallDir(true)
)

// Monitor exposes the phone metrics. All methods are safe on a nil Monitor and
// before Start, in which case they do nothing.
type Monitor struct {
	nodeID string

	callsPlaced    *prometheus.CounterVec
	callsIncoming  *prometheus.CounterVec
	callsActive    *prometheus.GaugeVec
	stateEvents    *prometheus.CounterVec
	engineErrors   *prometheus.CounterVec
	accountState   prometheus.Gauge
	durCall        *prometheus.HistogramVec
	phoneAvailable prometheus.GaugeFunc
	bridgeClients  prometheus.GaugeFunc
	bridgeDropped  prometheus.CounterFunc

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) *Monitor {
	return &Monitor{
		nodeID: conf.NodeID,
	}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	labels := prometheus.Labels{"node_id": m.nodeID}

	m.callsPlaced = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_placed",
		Help:        "Number of outgoing call attempts by result",
		ConstLabels: labels,
	}, []string{"result"}))

	m.callsIncoming = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_incoming",
		Help:        "Number of incoming calls reported by the engine, by result",
		ConstLabels: labels,
	}, []string{"result"}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "calls_active",
		Help:        "Number of calls in a non-terminal state",
		ConstLabels: labels,
	}, []string{"dir"}))

	m.stateEvents = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "call_state_events",
		Help:        "Number of call state events received from the engine",
		ConstLabels: labels,
	}, []string{"state", "tracked"}))

	m.engineErrors = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "engine_errors",
		Help:        "Number of error log entries and handler failures on the engine event path",
		ConstLabels: labels,
	}, []string{"source"}))

	m.accountState = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "account_state",
		Help:        "Last registration status code reported for the account",
		ConstLabels: labels,
	}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "dur_call_sec",
		Help:        "Call duration (from connected to inactive)",
		ConstLabels: labels,
		Buckets:     durBucketsLong,
	}, []string{"dir"}))

	m.phoneAvailable = mustRegister(m, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "available",
		Help:        "Whether the phone accepts new calls",
		ConstLabels: labels,
	}, func() float64 {
		if m.CanAccept() {
			return 1
		}
		return 0
	}))

	m.started.Break()
	return nil
}

// WatchBridge exports the number of connected bridge clients and the number of
// events the bridge dropped because its broadcast buffer was full.
func (m *Monitor) WatchBridge(clients func() int, dropped func() int64) {
	if !m.enabled() {
		return
	}
	labels := prometheus.Labels{"node_id": m.nodeID}

	m.bridgeClients = mustRegister(m, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "bridge_clients",
		Help:        "Number of connected websocket clients",
		ConstLabels: labels,
	}, func() float64 {
		return float64(clients())
	}))

	m.bridgeDropped = mustRegister(m, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "softphone",
		Name:        "bridge_dropped_events",
		Help:        "Number of events dropped because the broadcast buffer was full",
		ConstLabels: labels,
	}, func() float64 {
		return float64(dropped())
	}))
}

func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	return m != nil && m.started.IsBroken() && !m.shutdown.IsBroken()
}

func (m *Monitor) enabled() bool {
	return m != nil && m.started.IsBroken()
}

func (m *Monitor) CallPlaced(result string) {
	if !m.enabled() {
		return
	}
	m.callsPlaced.WithLabelValues(result).Inc()
}

func (m *Monitor) IncomingCall(result string) {
	if !m.enabled() {
		return
	}
	m.callsIncoming.WithLabelValues(result).Inc()
}

func (m *Monitor) CallStateEvent(state string, tracked bool) {
	if !m.enabled() {
		return
	}
	m.stateEvents.WithLabelValues(state, strconv.FormatBool(tracked)).Inc()
}

func (m *Monitor) EngineError(source string) {
	if !m.enabled() {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.engineErrors.WithLabelValues(source).Inc()
}

func (m *Monitor) RegistrationState(code int) {
	if !m.enabled() {
		return
	}
	m.accountState.Set(float64(code))
}

func (m *Monitor) NewCall(dir CallDir) *CallMonitor {
	if m == nil {
		return nil
	}
	return &CallMonitor{
		m:   m,
		dir: dir,
	}
}

// CallMonitor tracks the active gauge and duration of a single call.
// A nil CallMonitor is valid and does nothing.
type CallMonitor struct {
	m       *Monitor
	dir     CallDir
	started atomic.Bool
}

func (c *CallMonitor) enabled() bool {
	return c != nil && c.m.enabled()
}

func (c *CallMonitor) CallStart() {
	if !c.enabled() || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.m.callsActive.WithLabelValues(c.dir.String()).Inc()
}

func (c *CallMonitor) CallEnd() {
	if !c.enabled() || !c.started.CompareAndSwap(true, false) {
		return
	}
	c.m.callsActive.WithLabelValues(c.dir.String()).Dec()
}

func (c *CallMonitor) CallDur() func() time.Duration {
	if !c.enabled() {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(c.m.durCall.WithLabelValues(c.dir.String())).ObserveDuration
}
