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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/livekit/softphone/pkg/errors"
)

const (
	DefaultSIPPort         = 5060
	DefaultRTPPort         = 10000
	DefaultBridgeAddr      = "127.0.0.1:8089"
	DefaultDiagnosticsFile = "error.log"
	DefaultRecentCalls     = 20
	DefaultUserAgent       = "LiveKit Softphone"
)

type AccountConfig struct {
	Username string `yaml:"username"` // env SOFTPHONE_SIP_USERNAME
	Password string `yaml:"password"` // env SOFTPHONE_SIP_PASSWORD
	Host     string `yaml:"host"`     // env SOFTPHONE_SIP_HOST
}

type Config struct {
	Logging logger.Config `yaml:"logging"`

	SIPPort    int    `yaml:"sip_port"`
	ListenIP   string `yaml:"listen_ip"`
	LocalNet   string `yaml:"local_net"` // local IP net to use, e.g. 192.168.0.0/24
	NAT1To1IP  string `yaml:"nat_1_to_1_ip"`
	STUNServer string `yaml:"stun_server"`
	RTPPort    int    `yaml:"rtp_port"` // advertised in SDP; media is handled outside
	UserAgent  string `yaml:"user_agent"`

	Account AccountConfig `yaml:"account"`
	// Codecs maps codec names (e.g. "PCMU/8000/1") to priorities 0..255.
	Codecs map[string]int `yaml:"codecs"`

	DiagnosticsFile string `yaml:"diagnostics_file"`
	BridgeAddr      string `yaml:"bridge_addr"`
	PrometheusPort  int    `yaml:"prometheus_port"`
	RecentCalls     int    `yaml:"recent_calls"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		ServiceName: "softphone",
		Account: AccountConfig{
			Username: os.Getenv("SOFTPHONE_SIP_USERNAME"),
			Password: os.Getenv("SOFTPHONE_SIP_PASSWORD"),
			Host:     os.Getenv("SOFTPHONE_SIP_HOST"),
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	if err := conf.validate(); err != nil {
		return nil, errors.ErrCouldNotParseConfig(err)
	}
	conf.applyDefaults()
	return conf, nil
}

func (c *Config) validate() error {
	if c.SIPPort < 0 || c.SIPPort > 65535 {
		return fmt.Errorf("invalid sip_port %d", c.SIPPort)
	}
	if c.RTPPort < 0 || c.RTPPort > 65535 {
		return fmt.Errorf("invalid rtp_port %d", c.RTPPort)
	}
	for name, prio := range c.Codecs {
		if prio < 0 || prio > 255 {
			return fmt.Errorf("invalid priority %d for codec %q", prio, name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SIPPort == 0 {
		c.SIPPort = DefaultSIPPort
	}
	if c.RTPPort == 0 {
		c.RTPPort = DefaultRTPPort
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.DiagnosticsFile == "" {
		c.DiagnosticsFile = DefaultDiagnosticsFile
	}
	if c.BridgeAddr == "" {
		c.BridgeAddr = DefaultBridgeAddr
	}
	if c.RecentCalls <= 0 {
		c.RecentCalls = DefaultRecentCalls
	}
}

// HasAccount reports whether enough credentials are configured to register.
func (c *Config) HasAccount() bool {
	return c.Account.Username != "" && c.Account.Host != ""
}

func (c *Config) Init() error {
	c.NodeID = guid.New("SP_")

	if err := c.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}
