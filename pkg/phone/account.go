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
	"errors"
	"fmt"
	"strings"
)

// Account is the SIP identity used to register with the engine.
// It is a value type; the phone never keeps it after RegisterAccount returns.
type Account struct {
	username string
	password string
	host     string
}

func NewAccount(username, password, host string) Account {
	return Account{
		username: username,
		password: password,
		host:     host,
	}
}

func (a Account) Username() string { return a.username }
func (a Account) Password() string { return a.password }
func (a Account) Host() string     { return a.host }

func (a Account) Validate() error {
	if strings.TrimSpace(a.username) == "" {
		return errors.New("username is required")
	}
	if strings.TrimSpace(a.host) == "" {
		return errors.New("host is required")
	}
	if strings.ContainsAny(a.username, " <>\"@") {
		return fmt.Errorf("invalid username %q", a.username)
	}
	if strings.ContainsAny(a.host, " <>\"@/") {
		return fmt.Errorf("invalid host %q", a.host)
	}
	return nil
}

// URI returns the address of record, e.g. sip:alice@example.com.
func (a Account) URI() string {
	return "sip:" + a.username + "@" + a.host
}

func (a Account) String() string {
	return a.URI()
}

// Settings configures the engine transport.
type Settings struct {
	// Port is the local SIP port. Zero lets the engine pick one.
	Port int
	// STUNServer is the relay/STUN server advertised to the engine, host[:port].
	STUNServer string
	// ListenIP is the local address to bind. Empty means all interfaces.
	ListenIP string
	// UserAgent is sent in the User-Agent header.
	UserAgent string
}
