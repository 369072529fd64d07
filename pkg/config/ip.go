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

package config

import (
	"fmt"
	"net"
	"net/netip"
)

// GetLocalIP returns the first non-loopback IPv4 address of this host.
func GetLocalIP() (netip.Addr, error) {
	return GetLocalIPIn("")
}

// GetLocalIPIn is like GetLocalIP, but only considers addresses inside localNet (CIDR).
func GetLocalIPIn(localNet string) (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	var netw *netip.Prefix
	if localNet != "" {
		nw, err := netip.ParsePrefix(localNet)
		if err != nil {
			return netip.Addr{}, err
		}
		netw = &nw
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPAddr:
				ip = v.IP
			case *net.IPNet:
				ip = v.IP
			default:
				continue
			}
			if ip.To4() == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip.To4())
			if !ok || addr.IsLoopback() {
				continue
			}
			if netw != nil && !netw.Contains(addr) {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no local interface found")
}
