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

package sipua

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const (
	dtmfPayloadType = 101
	dtmfSDPName     = "telephone-event/8000"
)

type codecInfo struct {
	Name        string // engine name, e.g. PCMU/8000/1
	SDPName     string // rtpmap value without the payload type
	PayloadType uint8
	Priority    int // default, 0 disables the codec
}

// Static payload types only, so offers never need dynamic type negotiation.
var knownCodecs = []codecInfo{
	{Name: "PCMU/8000/1", SDPName: "PCMU/8000", PayloadType: 0, Priority: 130},
	{Name: "PCMA/8000/1", SDPName: "PCMA/8000", PayloadType: 8, Priority: 129},
	{Name: "G722/8000/1", SDPName: "G722/8000", PayloadType: 9, Priority: 128},
}

func codecByName(name string) (codecInfo, bool) {
	for _, c := range knownCodecs {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return codecInfo{}, false
}

func codecByPayloadType(pt string) (codecInfo, bool) {
	v, err := strconv.Atoi(pt)
	if err != nil {
		return codecInfo{}, false
	}
	for _, c := range knownCodecs {
		if int(c.PayloadType) == v {
			return c, true
		}
	}
	return codecInfo{}, false
}

func defaultPriorities() map[string]int {
	out := make(map[string]int, len(knownCodecs))
	for _, c := range knownCodecs {
		out[c.Name] = c.Priority
	}
	return out
}

func checkPriority(name string, prio int) (codecInfo, error) {
	c, ok := codecByName(name)
	if !ok {
		return codecInfo{}, fmt.Errorf("unknown codec %q", name)
	}
	if prio < 0 || prio > 255 {
		return codecInfo{}, fmt.Errorf("invalid priority %d for codec %q", prio, name)
	}
	return c, nil
}

// enabledCodecs returns the codecs with a non-zero priority, highest first.
func enabledCodecs(prios map[string]int) []codecInfo {
	var out []codecInfo
	for _, c := range knownCodecs {
		if p := prios[c.Name]; p > 0 {
			c.Priority = p
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b codecInfo) int {
		return b.Priority - a.Priority
	})
	return out
}

func clonePriorities(prios map[string]int) map[string]int {
	return maps.Clone(prios)
}
