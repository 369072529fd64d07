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
	"errors"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var errNoCommonCodec = errors.New("no common audio codec")

func newSession(sessionID uint64, version uint64, ip string) sdp.SessionDescription {
	return sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "LiveKit",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
	}
}

func audioMedia(port int, codecs []codecInfo, dtmf bool) *sdp.MediaDescription {
	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+5)
	for _, c := range codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: pt + " " + c.SDPName})
	}
	if dtmf {
		pt := strconv.Itoa(dtmfPayloadType)
		formats = append(formats, pt)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: pt + " " + dtmfSDPName},
			sdp.Attribute{Key: "fmtp", Value: pt + " 0-16"},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "maxptime", Value: "150"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: attrs,
	}
}

// newOffer builds an audio offer listing every enabled codec, plus DTMF events.
func newOffer(ip string, port int, codecs []codecInfo) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, errNoCommonCodec
	}
	id := rand.Uint64()
	offer := newSession(id, id, ip)
	offer.MediaDescriptions = []*sdp.MediaDescription{audioMedia(port, codecs, true)}
	return offer.Marshal()
}

// newAnswer picks the first codec of the remote offer that is enabled locally.
func newAnswer(offerData []byte, ip string, port int, codecs []codecInfo) ([]byte, codecInfo, error) {
	offer := sdp.SessionDescription{}
	if err := offer.Unmarshal(offerData); err != nil {
		return nil, codecInfo{}, err
	}
	var audio *sdp.MediaDescription
	for _, m := range offer.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, codecInfo{}, errNoCommonCodec
	}
	var (
		chosen codecInfo
		found  bool
	)
	for _, f := range audio.MediaName.Formats {
		c, ok := codecByPayloadType(f)
		if !ok {
			continue
		}
		for _, l := range codecs {
			if l.PayloadType == c.PayloadType {
				chosen, found = l, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return nil, codecInfo{}, errNoCommonCodec
	}
	answer := newSession(offer.Origin.SessionID, offer.Origin.SessionID+2, ip)
	answer.MediaDescriptions = []*sdp.MediaDescription{
		audioMedia(port, []codecInfo{chosen}, offersDTMF(audio)),
	}
	data, err := answer.Marshal()
	return data, chosen, err
}

func offersDTMF(m *sdp.MediaDescription) bool {
	for _, a := range m.Attributes {
		if a.Key == "rtpmap" && strings.Contains(strings.ToLower(a.Value), "telephone-event") {
			return true
		}
	}
	return false
}
