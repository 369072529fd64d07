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

	siperrors "github.com/livekit/softphone/pkg/errors"
)

const (
	dtmfContentType = "application/dtmf-relay"
	// dtmfDuration is in milliseconds.
	dtmfDuration = 160
)

// Event codes from RFC 4733, used as the validity table.
var charToEvent = map[byte]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
}

func normalizeDigit(c byte) byte {
	if c >= 'a' && c <= 'd' {
		return c - 'a' + 'A'
	}
	return c
}

// validateDigits returns the digits in their canonical form.
func validateDigits(digits string) (string, error) {
	if digits == "" {
		return "", fmt.Errorf("%w: empty", siperrors.ErrInvalidDigits)
	}
	out := make([]byte, len(digits))
	for i := 0; i < len(digits); i++ {
		c := normalizeDigit(digits[i])
		if _, ok := charToEvent[c]; !ok {
			return "", fmt.Errorf("%w: %q", siperrors.ErrInvalidDigits, digits[i])
		}
		out[i] = c
	}
	return string(out), nil
}

func dtmfRelayBody(digit byte) []byte {
	return fmt.Appendf(nil, "Signal=%c\r\nDuration=%d\r\n", digit, dtmfDuration)
}
