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

package errors

import (
	"errors"

	"github.com/livekit/psrpc"
)

var (
	ErrEngineInit     = psrpc.NewErrorf(psrpc.Unavailable, "telephony engine initialization failed")
	ErrRegistration   = psrpc.NewErrorf(psrpc.InvalidArgument, "account registration rejected")
	ErrDialFailed     = psrpc.NewErrorf(psrpc.Unavailable, "dial rejected by engine")
	ErrDuplicateCall  = psrpc.NewErrorf(psrpc.AlreadyExists, "call id already registered")
	ErrCallNotFound   = psrpc.NewErrorf(psrpc.NotFound, "unknown call")
	ErrInvalidDigits  = psrpc.NewErrorf(psrpc.InvalidArgument, "invalid DTMF digits")
	ErrNotInitialized = psrpc.NewErrorf(psrpc.FailedPrecondition, "telephony engine not initialized")
	ErrClosed         = psrpc.NewErrorf(psrpc.Unavailable, "phone is closed")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

// Code returns the psrpc error code carried by err, or psrpc.Unknown.
func Code(err error) psrpc.ErrorCode {
	var e psrpc.Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return psrpc.Unknown
}
