// Copyright 2024 LiveKit, Inc.
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
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

type StatusError struct {
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sip status: %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("sip status: %d", e.StatusCode)
}

var (
	errTxTerminated = errors.New("transaction terminated")
	errNoSession    = errors.New("call has no sip session")
)

// transact sends req and waits for the final response. Provisional responses
// are passed to onProvisional, if set.
func transact(ctx context.Context, cli *sipgo.Client, req *sip.Request, onProvisional func(*sip.Response)) (*sip.Response, error) {
	tx, err := cli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errTxTerminated
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		}
	}
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}
