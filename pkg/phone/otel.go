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
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func getVersions() []attribute.KeyValue {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	out := []attribute.KeyValue{attribute.String("livekit.softphone.version", info.Main.Version)}
	for _, d := range info.Deps {
		if d.Path == "github.com/emiago/sipgo" {
			out = append(out, attribute.String("livekit.softphone.sipgo.version", d.Version))
		}
	}
	return out
}

var Tracer = otel.Tracer(
	"github.com/livekit/softphone",
	trace.WithInstrumentationAttributes(getVersions()...),
)
