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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/softphone/pkg/config"
)

func TestFileRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	rec := NewFileRecorder(path)
	require.Equal(t, path, rec.Path())

	now := time.Now().UTC().Truncate(time.Second)
	first := []CallRecord{
		{ID: 1, Direction: "incoming", URL: "sip:alice@example.com", Name: "Alice", State: "active", LastStatus: 200, RecordedAt: now},
		{ID: 2, Direction: "outgoing", URL: "sip:bob@example.com", State: "early", LastStatus: 180, RecordedAt: now},
	}
	require.NoError(t, rec.Record(first))
	require.NoError(t, rec.Record(nil))
	require.NoError(t, rec.Record([]CallRecord{{ID: 3, Direction: "outgoing", State: "pending", RecordedAt: now}}))

	got, err := ReadRecordsFile(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, first[0], got[0])
	require.Equal(t, first[1], got[1])
	require.Equal(t, CallID(3), got[2].ID)
}

func TestFileRecorderDefaultPath(t *testing.T) {
	require.Equal(t, config.DefaultDiagnosticsFile, NewFileRecorder("").Path())
}

func TestFileRecorderFailure(t *testing.T) {
	dir := t.TempDir()
	rec := NewFileRecorder(filepath.Join(dir, "missing", "error.log"))
	err := rec.Record([]CallRecord{{ID: 1}})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "missing"))
	require.True(t, os.IsNotExist(statErr))
}

func TestReadRecordsInvalid(t *testing.T) {
	got, err := ReadRecords(strings.NewReader("id: 1\n---\nid: [\n"))
	require.Error(t, err)
	require.Len(t, got, 1)

	got, err = ReadRecords(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, got)
}
