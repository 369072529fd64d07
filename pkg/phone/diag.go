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
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/softphone/pkg/config"
)

// CallRecord is the persisted form of a call that was still active at shutdown.
type CallRecord struct {
	ID         CallID    `yaml:"id"`
	Direction  string    `yaml:"direction"`
	URL        string    `yaml:"url"`
	Name       string    `yaml:"name"`
	State      string    `yaml:"state"`
	LastStatus int       `yaml:"last_status"`
	RecordedAt time.Time `yaml:"recorded_at"`
}

// Recorder persists calls for post-mortem inspection.
type Recorder interface {
	Record(records []CallRecord) error
}

// FileRecorder appends records to a file as a stream of YAML documents.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

func NewFileRecorder(path string) *FileRecorder {
	if path == "" {
		path = config.DefaultDiagnosticsFile
	}
	return &FileRecorder{path: path}
}

func (r *FileRecorder) Path() string {
	return r.path
}

func (r *FileRecorder) Record(records []CallRecord) error {
	if len(records) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if st, serr := f.Stat(); serr == nil && st.Size() > 0 {
		if _, err = f.WriteString("---\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	enc := yaml.NewEncoder(f)
	for _, rec := range records {
		if err = enc.Encode(rec); err != nil {
			break
		}
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadRecords decodes every record from a diagnostics stream.
func ReadRecords(r io.Reader) ([]CallRecord, error) {
	dec := yaml.NewDecoder(r)
	var out []CallRecord
	for {
		var rec CallRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

func ReadRecordsFile(path string) ([]CallRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRecords(f)
}
