// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// MemoryStore is an in-process Store, used by tests and single-host runs.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*TaskRecord
	logs  map[string]*LogRecord
	props map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[string]*TaskRecord{},
		logs:  map[string]*LogRecord{},
		props: map[string]string{PropDBVersion: DBVersion},
	}
}

func (m *MemoryStore) InsertTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.UJSJobID]; ok {
		return fmt.Errorf("task %s already exists", task.UJSJobID)
	}
	t := task
	m.tasks[task.UJSJobID] = &t
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, jobID string) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) SubJobIDs(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	keys := maps.Keys(m.tasks)
	slices.Sort(keys)
	for _, id := range keys {
		if m.tasks[id].ParentJobID == jobID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) SetTaskResult(_ context.Context, jobID string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	if !ok {
		return ErrNotFound
	}
	t.JobOutput = result
	return nil
}

func (m *MemoryStore) SetTaskTime(_ context.Context, jobID string, field TimeField, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	if !ok {
		return ErrNotFound
	}
	if field == TimeFinish {
		t.FinishTime = millis(at)
	} else {
		t.ExecStartTime = millis(at)
	}
	return nil
}

func (m *MemoryStore) GetLog(_ context.Context, jobID string) (*LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &LogRecord{
		UJSJobID:          l.UJSJobID,
		OriginalLineCount: l.OriginalLineCount,
		StoredLineCount:   l.StoredLineCount,
	}, nil
}

func (m *MemoryStore) InsertLog(_ context.Context, log LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[log.UJSJobID]; ok {
		return fmt.Errorf("log %s already exists", log.UJSJobID)
	}
	l := log
	l.Lines = slices.Clone(log.Lines)
	m.logs[log.UJSJobID] = &l
	return nil
}

func (m *MemoryStore) logFor(jobID string) *LogRecord {
	l, ok := m.logs[jobID]
	if !ok {
		l = &LogRecord{UJSJobID: jobID}
		m.logs[jobID] = l
	}
	return l
}

func (m *MemoryStore) AppendLogLines(_ context.Context, jobID string, lines []LogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logFor(jobID)
	l.Lines = append(l.Lines, lines...)
	l.OriginalLineCount += len(lines)
	l.StoredLineCount += len(lines)
	return nil
}

func (m *MemoryStore) AddDroppedLines(_ context.Context, jobID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logFor(jobID).OriginalLineCount += n
	return nil
}

func (m *MemoryStore) LogLines(_ context.Context, jobID string, from, count int) ([]LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if from < 0 {
		from = 0
	}
	if from >= len(l.Lines) || count <= 0 {
		return []LogLine{}, nil
	}
	end := min(from+count, len(l.Lines))
	return slices.Clone(l.Lines[from:end]), nil
}

func (m *MemoryStore) ServiceProperty(_ context.Context, propID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.props[propID]
	return v, ok, nil
}

func (m *MemoryStore) SetServiceProperty(_ context.Context, propID, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[propID] = value
	return nil
}
