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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// storeContract exercises the behaviour every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("tasks", func(t *testing.T) {
		if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetTask(missing) err = %v, want ErrNotFound", err)
		}
		for _, task := range []TaskRecord{
			{UJSJobID: "parent", JobInput: map[string]any{"method": "Mod.run"}},
			{UJSJobID: "child2", ParentJobID: "parent"},
			{UJSJobID: "child1", ParentJobID: "parent"},
			{UJSJobID: "other"},
		} {
			if err := s.InsertTask(ctx, task); err != nil {
				t.Fatalf("InsertTask(%s): %v", task.UJSJobID, err)
			}
		}
		if err := s.InsertTask(ctx, TaskRecord{UJSJobID: "parent"}); err == nil {
			t.Errorf("duplicate InsertTask succeeded")
		}

		ids, err := s.SubJobIDs(ctx, "parent")
		if err != nil {
			t.Fatalf("SubJobIDs: %v", err)
		}
		if diff := cmp.Diff([]string{"child1", "child2"}, ids); diff != "" {
			t.Errorf("SubJobIDs mismatch (-want +got):\n%s", diff)
		}

		start := time.UnixMilli(1_700_000_000_000)
		if err := s.SetTaskTime(ctx, "parent", TimeStart, start); err != nil {
			t.Fatalf("SetTaskTime: %v", err)
		}
		if err := s.SetTaskTime(ctx, "parent", TimeFinish, start.Add(time.Minute)); err != nil {
			t.Fatalf("SetTaskTime: %v", err)
		}
		if err := s.SetTaskResult(ctx, "parent", map[string]any{"result": "ok"}); err != nil {
			t.Fatalf("SetTaskResult: %v", err)
		}
		if err := s.SetTaskResult(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetTaskResult(missing) err = %v, want ErrNotFound", err)
		}

		got, err := s.GetTask(ctx, "parent")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.ExecStartTime != 1_700_000_000_000 || got.FinishTime != 1_700_000_060_000 {
			t.Errorf("times = %d/%d", got.ExecStartTime, got.FinishTime)
		}
		if got.JobOutput["result"] != "ok" {
			t.Errorf("JobOutput = %v", got.JobOutput)
		}
	})

	t.Run("logs", func(t *testing.T) {
		if _, err := s.GetLog(ctx, "job"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetLog(job) err = %v, want ErrNotFound", err)
		}
		prevOriginal := 0
		for batch := 0; batch < 3; batch++ {
			var lines []LogLine
			for i := 0; i < 4; i++ {
				lines = append(lines, LogLine{Line: fmt.Sprintf("b%d-l%d", batch, i), IsError: i == 3})
			}
			if err := s.AppendLogLines(ctx, "job", lines); err != nil {
				t.Fatalf("AppendLogLines: %v", err)
			}
			if batch == 1 {
				if err := s.AddDroppedLines(ctx, "job", 5); err != nil {
					t.Fatalf("AddDroppedLines: %v", err)
				}
			}
			l, err := s.GetLog(ctx, "job")
			if err != nil {
				t.Fatalf("GetLog: %v", err)
			}
			if l.OriginalLineCount < prevOriginal {
				t.Errorf("original count went backwards: %d -> %d", prevOriginal, l.OriginalLineCount)
			}
			if l.StoredLineCount > l.OriginalLineCount {
				t.Errorf("stored %d > original %d", l.StoredLineCount, l.OriginalLineCount)
			}
			if len(l.Lines) != 0 {
				t.Errorf("GetLog returned %d lines, want counters only", len(l.Lines))
			}
			prevOriginal = l.OriginalLineCount
		}

		l, _ := s.GetLog(ctx, "job")
		if l.OriginalLineCount != 17 || l.StoredLineCount != 12 {
			t.Errorf("counts = %d/%d, want 17/12", l.OriginalLineCount, l.StoredLineCount)
		}

		got, err := s.LogLines(ctx, "job", 3, 2)
		if err != nil {
			t.Fatalf("LogLines: %v", err)
		}
		want := []LogLine{{Line: "b0-l3", IsError: true}, {Line: "b1-l0"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("LogLines mismatch (-want +got):\n%s", diff)
		}
		if got, _ := s.LogLines(ctx, "job", 11, 10); len(got) != 1 {
			t.Errorf("tail slice len = %d, want 1", len(got))
		}
	})

	t.Run("properties", func(t *testing.T) {
		v, ok, err := s.ServiceProperty(ctx, PropDBVersion)
		if err != nil || !ok || v != DBVersion {
			t.Errorf("db_version = (%q, %v, %v)", v, ok, err)
		}
		if _, ok, _ := s.ServiceProperty(ctx, "nope"); ok {
			t.Errorf("unexpected property nope")
		}
		if err := s.SetServiceProperty(ctx, "mode", "a"); err != nil {
			t.Fatalf("SetServiceProperty: %v", err)
		}
		if err := s.SetServiceProperty(ctx, "mode", "b"); err != nil {
			t.Fatalf("SetServiceProperty: %v", err)
		}
		if v, _, _ := s.ServiceProperty(ctx, "mode"); v != "b" {
			t.Errorf("mode = %q, want b", v)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}
