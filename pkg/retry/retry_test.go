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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestDo(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name         string
		policy       Policy
		failUntil    int // op succeeds on this attempt; 0 never succeeds
		wantCalls    int
		wantWaits    []time.Duration
		wantErr      bool
		wantExhausts bool
	}{
		{
			name:      "first attempt succeeds",
			policy:    Policy{Attempts: 10},
			failUntil: 1,
			wantCalls: 1,
		},
		{
			name:         "budget fully used",
			policy:       Policy{Attempts: 10},
			failUntil:    0,
			wantCalls:    10,
			wantErr:      true,
			wantExhausts: true,
		},
		{
			name:      "delay between attempts only",
			policy:    Policy{Attempts: 3, Delay: time.Second},
			failUntil: 3,
			wantCalls: 3,
			wantWaits: []time.Duration{time.Second, time.Second},
		},
		{
			name:         "delay before every attempt",
			policy:       Policy{Attempts: 3, Delay: 5 * time.Second, DelayFirst: true},
			failUntil:    0,
			wantCalls:    3,
			wantWaits:    []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
			wantErr:      true,
			wantExhausts: true,
		},
		{
			name:         "backoff capped",
			policy:       Policy{Attempts: 4, Delay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second},
			failUntil:    0,
			wantCalls:    4,
			wantWaits:    []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
			wantErr:      true,
			wantExhausts: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			p := tt.policy
			p.Sleep = rec.sleep
			calls := 0
			err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				if tt.failUntil != 0 && attempt >= tt.failUntil {
					return nil
				}
				return errBoom
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrExhausted) != tt.wantExhausts {
				t.Errorf("errors.Is(err, ErrExhausted) = %v, want %v", errors.Is(err, ErrExhausted), tt.wantExhausts)
			}
			if diff := cmp.Diff(tt.wantWaits, rec.waits); diff != "" {
				t.Errorf("waits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDoPermanentStopsEarly(t *testing.T) {
	errFatal := errors.New("fatal")
	calls := 0
	err := Policy{Attempts: 5}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(errFatal)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != errFatal {
		t.Errorf("err = %v, want the unwrapped permanent error", err)
	}
}

func TestDoOnExhausted(t *testing.T) {
	errCustom := errors.New("custom terminal")
	var gotLast error
	err := Policy{
		Attempts: 2,
		OnExhausted: func(last error) error {
			gotLast = last
			return errCustom
		},
	}.Do(context.Background(), func(_ context.Context, attempt int) error {
		return errors.New("attempt failed")
	})
	if err != errCustom {
		t.Errorf("err = %v, want %v", err, errCustom)
	}
	if gotLast == nil || gotLast.Error() != "attempt failed" {
		t.Errorf("OnExhausted got %v", gotLast)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Policy{Attempts: 3, Delay: time.Hour}.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("never")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}
