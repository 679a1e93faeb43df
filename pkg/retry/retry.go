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

// Package retry implements a bounded retry policy shared by the scheduler
// gateway and the state store.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by the error Do returns when every attempt failed
// and the policy has no OnExhausted constructor.
var ErrExhausted = errors.New("retry budget exhausted")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// Attempts is the total number of attempts, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// Delay is the wait between attempts.
	Delay time.Duration
	// DelayFirst waits Delay before the first attempt as well.
	DelayFirst bool
	// Multiplier grows Delay after every wait when greater than 1.
	Multiplier float64
	// MaxDelay caps the grown delay when non-zero.
	MaxDelay time.Duration
	// OnExhausted builds the error returned after the last failed attempt.
	OnExhausted func(last error) error
	// Sleep replaces the real wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs op until it succeeds, returns a Permanent error, the context is
// done, or the attempts run out. op receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.Delay

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay > 0 && (attempt > 1 || p.DelayFirst) {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = p.next(delay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
	}
	if p.OnExhausted != nil {
		return p.OnExhausted(last)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, last)
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	d = time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
