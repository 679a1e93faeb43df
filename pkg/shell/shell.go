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

// Package shell runs external commands. Failures are reported in the
// returned CommandResult rather than as Go errors, so callers can retry
// without error-driven control flow.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long Execute waits for a command to finish.
const DefaultTimeout = 30 * time.Second

// CommandResult holds the captured output of one command invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// TimedOut is set when the command was still running after the wait
	// ceiling. The process is not killed.
	TimedOut bool
	// Err is set when the command could not be started or waited on.
	Err error
}

// Success reports whether the command ran to completion with exit code 0.
func (r CommandResult) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

func (r CommandResult) StdoutLines() []string {
	return splitLines(r.Stdout)
}

func (r CommandResult) StderrLines() []string {
	return splitLines(r.Stderr)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// Command is a configurable external command.
type Command struct {
	name     string
	args     []string
	input    string
	hasInput bool
	env      []string
	timeout  time.Duration
}

func NewCommand(name string, args ...string) *Command {
	return &Command{name: name, args: args, timeout: DefaultTimeout}
}

// SetInput sets the data written to the command's stdin.
func (c *Command) SetInput(input string) {
	c.input = input
	c.hasInput = true
}

// SetEnv adds KEY=VALUE entries on top of the current process environment.
func (c *Command) SetEnv(env ...string) {
	c.env = append(c.env, env...)
}

func (c *Command) SetTimeout(d time.Duration) {
	c.timeout = d
}

// String returns the command line as it would be typed in a shell.
func (c *Command) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

func (c *Command) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	if c.hasInput {
		cmd.Stdin = strings.NewReader(c.input)
	}
	return cmd
}

// Execute runs the command, buffering stdout and stderr, and waits up to the
// configured timeout. A command still running after the timeout is reported
// as a failure and left running.
func (c *Command) Execute() CommandResult {
	cmd := c.build(context.Background())
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logrus.Debugf("Running command: [%s]", c.String())
	if err := cmd.Start(); err != nil {
		logrus.Warnf("Failed to start command [%s]: %v", c.String(), err)
		return CommandResult{ExitCode: -1, Err: err, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
				res.Err = err
			}
		}
		if !res.Success() {
			logrus.WithFields(logrus.Fields{
				"command":   c.String(),
				"exit_code": res.ExitCode,
			}).Warnf("Command failed\nSTDOUT:\n%s\nSTDERR:\n%s", res.Stdout, res.Stderr)
		}
		return res
	case <-timer.C:
		// The Wait goroutine keeps the process reaped once it eventually exits.
		logrus.Warnf("Command didn't finish within %s, leaving it running: [%s]", c.timeout, c.String())
		return CommandResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			TimedOut: true,
		}
	}
}

// Start launches the command without waiting for it. Its result is never
// observed.
func (c *Command) Start() error {
	cmd := c.build(context.Background())
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	logrus.Debugf("Starting detached command: [%s]", c.String())
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Stream runs the command until it exits or ctx is done, handing every
// output line to fn as it is produced. Calls to fn are serialized.
func (c *Command) Stream(ctx context.Context, fn func(line string, isErr bool)) CommandResult {
	cmd := c.build(ctx)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{ExitCode: -1, Err: err}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandResult{ExitCode: -1, Err: err}
	}
	logrus.Debugf("Streaming command: [%s]", c.String())
	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1, Err: err, Stderr: err.Error()}
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		outB, errB bytes.Buffer
	)
	scan := func(r io.Reader, isErr bool, keep *bytes.Buffer) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			keep.WriteString(line)
			keep.WriteByte('\n')
			fn(line, isErr)
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan(outPipe, false, &outB)
	go scan(errPipe, true, &errB)
	wg.Wait()

	res := CommandResult{}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	if ctx.Err() != nil && res.Err == nil && res.ExitCode != 0 {
		res.Err = ctx.Err()
	}
	res.Stdout = outB.String()
	res.Stderr = errB.String()
	return res
}

// ExecuteCommand runs name with args using the default timeout.
func ExecuteCommand(name string, args ...string) CommandResult {
	return NewCommand(name, args...).Execute()
}

// RandomString returns n random lowercase letters.
func RandomString(n int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz"
	seededRand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, n)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}

// lockedBuffer lets Execute snapshot output of a process that is still
// writing to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
