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

// Package logging is the printf-style logging facade used across exec-engine.
// It wraps a single logrus logger so that every package shares one output,
// one level and one formatter.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	logger   = configure(logrus.StandardLogger(), os.Stderr)
	errColor = color.New(color.FgRed, color.Bold)
	wrnColor = color.New(color.FgYellow)
)

// configure sets up l. The standard logrus logger is used so that packages
// calling logrus directly share the same output and level.
func configure(l *logrus.Logger, w io.Writer) *logrus.Logger {
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !isTerminal(w),
	})
	return l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Logger returns the shared logrus logger.
func Logger() *logrus.Logger {
	return logger
}

// SetOutput redirects all log output to w. Highlighting is only applied when
// w is a terminal.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
	color.NoColor = !isTerminal(w)
	if f, ok := logger.Formatter.(*logrus.TextFormatter); ok {
		f.DisableColors = color.NoColor
	}
}

// SetVerbose switches between debug and info level.
func SetVerbose(verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	logger.SetLevel(logrus.InfoLevel)
}

// WithFields returns an entry carrying structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

func Debug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	logger.Warn(wrnColor.Sprint(fmt.Sprintf(format, args...)))
}

func Error(format string, args ...interface{}) {
	logger.Error(errColor.Sprint(fmt.Sprintf(format, args...)))
}
