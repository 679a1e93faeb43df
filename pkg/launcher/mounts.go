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

package launcher

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Mount binds a host path into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ParseMount parses "host:container[:ro]". Both paths must be absolute.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("invalid mount %q, expected host:container[:ro]", s)
	}
	m := Mount{HostPath: path.Clean(parts[0]), ContainerPath: path.Clean(parts[1])}
	if len(parts) == 3 {
		if parts[2] != "ro" {
			return Mount{}, fmt.Errorf("invalid mount option %q in %q", parts[2], s)
		}
		m.ReadOnly = true
	}
	if !path.IsAbs(m.HostPath) || !path.IsAbs(m.ContainerPath) {
		return Mount{}, fmt.Errorf("mount paths must be absolute: %q", s)
	}
	return m, nil
}

func (m Mount) String() string {
	s := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// MountPolicy decides which host paths may be bound into job containers.
// Patterns use .dockerignore syntax, including "!" exclusions, and are
// matched against the host path.
type MountPolicy struct {
	matcher *patternmatcher.PatternMatcher
}

// NewMountPolicy builds a policy from allow patterns. A policy without
// patterns rejects every mount.
func NewMountPolicy(patterns []string) (*MountPolicy, error) {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		neg := strings.HasPrefix(p, "!")
		p = strings.TrimLeft(strings.TrimPrefix(p, "!"), "/")
		if neg {
			p = "!" + p
		}
		normalized = append(normalized, p)
	}
	matcher, err := patternmatcher.New(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return &MountPolicy{matcher: matcher}, nil
}

// LoadMountPolicy reads allow patterns from file, one per line, and adds
// extra. A missing file is not an error.
func LoadMountPolicy(fs afero.Fs, file string, extra []string) (*MountPolicy, error) {
	patterns := append([]string{}, extra...)
	if file != "" {
		f, err := fs.Open(file)
		switch {
		case err == nil:
			defer f.Close()
			filePatterns, err := ignorefile.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read mount allow list %q: %w", file, err)
			}
			patterns = append(patterns, filePatterns...)
			logrus.Infof("Found %d patterns in mount allow list %q", len(filePatterns), file)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to open mount allow list %q: %w", file, err)
		}
	}
	return NewMountPolicy(patterns)
}

// Allowed reports whether the host path of m, or one of its parents,
// matches the allow list.
func (p *MountPolicy) Allowed(m Mount) (bool, error) {
	if p == nil || p.matcher == nil || len(p.matcher.Patterns()) == 0 {
		return false, nil
	}
	rel := strings.TrimLeft(path.Clean(m.HostPath), "/")
	ok, err := p.matcher.MatchesOrParentMatches(rel)
	if err != nil {
		return false, fmt.Errorf("failed to check mount allow list for %q: %w", m.HostPath, err)
	}
	return ok, nil
}

// Parse parses specs and rejects any mount outside the allow list.
func (p *MountPolicy) Parse(specs []string) ([]Mount, error) {
	mounts := make([]Mount, 0, len(specs))
	for _, s := range specs {
		m, err := ParseMount(s)
		if err != nil {
			return nil, err
		}
		ok, err := p.Allowed(m)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("mount %s is not in the allow list", m)
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
