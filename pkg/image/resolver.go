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

// Package image resolves the container image and reference data of a module
// version.
package image

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"exec-engine/pkg/services"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ErrConfig marks a missing or invalid deployment setting.
var ErrConfig = errors.New("configuration error")

// DockerPlatform represents the target platform for a Docker image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

// Resolution is everything needed to launch one module version.
type Resolution struct {
	Image string
	// FromRegistry is false when the image name was derived rather than
	// recorded in the module registry.
	FromRegistry bool
	RefDataDir   string
	Module       services.ModuleInfo
	Version      services.ModuleVersionInfo
	// Digest is set when remote digest checking is enabled.
	Digest string
}

// Resolver looks modules up in the registry.
type Resolver struct {
	registry services.ModuleRegistry
	fs       afero.Fs
	// access checks that a directory is readable; nil skips the check.
	access   func(path string) error
	platform *v1.Platform
	digest   func(ctx context.Context, ref string, platform *v1.Platform) (string, error)
}

type Option func(*Resolver) error

// WithDigestCheck resolves the image digest for platform ("os/arch") from
// the remote registry, failing when the image cannot be found.
func WithDigestCheck(platform string) Option {
	return func(r *Resolver) error {
		p, err := parsePlatform(platform)
		if err != nil {
			return err
		}
		r.platform = &p
		return nil
	}
}

func NewResolver(registry services.ModuleRegistry, fs afero.Fs, opts ...Option) (*Resolver, error) {
	r := &Resolver{registry: registry, fs: fs, digest: remoteDigest}
	if fs == nil {
		r.fs = afero.NewOsFs()
	}
	if _, ok := r.fs.(*afero.OsFs); ok {
		r.access = func(p string) error { return unix.Access(p, unix.R_OK|unix.X_OK) }
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func remoteDigest(ctx context.Context, ref string, platform *v1.Platform) (string, error) {
	return crane.Digest(ref, crane.WithContext(ctx), crane.WithPlatform(platform))
}

// Resolve finds the image for module at gitCommitHash. config is the job
// configuration carrying the registry URL and reference data base.
func (r *Resolver) Resolve(ctx context.Context, module, gitCommitHash string, config map[string]string) (*Resolution, error) {
	registryURL := config[services.CfgDockerRegistryURL]
	if registryURL == "" {
		return nil, fmt.Errorf("%w: parameter '%s' is not defined in configuration", ErrConfig, services.CfgDockerRegistryURL)
	}

	mi, err := r.registry.GetModuleInfo(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("Error looking up module %s with githash %s: %v", module, gitCommitHash, err)
	}
	mvi, err := r.registry.GetVersionInfo(ctx, module, gitCommitHash)
	if err != nil {
		return nil, fmt.Errorf("Error looking up module %s with githash %s: %v", module, gitCommitHash, err)
	}
	res := &Resolution{Module: mi, Version: mvi}

	if mvi.DataFolder != "" && mvi.DataVersion != "" {
		dir, err := r.refDataDir(config, mvi)
		if err != nil {
			return nil, err
		}
		res.RefDataDir = dir
	}

	res.Image = mvi.DockerImgName
	res.FromRegistry = res.Image != ""
	if !res.FromRegistry {
		res.Image = FallbackImage(registryURL, module, gitCommitHash)
	}

	ref, err := name.ParseReference(res.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %q: %w", res.Image, err)
	}
	if r.platform != nil {
		logrus.Infof("Checking %s for %s/%s", ref.Name(), r.platform.OS, r.platform.Architecture)
		d, err := r.digest(ctx, ref.Name(), r.platform)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve digest of %q: %w", res.Image, err)
		}
		res.Digest = d
	}
	return res, nil
}

func (r *Resolver) refDataDir(config map[string]string, mvi services.ModuleVersionInfo) (string, error) {
	base := config[services.CfgRefDataBase]
	if base == "" {
		return "", fmt.Errorf("%w: reference data parameters are defined for image but %s property isn't set in configuration",
			ErrConfig, services.CfgRefDataBase)
	}
	dir := filepath.Join(base, mvi.DataFolder, mvi.DataVersion)
	exists, err := afero.DirExists(r.fs, dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat reference data directory %s: %w", dir, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: reference data directory doesn't exist: %s", ErrConfig, dir)
	}
	if r.access != nil {
		if err := r.access(dir); err != nil {
			return "", fmt.Errorf("reference data directory %s is not readable: %w", dir, err)
		}
	}
	return dir, nil
}

// FallbackImage derives the image name of a module version that has none
// recorded in the registry.
func FallbackImage(registryURL, module, version string) string {
	return strings.TrimRight(registryURL, "/") + "/" + strings.ToLower(module) + ":" + version
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}
