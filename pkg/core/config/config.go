/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the application group configuration file and keeps
// the pool in sync with it.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/DryHumorInDC/passenger/pkg/common"
	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
)

// File is the on-disk configuration.
//
//	groups:
//	- name: blog
//	  hostNames: [blog.example.com]
//	  workers:
//	  - address: 127.0.0.1:4001
type File struct {
	Groups []pool.GroupConfig `json:"groups"`
}

// GroupSetter receives the groups of every successfully loaded file.
type GroupSetter interface {
	SetGroups(cfgs []pool.GroupConfig) error
}

// Parse decodes and validates a configuration. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses the configuration at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate defaults every group and checks it.
func (f *File) Validate() error {
	if len(f.Groups) == 0 {
		return errors.New("at least one application group must be configured")
	}
	var errs []error
	for i := range f.Groups {
		f.Groups[i].SetDefaults()
		if err := f.Groups[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply loads path into target.
func Apply(ctx context.Context, path string, target GroupSetter) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	if err := target.SetGroups(f.Groups); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	log.FromContext(ctx).V(logutil.VERBOSE).Info("Configuration applied", "path", path, "groups", len(f.Groups))
	return nil
}

// Watch reapplies path whenever it changes, until ctx is done. An invalid
// file leaves the previous groups in place.
func Watch(ctx context.Context, path string, target GroupSetter) error {
	return common.WatchDir(ctx, "config", filepath.Dir(path), func() error {
		return Apply(ctx, path, target)
	})
}
