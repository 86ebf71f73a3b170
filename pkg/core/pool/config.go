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

package pool

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/ptr"
)

// GroupConfig describes an application group and the processes serving it.
type GroupConfig struct {
	Name        string            `json:"name"`
	AppRoot     string            `json:"appRoot,omitempty"`
	AppType     string            `json:"appType,omitempty"`
	Environment string            `json:"environment,omitempty"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
	// HostNames select this group for requests with a matching Host header.
	HostNames []string `json:"hostNames,omitempty"`
	// Default selects this group when no host name matches.
	Default bool `json:"default,omitempty"`

	Workers []WorkerConfig `json:"workers"`

	ConcurrencyModel string `json:"concurrencyModel,omitempty"`
	ThreadCount      int    `json:"threadCount,omitempty"`
	SpawnMethod      string `json:"spawnMethod,omitempty"`
	MaxPoolSize      int    `json:"maxPoolSize,omitempty"`

	StartTimeout *metav1.Duration `json:"startTimeout,omitempty"`
	IdleTimeout  *metav1.Duration `json:"idleTimeout,omitempty"`

	StickySessions           bool   `json:"stickySessions,omitempty"`
	StickySessionsCookieName string `json:"stickySessionsCookieName,omitempty"`

	BufferUpload       bool  `json:"bufferUpload,omitempty"`
	AllowChunkedUpload *bool `json:"allowChunkedUpload,omitempty"`
}

// WorkerConfig is the listen address of a running application process.
type WorkerConfig struct {
	Network string `json:"network,omitempty"`
	Address string `json:"address"`
}

// SetDefaults fills in unset fields.
func (c *GroupConfig) SetDefaults() {
	if c.ConcurrencyModel == "" {
		c.ConcurrencyModel = DefaultConcurrencyModel
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = DefaultAppThreadCount
	}
	if c.SpawnMethod == "" {
		c.SpawnMethod = DefaultSpawnMethod
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.StickySessionsCookieName == "" {
		c.StickySessionsCookieName = DefaultStickySessionsCookieName
	}
	if c.StartTimeout == nil {
		c.StartTimeout = &metav1.Duration{Duration: DefaultStartTimeout}
	}
	if c.IdleTimeout == nil {
		c.IdleTimeout = &metav1.Duration{Duration: DefaultPoolIdleTime}
	}
	if c.AllowChunkedUpload == nil {
		c.AllowChunkedUpload = ptr.To(true)
	}
	for i := range c.Workers {
		if c.Workers[i].Network == "" {
			c.Workers[i].Network = "tcp"
		}
	}
}

// Validate checks a defaulted GroupConfig.
func (c *GroupConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application group name must be set")
	}
	if !validConcurrencyModels.Has(c.ConcurrencyModel) {
		return fmt.Errorf("group %q: unknown concurrency model %q, must be one of %v",
			c.Name, c.ConcurrencyModel, sets.List(validConcurrencyModels))
	}
	seen := sets.New[string]()
	for _, w := range c.Workers {
		if w.Address == "" {
			return fmt.Errorf("group %q: worker address must be set", c.Name)
		}
		if w.Network != "tcp" && w.Network != "unix" {
			return fmt.Errorf("group %q: worker %q has unsupported network %q", c.Name, w.Address, w.Network)
		}
		if seen.Has(w.Address) {
			return fmt.Errorf("group %q: duplicate worker address %q", c.Name, w.Address)
		}
		seen.Insert(w.Address)
	}
	return nil
}

// Options builds the per-request options template of the group.
func (c *GroupConfig) Options() *Options {
	opts := &Options{
		AppGroupName:             c.Name,
		AppRoot:                  c.AppRoot,
		AppType:                  c.AppType,
		Environment:              c.Environment,
		ConcurrencyModel:         c.ConcurrencyModel,
		ThreadCount:              c.ThreadCount,
		SpawnMethod:              c.SpawnMethod,
		MaxPoolSize:              c.MaxPoolSize,
		StickySessions:           c.StickySessions,
		StickySessionsCookieName: c.StickySessionsCookieName,
		BufferUpload:             c.BufferUpload,
		AllowChunkedUpload:       ptr.Deref(c.AllowChunkedUpload, true),
	}
	if c.StartTimeout != nil {
		opts.StartTimeout = c.StartTimeout.Duration
	}
	if c.IdleTimeout != nil {
		opts.IdleTimeout = c.IdleTimeout.Duration
	}
	if len(c.EnvVars) > 0 {
		opts.EnvVars = make(map[string]string, len(c.EnvVars))
		for k, v := range c.EnvVars {
			opts.EnvVars[k] = v
		}
	}
	return opts
}

// processCapacity is the number of concurrent sessions one process accepts.
func (c *GroupConfig) processCapacity() int {
	if c.ConcurrencyModel == ConcurrencyModelThread {
		return c.ThreadCount
	}
	return 1
}
