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
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	ConcurrencyModelProcess = "process"
	ConcurrencyModelThread  = "thread"

	DefaultConcurrencyModel         = ConcurrencyModelProcess
	DefaultAppThreadCount           = 1
	DefaultMaxPoolSize              = 6
	DefaultSpawnMethod              = "smart"
	DefaultStartTimeout             = 90 * time.Second
	DefaultPoolIdleTime             = 300 * time.Second
	DefaultStickySessionsCookieName = "_passenger_route"
	DefaultEnvironment              = "production"
)

var validConcurrencyModels = sets.New(ConcurrencyModelProcess, ConcurrencyModelThread)

// Options describe the application a request is routed to. They are resolved
// once per request and not modified afterwards, except for StickySessionID
// which the request handler fills in from the client's cookie.
type Options struct {
	// AppGroupName is the routing key for checkout.
	AppGroupName string
	AppRoot      string
	AppType      string
	Environment  string
	EnvVars      map[string]string

	ConcurrencyModel string
	ThreadCount      int
	SpawnMethod      string
	StartTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxPoolSize      int

	StickySessions           bool
	StickySessionsCookieName string
	// StickySessionID asks for a specific process. Zero means no preference.
	StickySessionID uint32

	// BufferUpload makes the core receive the whole request body before checkout.
	BufferUpload bool
	// AllowChunkedUpload permits streaming bodies of unknown length to the app.
	AllowChunkedUpload bool
}

// Clone returns a copy that can be modified without affecting o.
func (o *Options) Clone() *Options {
	c := *o
	if o.EnvVars != nil {
		c.EnvVars = make(map[string]string, len(o.EnvVars))
		for k, v := range o.EnvVars {
			c.EnvVars[k] = v
		}
	}
	return &c
}
