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

package logging

import (
	"context"

	"github.com/go-logr/logr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels passed to logr's V().
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// atomicLevel is shared by InitSetupLogging and InitLogging so that the
// verbosity chosen on the command line applies to the logger installed at
// process start.
var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// InitSetupLogging installs the process logger before flags are parsed.
func InitSetupLogging() {
	logger := zap.New(zap.Level(atomicLevel), zap.RawZapOpts(uberzap.AddCaller()))
	ctrl.SetLogger(logger)
}

// InitLogging applies the parsed zap options to the installed logger.
func InitLogging(opts *zap.Options) {
	if opts.Level == nil {
		return
	}
	switch lvl := opts.Level.(type) {
	case uberzap.AtomicLevel:
		atomicLevel.SetLevel(lvl.Level())
	case zapcore.Level:
		atomicLevel.SetLevel(lvl)
	}
}

// NewTestLogger creates a new Zap logger using the dev mode.
func NewTestLogger() logr.Logger {
	return zap.New(
		zap.UseDevMode(true),
		zap.Level(uberzap.NewAtomicLevelAt(zapcore.Level(-1*TRACE))),
		zap.RawZapOpts(uberzap.AddCaller()),
	)
}

// NewTestLoggerIntoContext creates a new Zap logger using the dev mode and inserts it into the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return log.IntoContext(ctx, NewTestLogger())
}
