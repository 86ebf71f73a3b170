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

package server

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/bodybuffer"
	"github.com/DryHumorInDC/passenger/pkg/core/handlers"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
)

const (
	DefaultListenAddress = ":3000"
	ZapLogLevelFlagName  = "zap-log-level"
)

// Options contains configuration values necessary to create and run the core.
type Options struct {
	//
	// Front end.
	//
	ListenAddress    string // Address the HTTP front end listens on.
	SecureServing    bool   // Enables TLS on the front end.
	CertPath         string // Directory holding tls.crt and tls.key.
	EnableCertReload bool   // Reloads the certificate in --cert-path when it changes.
	//
	// Application groups.
	//
	ConfigFile     string        // The path to the application group configuration file.
	ConfigText     string        // The configuration specified as text, in lieu of a file.
	WatchConfig    bool          // Reapplies --config-file when it changes.
	DisableTimeout time.Duration // How long an unreachable process is skipped.
	//
	// Request handling.
	//
	BufferThreshold          string        // In-memory part of a buffered body, e.g. 128KiB.
	BufferDir                string        // Directory for spilled bodies.
	MaxBodySize              string        // Largest accepted request body; empty or 0 accepts any size.
	MaxSessionCheckoutTry    int           // Attempts to check out a session.
	CheckoutBackoff          time.Duration // First wait between checkout attempts.
	CheckoutBackoffCap       time.Duration // Longest wait between checkout attempts.
	AppResponseHeaderTimeout time.Duration // Wait for the application's response header; 0 waits forever.
	//
	// Diagnostics.
	//
	LogVerbosity      int         // Number for the log level verbosity.
	ZapOptions        zap.Options // Zap logging options
	Analytics         bool        // Records request transactions as traces.
	AnalyticsEndpoint string      // OTLP collector receiving the transactions.
	MetricsPort       int         // The metrics port.
	GRPCHealthPort    int         // The port used for gRPC liveness and readiness probes.
	EnablePprof       bool        // Enables pprof handlers.

	// Set by Complete.
	BufferThresholdBytes int64
	MaxBodySizeBytes     int64

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with the default values.
func NewOptions() *Options {
	return &Options{
		ListenAddress:         DefaultListenAddress,
		WatchConfig:           true,
		DisableTimeout:        pool.DefaultDisableTimeout,
		BufferThreshold:       humanize.IBytes(bodybuffer.DefaultThreshold),
		MaxSessionCheckoutTry: handlers.DefaultMaxSessionCheckoutTry,
		CheckoutBackoff:       handlers.DefaultCheckoutBackoff,
		CheckoutBackoffCap:    handlers.DefaultCheckoutBackoffCap,
		LogVerbosity:          logging.DEFAULT,
		ZapOptions:            zap.Options{Development: true},
		MetricsPort:           9090,
		GRPCHealthPort:        9003,
		EnablePprof:           true,
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.ListenAddress, "listen-address", opts.ListenAddress, "Address the HTTP front end listens on.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing, "Enables TLS on the front end.")
	fs.StringVar(&opts.CertPath, "cert-path", opts.CertPath,
		"The path to the certificate for secure serving. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secureServing is enabled, "+
			"then a self-signed certificate is used.")
	fs.BoolVar(&opts.EnableCertReload, "enable-cert-reload", opts.EnableCertReload,
		"Enables certificate reloading of the certificates specified in --cert-path.")
	fs.StringVar(&opts.ConfigFile, "config-file", opts.ConfigFile, "The path to the application group configuration file.")
	fs.StringVar(&opts.ConfigText, "config-text", opts.ConfigText, "The configuration specified as text, in lieu of a file.")
	fs.BoolVar(&opts.WatchConfig, "watch-config", opts.WatchConfig, "Reapplies --config-file when it changes.")
	fs.DurationVar(&opts.DisableTimeout, "disable-timeout", opts.DisableTimeout,
		"How long a process that refused a connection is skipped by session checkout.")
	fs.StringVar(&opts.BufferThreshold, "buffer-threshold", opts.BufferThreshold,
		"Bytes of a buffered request body kept in memory before spilling to disk (e.g. '128KiB').")
	fs.StringVar(&opts.BufferDir, "buffer-dir", opts.BufferDir, "Directory for spilled request bodies. Defaults to the system temp dir.")
	fs.StringVar(&opts.MaxBodySize, "max-body-size", opts.MaxBodySize, "Largest accepted request body (e.g. '1GiB'). Unlimited when empty.")
	fs.IntVar(&opts.MaxSessionCheckoutTry, "max-session-checkout-try", opts.MaxSessionCheckoutTry,
		"Attempts made to check out a session before answering 503.")
	fs.DurationVar(&opts.CheckoutBackoff, "checkout-backoff", opts.CheckoutBackoff, "First wait between session checkout attempts.")
	fs.DurationVar(&opts.CheckoutBackoffCap, "checkout-backoff-cap", opts.CheckoutBackoffCap, "Longest wait between session checkout attempts.")
	fs.DurationVar(&opts.AppResponseHeaderTimeout, "app-response-header-timeout", opts.AppResponseHeaderTimeout,
		"Wait for the application's response header. Zero waits forever.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.") // allow both --v and -v
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs) // zap expects a standard Go FlagSet and pflag.FlagSet is not compatible.
	fs.AddGoFlagSet(gofs)
	fs.BoolVar(&opts.Analytics, "analytics", opts.Analytics, "Records request transactions as OpenTelemetry traces.")
	fs.StringVar(&opts.AnalyticsEndpoint, "analytics-endpoint", opts.AnalyticsEndpoint,
		"OTLP collector receiving the transactions. Defaults to OTEL_EXPORTER_OTLP_ENDPOINT.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The metrics port.")
	fs.IntVar(&opts.GRPCHealthPort, "grpc-health-port", opts.GRPCHealthPort,
		"The port used for gRPC liveness and readiness probes.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
}

func (opts *Options) Complete() error {
	threshold, err := parseByteSize("buffer-threshold", opts.BufferThreshold)
	if err != nil {
		return err
	}
	opts.BufferThresholdBytes = threshold
	if opts.ConfigText != "" {
		opts.WatchConfig = false // nothing to watch
	}
	if opts.MaxBodySizeBytes, err = parseByteSize("max-body-size", opts.MaxBodySize); err != nil {
		return err
	}

	// ensure zap log level is set - explicitly by user or from "-v"
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed { // not set explicitly
		lvl := -1 * (opts.LogVerbosity) // See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
		zapLogLevelFlag.Changed = true
	}
	return nil
}

func (opts *Options) Validate() error {
	if (opts.ConfigFile == "") == (opts.ConfigText == "") {
		return errors.New("exactly one of config-file or config-text must be set")
	}
	if opts.MaxSessionCheckoutTry < 1 || opts.MaxSessionCheckoutTry > 255 {
		return fmt.Errorf("%q must be between 1 and 255, got %d", "max-session-checkout-try", opts.MaxSessionCheckoutTry)
	}
	if opts.CheckoutBackoff < 0 || opts.CheckoutBackoffCap < opts.CheckoutBackoff {
		return fmt.Errorf("%q must not exceed %q", "checkout-backoff", "checkout-backoff-cap")
	}
	if opts.AppResponseHeaderTimeout < 0 {
		return fmt.Errorf("%q must not be negative", "app-response-header-timeout")
	}
	if opts.EnableCertReload && opts.CertPath == "" {
		return fmt.Errorf("%q requires %q", "enable-cert-reload", "cert-path")
	}
	for name, port := range map[string]int{"metrics-port": opts.MetricsPort, "grpc-health-port": opts.GRPCHealthPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port number %d in %q", port, name)
		}
	}
	return nil
}

// CheckoutPolicy is the session checkout policy selected by the flags.
func (opts *Options) CheckoutPolicy() handlers.CheckoutPolicy {
	p := handlers.DefaultCheckoutPolicy()
	p.MaxTry = uint8(opts.MaxSessionCheckoutTry)
	p.Backoff = opts.CheckoutBackoff
	p.BackoffCap = opts.CheckoutBackoffCap
	return p
}

// BufferConfig is the body buffer configuration selected by the flags.
func (opts *Options) BufferConfig() bodybuffer.Config {
	return bodybuffer.Config{
		Threshold: opts.BufferThresholdBytes,
		TempDir:   opts.BufferDir,
		MaxSize:   opts.MaxBodySizeBytes,
	}
}

func parseByteSize(flagName, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %q value %q: %w", flagName, value, err)
	}
	return int64(n), nil
}
