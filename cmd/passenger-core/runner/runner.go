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

package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/DryHumorInDC/passenger/internal/runnable"
	"github.com/DryHumorInDC/passenger/pkg/common"
	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/common/observability/profiling"
	"github.com/DryHumorInDC/passenger/pkg/core/analytics"
	"github.com/DryHumorInDC/passenger/pkg/core/config"
	"github.com/DryHumorInDC/passenger/pkg/core/handlers"
	"github.com/DryHumorInDC/passenger/pkg/core/metrics"
	"github.com/DryHumorInDC/passenger/pkg/core/metrics/collectors"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	runserver "github.com/DryHumorInDC/passenger/pkg/core/server"
	"github.com/DryHumorInDC/passenger/version"
)

var setupLog = ctrl.Log.WithName("setup")

// envFlags are environment variables soft-overriding flags that were not set
// on the command line.
var envFlags = map[string]string{
	"PASSENGER_LISTEN_ADDRESS":              "listen-address",
	"PASSENGER_SECURE_SERVING":              "secure-serving",
	"PASSENGER_CERT_PATH":                   "cert-path",
	"PASSENGER_CONFIG_FILE":                 "config-file",
	"PASSENGER_BUFFER_THRESHOLD":            "buffer-threshold",
	"PASSENGER_BUFFER_DIR":                  "buffer-dir",
	"PASSENGER_MAX_BODY_SIZE":               "max-body-size",
	"PASSENGER_APP_RESPONSE_HEADER_TIMEOUT": "app-response-header-timeout",
	"PASSENGER_ANALYTICS":                   "analytics",
	"PASSENGER_ANALYTICS_ENDPOINT":          "analytics-endpoint",
	"METRICS_PORT":                          "metrics-port",
	"GRPC_HEALTH_PORT":                      "grpc-health-port",
}

type Runner struct {
	fs   *pflag.FlagSet
	args []string
}

func NewRunner() *Runner {
	return &Runner{fs: pflag.CommandLine, args: os.Args[1:]}
}

// WithArgs parses args on a private flag set instead of the command line.
func (r *Runner) WithArgs(args ...string) *Runner {
	r.fs = pflag.NewFlagSet("passenger-core", pflag.ContinueOnError)
	r.args = args
	return r
}

func bindEnvToFlags(fs *pflag.FlagSet) {
	for env, flg := range envFlags {
		if v := os.Getenv(env); v != "" {
			if f := fs.Lookup(flg); f != nil && !f.Changed {
				_ = fs.Set(flg, v)
			}
		}
	}
}

func (r *Runner) parseOptions() (*runserver.Options, error) {
	opts := runserver.NewOptions()
	opts.AddFlags(r.fs)
	if err := r.fs.Parse(r.args); err != nil {
		return nil, err
	}
	bindEnvToFlags(r.fs)
	if err := opts.Complete(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (r *Runner) Run(ctx context.Context) error {
	opts, err := r.parseOptions()
	if err != nil {
		setupLog.Error(err, "Failed to process flags")
		return err
	}
	logutil.InitLogging(&opts.ZapOptions)
	ctx = log.IntoContext(ctx, ctrl.Log)

	setupLog.Info("Passenger core build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)
	flags := make(map[string]any)
	r.fs.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	staticPool := pool.NewStaticPool(ctrl.Log.WithName("pool"), pool.StaticPoolOptions{DisableTimeout: opts.DisableTimeout})
	if err := loadConfiguration(ctx, opts, staticPool); err != nil {
		setupLog.Error(err, "Failed to load the application groups")
		return err
	}

	var core analytics.Core
	frontRunner := runserver.NewDefaultCoreServerRunner(nil)
	if opts.Analytics {
		tp, err := common.InitTracing(ctx, setupLog, opts.AnalyticsEndpoint)
		if err != nil {
			setupLog.Error(err, "Failed to initialize analytics")
			return err
		}
		core = analytics.NewOtelCore(tp)
		frontRunner.TracerProvider = tp
	}

	metrics.Register(collectors.NewPoolMetricsCollector(staticPool))
	metrics.RecordCoreInfo(version.CommitSHA, version.BuildRef)

	handler := handlers.NewServer(handlers.Config{
		Pool:                     staticPool,
		Resolver:                 staticPool,
		Analytics:                core,
		Checkout:                 handlers.LoadCheckoutPolicyFromEnv(opts.CheckoutPolicy(), setupLog),
		Buffer:                   opts.BufferConfig(),
		AppResponseHeaderTimeout: opts.AppResponseHeaderTimeout,
	})
	frontRunner.ListenAddress = opts.ListenAddress
	frontRunner.SecureServing = opts.SecureServing
	frontRunner.CertPath = opts.CertPath
	frontRunner.EnableCertReload = opts.EnableCertReload
	frontRunner.Handler = handler

	frontLn, err := frontRunner.Listen(ctx, setupLog)
	if err != nil {
		setupLog.Error(err, "Failed to open the front-end listener")
		return err
	}
	metricsRunnable, err := metricsServer(opts.MetricsPort, opts.EnablePprof)
	if err != nil {
		_ = frontLn.Close()
		setupLog.Error(err, "Failed to open the metrics listener")
		return err
	}

	runnables := map[string]manager.Runnable{
		"pool":    manager.RunnableFunc(staticPool.Start),
		"health":  healthRunnable(ctrl.Log.WithName("health"), staticPool, opts.GRPCHealthPort),
		"metrics": metricsRunnable,
		"core":    frontRunner.AsRunnable(frontLn),
	}

	setupLog.Info("Passenger core starting", "address", frontLn.Addr().String())
	g, gctx := errgroup.WithContext(ctx)
	for name, rn := range runnables {
		g.Go(func() error {
			if err := rn.Start(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "Passenger core failed")
		return err
	}
	setupLog.Info("Passenger core terminated")
	return nil
}

func loadConfiguration(ctx context.Context, opts *runserver.Options, p *pool.StaticPool) error {
	if opts.ConfigText != "" {
		f, err := config.Parse([]byte(opts.ConfigText))
		if err != nil {
			return err
		}
		return p.SetGroups(f.Groups)
	}
	if err := config.Apply(ctx, opts.ConfigFile, p); err != nil {
		return err
	}
	if opts.WatchConfig {
		return config.Watch(ctx, opts.ConfigFile, p)
	}
	return nil
}

func healthRunnable(logger logr.Logger, p readiness, port int) manager.Runnable {
	srv := grpc.NewServer()
	healthPb.RegisterHealthServer(srv, &healthServer{logger: logger, pool: p})
	return runnable.GRPCServer("health", srv, port)
}

func metricsServer(port int, enablePprof bool) (manager.Runnable, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
		Registry:      prometheus.Registerer(ctrlmetrics.Registry),
	}))
	if enablePprof {
		setupLog.Info("Enabling pprof handlers")
		profiling.RegisterPprofHandlers(mux)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: runserver.DefaultReadHeaderTimeout}
	return runnable.HTTPServer("metrics", srv, ln), nil
}
