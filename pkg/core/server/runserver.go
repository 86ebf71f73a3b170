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
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/DryHumorInDC/passenger/internal/runnable"
	tlsutil "github.com/DryHumorInDC/passenger/internal/tls"
	"github.com/DryHumorInDC/passenger/pkg/common"
)

// DefaultReadHeaderTimeout bounds how long a client may take to send its
// request header.
const DefaultReadHeaderTimeout = 30 * time.Second

// CoreServerRunner serves the request handler on the front-end listener.
type CoreServerRunner struct {
	ListenAddress    string
	SecureServing    bool
	CertPath         string
	EnableCertReload bool
	Handler          http.Handler
	// TracerProvider, when set, extracts incoming trace context so that
	// request transactions join the caller's trace.
	TracerProvider trace.TracerProvider
}

func NewDefaultCoreServerRunner(handler http.Handler) *CoreServerRunner {
	return &CoreServerRunner{
		ListenAddress: DefaultListenAddress,
		Handler:       handler,
	}
}

// Listen opens the front-end listener, with TLS when secure serving is on.
func (r *CoreServerRunner) Listen(ctx context.Context, logger logr.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", r.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", r.ListenAddress, err)
	}
	if !r.SecureServing {
		return ln, nil
	}
	cfg, err := r.tlsConfig(ctx, logger)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, cfg), nil
}

func (r *CoreServerRunner) tlsConfig(ctx context.Context, logger logr.Logger) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
	}
	if r.CertPath == "" {
		cert, err := tlsutil.CreateSelfSignedTLSCertificate(logger, "localhost", "127.0.0.1")
		if err != nil {
			logger.Error(err, "Failed to create self signed certificate")
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(filepath.Join(r.CertPath, "tls.crt"), filepath.Join(r.CertPath, "tls.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate from %q: %w", r.CertPath, err)
	}
	if !r.EnableCertReload {
		cfg.Certificates = []tls.Certificate{cert}
		return cfg, nil
	}
	reloader, err := common.NewCertReloader(ctx, r.CertPath, &cert)
	if err != nil {
		return nil, err
	}
	cfg.GetCertificate = reloader.GetCertificate
	return cfg, nil
}

// AsRunnable returns a Runnable serving the handler on ln.
func (r *CoreServerRunner) AsRunnable(ln net.Listener) manager.Runnable {
	handler := r.Handler
	if r.TracerProvider != nil {
		handler = otelhttp.NewHandler(handler, "passenger-core",
			otelhttp.WithTracerProvider(r.TracerProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method
			}))
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return runnable.HTTPServer("core", srv, ln)
}
