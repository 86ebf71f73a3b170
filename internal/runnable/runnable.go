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

// Package runnable adapts servers to runnables stopped by context
// cancellation.
package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// DefaultShutdownTimeout bounds the graceful shutdown of HTTP servers.
const DefaultShutdownTimeout = 30 * time.Second

// GRPCServer converts the given gRPC server into a runnable.
// The server name is just being used for logging.
func GRPCServer(name string, srv *grpc.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		logger := log.FromContext(ctx).WithValues("name", name)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC server failed to listen - %w", err)
		}
		logger.Info("gRPC server listening", "port", port)

		// Terminate the server on context closed without leaking the goroutine.
		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				logger.Info("gRPC server shutting down")
				srv.GracefulStop()
			case <-doneCh:
			}
		}()

		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed - %w", err)
		}
		logger.Info("gRPC server terminated")
		return nil
	})
}

// HTTPServer serves srv on ln until the context is done, then shuts it down
// gracefully, waiting at most DefaultShutdownTimeout for in-flight requests.
func HTTPServer(name string, srv *http.Server, ln net.Listener) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		logger := log.FromContext(ctx).WithValues("name", name)
		logger.Info("HTTP server listening", "address", ln.Addr().String())
		if srv.BaseContext == nil {
			// Requests inherit the logger but outlive ctx until shutdown completes.
			base := context.WithoutCancel(ctx)
			srv.BaseContext = func(net.Listener) context.Context { return base }
		}

		doneCh := make(chan struct{})
		shutdownErr := make(chan error, 1)
		go func() {
			select {
			case <-ctx.Done():
				logger.Info("HTTP server shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
				defer cancel()
				shutdownErr <- srv.Shutdown(sctx)
			case <-doneCh:
				shutdownErr <- nil
			}
		}()

		err := srv.Serve(ln)
		close(doneCh)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed - %w", err)
		}
		if err := <-shutdownErr; err != nil {
			return fmt.Errorf("HTTP server shutdown failed - %w", err)
		}
		logger.Info("HTTP server terminated")
		return nil
	})
}
