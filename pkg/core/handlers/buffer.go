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

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/bodybuffer"
	"github.com/DryHumorInDC/passenger/pkg/core/metrics"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
)

// bufferRequestBody receives the whole request body before a session is
// checked out, so that slow uploads do not occupy an application process.
func (s *Server) bufferRequestBody(ctx context.Context, req *Request) error {
	logger := log.FromContext(ctx)
	req.stopwatchLogs.bufferingRequestBody.Begin(req.txn, BufferingRequestBodyMeasurement)

	req.bodyBuffer = bodybuffer.New(s.buffer, logger)
	_, err := req.bodyBuffer.ReadFrom(req.httpReq.Body)
	req.bodyBytesBuffered = req.bodyBuffer.BytesBuffered()
	if err != nil {
		switch {
		case errors.Is(err, bodybuffer.ErrTooLarge):
			return errutil.Error{Code: errutil.RequestEntityTooLarge, Msg: err.Error()}
		case errors.Is(err, bodybuffer.ErrSpillUnavailable):
			return errutil.Error{Code: errutil.ResourceExhausted, Msg: err.Error()}
		default:
			return clientBodyError(ctx, err)
		}
	}

	metrics.RecordBufferedBody(req.appGroup(), req.bodyBytesBuffered, req.bodyBuffer.Spilled())
	req.stopwatchLogs.bufferingRequestBody.End(true)
	logger.V(logutil.DEBUG).Info("Request body buffered",
		"size", humanize.IBytes(uint64(req.bodyBytesBuffered)), "spilled", req.bodyBuffer.Spilled())
	return nil
}

// clientBodyError classifies a failure reading the client's request body.
func clientBodyError(ctx context.Context, err error) error {
	var maxBytesErr *http.MaxBytesError
	switch {
	case ctx.Err() != nil, errors.Is(err, io.ErrUnexpectedEOF):
		return errutil.Error{Code: errutil.ClientDisconnected, Msg: err.Error()}
	case errors.As(err, &maxBytesErr):
		return errutil.Error{Code: errutil.RequestEntityTooLarge, Msg: err.Error()}
	default:
		return errutil.Errorf(errutil.BadRequest, "reading request body: %v", err)
	}
}
