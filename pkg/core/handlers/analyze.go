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
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
	requtil "github.com/DryHumorInDC/passenger/pkg/core/util/request"
)

const analyticsCategory = "requests"

// analyzeRequest resolves the application and fixes the forwarding policy of
// req. The returned context carries the analytics transaction and a logger
// annotated with the application group.
func (s *Server) analyzeRequest(ctx context.Context, w http.ResponseWriter, req *Request) (context.Context, error) {
	r := req.httpReq

	opts, err := s.resolver.Resolve(r)
	if err != nil {
		return ctx, errutil.Error{Code: errutil.BadConfiguration, Msg: err.Error()}
	}
	req.options = opts

	logger := log.FromContext(ctx).WithValues("appGroup", opts.AppGroupName)
	ctx = log.IntoContext(ctx, logger)

	req.https = r.TLS != nil
	req.hasPragmaHeader = len(r.Header["Pragma"]) > 0
	req.dechunkResponse = !r.ProtoAtLeast(1, 1)
	req.upgrade = requtil.UpgradeType(r.Header) != ""
	req.halfCloseAppConnection = !req.upgrade
	req.strip100ContinueHeader = requtil.ExpectsContinue(r.Header)

	hasBody := r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
	req.requestBodyBuffering = hasBody && !req.upgrade &&
		(opts.BufferUpload || (r.ContentLength < 0 && !opts.AllowChunkedUpload))

	if opts.StickySessions {
		req.stickySession = true
		opts.StickySessionID = requtil.StickySessionID(r, opts.StickySessionsCookieName)
	}

	if limit := s.buffer.MaxSize; limit > 0 {
		if r.ContentLength > limit {
			return ctx, errutil.Errorf(errutil.RequestEntityTooLarge, "declared body size %d exceeds %d", r.ContentLength, limit)
		}
		if hasBody && !req.requestBodyBuffering {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
	}

	ctx, req.txn = s.analytics.NewTransaction(ctx, opts.AppGroupName, analyticsCategory)
	if req.txn != nil {
		req.txnID = req.txn.TxnID()
		req.stopwatchLogs.requestProcessing.Begin(req.txn, RequestProcessingMeasurement)
		if req.hasPragmaHeader {
			req.txn.Message("Pragma: " + r.Header.Get("Pragma"))
		}
	}

	logger.V(logutil.DEBUG).Info("Request analyzed",
		"buffering", req.requestBodyBuffering,
		"sticky", req.stickySession,
		"halfClose", req.halfCloseAppConnection,
		"upgrade", req.upgrade,
		"txnId", req.txnID)
	return ctx, nil
}
