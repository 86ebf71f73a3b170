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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/metrics"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	envutil "github.com/DryHumorInDC/passenger/pkg/core/util/env"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
)

const (
	DefaultMaxSessionCheckoutTry = 4
	DefaultCheckoutBackoff       = 10 * time.Millisecond
	DefaultCheckoutBackoffCap    = time.Second
	defaultCheckoutBackoffFactor = 2.0
	defaultCheckoutBackoffJitter = 0.1

	MaxSessionCheckoutTryEnvVar = "PASSENGER_MAX_SESSION_CHECKOUT_TRY"
	CheckoutBackoffEnvVar       = "PASSENGER_SESSION_CHECKOUT_BACKOFF"
	CheckoutBackoffCapEnvVar    = "PASSENGER_SESSION_CHECKOUT_BACKOFF_CAP"
)

// CheckoutPolicy bounds the attempts made to check out a session. Transient
// failures are retried with exponential backoff; fatal failures are not.
type CheckoutPolicy struct {
	// MaxTry is the total number of attempts, at least 1.
	MaxTry     uint8
	Backoff    time.Duration
	BackoffCap time.Duration
	Factor     float64
	Jitter     float64
}

func DefaultCheckoutPolicy() CheckoutPolicy {
	return CheckoutPolicy{
		MaxTry:     DefaultMaxSessionCheckoutTry,
		Backoff:    DefaultCheckoutBackoff,
		BackoffCap: DefaultCheckoutBackoffCap,
		Factor:     defaultCheckoutBackoffFactor,
		Jitter:     defaultCheckoutBackoffJitter,
	}
}

// LoadCheckoutPolicyFromEnv overrides the fields of base that have an
// environment variable set.
func LoadCheckoutPolicyFromEnv(base CheckoutPolicy, logger logr.Logger) CheckoutPolicy {
	p := base
	maxTry := envutil.GetEnvInt(MaxSessionCheckoutTryEnvVar, int(base.MaxTry), logger)
	p.MaxTry = clampMaxTry(maxTry)
	p.Backoff = envutil.GetEnvDuration(CheckoutBackoffEnvVar, base.Backoff, logger)
	p.BackoffCap = envutil.GetEnvDuration(CheckoutBackoffCapEnvVar, base.BackoffCap, logger)
	if p.BackoffCap > 0 && p.Backoff > p.BackoffCap {
		logger.V(logutil.DEFAULT).Info("Session checkout backoff exceeds its cap, using the cap",
			"backoff", p.Backoff, "cap", p.BackoffCap)
		p.Backoff = p.BackoffCap
	}
	logger.V(logutil.DEFAULT).Info("Session checkout policy loaded", "policy", p)
	return p
}

func clampMaxTry(n int) uint8 {
	switch {
	case n < 1:
		return 1
	case n > 255:
		return 255
	default:
		return uint8(n)
	}
}

func (p CheckoutPolicy) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.Backoff,
		Factor:   p.Factor,
		Jitter:   p.Jitter,
		Steps:    int(p.MaxTry),
		Cap:      p.BackoffCap,
	}
}

// checkoutSession obtains a session for req, retrying transient failures
// until the policy is exhausted. sessionCheckoutTry counts the failed
// attempts that were followed by a retry.
func (s *Server) checkoutSession(ctx context.Context, req *Request) error {
	logger := log.FromContext(ctx)
	group := req.appGroup()
	req.stopwatchLogs.getFromPool.Begin(req.txn, GetFromPoolMeasurement)

	backoff := s.checkout.backoff()
	for {
		session, err := s.pool.Checkout(ctx, req.options)
		if err == nil {
			metrics.RecordCheckoutAttempt(group, metrics.CheckoutSuccess)
			req.session = session
			s.watchConn(ctx, req)
			req.stopwatchLogs.getFromPool.End(true)
			logger.V(logutil.DEBUG).Info("Session checked out",
				"process", session.ProcessID(), "checkoutTry", req.sessionCheckoutTry)
			return nil
		}

		if ctx.Err() != nil {
			metrics.RecordCheckoutAttempt(group, metrics.CheckoutCanceled)
			return errutil.Errorf(errutil.ClientDisconnected, "during session checkout: %v", ctx.Err())
		}
		if pool.IsFatal(err) {
			metrics.RecordCheckoutAttempt(group, metrics.CheckoutFatal)
			return errutil.Error{Code: errutil.BadConfiguration, Msg: err.Error()}
		}

		metrics.RecordCheckoutAttempt(group, metrics.CheckoutTransient)
		if int(req.sessionCheckoutTry)+1 >= int(s.checkout.MaxTry) {
			return errutil.Errorf(errutil.ServiceUnavailable, "no session after %d attempts: %v", s.checkout.MaxTry, err)
		}
		req.sessionCheckoutTry++

		delay := backoff.Step()
		logger.V(logutil.VERBOSE).Info("Session checkout failed, retrying",
			"attempt", req.sessionCheckoutTry, "delay", delay, "error", err.Error())
		if req.txn != nil {
			req.txn.Message(fmt.Sprintf("session checkout attempt %d failed: %v", req.sessionCheckoutTry, err))
		}
		if delay <= 0 {
			continue
		}
		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errutil.Errorf(errutil.ClientDisconnected, "during session checkout backoff: %v", ctx.Err())
		case <-timer.C():
		}
	}
}
