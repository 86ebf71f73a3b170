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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
)

func TestCheckoutRetries(t *testing.T) {
	fatal := &pool.CheckoutError{Kind: pool.Fatal, Group: "app", Err: pool.ErrNoProcesses}

	tests := []struct {
		name         string
		fails        []error
		failAll      error
		wantStatus   int
		wantAttempts int
		wantTry      uint8
		wantStates   []State
	}{
		{
			name:         "first attempt succeeds",
			wantStatus:   http.StatusOK,
			wantAttempts: 1,
			wantTry:      0,
			wantStates:   []State{AnalyzingRequest, CheckingOutSession, SendingHeaderToApp, ForwardingBodyToApp, WaitingForAppOutput},
		},
		{
			name:         "three transient failures then success",
			fails:        []error{saturated(), saturated(), saturated()},
			wantStatus:   http.StatusOK,
			wantAttempts: 4,
			wantTry:      3,
			wantStates:   []State{AnalyzingRequest, CheckingOutSession, SendingHeaderToApp, ForwardingBodyToApp, WaitingForAppOutput},
		},
		{
			name:         "transient failures exhaust the attempts",
			failAll:      saturated(),
			wantStatus:   http.StatusServiceUnavailable,
			wantAttempts: DefaultMaxSessionCheckoutTry,
			wantTry:      DefaultMaxSessionCheckoutTry - 1,
			wantStates:   []State{AnalyzingRequest, CheckingOutSession},
		},
		{
			name:         "fatal failure is not retried",
			failAll:      fatal,
			wantStatus:   http.StatusInternalServerError,
			wantAttempts: 1,
			wantTry:      0,
			wantStates:   []State{AnalyzingRequest, CheckingOutSession},
		},
		{
			name:         "fatal failure after a transient one",
			fails:        []error{saturated(), fatal},
			wantStatus:   http.StatusInternalServerError,
			wantAttempts: 2,
			wantTry:      1,
			wantStates:   []State{AnalyzingRequest, CheckingOutSession},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newFakePool(startApp(t, digestApp), test.fails...)
			p.failAll = test.failAll
			states := &stateLog{}
			s := NewServer(Config{
				Pool:          p,
				Resolver:      staticResolver{opts: defaultOptions()},
				Checkout:      noBackoff(),
				StateObserver: states.observe,
			})

			w := serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

			assert.Equal(t, test.wantStatus, w.Code)
			assert.Equal(t, test.wantAttempts, p.Attempts())
			assert.Equal(t, test.wantTry, states.req.SessionCheckoutTry())
			if diff := cmp.Diff(test.wantStates, states.get()); diff != "" {
				t.Errorf("Unexpected states (-want +got):\n%s", diff)
			}
			assert.False(t, states.req.HasSession())
			assert.False(t, states.req.HasAppChannels())
		})
	}
}

func TestCheckoutWaitsForBackoff(t *testing.T) {
	p := newFakePool(startApp(t, digestApp), saturated())
	clk := testclock.NewFakeClock(time.Now())
	policy := DefaultCheckoutPolicy()
	policy.Jitter = 0
	s := NewServer(Config{
		Pool:     p,
		Resolver: staticResolver{opts: defaultOptions()},
		Checkout: policy,
		Clock:    clk,
	})

	done := make(chan int)
	go func() {
		done <- serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil)).Code
	}()

	require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.Attempts(), "no retry before the backoff elapses")
	clk.Step(DefaultCheckoutBackoff)

	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete after the backoff")
	}
	assert.Equal(t, 2, p.Attempts())
}

func TestCheckoutClientDisconnectDuringBackoff(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	p.failAll = saturated()
	clk := testclock.NewFakeClock(time.Now())
	states := &stateLog{}
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: defaultOptions()},
		Clock:         clk,
		StateObserver: states.observe,
	})

	ctx, cancel := context.WithCancel(logutil.NewTestLoggerIntoContext(context.Background()))
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeHTTP(w, r)
	}()

	require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not end after the client disconnected")
	}

	assert.Equal(t, 1, p.Attempts())
	assert.Empty(t, w.Body.String(), "nothing is written to a disconnected client")
	assert.Equal(t, CheckingOutSession, states.req.State())
}

func TestCheckoutPolicyBackoff(t *testing.T) {
	policy := CheckoutPolicy{
		MaxTry:     6,
		Backoff:    10 * time.Millisecond,
		BackoffCap: 50 * time.Millisecond,
		Factor:     2,
	}
	b := policy.backoff()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Step())
	}
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected backoff (-want +got):\n%s", diff)
	}
}

func TestLoadCheckoutPolicyFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want CheckoutPolicy
	}{
		{
			name: "defaults",
			want: DefaultCheckoutPolicy(),
		},
		{
			name: "overrides",
			env: map[string]string{
				MaxSessionCheckoutTryEnvVar: "8",
				CheckoutBackoffEnvVar:       "25ms",
				CheckoutBackoffCapEnvVar:    "2s",
			},
			want: func() CheckoutPolicy {
				p := DefaultCheckoutPolicy()
				p.MaxTry = 8
				p.Backoff = 25 * time.Millisecond
				p.BackoffCap = 2 * time.Second
				return p
			}(),
		},
		{
			name: "attempts clamped low",
			env:  map[string]string{MaxSessionCheckoutTryEnvVar: "0"},
			want: func() CheckoutPolicy {
				p := DefaultCheckoutPolicy()
				p.MaxTry = 1
				return p
			}(),
		},
		{
			name: "attempts clamped high",
			env:  map[string]string{MaxSessionCheckoutTryEnvVar: "1000"},
			want: func() CheckoutPolicy {
				p := DefaultCheckoutPolicy()
				p.MaxTry = 255
				return p
			}(),
		},
		{
			name: "backoff above the cap is clamped",
			env: map[string]string{
				CheckoutBackoffEnvVar:    "3s",
				CheckoutBackoffCapEnvVar: "500ms",
			},
			want: func() CheckoutPolicy {
				p := DefaultCheckoutPolicy()
				p.Backoff = 500 * time.Millisecond
				p.BackoffCap = 500 * time.Millisecond
				return p
			}(),
		},
		{
			name: "backoff above the default cap is clamped",
			env:  map[string]string{CheckoutBackoffEnvVar: "5s"},
			want: func() CheckoutPolicy {
				p := DefaultCheckoutPolicy()
				p.Backoff = DefaultCheckoutBackoffCap
				return p
			}(),
		},
		{
			name: "unparsable value keeps the default",
			env:  map[string]string{CheckoutBackoffEnvVar: "soon"},
			want: DefaultCheckoutPolicy(),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			got := LoadCheckoutPolicyFromEnv(DefaultCheckoutPolicy(), testr.New(t))
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Unexpected policy (-want +got):\n%s", diff)
			}
		})
	}
}
