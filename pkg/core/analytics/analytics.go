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

// Package analytics records per-request transactions and the time spent in
// each stage of a request.
package analytics

import (
	"context"
)

// Core opens transactions.
type Core interface {
	// NewTransaction opens a transaction for one request. It returns a nil
	// Transaction when analytics are disabled.
	NewTransaction(ctx context.Context, groupName, category string) (context.Context, Transaction)
}

// Transaction collects the measurements and messages of one request.
type Transaction interface {
	TxnID() string
	Message(text string)
	BeginMeasurement(name string) Measurement
	// End closes the transaction. Only the first call has an effect.
	End(success bool)
}

// Measurement is a timed section of a transaction.
type Measurement interface {
	// End closes the measurement. Only the first call has an effect.
	End(success bool)
}

// NoopCore disables analytics.
type NoopCore struct{}

func (NoopCore) NewTransaction(ctx context.Context, _, _ string) (context.Context, Transaction) {
	return ctx, nil
}

// Stopwatch is an optional measurement. The zero value is idle, and all
// methods are safe to call without a transaction.
type Stopwatch struct {
	m Measurement
}

// Begin starts measuring under txn. It does nothing when txn is nil or the
// stopwatch is already running.
func (s *Stopwatch) Begin(txn Transaction, name string) {
	if txn == nil || s.m != nil {
		return
	}
	s.m = txn.BeginMeasurement(name)
}

// End stops a running stopwatch.
func (s *Stopwatch) End(success bool) {
	if s.m == nil {
		return
	}
	s.m.End(success)
	s.m = nil
}

// Running reports whether the stopwatch was begun and not yet ended.
func (s *Stopwatch) Running() bool {
	return s.m != nil
}
