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

// Package pool defines how the request handler obtains exclusive sessions
// with application processes, and provides a pool of statically configured
// processes.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Pool hands out sessions with application processes.
type Pool interface {
	// Checkout returns a session with a process of opts.AppGroupName. Errors
	// are *CheckoutError values; anything else is treated as fatal.
	Checkout(ctx context.Context, opts *Options) (Session, error)
}

// Session is an exclusive conversation with one application process.
type Session interface {
	// Conn is the connection to the process. It is owned by the session.
	Conn() net.Conn
	// Protocol is the wire protocol spoken on Conn.
	Protocol() string
	// ProcessID identifies the process serving this session.
	ProcessID() string
	// StickySessionID routes later requests back to the same process.
	StickySessionID() uint32
	// Release returns the session to the pool. A session that is not
	// reusable is discarded. Only the first call has an effect.
	Release(reusable bool)
}

// ProtocolHTTP is HTTP/1.1 with one request per connection.
const ProtocolHTTP = "http"

type CheckoutErrorKind int

const (
	// Transient failures may succeed when retried.
	Transient CheckoutErrorKind = iota
	// Fatal failures will not succeed when retried.
	Fatal
)

func (k CheckoutErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrGroupNotFound      = errors.New("application group not found")
	ErrNoProcesses        = errors.New("application group has no processes")
	ErrSaturated          = errors.New("all processes are busy")
	ErrProcessUnreachable = errors.New("process unreachable")
)

// CheckoutError is returned by Pool.Checkout.
type CheckoutError struct {
	Kind  CheckoutErrorKind
	Group string
	Err   error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("%s checkout error for group %q: %v", e.Kind, e.Group, e.Err)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func transientError(group string, err error) *CheckoutError {
	return &CheckoutError{Kind: Transient, Group: group, Err: err}
}

func fatalError(group string, err error) *CheckoutError {
	return &CheckoutError{Kind: Fatal, Group: group, Err: err}
}

// IsTransient reports whether err is a checkout failure worth retrying.
func IsTransient(err error) bool {
	var ce *CheckoutError
	return errors.As(err, &ce) && ce.Kind == Transient
}

// IsFatal reports whether retrying the checkout that failed with err is
// pointless. Errors that are not a *CheckoutError are fatal.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
