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

package error

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error struct for errors returned by the core request handler.
type Error struct {
	Code string
	Msg  string
}

const (
	Unknown               = "Unknown"
	BadRequest            = "BadRequest"
	RequestEntityTooLarge = "RequestEntityTooLarge"
	Internal              = "Internal"
	ServiceUnavailable    = "ServiceUnavailable"
	BadConfiguration      = "BadConfiguration"
	AppConnectionError    = "AppConnectionError"
	MalformedAppResponse  = "MalformedAppResponse"
	AppTimeout            = "AppTimeout"
	ResourceExhausted     = "ResourceExhausted"
	ClientDisconnected    = "ClientDisconnected"
)

// StatusClientClosedRequest is reported in metrics for requests whose client went away.
// Nothing is written to the client in that case.
const StatusClientClosedRequest = 499

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("passenger core: %s - %s", e.Code, e.Msg)
}

// Errorf builds an Error with a formatted message.
func Errorf(code string, format string, args ...any) Error {
	return Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CanonicalCode returns the error's ErrorCode.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// HTTPStatus maps an error code to the status written to the client.
func HTTPStatus(code string) int {
	switch code {
	case BadRequest:
		return http.StatusBadRequest
	case RequestEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case AppConnectionError, MalformedAppResponse:
		return http.StatusBadGateway
	case AppTimeout:
		return http.StatusGatewayTimeout
	case ResourceExhausted:
		return http.StatusInsufficientStorage
	case ClientDisconnected:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
