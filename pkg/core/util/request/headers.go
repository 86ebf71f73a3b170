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

package request

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	RequestIdHeaderKey = "x-request-id"
	// TxnIdHeaderKey carries the analytics transaction id to the application.
	TxnIdHeaderKey = "passenger-txn-id"

	DefaultStickySessionsCookieName = "_passenger_route"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = sets.New(
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
)

// IsHopByHop reports whether the canonical header key is connection scoped.
func IsHopByHop(key string) bool {
	return hopHeaders.Has(textproto.CanonicalMIMEHeaderKey(key))
}

// RemoveHopByHopHeaders deletes the standard hop-by-hop headers and every
// header named by a Connection token.
func RemoveHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for f := range hopHeaders {
		h.Del(f)
	}
}

// UpgradeType returns the requested protocol upgrade, or "" if none.
func UpgradeType(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}
	return h.Get("Upgrade")
}

// ExpectsContinue reports whether the client sent "Expect: 100-continue".
func ExpectsContinue(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Expect"], "100-continue")
}

// GetOrCreateRequestID returns the inbound x-request-id, generating one if absent.
func GetOrCreateRequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIdHeaderKey); id != "" {
		return id
	}
	id := uuid.NewString()
	r.Header.Set(RequestIdHeaderKey, id)
	return id
}

// StickySessionID parses the sticky session id from the named cookie.
// Zero means no usable id was presented.
func StickySessionID(r *http.Request, cookieName string) uint32 {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseUint(c.Value, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}

// StickySessionCookie builds the cookie that routes the client back to the
// same worker process.
func StickySessionCookie(cookieName string, id uint32, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    strconv.FormatUint(uint64(id), 10),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
	}
}
