// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package tunnel bridges HTTP requests between clusters over the peer
// channel: request metadata travels as a proxy/http request, the response
// streams back as proxy/chunk pushes.
package tunnel

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped in both directions. Content-Length is dropped
// too: the outbound side recomputes it from the carried body, the inbound
// side streams chunked.
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Te",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// FilterHeaders returns a copy of headers with hop-by-hop and Proxy-* entries
// removed.
func FilterHeaders(headers http.Header) http.Header {
	filtered := http.Header{}
	for name, values := range headers {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			filtered.Add(name, value)
		}
	}
	return filtered
}

func isHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if strings.HasPrefix(canonical, "Proxy-") {
		return true
	}
	for _, hop := range hopByHopHeaders {
		if canonical == hop {
			return true
		}
	}
	return false
}
