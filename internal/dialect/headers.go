package dialect

import (
	"net/http"
	"strings"
)

// corsAllowPrefix matches the Access-Control-Allow-* family the server
// strips before relaying upstream response headers to the client, since
// the adapter — not the upstream app — owns CORS for its own surface.
const corsAllowPrefix = "access-control-allow-"

// SanitizeResponseHeaders builds the header set written to the client HTTP
// response from the raw headers the in-page agent captured off the
// upstream fetch (spec.md §6 "Header sanitation" — response side).
func SanitizeResponseHeaders(upstream map[string]string) http.Header {
	out := make(http.Header, len(upstream))
	for k, v := range upstream {
		lower := strings.ToLower(k)
		if lower == "content-length" || strings.HasPrefix(lower, corsAllowPrefix) {
			continue
		}
		out.Set(k, v)
	}
	return out
}

// requestHeaderStripPrefix and requestHeaderStripExact describe the
// header sanitation the in-page agent performs on the request side before
// its fetch (spec.md §4.F, §6). The server has no request headers to
// sanitize itself — this list documents and validates the contract the
// injected agent source (internal/fleet/assets/agent.ts) must honor.
var (
	requestHeaderStripExact = map[string]bool{
		"host": true, "connection": true, "content-length": true,
		"origin": true, "referer": true, "user-agent": true,
	}
	requestHeaderStripPrefix = "sec-fetch-"
)

// IsStrippedRequestHeader reports whether name must not reach the upstream
// fetch, per the agent contract's request-side sanitation rule.
func IsStrippedRequestHeader(name string) bool {
	lower := strings.ToLower(name)
	return requestHeaderStripExact[lower] || strings.HasPrefix(lower, requestHeaderStripPrefix)
}
