package pipeline

import (
	"encoding/json"

	"github.com/brennhill/browser-fleet-adapter/internal/agent"
	"github.com/brennhill/browser-fleet-adapter/internal/dialect"
)

// buildProxyRequest assembles the proxy_request frame body (spec.md §6) the
// agent needs to perform its upstream fetch, from the translated native
// request. Header sanitation itself is the agent's responsibility
// (dialect.IsStrippedRequestHeader documents the contract); the pipeline
// only forwards what it received.
func (p *Pipeline) buildProxyRequest(req Request, native dialect.NativeRequest) agent.ProxyRequest {
	body, _ := json.Marshal(native.Body)

	method := req.Method
	if method == "" {
		method = "POST"
	}

	return agent.ProxyRequest{
		Method:        method,
		Path:          nativePath(native.Model, req.UpstreamPath),
		Body:          string(body),
		StreamingMode: string(req.StreamingMode),
		IsGenerative:  req.IsGenerative,
	}
}

func nativePath(model, upstreamPath string) string {
	if upstreamPath == "" {
		return "/v1beta/models/" + model + ":generateContent"
	}
	return "/v1beta/models/" + model + upstreamPath
}
