package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/agent"
	"github.com/brennhill/browser-fleet-adapter/internal/dialect"
	"github.com/brennhill/browser-fleet-adapter/internal/queue"
)

// shapeResponse implements spec.md §4.E.3: dispatch to the response shape
// the caller asked for, with the given request-id bound so the
// client-disconnect path can cancel on whichever identity owns it.
func (p *Pipeline) shapeResponse(ctx context.Context, w http.ResponseWriter, req Request, requestID, model string, translator dialect.Translator, out *attemptOutcome) error {
	switch req.StreamingMode {
	case StreamReal:
		return p.shapeRealStream(ctx, w, requestID, model, req.Dialect, translator, out)
	case StreamPseudo:
		return p.shapePseudoStream(ctx, w, requestID, req.Dialect, translator, out)
	default:
		return p.shapeNonStream(ctx, w, requestID, out)
	}
}

func (p *Pipeline) shapeRealStream(ctx context.Context, w http.ResponseWriter, requestID, model string, d dialect.Dialect, translator dialect.Translator, out *attemptOutcome) error {
	state := dialect.NewStreamState(d, model)

	status := http.StatusOK
	headersWritten := false
	writeHeaders := func(h map[string]string) {
		sanitized := dialect.SanitizeResponseHeaders(h)
		for k, vs := range sanitized {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		headersWritten = true
	}

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	frame := out.first
	for {
		switch v := frame.(type) {
		case agent.ResponseHeaders:
			status = v.Status
			writeHeaders(v.Headers)

		case agent.Chunk:
			if !headersWritten {
				writeHeaders(nil)
			}
			lines, err := translateChunk(translator, v.Data, state)
			if err != nil {
				p.log.Debug("pipeline: real-stream chunk translate failed", "request_id", requestID, "error", err)
			}
			for _, line := range lines {
				fmt.Fprint(w, line)
			}
			flush()

		case agent.StreamEnd:
			if !headersWritten {
				writeHeaders(nil)
			}
			if sentinel := translator.FinalSentinel(); sentinel != "" {
				fmt.Fprint(w, sentinel)
				flush()
			}
			return nil

		case agent.StreamError:
			if headersWritten {
				errBody, _ := json.Marshal(translator.WrapError(v.Status, v.Message))
				fmt.Fprintf(w, "data: %s\n\n", errBody)
				flush()
			}
			p.cancelAndCloseForDisconnect(requestID, queue.ReasonConnectionLost)
			return &StatusError{Status: v.Status, Code: "StreamError", Message: v.Message}
		}

		next, err := dequeueWithContext(ctx, out.q, p.cfg.idleTimeoutOr(60*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				p.cancelAndCloseForDisconnect(requestID, queue.ReasonClientDisconnect)
				return errClientDisconnect()
			}
			var closedErr *queue.ErrClosed
			if errors.As(err, &closedErr) {
				return nil
			}
			return &StatusError{Status: 504, Code: "StreamIdleTimeout", Message: "no frame within the idle timeout"}
		}
		frame = next
	}
}

func translateChunk(translator dialect.Translator, data string, state *dialect.StreamState) ([]string, error) {
	var nativeChunk map[string]any
	if err := json.Unmarshal([]byte(data), &nativeChunk); err != nil {
		return nil, err
	}
	return translator.TranslateOut(nativeChunk, state)
}

func (p *Pipeline) cancelAndCloseForDisconnect(requestID string, reason queue.CloseReason) {
	if identity, ok := p.registry.GetIdentityByRequest(requestID); ok {
		if sock, ok := p.registry.GetSocketByIdentity(identity); ok {
			_ = sock.SendCancelRequest(context.Background(), requestID)
		}
	}
	p.registry.RemoveQueue(requestID, reason)
}

func (c Config) idleTimeoutOr(def time.Duration) time.Duration {
	if c.IdleChunkTimeout > 0 {
		return c.IdleChunkTimeout
	}
	return def
}

// dequeueWithContext dequeues with both a queue idle timeout and the
// caller's context as cancellation sources, so an HTTP client disconnect
// interrupts a long wait immediately rather than on the next poll.
func dequeueWithContext(ctx context.Context, q *queue.Queue, timeout time.Duration) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := q.Dequeue(timeout)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// shapePseudoStream implements spec.md §4.E.3's pseudo-stream shape: an SSE
// envelope around a single accumulated, non-incremental upstream call, with
// keep-alive comments covering the wait.
func (p *Pipeline) shapePseudoStream(ctx context.Context, w http.ResponseWriter, requestID string, d dialect.Dialect, translator dialect.Translator, out *attemptOutcome) error {
	status := http.StatusOK
	var headers map[string]string

	var body strings.Builder
	frame := out.first

	for {
		switch v := frame.(type) {
		case agent.ResponseHeaders:
			status = v.Status
			headers = v.Headers
		case agent.Chunk:
			body.WriteString(v.Data)
		case agent.StreamEnd:
			return p.finishPseudoStream(w, status, headers, body.String(), d, translator)
		case agent.StreamError:
			p.cancelAndCloseForDisconnect(requestID, queue.ReasonConnectionLost)
			return &StatusError{Status: v.Status, Code: "StreamError", Message: v.Message}
		}

		keepAlive := time.NewTimer(jitteredKeepAlive())
		next, err := p.dequeueWithKeepAlive(ctx, w, out.q, keepAlive)
		keepAlive.Stop()
		if err != nil {
			if ctx.Err() != nil {
				p.cancelAndCloseForDisconnect(requestID, queue.ReasonClientDisconnect)
				return errClientDisconnect()
			}
			var closedErr *queue.ErrClosed
			if errors.As(err, &closedErr) {
				return p.finishPseudoStream(w, status, headers, body.String(), d, translator)
			}
			return &StatusError{Status: 504, Code: "StreamIdleTimeout", Message: "pseudo-stream idle timeout"}
		}
		frame = next
	}
}

func jitteredKeepAlive() time.Duration {
	return time.Duration(12+rand.Intn(6)) * time.Second
}

// dequeueWithKeepAlive dequeues with a background idle timeout, writing an
// SSE keep-alive comment (flushed immediately) every time keepAlive fires
// before data arrives.
func (p *Pipeline) dequeueWithKeepAlive(ctx context.Context, w http.ResponseWriter, q *queue.Queue, keepAlive *time.Timer) (any, error) {
	flusher, _ := w.(http.Flusher)
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := q.Dequeue(p.idleTimeoutFor(StreamPseudo))
		ch <- result{v, err}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			keepAlive.Reset(jitteredKeepAlive())
		case r := <-ch:
			return r.v, r.err
		}
	}
}

func (p *Pipeline) finishPseudoStream(w http.ResponseWriter, status int, headers map[string]string, body string, d dialect.Dialect, translator dialect.Translator) error {
	sanitized := dialect.SanitizeResponseHeaders(headers)
	for k, vs := range sanitized {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		fmt.Fprintf(w, "data: %s\n\n", body)
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	thoughtParts, contentParts, ok := splitThoughtParts(parsed)
	if !ok {
		line, _ := json.Marshal(parsed)
		fmt.Fprintf(w, "data: %s\n\n", line)
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	state := dialect.NewStreamState(d, "")
	if len(thoughtParts) > 0 {
		chunk := withParts(parsed, thoughtParts, false)
		lines, _ := translator.TranslateOut(chunk, state)
		for _, l := range lines {
			fmt.Fprint(w, l)
		}
	}
	contentChunk := withParts(parsed, contentParts, true)
	lines, _ := translator.TranslateOut(contentChunk, state)
	for _, l := range lines {
		fmt.Fprint(w, l)
	}
	if sentinel := translator.FinalSentinel(); sentinel != "" {
		fmt.Fprint(w, sentinel)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// splitThoughtParts separates candidates[0].content.parts into thought-true
// and thought-false parts (spec.md §4.E.3 "streaming shape"). ok is false
// if the body doesn't have the expected candidates/content/parts shape.
func splitThoughtParts(body map[string]any) (thought, content []any, ok bool) {
	candidates, _ := body["candidates"].([]any)
	if len(candidates) == 0 {
		return nil, nil, false
	}
	candidate, _ := candidates[0].(map[string]any)
	contentObj, _ := candidate["content"].(map[string]any)
	parts, _ := contentObj["parts"].([]any)
	if parts == nil {
		return nil, nil, false
	}
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if isThought, _ := part["thought"].(bool); isThought {
			thought = append(thought, part)
		} else {
			content = append(content, part)
		}
	}
	return thought, content, true
}

// withParts clones body with candidates[0].content.parts replaced by parts,
// dropping finishReason/usageMetadata unless includeFinish is set.
func withParts(body map[string]any, parts []any, includeFinish bool) map[string]any {
	clone := map[string]any{}
	for k, v := range body {
		clone[k] = v
	}
	candidates, _ := body["candidates"].([]any)
	if len(candidates) == 0 {
		return clone
	}
	candidate, _ := candidates[0].(map[string]any)
	candidateClone := map[string]any{}
	for k, v := range candidate {
		candidateClone[k] = v
	}
	contentObj, _ := candidate["content"].(map[string]any)
	contentClone := map[string]any{}
	for k, v := range contentObj {
		contentClone[k] = v
	}
	contentClone["parts"] = parts
	candidateClone["content"] = contentClone
	if !includeFinish {
		delete(candidateClone, "finishReason")
		delete(clone, "usageMetadata")
	}
	clone["candidates"] = []any{candidateClone}
	return clone
}

// shapeNonStream implements spec.md §4.E.3's non-stream shape: accumulate
// every frame, forward headers and body, rewriting an inline image part
// into a Markdown data-url reference if present.
func (p *Pipeline) shapeNonStream(ctx context.Context, w http.ResponseWriter, requestID string, out *attemptOutcome) error {
	status := http.StatusOK
	var headers map[string]string
	var body strings.Builder

	frame := out.first
	for {
		switch v := frame.(type) {
		case agent.ResponseHeaders:
			status = v.Status
			headers = v.Headers
		case agent.Chunk:
			body.WriteString(v.Data)
		case agent.StreamEnd:
			return p.finishNonStream(w, status, headers, body.String())
		case agent.StreamError:
			p.cancelAndCloseForDisconnect(requestID, queue.ReasonConnectionLost)
			return &StatusError{Status: v.Status, Code: "StreamError", Message: v.Message}
		}

		next, err := dequeueWithContext(ctx, out.q, p.idleTimeoutFor(StreamNone))
		if err != nil {
			if ctx.Err() != nil {
				p.cancelAndCloseForDisconnect(requestID, queue.ReasonClientDisconnect)
				return errClientDisconnect()
			}
			var closedErr *queue.ErrClosed
			if errors.As(err, &closedErr) {
				return p.finishNonStream(w, status, headers, body.String())
			}
			return &StatusError{Status: 504, Code: "NonStreamIdleTimeout", Message: "no frame within the idle timeout"}
		}
		frame = next
	}
}

func (p *Pipeline) finishNonStream(w http.ResponseWriter, status int, headers map[string]string, body string) error {
	rewritten, changed := rewriteInlineImage(body)
	if changed {
		body = rewritten
	}

	sanitized := dialect.SanitizeResponseHeaders(headers)
	for k, vs := range sanitized {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	fmt.Fprint(w, body)
	return nil
}

// rewriteInlineImage rewrites candidates[].content.parts[].inlineData into
// a Markdown image reference embedding a base64 data URL (spec.md §4.E.3).
func rewriteInlineImage(body string) (string, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return body, false
	}
	candidates, _ := parsed["candidates"].([]any)
	changed := false
	for _, c := range candidates {
		candidate, ok := c.(map[string]any)
		if !ok {
			continue
		}
		content, _ := candidate["content"].(map[string]any)
		parts, _ := content["parts"].([]any)
		for i, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			inline, ok := part["inlineData"].(map[string]any)
			if !ok {
				continue
			}
			mimeType, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			if mimeType == "" || data == "" {
				continue
			}
			if _, err := base64.StdEncoding.DecodeString(data); err != nil {
				continue
			}
			parts[i] = map[string]any{
				"text": fmt.Sprintf("![Generated Image](data:%s;base64,%s)", mimeType, data),
			}
			changed = true
		}
	}
	if !changed {
		return body, false
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return body, false
	}
	return string(out), true
}
