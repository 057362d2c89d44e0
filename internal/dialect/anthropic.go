package dialect

import (
	"encoding/json"
	"fmt"
)

// anthropicTranslator implements the Anthropic messages wire shape
// (spec.md §6 `POST /v1/messages`, `/v1/messages/count_tokens`).
type anthropicTranslator struct{}

func (anthropicTranslator) TranslateIn(clientBody map[string]any, _ string) (NativeRequest, error) {
	model, _ := clientBody["model"].(string)
	if model == "" {
		return NativeRequest{}, fmt.Errorf("dialect: anthropic request missing model")
	}

	messages, _ := clientBody["messages"].([]any)
	contents := make([]any, 0, len(messages))
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		nativeRole := "user"
		if role == "assistant" {
			nativeRole = "model"
		}
		contents = append(contents, map[string]any{
			"role":  nativeRole,
			"parts": []any{map[string]any{"text": extractAnthropicText(msg["content"])}},
		})
	}

	body := map[string]any{"contents": contents}

	if sys := clientBody["system"]; sys != nil {
		body["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": extractAnthropicText(sys)}},
		}
	}

	genConfig := map[string]any{}
	if maxTokens, ok := clientBody["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = maxTokens
	}
	if temp, ok := clientBody["temperature"]; ok {
		genConfig["temperature"] = temp
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return NativeRequest{Model: model, Body: body}, nil
}

// extractAnthropicText flattens Anthropic's string-or-content-block-array
// message content into plain text for the native dialect, which has no
// concept of typed content blocks.
func extractAnthropicText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var out string
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := block["text"].(string); ok {
				out += t
			}
		}
		return out
	default:
		return ""
	}
}

func (anthropicTranslator) TranslateOut(nativeChunk map[string]any, state *StreamState) ([]string, error) {
	candidates, _ := nativeChunk["candidates"].([]any)
	if len(candidates) == 0 {
		return nil, nil
	}
	candidate, _ := candidates[0].(map[string]any)

	var records []string
	if !state.ChunkSeen {
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            state.requestID(),
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         state.Model,
				"stop_reason":   nil,
				"stop_sequence": nil,
			},
		}
		records = append(records, sseRecord("message_start", start))
		records = append(records, sseRecord("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
	}

	text := extractCandidateText(candidate)
	if text != "" {
		records = append(records, sseRecord("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}))
	}
	state.ChunkSeen = true

	if finishReason, ok := candidate["finishReason"].(string); ok && finishReason != "" {
		records = append(records, sseRecord("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		}))
		records = append(records, sseRecord("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": mapAnthropicStopReason(finishReason), "stop_sequence": nil},
		}))
		records = append(records, sseRecord("message_stop", map[string]any{"type": "message_stop"}))
		state.Done = true
	}

	return records, nil
}

func (anthropicTranslator) FinalSentinel() string { return "" }

func (anthropicTranslator) WrapError(status int, message string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicErrorType(status),
			"message": message,
		},
	}
}

func anthropicErrorType(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 429:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func mapAnthropicStopReason(native string) string {
	switch native {
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func extractCandidateText(candidate map[string]any) string {
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	var out string
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if isThought, _ := part["thought"].(bool); isThought {
			continue
		}
		if t, ok := part["text"].(string); ok {
			out += t
		}
	}
	return out
}

// sseRecord formats one Anthropic-style named SSE record: an `event:` line
// followed by a `data:` line, matching the shape Anthropic's own streaming
// API uses.
func sseRecord(event string, payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(`{}`)
	}
	return "event: " + event + "\n" + "data: " + string(b) + "\n\n"
}

// NonStreamMessage assembles a full Anthropic messages response from an
// accumulated native body, used by the Pipeline's non-stream response path
// and by /v1/messages/count_tokens's sibling endpoint.
func NonStreamMessage(nativeBody map[string]any, model string) map[string]any {
	candidates, _ := nativeBody["candidates"].([]any)
	var text string
	stopReason := "end_turn"
	if len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			text = extractCandidateText(candidate)
			if fr, ok := candidate["finishReason"].(string); ok {
				stopReason = mapAnthropicStopReason(fr)
			}
		}
	}

	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if um, ok := nativeBody["usageMetadata"].(map[string]any); ok {
		usage["input_tokens"] = um["promptTokenCount"]
		usage["output_tokens"] = um["candidatesTokenCount"]
	}

	return map[string]any{
		"id":            NewMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       []any{map[string]any{"type": "text", "text": text}},
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usage,
	}
}

// CountTokens produces a local, best-effort token estimate in the
// /v1/messages/count_tokens response shape. The server's count_tokens
// route does not call it: that route forwards the request through the
// Pipeline to the native :countTokens endpoint.
func CountTokens(clientBody map[string]any) map[string]any {
	var chars int
	if sys := clientBody["system"]; sys != nil {
		chars += len(extractAnthropicText(sys))
	}
	if messages, ok := clientBody["messages"].([]any); ok {
		for _, m := range messages {
			if msg, ok := m.(map[string]any); ok {
				chars += len(extractAnthropicText(msg["content"]))
			}
		}
	}
	// Rough approximation consistent with Anthropic's own published
	// guidance of ~4 characters per token for English text.
	return map[string]any{"input_tokens": chars/4 + 1}
}
