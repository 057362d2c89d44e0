package dialect

import (
	"encoding/json"
	"fmt"
)

// openaiTranslator implements the OpenAI chat-completions wire shape
// (spec.md §6 `POST /v1/chat/completions`).
type openaiTranslator struct{}

func (openaiTranslator) TranslateIn(clientBody map[string]any, _ string) (NativeRequest, error) {
	model, _ := clientBody["model"].(string)
	if model == "" {
		return NativeRequest{}, fmt.Errorf("dialect: openai request missing model")
	}

	messages, _ := clientBody["messages"].([]any)
	contents := make([]any, 0, len(messages))
	var systemInstruction map[string]any

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text, _ := msg["content"].(string)

		if role == "system" {
			systemInstruction = map[string]any{
				"parts": []any{map[string]any{"text": text}},
			}
			continue
		}

		nativeRole := "user"
		if role == "assistant" {
			nativeRole = "model"
		}
		contents = append(contents, map[string]any{
			"role":  nativeRole,
			"parts": []any{map[string]any{"text": text}},
		})
	}

	body := map[string]any{"contents": contents}
	if systemInstruction != nil {
		body["systemInstruction"] = systemInstruction
	}

	genConfig := map[string]any{}
	if temp, ok := clientBody["temperature"]; ok {
		genConfig["temperature"] = temp
	}
	if topP, ok := clientBody["top_p"]; ok {
		genConfig["topP"] = topP
	}
	if maxTokens, ok := clientBody["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = maxTokens
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return NativeRequest{Model: model, Body: body}, nil
}

func (openaiTranslator) TranslateOut(nativeChunk map[string]any, state *StreamState) ([]string, error) {
	candidates, _ := nativeChunk["candidates"].([]any)
	if len(candidates) == 0 {
		return nil, nil
	}
	candidate, _ := candidates[0].(map[string]any)
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var text string
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if isThought, _ := part["thought"].(bool); isThought {
			continue
		}
		if t, ok := part["text"].(string); ok {
			text += t
		}
	}

	finishReason, _ := candidate["finishReason"].(string)
	delta := map[string]any{"content": text}

	choice := map[string]any{
		"index": 0,
		"delta": delta,
	}
	if finishReason != "" {
		choice["finish_reason"] = mapFinishReason(finishReason)
	} else {
		choice["finish_reason"] = nil
	}

	chunk := map[string]any{
		"id":      state.requestID(),
		"object":  "chat.completion.chunk",
		"model":   state.Model,
		"choices": []any{choice},
	}
	state.ChunkSeen = true

	b, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return []string{"data: " + string(b) + "\n\n"}, nil
}

func (openaiTranslator) FinalSentinel() string { return "data: [DONE]\n\n" }

func (openaiTranslator) WrapError(status int, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openaiErrorType(status),
			"code":    status,
		},
	}
}

func openaiErrorType(status int) string {
	switch {
	case status == 401:
		return "invalid_request_error"
	case status == 429:
		return "rate_limit_exceeded"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func mapFinishReason(native string) string {
	switch native {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// NonStreamCompletion assembles a full (non-streaming) OpenAI chat
// completion object from an accumulated native response body, used by the
// Pipeline's non-stream response path.
func NonStreamCompletion(nativeBody map[string]any, model string) map[string]any {
	candidates, _ := nativeBody["candidates"].([]any)
	var text string
	finishReason := "stop"
	if len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					parts = RewriteInlineImagesInParts(parts)
					for _, p := range parts {
						if part, ok := p.(map[string]any); ok {
							if isThought, _ := part["thought"].(bool); isThought {
								continue
							}
							if t, ok := part["text"].(string); ok {
								text += t
							}
						}
					}
				}
			}
			if fr, ok := candidate["finishReason"].(string); ok {
				finishReason = mapFinishReason(fr)
			}
		}
	}

	usage := map[string]any{}
	if um, ok := nativeBody["usageMetadata"].(map[string]any); ok {
		usage["prompt_tokens"] = um["promptTokenCount"]
		usage["completion_tokens"] = um["candidatesTokenCount"]
		usage["total_tokens"] = um["totalTokenCount"]
	}

	return map[string]any{
		"id":      NewCompletionID(),
		"object":  "chat.completion",
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": finishReason,
			},
		},
		"usage": usage,
	}
}
