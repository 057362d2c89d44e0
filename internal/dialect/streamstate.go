package dialect

import "fmt"

// SplitPseudoStream implements spec.md §8 testable property 7: a fully
// buffered ("fake" mode) native response is split into at most two
// synthetic records — one carrying only thought parts, one carrying the
// content parts plus the finish reason — so a client that asked for
// streaming still sees an incremental shape even though the upstream
// fetch itself never streamed.
//
// candidate is one entry of the native body's candidates[] array, already
// decoded to a map.
func SplitPseudoStream(candidate map[string]any) (thoughtRecord, contentRecord map[string]any, hasThought bool) {
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var thoughtParts, contentParts []any
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if isThought, _ := part["thought"].(bool); isThought {
			thoughtParts = append(thoughtParts, part)
		} else {
			contentParts = append(contentParts, part)
		}
	}

	if len(thoughtParts) > 0 {
		thoughtRecord = cloneCandidateWithParts(candidate, thoughtParts)
		delete(thoughtRecord, "finishReason")
		hasThought = true
	}
	contentRecord = cloneCandidateWithParts(candidate, contentParts)
	return thoughtRecord, contentRecord, hasThought
}

func cloneCandidateWithParts(candidate map[string]any, parts []any) map[string]any {
	clone := make(map[string]any, len(candidate))
	for k, v := range candidate {
		clone[k] = v
	}
	content := map[string]any{"parts": parts}
	if orig, ok := candidate["content"].(map[string]any); ok {
		if role, ok := orig["role"]; ok {
			content["role"] = role
		}
	}
	clone["content"] = content
	return clone
}

// RewriteInlineImage implements spec.md §8 testable property 8: a content
// part carrying inlineData{mimeType, data} is rewritten into a single text
// part holding a Markdown image reference embedding the base64 payload as
// a data URL, per spec.md §4.E "Non-stream" handling.
func RewriteInlineImage(part map[string]any) map[string]any {
	inline, ok := part["inlineData"].(map[string]any)
	if !ok {
		return part
	}
	mime, _ := inline["mimeType"].(string)
	data, _ := inline["data"].(string)
	if mime == "" || data == "" {
		return part
	}
	return map[string]any{
		"text": fmt.Sprintf("![Generated Image](data:%s;base64,%s)", mime, data),
	}
}

// RewriteInlineImagesInParts applies RewriteInlineImage to every part of a
// parts slice, returning a new slice.
func RewriteInlineImagesInParts(parts []any) []any {
	out := make([]any, len(parts))
	for i, p := range parts {
		if part, ok := p.(map[string]any); ok {
			out[i] = RewriteInlineImage(part)
		} else {
			out[i] = p
		}
	}
	return out
}
