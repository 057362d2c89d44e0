package dialect

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// nativeTranslator is the identity dialect: the client already speaks the
// upstream app's own REST shape (spec.md §6 "native passthrough"), so
// TranslateIn only needs to resolve the model from the URL path and apply
// the model-family body rewrites (§6 "Model-family body rewrites").
type nativeTranslator struct{}

func (nativeTranslator) TranslateIn(clientBody map[string]any, pathModel string) (NativeRequest, error) {
	model := pathModel
	req := NativeRequest{Model: model, Body: clientBody}
	ApplyModelFamilyRewrites(req.Body, model)
	return req, nil
}

func (nativeTranslator) TranslateOut(nativeChunk map[string]any, state *StreamState) ([]string, error) {
	b, err := json.Marshal(nativeChunk)
	if err != nil {
		return nil, err
	}
	state.ChunkSeen = true
	return []string{"data: " + string(b) + "\n\n"}, nil
}

func (nativeTranslator) FinalSentinel() string { return "" }

func (nativeTranslator) WrapError(status int, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  httpStatusName(status),
		},
	}
}

// ApplyModelFamilyRewrites mutates body in place per the model-family body
// rewrite table (spec.md §6). These rewrites are applied server-side
// before the proxy_request frame is sent, rather than in the injected
// agent, so they are plain, testable Go instead of string-literal JS.
//
// The rewrites run as a sequence of gjson/sjson path operations over the
// body's JSON encoding — the Gemini generationConfig/tools trees are deep
// and loosely specified, so targeted path strip/set avoids modelling the
// whole schema as Go structs just to delete a handful of fields.
func ApplyModelFamilyRewrites(body map[string]any, model string) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	doc := string(raw)
	lower := strings.ToLower(model)

	switch {
	case strings.Contains(lower, "-image") || strings.Contains(lower, "imagen"):
		doc = stripPaths(doc, "tools", "toolConfig", "thinkingConfig", "systemInstruction", "response_mime_type", "responseMimeType",
			"generationConfig.thinkingConfig", "generationConfig.responseMimeType")

	case strings.Contains(lower, "embedding"):
		doc = stripPaths(doc, "tools", "toolConfig", "thinkingConfig", "systemInstruction", "response_mime_type", "responseMimeType", "responseModalities",
			"generationConfig.thinkingConfig", "generationConfig.responseMimeType", "generationConfig.responseModalities")

	case strings.Contains(lower, "tts"):
		doc = stripPaths(doc, "tools", "toolConfig", "thinkingConfig", "systemInstruction", "response_mime_type", "responseMimeType",
			"generationConfig.thinkingConfig", "generationConfig.responseMimeType")
		doc, err = sjson.Set(doc, "generationConfig.responseModalities", []string{"AUDIO"})
		if err != nil {
			return
		}

	case strings.Contains(lower, "computer-use"):
		doc = stripPaths(doc, "tools", "toolConfig", "responseModalities", "generationConfig.responseModalities")

	case strings.Contains(lower, "robotics"):
		doc = removeToolEntries(doc, "googleSearch", "urlContext")
		doc = stripPaths(doc, "responseModalities", "generationConfig.responseModalities")
	}

	if strings.HasPrefix(lower, "gemini-2") && gjson.Get(doc, "generationConfig.responseMimeType").String() == "application/json" {
		doc = stripPaths(doc, "tools", "toolConfig")
	}

	doc = upperCasePath(doc, "generationConfig.thinkingLevel")
	doc = upperCasePathArray(doc, "generationConfig.responseModalities")

	var rewritten map[string]any
	if json.Unmarshal([]byte(doc), &rewritten) != nil {
		return
	}
	for k := range body {
		delete(body, k)
	}
	for k, v := range rewritten {
		body[k] = v
	}
}

func stripPaths(doc string, paths ...string) string {
	for _, p := range paths {
		if out, err := sjson.Delete(doc, p); err == nil {
			doc = out
		}
	}
	return doc
}

func removeToolEntries(doc string, names ...string) string {
	tools := gjson.Get(doc, "tools")
	if !tools.IsArray() {
		return doc
	}
	blocked := make(map[string]bool, len(names))
	for _, n := range names {
		blocked[n] = true
	}

	kept := make([]any, 0)
	tools.ForEach(func(_, tool gjson.Result) bool {
		drop := false
		tool.ForEach(func(key, _ gjson.Result) bool {
			if blocked[key.String()] {
				drop = true
				return false
			}
			return true
		})
		if !drop {
			var v any
			if json.Unmarshal([]byte(tool.Raw), &v) == nil {
				kept = append(kept, v)
			}
		}
		return true
	})

	if out, err := sjson.Set(doc, "tools", kept); err == nil {
		return out
	}
	return doc
}

func upperCasePath(doc, path string) string {
	v := gjson.Get(doc, path)
	if !v.Exists() || v.Type != gjson.String {
		return doc
	}
	out, err := sjson.Set(doc, path, strings.ToUpper(v.String()))
	if err != nil {
		return doc
	}
	return out
}

func upperCasePathArray(doc, path string) string {
	v := gjson.Get(doc, path)
	if !v.IsArray() {
		return upperCasePath(doc, path)
	}
	upper := make([]string, 0)
	v.ForEach(func(_, item gjson.Result) bool {
		upper = append(upper, strings.ToUpper(item.String()))
		return true
	})
	out, err := sjson.Set(doc, path, upper)
	if err != nil {
		return doc
	}
	return out
}

func httpStatusName(status int) string {
	switch {
	case status == 400:
		return "INVALID_ARGUMENT"
	case status == 401:
		return "UNAUTHENTICATED"
	case status == 403:
		return "PERMISSION_DENIED"
	case status == 404:
		return "NOT_FOUND"
	case status == 429:
		return "RESOURCE_EXHAUSTED"
	case status >= 500:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

