package pipeline

import "strings"

// splitThinkingLevel parses a trailing "@level" suffix off a client-supplied
// model name (spec.md §4.E step 3), returning the bare model and the level
// ("" if none was present).
func splitThinkingLevel(model string) (bare, level string) {
	if i := strings.LastIndexByte(model, '@'); i >= 0 {
		return model[:i], model[i+1:]
	}
	return model, ""
}

// applyBodyRewrites implements spec.md §4.E step 4 for native generative
// requests: force-inject configured defaults, but only where the client
// hasn't already set a compatible field, then fold the parsed thinking
// level into generationConfig.
func (p *Pipeline) applyBodyRewrites(body map[string]any, thinkingLevel string) {
	genConfig, _ := body["generationConfig"].(map[string]any)
	if genConfig == nil {
		genConfig = map[string]any{}
	}

	if thinkingLevel != "" {
		if _, set := genConfig["thinkingConfig"]; !set {
			genConfig["thinkingConfig"] = map[string]any{}
		}
		if tc, ok := genConfig["thinkingConfig"].(map[string]any); ok {
			tc["thinkingLevel"] = strings.ToUpper(thinkingLevel)
		}
	}

	if p.cfg.ForceIncludeThoughts {
		tc, _ := genConfig["thinkingConfig"].(map[string]any)
		if tc == nil {
			tc = map[string]any{}
			genConfig["thinkingConfig"] = tc
		}
		if _, set := tc["includeThoughts"]; !set {
			tc["includeThoughts"] = true
		}
	}

	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	tools, _ := body["tools"].([]any)
	if p.cfg.ForceGoogleSearch && !toolsHasKey(tools, "googleSearch") {
		tools = append(tools, map[string]any{"googleSearch": map[string]any{}})
	}
	if p.cfg.ForceURLContext && !toolsHasKey(tools, "urlContext") {
		tools = append(tools, map[string]any{"urlContext": map[string]any{}})
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}

	ensureThoughtSignatures(body)
}

func toolsHasKey(tools []any, key string) bool {
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := tool[key]; ok {
			return true
		}
	}
	return false
}

// ensureThoughtSignatures walks contents[].parts[] and stamps a placeholder
// thoughtSignature onto any functionCall part missing one — the upstream
// app rejects function-call parts that lack the field entirely.
func ensureThoughtSignatures(body map[string]any) {
	contents, _ := body["contents"].([]any)
	for _, c := range contents {
		content, ok := c.(map[string]any)
		if !ok {
			continue
		}
		parts, _ := content["parts"].([]any)
		for _, pt := range parts {
			part, ok := pt.(map[string]any)
			if !ok {
				continue
			}
			if _, hasCall := part["functionCall"]; !hasCall {
				continue
			}
			if _, hasSig := part["thoughtSignature"]; !hasSig {
				part["thoughtSignature"] = ""
			}
		}
	}
}
