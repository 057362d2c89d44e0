package dialect

import "testing"

func TestForReturnsKnownTranslators(t *testing.T) {
	for _, d := range []Dialect{OpenAI, Anthropic, Native} {
		if _, err := For(d); err != nil {
			t.Fatalf("For(%v): %v", d, err)
		}
	}
	if _, err := For(Dialect("bogus")); err == nil {
		t.Fatal("expected an error for an unknown dialect")
	}
}

func TestOpenAITranslateInMapsSystemAndRoles(t *testing.T) {
	tr := openaiTranslator{}
	body := map[string]any{
		"model": "gemini-2.5-flash-lite",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
	}

	req, err := tr.TranslateIn(body, "")
	if err != nil {
		t.Fatalf("TranslateIn: %v", err)
	}
	if req.Model != "gemini-2.5-flash-lite" {
		t.Fatalf("got model %q", req.Model)
	}
	sys, ok := req.Body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction to be set")
	}
	parts := sys["parts"].([]any)
	if parts[0].(map[string]any)["text"] != "be terse" {
		t.Fatal("system text not carried through")
	}
	contents := req.Body["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("got %d contents, want 2 (system message excluded)", len(contents))
	}
	if contents[1].(map[string]any)["role"] != "model" {
		t.Fatal("assistant role not mapped to model")
	}
}

func TestOpenAITranslateInRejectsMissingModel(t *testing.T) {
	tr := openaiTranslator{}
	if _, err := tr.TranslateIn(map[string]any{"messages": []any{}}, ""); err == nil {
		t.Fatal("expected an error for a missing model")
	}
}

func TestOpenAITranslateOutEmitsDeltaAndFinishReason(t *testing.T) {
	tr := openaiTranslator{}
	state := NewStreamState(OpenAI, "gemini-2.5-flash-lite")

	chunk := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": "hi there"}},
				},
				"finishReason": "STOP",
			},
		},
	}
	records, err := tr.TranslateOut(chunk, state)
	if err != nil {
		t.Fatalf("TranslateOut: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if tr.FinalSentinel() != "data: [DONE]\n\n" {
		t.Fatal("wrong OpenAI final sentinel")
	}
}

func TestAnthropicTranslateOutEmitsStartThenStop(t *testing.T) {
	tr := anthropicTranslator{}
	state := NewStreamState(Anthropic, "gemini-2.5-flash-lite")

	first := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": "hi"}}},
			},
		},
	}
	records, err := tr.TranslateOut(first, state)
	if err != nil {
		t.Fatalf("TranslateOut: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records on first chunk, want message_start+content_block_start+delta (3)", len(records))
	}

	last := map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"parts": []any{}},
				"finishReason": "STOP",
			},
		},
	}
	records, err = tr.TranslateOut(last, state)
	if err != nil {
		t.Fatalf("TranslateOut: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records on terminal chunk, want stop+delta+message_stop (3)", len(records))
	}
	if !state.Done {
		t.Fatal("expected state.Done after finishReason")
	}
	if tr.FinalSentinel() != "" {
		t.Fatal("anthropic has no final sentinel")
	}
}

func TestSplitPseudoStreamSeparatesThoughtsFromContent(t *testing.T) {
	candidate := map[string]any{
		"content": map[string]any{
			"parts": []any{
				map[string]any{"thought": true, "text": "thinking..."},
				map[string]any{"text": "the answer"},
			},
		},
		"finishReason": "STOP",
	}

	thought, content, hasThought := SplitPseudoStream(candidate)
	if !hasThought {
		t.Fatal("expected a thought record")
	}
	if thought == nil || content == nil {
		t.Fatal("expected both records to be populated")
	}
}

func TestSplitPseudoStreamNoThoughtYieldsOneRecord(t *testing.T) {
	candidate := map[string]any{
		"content": map[string]any{
			"parts": []any{map[string]any{"text": "just the answer"}},
		},
	}
	_, content, hasThought := SplitPseudoStream(candidate)
	if hasThought {
		t.Fatal("did not expect a thought record")
	}
	if content == nil {
		t.Fatal("expected a content record")
	}
}

func TestRewriteInlineImage(t *testing.T) {
	part := map[string]any{
		"inlineData": map[string]any{"mimeType": "image/png", "data": "AAAA"},
	}
	rewritten := RewriteInlineImage(part)
	want := "![Generated Image](data:image/png;base64,AAAA)"
	if rewritten["text"] != want {
		t.Fatalf("got %v, want %q", rewritten, want)
	}
}

func TestApplyModelFamilyRewritesImageStripsTools(t *testing.T) {
	body := map[string]any{
		"tools":            []any{map[string]any{"googleSearch": map[string]any{}}},
		"systemInstruction": map[string]any{"parts": []any{}},
		"generationConfig": map[string]any{
			"thinkingConfig":   map[string]any{"thinkingBudget": 100},
			"thinkingLevel":    "low",
			"responseModalities": []any{"text"},
		},
	}
	ApplyModelFamilyRewrites(body, "gemini-2.5-flash-image")

	if _, ok := body["tools"]; ok {
		t.Fatal("expected tools to be stripped for an image model")
	}
	if _, ok := body["systemInstruction"]; ok {
		t.Fatal("expected systemInstruction to be stripped for an image model")
	}
	gc := body["generationConfig"].(map[string]any)
	if _, ok := gc["thinkingConfig"]; ok {
		t.Fatal("expected thinkingConfig to be stripped")
	}
	if gc["thinkingLevel"] != "LOW" {
		t.Fatalf("expected thinkingLevel upper-cased, got %v", gc["thinkingLevel"])
	}
}

func TestApplyModelFamilyRewritesTTSForcesAudioModality(t *testing.T) {
	body := map[string]any{"generationConfig": map[string]any{}}
	ApplyModelFamilyRewrites(body, "gemini-2.5-tts")

	gc := body["generationConfig"].(map[string]any)
	modalities, ok := gc["responseModalities"].([]any)
	if !ok || len(modalities) != 1 || modalities[0] != "AUDIO" {
		t.Fatalf("got %v, want [AUDIO]", gc["responseModalities"])
	}
}

func TestApplyModelFamilyRewritesRoboticsDropsSearchAndURLContextTools(t *testing.T) {
	body := map[string]any{
		"tools": []any{
			map[string]any{"googleSearch": map[string]any{}},
			map[string]any{"functionDeclarations": []any{}},
		},
	}
	ApplyModelFamilyRewrites(body, "gemini-robotics-er")

	tools := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1 (googleSearch dropped)", len(tools))
	}
}

func TestSanitizeResponseHeadersStripsCORSAndContentLength(t *testing.T) {
	h := SanitizeResponseHeaders(map[string]string{
		"Access-Control-Allow-Origin": "*",
		"Content-Length":              "123",
		"Content-Type":                "application/json",
	})
	if h.Get("Content-Type") != "application/json" {
		t.Fatal("expected content-type to survive")
	}
	if h.Get("Access-Control-Allow-Origin") != "" || h.Get("Content-Length") != "" {
		t.Fatal("expected CORS allow-* and content-length to be stripped")
	}
}

func TestIsStrippedRequestHeader(t *testing.T) {
	for _, h := range []string{"Host", "Connection", "Content-Length", "Origin", "Referer", "User-Agent", "sec-fetch-mode"} {
		if !IsStrippedRequestHeader(h) {
			t.Fatalf("expected %q to be stripped", h)
		}
	}
	if IsStrippedRequestHeader("Accept") {
		t.Fatal("did not expect Accept to be stripped")
	}
}
