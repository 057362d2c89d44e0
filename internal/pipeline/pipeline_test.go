package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/dialect"
	"github.com/brennhill/browser-fleet-adapter/internal/queue"
)

func TestIdentityKeyIsStablePerIndex(t *testing.T) {
	if identityKey(3) != identityKey(3) {
		t.Fatal("expected identityKey to be deterministic")
	}
	if identityKey(3) == identityKey(4) {
		t.Fatal("expected distinct indices to produce distinct keys")
	}
}

func TestSplitThinkingLevel(t *testing.T) {
	cases := []struct{ in, bare, level string }{
		{"gemini-2.5-pro", "gemini-2.5-pro", ""},
		{"gemini-2.5-pro@high", "gemini-2.5-pro", "high"},
		{"gemini-2.5-pro@low", "gemini-2.5-pro", "low"},
	}
	for _, c := range cases {
		bare, level := splitThinkingLevel(c.in)
		if bare != c.bare || level != c.level {
			t.Fatalf("splitThinkingLevel(%q) = (%q, %q), want (%q, %q)", c.in, bare, level, c.bare, c.level)
		}
	}
}

func TestApplyBodyRewritesInjectsOnlyWhenAbsent(t *testing.T) {
	p := &Pipeline{cfg: Config{ForceIncludeThoughts: true, ForceGoogleSearch: true}}

	body := map[string]any{}
	p.applyBodyRewrites(body, "high")

	gc, ok := body["generationConfig"].(map[string]any)
	if !ok {
		t.Fatalf("expected generationConfig, got %#v", body)
	}
	tc, ok := gc["thinkingConfig"].(map[string]any)
	if !ok {
		t.Fatalf("expected thinkingConfig, got %#v", gc)
	}
	if tc["thinkingLevel"] != "HIGH" {
		t.Fatalf("got thinkingLevel %v, want HIGH", tc["thinkingLevel"])
	}
	if tc["includeThoughts"] != true {
		t.Fatalf("expected includeThoughts=true, got %v", tc["includeThoughts"])
	}
	tools, ok := body["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("expected one forced tool, got %#v", body["tools"])
	}

	// A client-supplied includeThoughts=false must survive untouched.
	body2 := map[string]any{
		"generationConfig": map[string]any{
			"thinkingConfig": map[string]any{"includeThoughts": false},
		},
	}
	p.applyBodyRewrites(body2, "")
	gc2 := body2["generationConfig"].(map[string]any)
	tc2 := gc2["thinkingConfig"].(map[string]any)
	if tc2["includeThoughts"] != false {
		t.Fatalf("expected client's includeThoughts=false preserved, got %v", tc2["includeThoughts"])
	}
}

func TestEnsureThoughtSignaturesStampsMissingOnly(t *testing.T) {
	body := map[string]any{
		"contents": []any{
			map[string]any{
				"parts": []any{
					map[string]any{"functionCall": map[string]any{"name": "f"}},
					map[string]any{"functionCall": map[string]any{"name": "g"}, "thoughtSignature": "existing"},
					map[string]any{"text": "hello"},
				},
			},
		},
	}
	ensureThoughtSignatures(body)

	parts := body["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	if parts[0].(map[string]any)["thoughtSignature"] != "" {
		t.Fatalf("expected stamped empty signature, got %v", parts[0].(map[string]any)["thoughtSignature"])
	}
	if parts[1].(map[string]any)["thoughtSignature"] != "existing" {
		t.Fatal("expected existing signature to survive untouched")
	}
	if _, has := parts[2].(map[string]any)["thoughtSignature"]; has {
		t.Fatal("non-functionCall part must not gain a signature")
	}
}

func TestNativePathDefaultsAndUpstreamPath(t *testing.T) {
	if got := nativePath("gemini-2.5-pro", ""); got != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Fatalf("got %q", got)
	}
	if got := nativePath("gemini-2.5-pro", ":streamGenerateContent"); got != "/v1beta/models/gemini-2.5-pro:streamGenerateContent" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildProxyRequestCarriesStreamingModeAndGenerativeFlag(t *testing.T) {
	p := &Pipeline{}
	req := Request{UpstreamPath: ":streamGenerateContent", StreamingMode: StreamReal, IsGenerative: true}
	native := dialect.NativeRequest{Model: "gemini-2.5-pro", Body: map[string]any{"contents": []any{}}}

	pr := p.buildProxyRequest(req, native)
	if pr.Path != "/v1beta/models/gemini-2.5-pro:streamGenerateContent" {
		t.Fatalf("got path %q", pr.Path)
	}
	if pr.StreamingMode != string(StreamReal) || !pr.IsGenerative {
		t.Fatalf("got streamingMode=%q isGenerative=%v", pr.StreamingMode, pr.IsGenerative)
	}
	if pr.Method != "POST" {
		t.Fatalf("expected default method POST, got %q", pr.Method)
	}
}

func TestIsImmediateSwitchStatus(t *testing.T) {
	p := &Pipeline{cfg: Config{ImmediateSwitchStatusCodes: []int{401, 403}}}
	if !p.isImmediateSwitchStatus(401) {
		t.Fatal("expected 401 to be an immediate-switch status")
	}
	if p.isImmediateSwitchStatus(500) {
		t.Fatal("did not expect 500 to be an immediate-switch status")
	}
}

func TestSplitThoughtPartsSeparatesByThoughtFlag(t *testing.T) {
	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"text": "thinking...", "thought": true},
						map[string]any{"text": "final answer"},
					},
				},
			},
		},
	}
	thought, content, ok := splitThoughtParts(body)
	if !ok {
		t.Fatal("expected a recognized candidates/content/parts shape")
	}
	if len(thought) != 1 || len(content) != 1 {
		t.Fatalf("got %d thought parts, %d content parts", len(thought), len(content))
	}
}

func TestSplitThoughtPartsRejectsUnrecognizedShape(t *testing.T) {
	if _, _, ok := splitThoughtParts(map[string]any{"foo": "bar"}); ok {
		t.Fatal("expected ok=false for a body with no candidates")
	}
}

func TestWithPartsDropsFinishMetadataForThoughtOnlyRecord(t *testing.T) {
	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"finishReason": "STOP",
				"content":      map[string]any{"parts": []any{map[string]any{"text": "x"}}},
			},
		},
		"usageMetadata": map[string]any{"totalTokens": 10},
	}
	out := withParts(body, []any{map[string]any{"text": "thinking"}}, false)
	candidate := out["candidates"].([]any)[0].(map[string]any)
	if _, has := candidate["finishReason"]; has {
		t.Fatal("expected finishReason dropped from thought-only record")
	}
	if _, has := out["usageMetadata"]; has {
		t.Fatal("expected usageMetadata dropped from thought-only record")
	}
}

func TestRewriteInlineImageEmbedsDataURL(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": "aGVsbG8="}},
					},
				},
			},
		},
	})
	out, changed := rewriteInlineImage(string(body))
	if !changed {
		t.Fatal("expected a rewrite")
	}
	if !jsonContains(out, "data:image/png;base64,aGVsbG8=") {
		t.Fatalf("expected embedded data url, got %s", out)
	}
}

func TestRewriteInlineImageNoOpWithoutInlineData(t *testing.T) {
	body := `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`
	out, changed := rewriteInlineImage(body)
	if changed || out != body {
		t.Fatal("expected no-op when there's no inlineData part")
	}
}

func TestDequeueWithContextReturnsBufferedFrame(t *testing.T) {
	q := queue.New()
	q.Enqueue("frame")
	v, err := dequeueWithContext(context.Background(), q, time.Second)
	if err != nil || v != "frame" {
		t.Fatalf("got (%v, %v), want (frame, nil)", v, err)
	}
}

func TestDequeueWithContextHonorsCancellation(t *testing.T) {
	q := queue.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dequeueWithContext(ctx, q, 2*time.Second)
	if err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
}

func jsonContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
