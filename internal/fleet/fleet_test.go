package fleet

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/brennhill/browser-fleet-adapter/internal/identity"
)

func TestProfileForSeedIsStableAndWithinRange(t *testing.T) {
	for _, seed := range []uint64{0, 1, 2, 3, 42, 1 << 40} {
		p1 := profileForSeed(seed)
		p2 := profileForSeed(seed)
		if p1 != p2 {
			t.Fatalf("profileForSeed(%d) not stable across calls", seed)
		}
	}
}

func TestProfileForSeedCoversAllThreeProfiles(t *testing.T) {
	seen := map[gpuProfile]bool{}
	for seed := uint64(0); seed < 10; seed++ {
		seen[profileForSeed(seed)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 GPU profiles to be reachable, saw %d", len(seen))
	}
}

func TestStealthScriptEmbedsChosenProfile(t *testing.T) {
	seed := uint64(1) // NVIDIA profile by construction
	script := stealthScript(seed)
	want := profileForSeed(seed)
	if !strings.Contains(script, want.vendor) || !strings.Contains(script, want.renderer) {
		t.Fatal("expected stealth script to embed the seed's GPU profile")
	}
	if !strings.Contains(script, "webdriver") {
		t.Fatal("expected stealth script to strip navigator.webdriver")
	}
}

func TestActivationFailedErrorIncludesStage(t *testing.T) {
	err := &ActivationFailed{Stage: "agent_injection"}
	if !strings.Contains(err.Error(), "agent_injection") {
		t.Fatalf("got %q", err.Error())
	}
}

func TestDiagnosticErrorErrorIncludesDiagnosticAndURL(t *testing.T) {
	err := &DiagnosticError{Diagnostic: DiagRegionBlocked, URL: "https://example.com/blocked"}
	msg := err.Error()
	if !strings.Contains(msg, string(DiagRegionBlocked)) || !strings.Contains(msg, "https://example.com/blocked") {
		t.Fatalf("got %q", msg)
	}
}

func TestNewManagerStartsWithNoActiveIdentity(t *testing.T) {
	store := identity.NewStore(t.TempDir())
	m := NewManager(Config{BlankAppURL: "https://example.com/new"}, store, slog.Default())
	if m.CurrentAuthIndex() != -1 {
		t.Fatalf("got %d, want -1", m.CurrentAuthIndex())
	}
	if m.ActivePage(0) {
		t.Fatal("expected no active page before any activation")
	}
}
