package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFingerprintSeedIsStableForSameEmail(t *testing.T) {
	a := Identity{AuthIndex: 1, Email: "User@Example.com "}
	b := Identity{AuthIndex: 2, Email: "user@example.com"}
	if a.FingerprintSeed() != b.FingerprintSeed() {
		t.Fatal("expected case/whitespace-insensitive email to yield the same seed")
	}
}

func TestFingerprintSeedFallsBackToIndexWithoutEmail(t *testing.T) {
	id := Identity{AuthIndex: 7}
	if id.FingerprintSeed() != 7 {
		t.Fatalf("got %d, want 7", id.FingerprintSeed())
	}
}

func TestFingerprintSeedDiffersAcrossEmails(t *testing.T) {
	a := Identity{Email: "alice@example.com"}
	b := Identity{Email: "bob@example.com"}
	if a.FingerprintSeed() == b.FingerprintSeed() {
		t.Fatal("expected different emails to yield different seeds")
	}
}

func TestClearAppURL(t *testing.T) {
	id := Identity{State: State{AppURL: "https://app.example.com/chat/abc"}}
	id.ClearAppURL()
	if id.State.AppURL != "" {
		t.Fatal("expected AppURL to be cleared")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	id := Identity{
		AuthIndex: 3,
		State: State{
			Cookies:     []Cookie{{Name: "session", Value: "abc", Domain: ".example.com", Path: "/"}},
			Origins:     []OriginStorage{{Origin: "https://example.com", LocalStorage: map[string]string{"k": "v"}}},
			AccountName: "alice@example.com",
			AppURL:      "https://example.com/chat/xyz",
		},
	}
	if err := s.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.State.AccountName != "alice@example.com" || loaded.State.AppURL != id.State.AppURL {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.State.Cookies) != 1 || loaded.State.Cookies[0].Name != "session" {
		t.Fatalf("cookies not preserved: %+v", loaded.State.Cookies)
	}
}

func TestStoreEnumerateSortsByAuthIndex(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for _, idx := range []int{5, 1, 3} {
		if err := s.Save(Identity{AuthIndex: idx, State: State{AccountName: "x"}}); err != nil {
			t.Fatalf("Save(%d): %v", idx, err)
		}
	}

	identities, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(identities) != 3 {
		t.Fatalf("got %d identities, want 3", len(identities))
	}
	for i, want := range []int{1, 3, 5} {
		if identities[i].AuthIndex != want {
			t.Fatalf("identities[%d].AuthIndex = %d, want %d", i, identities[i].AuthIndex, want)
		}
	}
}

func TestStoreEnumerateOnMissingDirReturnsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	identities, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(identities) != 0 {
		t.Fatalf("got %d identities, want 0", len(identities))
	}
}

func TestStoreEnumerateIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Save(Identity{AuthIndex: 0, State: State{}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A stray file that doesn't match auth-<i>.json should be skipped, not error.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not an identity"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	identities, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(identities) != 1 {
		t.Fatalf("got %d identities, want 1", len(identities))
	}
}
