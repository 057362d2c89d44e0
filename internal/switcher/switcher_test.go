package switcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/brennhill/browser-fleet-adapter/internal/identity"
)

type fakeActivator struct {
	mu       sync.Mutex
	fail     map[int]bool
	activated []int
}

func (f *fakeActivator) ActivateIdentity(_ context.Context, id identity.Identity, _ func(context.Context, int) (bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, id.AuthIndex)
	if f.fail[id.AuthIndex] {
		return errors.New("activation failed")
	}
	return nil
}

func newTestSwitcher(t *testing.T, cfg Config, fail map[int]bool, identities ...identity.Identity) (*Switcher, *fakeActivator) {
	t.Helper()
	dir := t.TempDir()
	store := identity.NewStore(dir)
	for _, id := range identities {
		if err := store.Save(id); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	act := &fakeActivator{fail: fail}
	s := New(cfg, store, act, nil)
	if err := s.LoadRotation(); err != nil {
		t.Fatalf("LoadRotation: %v", err)
	}
	return s, act
}

func TestSwitchToNextActivatesFirstHealthyIdentity(t *testing.T) {
	s, act := newTestSwitcher(t, Config{}, nil,
		identity.Identity{AuthIndex: 0, Email: "a@example.com"},
		identity.Identity{AuthIndex: 1, Email: "b@example.com"},
	)

	if err := s.SwitchToNext(context.Background()); err != nil {
		t.Fatalf("SwitchToNext: %v", err)
	}
	if s.CurrentAuthIndex() != 0 {
		t.Fatalf("got current %d, want 0", s.CurrentAuthIndex())
	}
	if len(act.activated) != 1 {
		t.Fatalf("got %d activation attempts, want 1", len(act.activated))
	}
}

func TestSwitchToNextSkipsFailingIdentitiesAndAdvances(t *testing.T) {
	s, act := newTestSwitcher(t, Config{}, map[int]bool{0: true},
		identity.Identity{AuthIndex: 0, Email: "a@example.com"},
		identity.Identity{AuthIndex: 1, Email: "b@example.com"},
	)

	if err := s.SwitchToNext(context.Background()); err != nil {
		t.Fatalf("SwitchToNext: %v", err)
	}
	if s.CurrentAuthIndex() != 1 {
		t.Fatalf("got current %d, want 1", s.CurrentAuthIndex())
	}
	if len(act.activated) != 2 {
		t.Fatalf("got %d activation attempts, want 2", len(act.activated))
	}
}

func TestSwitchToNextResetsCurrentOnCompleteFailure(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{}, map[int]bool{0: true, 1: true},
		identity.Identity{AuthIndex: 0, Email: "a@example.com"},
		identity.Identity{AuthIndex: 1, Email: "b@example.com"},
	)

	if err := s.SwitchToNext(context.Background()); err == nil {
		t.Fatal("expected an error when every identity fails to activate")
	}
	if s.CurrentAuthIndex() != -1 {
		t.Fatalf("got current %d, want -1 after complete failure", s.CurrentAuthIndex())
	}
}

func TestSwitchToNextOnEmptyRotationReturnsNoAccounts(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{}, nil)
	if err := s.SwitchToNext(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("got %v, want ErrNoAccounts", err)
	}
}

func TestSwitchToNextRejectsReentryWhileBusy(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{}, nil, identity.Identity{AuthIndex: 0, Email: "a@example.com"})
	if !s.tryAcquireBusy() {
		t.Fatal("expected to acquire busy")
	}
	defer s.releaseBusy()

	if err := s.SwitchToNext(context.Background()); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("got %v, want ErrAlreadyInProgress", err)
	}
}

func TestIncrementUsageFlagsSwitchAfterThreshold(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{SwitchOnUses: 2}, nil)
	if _, needs := s.IncrementUsage(); needs {
		t.Fatal("did not expect a switch after 1 use")
	}
	if _, needs := s.IncrementUsage(); !needs {
		t.Fatal("expected a switch after reaching switchOnUses")
	}
	if !s.NeedsSwitchAfterRequest() {
		t.Fatal("expected NeedsSwitchAfterRequest to report true once")
	}
	if s.NeedsSwitchAfterRequest() {
		t.Fatal("expected the flag to clear after being consumed")
	}
}

func TestRecordFailureImmediateStatusTriggersSwitchRegardlessOfThreshold(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{FailureThreshold: 10, ImmediateSwitchStatusCodes: []int{403}}, nil)
	if !s.RecordFailure(403) {
		t.Fatal("expected an immediate-switch status to trigger a switch")
	}
}

func TestRecordFailureReachesThreshold(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{FailureThreshold: 2}, nil)
	if s.RecordFailure(500) {
		t.Fatal("did not expect a switch after 1 failure")
	}
	if !s.RecordFailure(500) {
		t.Fatal("expected a switch once failureThreshold is reached")
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	s, _ := newTestSwitcher(t, Config{FailureThreshold: 2}, nil)
	s.RecordFailure(500)
	s.RecordSuccess()
	if s.RecordFailure(500) {
		t.Fatal("expected failure count to have been reset by RecordSuccess")
	}
}

func TestRotationDeduplicatesByEmail(t *testing.T) {
	s, act := newTestSwitcher(t, Config{}, nil,
		identity.Identity{AuthIndex: 0, Email: "dup@example.com", State: identity.State{AccountName: "dup@example.com"}},
		identity.Identity{AuthIndex: 1, Email: "dup@example.com", State: identity.State{AccountName: "dup@example.com"}},
	)
	if len(s.rotation) != 1 {
		t.Fatalf("got rotation of %d identities, want 1 (dedup by email)", len(s.rotation))
	}
	if err := s.SwitchToNext(context.Background()); err != nil {
		t.Fatalf("SwitchToNext: %v", err)
	}
	if len(act.activated) != 1 {
		t.Fatalf("got %d activation attempts, want 1 (dedup by email)", len(act.activated))
	}
}
