// Package switcher implements the Account Switcher (spec.md §4.D): the
// counters that drive identity rotation and the isSystemBusy interlock
// shared with the Pipeline's direct-recovery path.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/identity"
)

var ErrAlreadyInProgress = errors.New("switcher: a switch is already in progress")
var ErrNoAccounts = errors.New("switcher: no identities available")

// Config is the Switcher's rotation/failure-threshold configuration
// (spec.md §4.D).
type Config struct {
	SwitchOnUses               int
	FailureThreshold           int
	ImmediateSwitchStatusCodes []int
	MaxRetries                 int
	RetryDelay                 time.Duration
}

func (c Config) isImmediateSwitch(status int) bool {
	for _, s := range c.ImmediateSwitchStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// Activator is the subset of the Fleet Manager the Switcher needs: bring
// an identity to agent-live.
type Activator interface {
	ActivateIdentity(ctx context.Context, id identity.Identity, onSocketLive func(ctx context.Context, authIndex int) (bool, error)) error
}

// Switcher owns currentAuthIndex/usageCount/failureCount/isSystemBusy and
// the rotation list (spec.md §4.D).
type Switcher struct {
	mu sync.Mutex

	cfg      Config
	store    *identity.Store
	activate Activator
	onLive   func(ctx context.Context, authIndex int) (bool, error)

	rotation []identity.Identity

	currentAuthIndex int
	usageCount       int
	failureCount     int
	isSystemBusy     bool
	needsSwitchAfter bool
}

func New(cfg Config, store *identity.Store, activate Activator, onLive func(ctx context.Context, authIndex int) (bool, error)) *Switcher {
	return &Switcher{
		cfg:              cfg,
		store:            store,
		activate:         activate,
		onLive:           onLive,
		currentAuthIndex: -1,
	}
}

// LoadRotation (re)reads the identity store and rebuilds the rotation
// list, ordered and deduplicated by email (spec.md §4.D).
func (s *Switcher) LoadRotation() error {
	identities, err := s.store.Enumerate()
	if err != nil {
		return fmt.Errorf("switcher: load rotation: %w", err)
	}

	sort.Slice(identities, func(i, j int) bool { return identities[i].AuthIndex < identities[j].AuthIndex })

	seen := make(map[string]bool, len(identities))
	rotation := make([]identity.Identity, 0, len(identities))
	for _, id := range identities {
		key := id.Email
		if key == "" {
			key = fmt.Sprintf("#%d", id.AuthIndex)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		rotation = append(rotation, id)
	}

	s.mu.Lock()
	s.rotation = rotation
	s.mu.Unlock()
	return nil
}

func (s *Switcher) CurrentAuthIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAuthIndex
}

func (s *Switcher) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSystemBusy
}

// IncrementUsage bumps the per-generative-request usage counter,
// returning the new count; if switchOnUses is configured and reached, the
// caller should rotate once the response finishes (spec.md §4.D).
func (s *Switcher) IncrementUsage() (count int, needsSwitch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	if s.cfg.SwitchOnUses > 0 && s.usageCount >= s.cfg.SwitchOnUses {
		s.needsSwitchAfter = true
	}
	return s.usageCount, s.needsSwitchAfter
}

// NeedsSwitchAfterRequest reports (and clears) the deferred-rotation flag
// consulted in the Pipeline's finalization step (spec.md §4.E step 8).
func (s *Switcher) NeedsSwitchAfterRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.needsSwitchAfter
	s.needsSwitchAfter = false
	return v
}

// RecordSuccess resets the failure counter (spec.md §4.D).
func (s *Switcher) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
}

// RecordFailure increments the failure counter and reports whether this
// failure should trigger an immediate or threshold-driven switch
// (spec.md §4.D). The caller is responsible for actually invoking
// SwitchToNext; this method only updates counters and advises.
func (s *Switcher) RecordFailure(status int) (shouldSwitch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.cfg.isImmediateSwitch(status) {
		return true
	}
	return s.cfg.FailureThreshold > 0 && s.failureCount >= s.cfg.FailureThreshold
}

// SwitchToNext advances through the rotation list starting from
// (currentAuthIndex+1) mod N, activating each candidate until one
// succeeds (spec.md §4.D). It owns isSystemBusy exclusively: callers on
// the rotation path must never set it themselves.
func (s *Switcher) SwitchToNext(ctx context.Context) error {
	if !s.tryAcquireBusy() {
		return ErrAlreadyInProgress
	}
	defer s.releaseBusy()

	s.mu.Lock()
	rotation := append([]identity.Identity{}, s.rotation...)
	start := s.currentAuthIndex + 1
	s.mu.Unlock()

	if len(rotation) == 0 {
		s.setCurrent(-1)
		return ErrNoAccounts
	}

	n := len(rotation)
	for i := 0; i < n; i++ {
		candidate := rotation[(start+i)%n]
		if err := s.activate.ActivateIdentity(ctx, candidate, s.onLive); err == nil {
			s.setCurrent(candidate.AuthIndex)
			s.resetCounters()
			return nil
		}
	}

	s.setCurrent(-1)
	return fmt.Errorf("switcher: no identity in rotation could be activated")
}

// SwitchToSpecific activates exactly one identity with the same busy
// semantics as SwitchToNext, but without rotation (spec.md §4.D).
func (s *Switcher) SwitchToSpecific(ctx context.Context, authIndex int) error {
	if !s.tryAcquireBusy() {
		return ErrAlreadyInProgress
	}
	defer s.releaseBusy()

	id, err := s.store.Load(authIndex)
	if err != nil {
		return fmt.Errorf("switcher: load identity %d: %w", authIndex, err)
	}
	if err := s.activate.ActivateIdentity(ctx, id, s.onLive); err != nil {
		return err
	}
	s.setCurrent(authIndex)
	s.resetCounters()
	return nil
}

// SetBusyForDirectRecovery and ClearBusy implement the Pipeline's
// direct-recovery interlock (spec.md §4.D, §4.E.1): the only path other
// than the Switcher itself that may touch isSystemBusy, used when
// retrying the *same* identity rather than rotating.
func (s *Switcher) SetBusyForDirectRecovery() bool {
	return s.tryAcquireBusy()
}

func (s *Switcher) ClearBusy() {
	s.releaseBusy()
}

func (s *Switcher) tryAcquireBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSystemBusy {
		return false
	}
	s.isSystemBusy = true
	return true
}

func (s *Switcher) releaseBusy() {
	s.mu.Lock()
	s.isSystemBusy = false
	s.mu.Unlock()
}

func (s *Switcher) setCurrent(authIndex int) {
	s.mu.Lock()
	s.currentAuthIndex = authIndex
	s.mu.Unlock()
}

func (s *Switcher) resetCounters() {
	s.mu.Lock()
	s.usageCount = 0
	s.failureCount = 0
	s.needsSwitchAfter = false
	s.mu.Unlock()
}
