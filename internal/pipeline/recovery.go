package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/switcher"
)

// recover implements spec.md §4.E.1: if the Registry reports a live grace
// window, wait up to 60s for the socket to return; otherwise either do a
// first-start rotation or a direct in-place recovery of the currently
// active identity.
func (p *Pipeline) recover(ctx context.Context) error {
	if p.registry.IsGraceActive() {
		return p.waitForSocket(ctx, 60*time.Second)
	}

	current := p.switcher.CurrentAuthIndex()
	if current < 0 {
		return p.firstStart(ctx)
	}
	return p.directRecovery(ctx, current)
}

func (p *Pipeline) firstStart(ctx context.Context) error {
	if err := p.switcher.SwitchToNext(ctx); err != nil {
		if errors.Is(err, switcher.ErrNoAccounts) {
			return errNoAccounts()
		}
		if errors.Is(err, switcher.ErrAlreadyInProgress) {
			return errAlreadyInProgress()
		}
		return errActivationFailed()
	}
	return nil
}

// directRecovery retries the *same* identity in place (spec.md §4.E.1):
// it owns isSystemBusy directly rather than through switcher.SwitchToNext,
// which would otherwise self-reject with AlreadyInProgress. Busy is
// cleared before a failed recovery falls through to rotation.
func (p *Pipeline) directRecovery(ctx context.Context, authIndex int) error {
	if !p.switcher.SetBusyForDirectRecovery() {
		return p.waitForBusyThenSocket(ctx)
	}

	id, err := p.identities.Load(authIndex)
	if err == nil {
		err = p.fleet.ActivateIdentity(ctx, id, p.onSocketLive)
	}
	p.switcher.ClearBusy()
	if err != nil {
		return p.fallThroughToRotation(ctx)
	}
	return nil
}

func (p *Pipeline) fallThroughToRotation(ctx context.Context) error {
	if err := p.switcher.SwitchToNext(ctx); err != nil {
		if errors.Is(err, switcher.ErrNoAccounts) {
			return errNoAccounts()
		}
		return errActivationFailed()
	}
	return nil
}

// waitForBusyThenSocket and waitForSocket implement the Readiness gate's
// waits (spec.md §4.E step 1): up to 120s for isSystemBusy to clear, then
// up to 10s for a socket to exist.
func (p *Pipeline) waitForBusyThenSocket(ctx context.Context) error {
	if err := p.waitForBusyClear(ctx, 120*time.Second); err != nil {
		return err
	}
	return p.waitForSocket(ctx, 10*time.Second)
}

func (p *Pipeline) waitForBusyClear(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for p.switcher.IsBusy() {
		if time.Now().After(deadline) {
			return &StatusError{Status: 503, Code: "BusyTimeout", Message: "identity switch did not clear in time"}
		}
		select {
		case <-ctx.Done():
			return errClientDisconnect()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func (p *Pipeline) waitForSocket(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		idx := p.switcher.CurrentAuthIndex()
		if idx >= 0 {
			if _, ok := p.registry.GetSocketByIdentity(identityKey(idx)); ok {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errNoSocket()
		}
		select {
		case <-ctx.Done():
			return errClientDisconnect()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
