// Package fleet owns the headless browser process and the per-identity
// contexts, pages, and in-page agent lifecycle described in spec.md §4.C.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/brennhill/browser-fleet-adapter/internal/identity"
)

// AgentSource bundles the two files pasted into the Remix flavour's editor
// (spec.md §4.C.1, §6): a prepared HTML payload and the agent's own
// TypeScript source. The legacy flavour only pastes TypeScript.
type AgentSource struct {
	HTML       string
	TypeScript string
}

// Config carries the Manager's launch-time settings.
type Config struct {
	Headless      bool
	ProxyURL      string
	BlankAppURL   string
	WebSocketPort int
	Agent         AgentSource

	// Pinger, when set, is invoked by the wake loop's own backoff tick as
	// an out-of-browser "active trigger" alongside the in-page Launch
	// click (spec.md §4.C.3) — a lightweight outbound HTTP ping that keeps
	// the backend session from expiring even while the page itself is idle.
	Pinger func(ctx context.Context) error
}

// page is the per-identity browser state: a context, its tab, and the
// background goroutines tracking its liveness (spec.md §4.C "per-identity
// state").
type page struct {
	authIndex int
	tabCtx    context.Context
	tabCancel context.CancelFunc
	appURL    string

	healthDone chan struct{}
	wakeDone   chan struct{}
	activity   chan struct{}
}

// Manager is the Browser Fleet Manager (spec.md §4.C).
type Manager struct {
	cfg   Config
	store *identity.Store
	log   *slog.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	started     bool

	pages     map[int]*page
	activeIdx int // currently active identity, -1 if none
}

func NewManager(cfg Config, store *identity.Store, log *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		log:       log,
		pages:     make(map[int]*page),
		activeIdx: -1,
	}
}

// ensureBrowser launches the browser process on first use (spec.md §4.C
// step 1). Subsequent calls are no-ops.
func (m *Manager) ensureBrowser(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	opts := launchOptions(m.cfg.Headless, m.cfg.ProxyURL)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	m.allocCtx = allocCtx
	m.allocCancel = allocCancel
	m.started = true
	return nil
}

// Shutdown tears down every page and the browser process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, p := range m.pages {
		m.stopBackgroundLoops(p)
		p.tabCancel()
		delete(m.pages, idx)
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.started = false
}

// ActivateIdentity runs the full activation sequence for an identity
// (spec.md §4.C steps 1-10): launch, destroy the prior context, open a
// fresh one with a stealth script, navigate, wake, detect diagnostics,
// dismiss popups, inject the agent, and start the health monitor and wake
// loop once the agent socket is observed live. The outgoing identity's
// page is closed without saving its state first; its state on disk is
// whatever the health monitor last persisted.
func (m *Manager) ActivateIdentity(ctx context.Context, id identity.Identity, onSocketLive func(ctx context.Context, authIndex int) (live bool, err error)) error {
	if err := m.ensureBrowser(ctx); err != nil {
		return &ActivationFailed{Stage: "launch", Err: err}
	}

	m.mu.Lock()
	if prior, ok := m.pages[m.activeIdx]; ok && m.activeIdx != id.AuthIndex {
		m.stopBackgroundLoops(prior)
		prior.tabCancel()
		delete(m.pages, m.activeIdx)
	}
	allocCtx := m.allocCtx
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	p := &page{
		authIndex:  id.AuthIndex,
		tabCtx:     tabCtx,
		tabCancel:  tabCancel,
		appURL:     id.State.AppURL,
		healthDone: make(chan struct{}),
		wakeDone:   make(chan struct{}),
		activity:   make(chan struct{}, 1),
	}

	targetURL := p.appURL
	if targetURL == "" {
		targetURL = m.cfg.BlankAppURL
	}

	for attempt := 0; attempt < 2; attempt++ {
		actCtx, cancel := context.WithTimeout(tabCtx, 60*time.Second)
		err := chromedp.Run(actCtx, chromedp.Tasks{
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthScript(id.FingerprintSeed())).Do(ctx)
				return err
			}),
			chromedp.Navigate(targetURL),
		})
		cancel()
		if err != nil {
			tabCancel()
			return &ActivationFailed{Stage: "navigate", Err: err}
		}

		if err := wakePage(tabCtx); err != nil {
			tabCancel()
			return &ActivationFailed{Stage: "wake", Err: err}
		}

		diag, err := detectDiagnostic(tabCtx, targetURL)
		if err != nil {
			tabCancel()
			return &ActivationFailed{Stage: "diagnostic", Err: err}
		}
		if diag != nil {
			if diag.Diagnostic == DiagPageNotFound && targetURL == p.appURL {
				id.ClearAppURL()
				_ = m.store.Save(id)
				targetURL = m.cfg.BlankAppURL
				p.appURL = ""
				continue // restart from step 5 with the blank URL
			}
			tabCancel()
			return &ActivationFailed{Stage: "diagnostic", Err: diag}
		}
		break
	}

	if err := dismissPopups(tabCtx); err != nil {
		m.log.Warn("popup dismissal failed, continuing", "auth_index", id.AuthIndex, "error", err)
	}

	if err := injectAgent(tabCtx, id.AuthIndex, m.cfg); err != nil {
		tabCancel()
		return &ActivationFailed{Stage: "agent_injection", Err: err}
	}

	if onSocketLive != nil {
		live, err := onSocketLive(ctx, id.AuthIndex)
		if err != nil || !live {
			tabCancel()
			return &ActivationFailed{Stage: "agent_socket", Err: err}
		}
	}

	id.State.AppURL = p.appURL
	if err := m.store.Save(id); err != nil {
		m.log.Warn("failed to persist refreshed identity state", "auth_index", id.AuthIndex, "error", err)
	}

	m.mu.Lock()
	m.pages[id.AuthIndex] = p
	m.activeIdx = id.AuthIndex
	m.mu.Unlock()

	m.startBackgroundLoops(p, id)
	return nil
}

func (m *Manager) startBackgroundLoops(p *page, id identity.Identity) {
	go runHealthMonitor(p, m.store, id, m.log)
	go runWakeLoop(p, m.log, m.cfg.Pinger)
}

func (m *Manager) stopBackgroundLoops(p *page) {
	close(p.healthDone)
	close(p.wakeDone)
}

// NotifyUserActivity wakes the wake loop for the given identity
// immediately instead of waiting out its backoff (spec.md §4.C.3).
func (m *Manager) NotifyUserActivity(authIndex int) {
	m.mu.Lock()
	p, ok := m.pages[authIndex]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.activity <- struct{}{}:
	default:
	}
}

// ActivePage reports whether the given identity currently has a live
// page, for the Pipeline's readiness gate (spec.md §4.E.1).
func (m *Manager) ActivePage(authIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[authIndex]
	return ok
}

// CurrentAuthIndex returns the identity currently occupying the single
// active page, or -1 if none.
func (m *Manager) CurrentAuthIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIdx
}
