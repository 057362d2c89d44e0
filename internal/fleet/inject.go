package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// wakePage performs the "bring to front, human-like mouse move, near-(1,1)
// click, wait" sequence of spec.md §4.C step 6.
func wakePage(ctx context.Context) error {
	wakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	x, y := float64(200+rand.Intn(400)), float64(150+rand.Intn(300))
	err := chromedp.Run(wakeCtx,
		chromedp.MouseEvent(input.MouseMoved, x, y),
		chromedp.MouseClickXY(1, 1),
	)
	if err != nil {
		return fmt.Errorf("wake page: %w", err)
	}
	time.Sleep(time.Duration(2000+rand.Intn(2000)) * time.Millisecond)
	return nil
}

// errorPageSignals maps body-text substrings to the diagnostic they
// indicate (spec.md §4.C step 7).
var errorPageSignals = []struct {
	substr string
	diag   Diagnostic
}{
	{"sign in", DiagCredentialExpired},
	{"log in to continue", DiagCredentialExpired},
	{"not available in your region", DiagRegionBlocked},
	{"access denied", DiagForbidden},
	{"page not found", DiagPageNotFound},
	{"404", DiagPageNotFound},
}

// detectDiagnostic inspects the current page for the error-page
// classifications of spec.md §4.C step 7.
func detectDiagnostic(ctx context.Context, requestedURL string) (*DiagnosticError, error) {
	detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var currentURL, bodyText string
	err := chromedp.Run(detectCtx,
		chromedp.Location(&currentURL),
		chromedp.Evaluate(`document.body ? document.body.innerText.slice(0, 2000) : ""`, &bodyText),
	)
	if err != nil {
		return nil, fmt.Errorf("detect diagnostic: %w", err)
	}

	if currentURL == "about:blank" {
		return &DiagnosticError{Diagnostic: DiagLoadFailed, URL: currentURL}, nil
	}

	lower := strings.ToLower(bodyText)
	for _, sig := range errorPageSignals {
		if strings.Contains(lower, sig.substr) {
			return &DiagnosticError{Diagnostic: sig.diag, URL: currentURL}, nil
		}
	}
	return nil, nil
}

// dismissButtonSelectors is the ordered set of known popup-dismissal
// controls polled by spec.md §4.C step 8 and the health monitor (§4.C.2).
var dismissButtonSelectors = []string{
	`button[aria-label="Close"]`,
	`button:has-text("Got it")`,
	`button:has-text("Dismiss")`,
	`button:has-text("Not now")`,
	`button:has-text("Skip")`,
}

// dismissPopups short-polls for known dismiss buttons for up to 6s,
// stopping after four consecutive idle polls or a 3s minimum, whichever
// is later (spec.md §4.C step 8).
func dismissPopups(ctx context.Context) error {
	deadline := time.Now().Add(6 * time.Second)
	minUntil := time.Now().Add(3 * time.Second)
	idle := 0

	for time.Now().Before(deadline) {
		clicked, err := clickFirstVisible(ctx, dismissButtonSelectors)
		if err != nil {
			return err
		}
		if clicked {
			idle = 0
		} else {
			idle++
			if idle >= 4 && time.Now().After(minUntil) {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// clickFirstVisible removes modal backdrops then attempts to click the
// first selector in order that resolves to a visible node, reporting
// whether anything was clicked.
func clickFirstVisible(ctx context.Context, selectors []string) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_ = chromedp.Run(attemptCtx, chromedp.Evaluate(
		`document.querySelectorAll('.modal-backdrop, [class*="backdrop"]').forEach(n => n.remove())`, nil))

	for _, sel := range selectors {
		var count int
		if err := chromedp.Run(attemptCtx, chromedp.EvaluateAsDevTools(
			fmt.Sprintf(`document.querySelectorAll(%q).length`, sel), &count)); err != nil {
			continue
		}
		if count == 0 {
			continue
		}
		if err := chromedp.Run(attemptCtx, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// codeControlSelectors is the ordered list the Manager tries to locate the
// upstream editor's "Code" button (spec.md §4.C.1: exact text, alternate
// label, attribute-contains, icon-child).
var codeControlSelectors = []string{
	`button:has-text("Code")`,
	`[aria-label="Code"]`,
	`[data-testid*="code"]`,
	`button:has(svg[data-icon="code"])`,
}

// previewControlSelectors locates the "Preview" control.
var previewControlSelectors = []string{
	`button:has-text("Preview")`,
	`[aria-label="Preview"]`,
}

const agentWakeEndpointScript = `
(() => {
  try {
    fetch('/__wake__', { method: 'GET', keepalive: true }).catch(() => {});
  } catch (e) {}
})();`

// flavour distinguishes the two upstream editor shapes (spec.md §4.C.1).
type flavour int

const (
	flavourLegacy flavour = iota
	flavourRemix
)

// detectFlavour decides Legacy vs Remix by probing for a Remix-only dialog
// control; Legacy is the default when no such control is present.
func detectFlavour(ctx context.Context) (flavour, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	if err := chromedp.Run(probeCtx, chromedp.EvaluateAsDevTools(
		`document.querySelectorAll('[data-testid*="remix"], button:has-text("Remix")').length`, &count)); err != nil {
		return flavourLegacy, nil
	}
	if count > 0 {
		return flavourRemix, nil
	}
	return flavourLegacy, nil
}

// injectAgent runs the agent injection protocol of spec.md §4.C.1: detect
// flavour, locate and open the editor, paste the agent's source (and the
// Remix flavour's HTML payload), save/preview, wait for initialization,
// and ping the wake endpoint.
func injectAgent(ctx context.Context, authIndex int, cfg Config) error {
	editorCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	fl, err := detectFlavour(editorCtx)
	if err != nil {
		return fmt.Errorf("detect flavour: %w", err)
	}

	if fl == flavourRemix {
		if err := submitRemixDialog(editorCtx); err != nil {
			return fmt.Errorf("remix dialog: %w", err)
		}
	}

	if err := openCodeControl(editorCtx); err != nil {
		return fmt.Errorf("open code control: %w", err)
	}

	if fl == flavourRemix {
		if err := pasteIntoEditor(editorCtx, "index.html", cfg.Agent.HTML); err != nil {
			return fmt.Errorf("paste html payload: %w", err)
		}
	}
	agentSrc := fmt.Sprintf(agentWebSocketPreamble, cfg.WebSocketPort, authIndex) + cfg.Agent.TypeScript
	if err := pasteIntoEditor(editorCtx, "agent.ts", agentSrc); err != nil {
		return fmt.Errorf("paste agent source: %w", err)
	}

	_ = clickIfPresent(editorCtx, `button:has-text("Save")`)

	initCtx, initCancel := context.WithTimeout(ctx, 90*time.Second)
	defer initCancel()
	for attempt := 0; attempt < 5; attempt++ {
		if err := clickFirstMatching(editorCtx, previewControlSelectors); err != nil {
			return fmt.Errorf("click preview: %w", err)
		}
		ready, err := waitForInitialization(initCtx, fl)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		if attempt == 4 {
			return fmt.Errorf("agent initialization did not complete after %d attempts", attempt+1)
		}
	}

	_ = chromedp.Run(ctx, chromedp.Evaluate(agentWakeEndpointScript, nil))
	return nil
}

// agentWebSocketPreamble is prepended to the agent source so it knows its
// own identity and the server's fixed WebSocket port (spec.md §4.F).
const agentWebSocketPreamble = "// injected: ws://127.0.0.1:%d?authIndex=%d\n"

func submitRemixDialog(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	for attempt := 0; attempt < 5 && time.Now().Before(deadline); attempt++ {
		if err := chromedp.Run(ctx, chromedp.Click(`button:has-text("Remix")`, chromedp.ByQuery)); err != nil {
			return err
		}
		var currentURL string
		stableCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := chromedp.Run(stableCtx, chromedp.Poll(
			`/\/apps\/[^/]+/.test(location.pathname)`, nil,
			chromedp.WithPollingInterval(500*time.Millisecond),
			chromedp.WithPollingTimeout(60*time.Second),
		))
		cancel()
		if err == nil {
			return nil
		}
		_ = chromedp.Run(ctx, chromedp.Location(&currentURL))
		var hasConflict bool
		_ = chromedp.Run(ctx, chromedp.EvaluateAsDevTools(
			`/concurrent update|snapshot/i.test(document.body.innerText)`, &hasConflict))
		if !hasConflict {
			return fmt.Errorf("remix did not settle on /apps/{id} within timeout")
		}
	}
	return fmt.Errorf("remix dialog did not settle after retries")
}

func openCodeControl(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		clicked, err := clickFirstVisible(ctx, codeControlSelectors)
		if err != nil {
			return err
		}
		if clicked {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("code control did not become available")
}

func clickFirstMatching(ctx context.Context, selectors []string) error {
	for _, sel := range selectors {
		if err := chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no selector in %v matched", selectors)
}

func clickIfPresent(ctx context.Context, selector string) bool {
	return chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery)) == nil
}

// pasteIntoEditor primes the clipboard then performs a platform-appropriate
// select-all + paste into the named file's editor tab (spec.md §4.C.1).
func pasteIntoEditor(ctx context.Context, filename, content string) error {
	if err := chromedp.Run(ctx, chromedp.Click(fmt.Sprintf(`[data-filename=%q]`, filename), chromedp.ByQuery)); err != nil {
		return fmt.Errorf("open %s tab: %w", filename, err)
	}
	if err := chromedp.Run(ctx, chromedp.SetJavascriptAttribute("body", "data-clipboard-prime", "1")); err != nil {
		return fmt.Errorf("prime clipboard for %s: %w", filename, err)
	}
	script := fmt.Sprintf(`navigator.clipboard.writeText(%s)`, quoteJS(content))
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("write clipboard for %s: %w", filename, err)
	}
	return chromedp.Run(ctx,
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent("v", chromedp.KeyModifiers(input.ModifierCtrl)),
	)
}

func quoteJS(s string) string {
	return fmt.Sprintf("%q", s)
}

// legacyInitSignals are the body-text strings polled for the legacy
// flavour's same-origin init detection (spec.md §4.C.1).
var legacyInitSignals = []string{"System initializing", "Connecting to server", "Connection successful"}

// waitForInitialization polls the DOM body (legacy) or listens on the page
// console (Remix, since the iframe is cross-origin) for the agent's init
// log lines.
func waitForInitialization(ctx context.Context, fl flavour) (bool, error) {
	if fl == flavourLegacy {
		return pollBodyForSignals(ctx, legacyInitSignals)
	}
	return listenConsoleForSignals(ctx, legacyInitSignals)
}

func pollBodyForSignals(ctx context.Context, signals []string) (bool, error) {
	deadline := time.Now().Add(90 * time.Second)
	for time.Now().Before(deadline) {
		var bodyText string
		if err := chromedp.Run(ctx, chromedp.Evaluate(
			`document.body ? document.body.innerText : ""`, &bodyText)); err != nil {
			return false, err
		}
		for _, s := range signals {
			if strings.Contains(bodyText, s) {
				return true, nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false, nil
}

// listenConsoleForSignals attaches a console-API listener and watches for
// any of the given substrings in logged arguments (Remix flavour: the
// editor's preview runs in a cross-origin iframe so the DOM isn't
// observable, but its console output still reaches the host page's
// devtools protocol).
func listenConsoleForSignals(ctx context.Context, signals []string) (bool, error) {
	found := make(chan struct{}, 1)
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		call, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok {
			return
		}
		var msg string
		for _, arg := range call.Args {
			msg += string(arg.Value) + " " + arg.Description + " "
		}
		for _, s := range signals {
			if strings.Contains(msg, s) {
				select {
				case found <- struct{}{}:
				default:
				}
				return
			}
		}
	})

	select {
	case <-found:
		return true, nil
	case <-time.After(90 * time.Second):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
