package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/brennhill/browser-fleet-adapter/internal/identity"
)

// runHealthMonitor is the 4s ticker per active page (spec.md §4.C.2): it
// occasionally nudges the mouse and scroll position to look alive, presses
// near (1,1) about once a minute as an anti-idle measure, persists
// refreshed identity state roughly once a day, and every tick dismisses
// any popup that appeared.
func runHealthMonitor(p *page, store *identity.Store, id identity.Identity, log *slog.Logger) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	var lastAntiIdle, lastPersist time.Time
	lastAntiIdle = time.Now()
	lastPersist = time.Now()

	for {
		select {
		case <-p.healthDone:
			return
		case <-p.tabCtx.Done():
			return
		case now := <-ticker.C:
			if rand.Intn(100) < 30 {
				humanScrollAndTrace(p.tabCtx)
			}
			if now.Sub(lastAntiIdle) >= time.Minute {
				antiIdleClick(p.tabCtx)
				lastAntiIdle = now
			}
			if now.Sub(lastPersist) >= 24*time.Hour {
				if err := store.Save(id); err != nil {
					log.Warn("health monitor: failed to persist identity state", "auth_index", p.authIndex, "error", err)
				}
				lastPersist = now
			}
			if err := dismissOneVisible(p.tabCtx); err != nil {
				log.Debug("health monitor: dismiss attempt failed", "auth_index", p.authIndex, "error", err)
			}
		}
	}
}

// healthDismissSelectors is the health monitor's own dismiss-button set
// (spec.md §4.C.2): a superset of the activation-time popup list since
// idle pages can also surface reload/retry prompts.
var healthDismissSelectors = append(append([]string{}, dismissButtonSelectors...),
	`button:has-text("Reload")`, `button:has-text("Retry")`)

func dismissOneVisible(ctx context.Context) error {
	_, err := clickFirstVisible(ctx, healthDismissSelectors)
	return err
}

func humanScrollAndTrace(ctx context.Context) {
	scrollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dy := rand.Intn(40) - 20
	_ = chromedp.Run(scrollCtx, chromedp.Evaluate(
		fmt.Sprintf(`window.scrollBy(0, %d)`, dy), nil))
	x, y := float64(100+rand.Intn(600)), float64(100+rand.Intn(400))
	_ = chromedp.Run(scrollCtx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func antiIdleClick(ctx context.Context) {
	clickCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = chromedp.Run(clickCtx,
		chromedp.MouseEvent(input.MousePressed, 1, 1, chromedp.Button(input.Left)),
		chromedp.MouseEvent(input.MouseReleased, 1, 1, chromedp.Button(input.Left)),
	)
}
