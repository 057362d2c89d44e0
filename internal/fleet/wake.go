package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// launchControlSelectors is the ordered preference for the "Launch" /
// "rocket_launch" control the wake loop scans for (spec.md §4.C.3):
// a precise modal match first, then a broader heuristic.
var launchControlSelectors = []string{
	`[role="dialog"] button:has-text("Launch")`,
	`button[aria-label="rocket_launch"]`,
	`button:has-text("Launch")`,
}

// runWakeLoop scans for the Launch control and clicks it when present,
// backing off progressively (up to ~30s) on persistent absence but waking
// immediately on notifyUserActivity (spec.md §4.C.3). pinger, if non-nil,
// fires alongside every tick as an out-of-browser active trigger.
func runWakeLoop(p *page, log *slog.Logger, pinger func(ctx context.Context) error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.wakeDone:
			return
		case <-p.tabCtx.Done():
			return
		default:
		}

		if pinger != nil {
			if err := pinger(p.tabCtx); err != nil {
				log.Debug("wake loop: active-trigger ping failed", "auth_index", p.authIndex, "error", err)
			}
		}

		hit, err := tryLaunchClick(p.tabCtx)
		if err != nil {
			log.Debug("wake loop: launch click attempt errored", "auth_index", p.authIndex, "error", err)
		}
		if hit {
			backoff = 500 * time.Millisecond
		} else if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		select {
		case <-p.wakeDone:
			return
		case <-p.tabCtx.Done():
			return
		case <-p.activity:
			backoff = 500 * time.Millisecond
		case <-time.After(backoff):
		}
	}
}

// tryLaunchClick attempts a physical mouse move/down/up on the located
// control, verifies disappearance, and falls back to a programmatic click
// if the control is still visible.
func tryLaunchClick(ctx context.Context) (bool, error) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var box []float64
	for i, sel := range launchControlSelectors {
		// The broadest (last) selector is a heuristic match restricted to
		// the 400-800px vertical band; the earlier, precise selectors are
		// unrestricted.
		band := i == len(launchControlSelectors)-1
		if err := chromedp.Run(clickCtx, chromedp.Evaluate(
			launchControlBoundsScript(sel, band), &box)); err == nil && len(box) == 4 {
			break
		}
		box = nil
	}
	if box == nil {
		return false, nil
	}

	cx, cy := box[0]+box[2]/2, box[1]+box[3]/2

	err := chromedp.Run(clickCtx,
		chromedp.MouseEvent(input.MouseMoved, cx, cy),
		chromedp.MouseEvent(input.MousePressed, cx, cy, chromedp.Button(input.Left)),
		chromedp.MouseEvent(input.MouseReleased, cx, cy, chromedp.Button(input.Left)),
	)
	if err != nil {
		return false, err
	}

	var stillVisible bool
	_ = chromedp.Run(clickCtx, chromedp.Evaluate(launchControlVisibleScript(), &stillVisible))
	if stillVisible {
		for _, sel := range launchControlSelectors {
			if err := chromedp.Run(clickCtx, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
				break
			}
		}
	}
	return true, nil
}

func launchControlBoundsScript(selector string, restrictToVerticalBand bool) string {
	bandCheck := "true"
	if restrictToVerticalBand {
		bandCheck = "(r.y + r.height / 2) >= 400 && (r.y + r.height / 2) <= 800"
	}
	return `(() => {
  const el = document.querySelector(` + quoteJS(selector) + `);
  if (!el) return null;
  const r = el.getBoundingClientRect();
  if (!(` + bandCheck + `)) return null;
  return [r.x, r.y, r.width, r.height];
})();`
}

func launchControlVisibleScript() string {
	return `(() => {
  return [` + joinSelectors(launchControlSelectors) + `].some(sel => {
    const el = document.querySelector(sel);
    return el && el.offsetParent !== null;
  });
})();`
}

func joinSelectors(selectors []string) string {
	out := ""
	for i, s := range selectors {
		if i > 0 {
			out += ", "
		}
		out += quoteJS(s)
	}
	return out
}
