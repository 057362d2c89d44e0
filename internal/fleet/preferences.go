package fleet

import "github.com/chromedp/chromedp"

// launchOptions returns the chromedp allocator flags for a fleet browser
// process: disable update/telemetry/safe-browsing/prefetch/geolocation/
// smooth-scroll/hardware-acceleration/autoplay per spec.md §6's
// preferences list, plus the anti-detection flags needed so an automated
// Chrome doesn't announce itself to the upstream app.
func launchOptions(headless bool, proxyURL string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),

		// Update / telemetry / reporting.
		chromedp.Flag("disable-component-update", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("safebrowsing-disable-auto-update", true),
		chromedp.Flag("no-pings", true),

		// Caches.
		chromedp.Flag("disk-cache-size", 1),
		chromedp.Flag("media-cache-size", 1),

		// Prefetch / speculative connections.
		chromedp.Flag("dns-prefetch-disable", true),
		chromedp.Flag("disable-features", "NetworkPrediction,PreloadMediaEngagementData,AutofillServerCommunication"),

		// Default-browser / first-run UI.
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("no-first-run", true),

		// Notifications / geolocation (deny) / sync.
		chromedp.Flag("deny-permission-prompts", true),
		chromedp.Flag("disable-sync", true),

		// Rendering: disable GPU, WebRender-equivalent, and autoplay.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-smooth-scrolling", true),
		chromedp.Flag("autoplay-policy", "document-user-activation-required"),
		chromedp.Flag("mute-audio", true),
	)

	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	return opts
}
