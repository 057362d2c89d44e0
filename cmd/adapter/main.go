// Command adapter is the composition root: it wires the Identity Store,
// Fleet Manager, Registry, Switcher, and Request Pipeline into the three
// dialect HTTP surfaces (spec.md §1, §6).
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/auth"
	"github.com/brennhill/browser-fleet-adapter/internal/config"
	"github.com/brennhill/browser-fleet-adapter/internal/events"
	"github.com/brennhill/browser-fleet-adapter/internal/fleet"
	"github.com/brennhill/browser-fleet-adapter/internal/fleet/assets"
	"github.com/brennhill/browser-fleet-adapter/internal/identity"
	"github.com/brennhill/browser-fleet-adapter/internal/modelcatalog"
	"github.com/brennhill/browser-fleet-adapter/internal/pipeline"
	"github.com/brennhill/browser-fleet-adapter/internal/registry"
	"github.com/brennhill/browser-fleet-adapter/internal/server"
	"github.com/brennhill/browser-fleet-adapter/internal/store"
	"github.com/brennhill/browser-fleet-adapter/internal/switcher"
	"github.com/brennhill/browser-fleet-adapter/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	log := slog.New(logHandler)
	slog.SetDefault(log)
	slog.Info("browser-fleet-adapter starting", "version", version)

	identities := identity.NewStore(cfg.AuthStateDir)
	if cfg.IdentityEncryptionKey != "" {
		identities.SetEncryptionKey(cfg.IdentityEncryptionKey)
	}

	proxyCfg, err := transport.ParseProxyURL(cfg.BrowserProxyURL)
	if err != nil {
		slog.Error("invalid BROWSER_PROXY_URL", "error", err)
		os.Exit(1)
	}
	tm := transport.NewManager(proxyCfg, 30*time.Second)
	defer tm.Close()

	bus := events.NewBus(200)

	reg := registry.New(cfg.GraceWindow, func() {
		slog.Warn("registry: grace window expired with no agent reconnect")
	}, log)

	fleetMgr := fleet.NewManager(fleet.Config{
		Headless:      true,
		ProxyURL:      cfg.BrowserProxyURL,
		BlankAppURL:   cfg.BlankAppURL,
		WebSocketPort: cfg.WebSocketPort,
		Agent: fleet.AgentSource{
			HTML:       assets.IndexHTML,
			TypeScript: assets.AgentTypeScript,
		},
		Pinger: func(ctx context.Context) error {
			return tm.Ping(ctx, "https://www.google.com/generate_204")
		},
	}, identities, log)
	defer fleetMgr.Shutdown()

	onSocketLive := func(ctx context.Context, authIndex int) (bool, error) {
		deadline := time.Now().Add(cfg.SocketAfterSwitchWait)
		for time.Now().Before(deadline) {
			if _, ok := reg.GetSocketByIdentity(identityKeyFor(authIndex)); ok {
				return true, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
		return false, nil
	}

	sw := switcher.New(switcher.Config{
		SwitchOnUses:               cfg.SwitchOnUses,
		FailureThreshold:           cfg.FailureThreshold,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
		MaxRetries:                 cfg.MaxRetries,
		RetryDelay:                 cfg.RetryDelay,
	}, identities, fleetMgr, onSocketLive)

	if err := sw.LoadRotation(); err != nil {
		slog.Error("loading identity rotation failed", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(pipeline.Config{
		MaxRetries:                 cfg.MaxRetries,
		RetryDelay:                 cfg.RetryDelay,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
		IdleChunkTimeout:           cfg.StreamChunkIdleTimeout,
		PseudoStreamIdleTimeout:    cfg.FakeStreamIdleTimeout,
		ForceIncludeThoughts:       cfg.ForceIncludeThoughts,
		ForceGoogleSearch:          cfg.ForceWebSearch,
		ForceURLContext:            cfg.ForceURLContext,
	}, identities, fleetMgr, reg, sw, onSocketLive, log)

	requestStore, err := store.New(cfg.RequestLogDBPath)
	if err != nil {
		slog.Error("request log database init failed", "error", err)
		os.Exit(1)
	}
	defer requestStore.Close()
	slog.Info("request log database ready", "path", cfg.RequestLogDBPath)

	pipe.SetRequestLogger(func(ctx context.Context, entry pipeline.RequestLogEntry) {
		logErr := requestStore.InsertRequestLog(ctx, &store.RequestLog{
			RequestID:  entry.RequestID,
			AuthIndex:  entry.AuthIndex,
			Dialect:    string(entry.Dialect),
			Model:      entry.Model,
			Status:     entry.Status,
			DurationMs: entry.DurationMs,
			CreatedAt:  time.Now(),
		})
		if logErr != nil {
			slog.Warn("request log insert failed", "error", logErr)
		}
	})

	catalog, err := modelcatalog.Load(cfg.ModelsConfigPath, log)
	if err != nil {
		slog.Error("model catalog load failed", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	authMw := auth.NewMiddleware(cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, cfg.NativeAPIKey)

	srv := server.New(cfg, requestStore, authMw, pipe, reg, catalog, bus)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func identityKeyFor(authIndex int) string {
	return strconv.Itoa(authIndex)
}
