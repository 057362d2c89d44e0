// Package pipeline implements the Request Pipeline (spec.md §4.E): the
// per-request execution engine shared by all three dialect entry points,
// from readiness through dialect translation, the dispatch/retry loop, and
// response shaping.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brennhill/browser-fleet-adapter/internal/dialect"
	"github.com/brennhill/browser-fleet-adapter/internal/identity"
	"github.com/brennhill/browser-fleet-adapter/internal/queue"
	"github.com/brennhill/browser-fleet-adapter/internal/registry"
	"github.com/brennhill/browser-fleet-adapter/internal/switcher"
)

// Config is the Pipeline's share of the environment-driven configuration
// (spec.md §6 "Exit / configuration").
type Config struct {
	MaxRetries                 int
	RetryDelay                 time.Duration
	ImmediateSwitchStatusCodes []int
	IdleChunkTimeout           time.Duration
	PseudoStreamIdleTimeout    time.Duration

	ForceIncludeThoughts bool
	ForceGoogleSearch    bool
	ForceURLContext      bool
}

// Pipeline wires the Identity store, Fleet Manager (through the Activator
// seam it shares with the Switcher), Registry, and Switcher into the
// per-request engine spec.md §4.E describes.
type Pipeline struct {
	cfg Config

	identities *identity.Store
	fleet      switcher.Activator
	registry   *registry.Registry
	switcher   *switcher.Switcher

	onSocketLive func(ctx context.Context, authIndex int) (bool, error)

	// requestLog, when set, records one entry per Handle call at step 8
	// finalization (spec.md §4.E step 8), for the request-log store.
	requestLog func(ctx context.Context, entry RequestLogEntry)

	log *slog.Logger
}

// RequestLogEntry is what Handle reports to requestLog once a request has
// been fully handled (successfully or not).
type RequestLogEntry struct {
	RequestID  string
	Dialect    dialect.Dialect
	Model      string
	AuthIndex  int
	Status     int
	DurationMs int64
}

// New constructs a Pipeline. onSocketLive is the same readiness callback
// handed to the Switcher (internal/switcher) — the Manager invokes it once
// an activated identity's agent socket is accepted.
func New(cfg Config, identities *identity.Store, fleet switcher.Activator, reg *registry.Registry, sw *switcher.Switcher, onSocketLive func(ctx context.Context, authIndex int) (bool, error), log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:          cfg,
		identities:   identities,
		fleet:        fleet,
		registry:     reg,
		switcher:     sw,
		onSocketLive: onSocketLive,
		log:          log,
	}
}

// SetRequestLogger installs the step-8 finalization hook.
func (p *Pipeline) SetRequestLogger(fn func(ctx context.Context, entry RequestLogEntry)) {
	p.requestLog = fn
}

// Request is one dialect entry point's parsed inbound call (spec.md §6
// "Inbound HTTP surface"). Dialect-specific routers build this from the
// client's HTTP request before calling Handle.
type Request struct {
	Dialect      dialect.Dialect
	PathModel    string // model resolved from the URL path, if the dialect carries one there
	UpstreamPath string // e.g. ":generateContent" / ":streamGenerateContent"
	Method       string
	Body         map[string]any
	IsGenerative bool

	StreamingMode StreamingMode
}

// StreamingMode selects one of spec.md §4.E.3's three response shapes.
type StreamingMode string

const (
	StreamReal   StreamingMode = "real"
	StreamPseudo StreamingMode = "pseudo"
	StreamNone   StreamingMode = "non-stream"
)

// Handle runs the full eight-step skeleton spec.md §4.E describes for one
// inbound call and writes the shaped response to w.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, req Request) error {
	start := time.Now()

	// Step 1: readiness gate.
	authIndex := p.switcher.CurrentAuthIndex()
	if authIndex < 0 {
		if err := p.recover(ctx); err != nil {
			return err
		}
	} else if _, ok := p.registry.GetSocketByIdentity(identityKey(authIndex)); !ok {
		if err := p.recover(ctx); err != nil {
			return err
		}
	}

	// Step 2: usage counting (deferred rotation).
	if req.IsGenerative {
		p.switcher.IncrementUsage()
	}
	defer func() {
		if req.IsGenerative && p.switcher.NeedsSwitchAfterRequest() {
			go func() {
				if err := p.switcher.SwitchToNext(context.Background()); err != nil {
					p.log.Warn("pipeline: deferred switch-on-uses failed", "error", err)
				}
			}()
		}
	}()

	// Step 3: dialect translation.
	translator, err := dialect.For(req.Dialect)
	if err != nil {
		return &StatusError{Status: http.StatusBadRequest, Code: "UnknownDialect", Message: err.Error()}
	}
	native, err := translator.TranslateIn(req.Body, req.PathModel)
	if err != nil {
		return &StatusError{Status: http.StatusBadRequest, Code: "TranslateFailed", Message: err.Error()}
	}
	bareModel, thinkingLevel := splitThinkingLevel(native.Model)
	native.Model = bareModel

	// Step 4: body rewrites.
	if req.IsGenerative {
		p.applyBodyRewrites(native.Body, thinkingLevel)
	}
	dialect.ApplyModelFamilyRewrites(native.Body, native.Model)

	requestID := uuid.New().String()

	// Steps 5-6: queue allocation is folded into the attempt loop so a
	// retry can replace the queue under the same request-id.
	outcome, statusErr := p.runAttempts(ctx, requestID, p.buildProxyRequest(req, native), p.idleTimeoutFor(req.StreamingMode))
	if statusErr != nil {
		return statusErr
	}

	// Step 7: response shaping.
	shapeErr := p.shapeResponse(ctx, w, req, requestID, native.Model, translator, outcome)

	// Step 8: finalization.
	p.registry.RemoveQueue(requestID, queue.ReasonRequestComplete)

	if p.requestLog != nil {
		status := http.StatusOK
		if shapeErr != nil {
			if se, ok := shapeErr.(*StatusError); ok {
				status = se.Status
			} else {
				status = http.StatusInternalServerError
			}
		}
		p.requestLog(context.WithoutCancel(ctx), RequestLogEntry{
			RequestID:  requestID,
			Dialect:    req.Dialect,
			Model:      native.Model,
			AuthIndex:  outcome.authIndex,
			Status:     status,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}

	return shapeErr
}

func (p *Pipeline) idleTimeoutFor(mode StreamingMode) time.Duration {
	if mode == StreamPseudo || mode == StreamNone {
		if p.cfg.PseudoStreamIdleTimeout > 0 {
			return p.cfg.PseudoStreamIdleTimeout
		}
		return 300 * time.Second
	}
	if p.cfg.IdleChunkTimeout > 0 {
		return p.cfg.IdleChunkTimeout
	}
	return 60 * time.Second
}
