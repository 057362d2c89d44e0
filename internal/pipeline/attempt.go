package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/agent"
	"github.com/brennhill/browser-fleet-adapter/internal/queue"
)

func identityKey(authIndex int) string {
	return strconv.Itoa(authIndex)
}

// attemptOutcome is the successful result of the attempt loop: the queue
// now holding the rest of the stream, and the first frame already taken
// off it (a response_headers frame, a chunk, or an immediate stream_close).
type attemptOutcome struct {
	q         *queue.Queue
	first     any
	authIndex int
}

// runAttempts implements spec.md §4.E.2: send the proxy_request, dequeue
// the first frame, and retry according to what came back, up to
// maxRetries times.
func (p *Pipeline) runAttempts(ctx context.Context, requestID string, req agent.ProxyRequest, idleTimeout time.Duration) (*attemptOutcome, *StatusError) {
	authIndex := p.switcher.CurrentAuthIndex()
	q := p.registry.CreateQueue(requestID, identityKey(authIndex))

	var lastStatus int = 503
	shouldSwitch := false

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		sock, ok := p.registry.GetSocketByIdentity(identityKey(authIndex))
		if !ok {
			return nil, errNoSocket()
		}

		req.RequestID = requestID
		if err := sock.SendProxyRequest(ctx, req); err != nil {
			p.log.Warn("pipeline: failed to send proxy_request", "request_id", requestID, "error", err)
		}

		frame, err := q.Dequeue(idleTimeout)
		if err != nil {
			var closedErr *queue.ErrClosed
			if errors.As(err, &closedErr) {
				// Connection reset mid-attempt: abort retries entirely,
				// do not bump the failure counter.
				return nil, &StatusError{Status: 503, Code: "ConnectionReset", Message: "agent connection was lost mid-request"}
			}
			if errors.Is(err, queue.ErrTimeout) {
				lastStatus = 504
				shouldSwitch = p.switcher.RecordFailure(504)
				p.retryBetweenAttempts(ctx, requestID, sock.Identity, &q, &authIndex)
				continue
			}
			return nil, &StatusError{Status: 503, Code: "QueueError", Message: err.Error()}
		}

		if streamErr, ok := frame.(agent.StreamError); ok {
			lastStatus = streamErr.Status
			shouldSwitch = p.switcher.RecordFailure(streamErr.Status)
			p.log.Debug("pipeline: attempt failed", "request_id", requestID, "status", streamErr.Status, "message", streamErr.Message)
			if p.isImmediateSwitchStatus(streamErr.Status) {
				break
			}
			p.retryBetweenAttempts(ctx, requestID, sock.Identity, &q, &authIndex)
			continue
		}

		p.switcher.RecordSuccess()
		return &attemptOutcome{q: q, first: frame, authIndex: authIndex}, nil
	}

	// Exhausted retries (or broke out on an immediate-switch status):
	// consult the Switcher about rotating, then surface the last status.
	if shouldSwitch {
		if err := p.switcher.SwitchToNext(ctx); err != nil {
			p.log.Warn("pipeline: rotation after exhausted retries failed", "error", err)
		}
	}
	return nil, &StatusError{Status: lastStatus, Code: "UpstreamFailure", Message: "all retry attempts failed"}
}

func (p *Pipeline) isImmediateSwitchStatus(status int) bool {
	for _, s := range p.cfg.ImmediateSwitchStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// retryBetweenAttempts cancels the upstream request on the identity that
// actually owned this attempt (it may differ from the now-current
// identity), replaces the queue, and sleeps retryDelay (spec.md §4.E.2).
func (p *Pipeline) retryBetweenAttempts(ctx context.Context, requestID, originalIdentity string, q **queue.Queue, authIndex *int) {
	if sock, ok := p.registry.GetSocketByIdentity(originalIdentity); ok {
		if err := sock.SendCancelRequest(ctx, requestID); err != nil {
			p.log.Debug("pipeline: cancel_request on retry failed", "request_id", requestID, "error", err)
		}
	}

	p.registry.RemoveQueue(requestID, queue.ReasonRetryCreatingNewQueue)

	*authIndex = p.switcher.CurrentAuthIndex()
	*q = p.registry.CreateQueue(requestID, identityKey(*authIndex))

	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.RetryDelay):
	}
}
