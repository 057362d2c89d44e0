package store

import (
	"context"
	"time"
)

// Store is the request-log persistence interface (SPEC_FULL.md §4 ambient
// analytics). The teacher's Store spans accounts, sticky sessions, session
// bindings, stainless fingerprints, refresh locks, OAuth PKCE sessions, and
// a user/token model — none of which this adapter has a concept of: there
// is no multi-account credential store (that's internal/identity) and no
// API-user model (spec.md §6 authenticates against a single configured key
// per dialect). Only the request-log trio survives.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	InsertRequestLog(ctx context.Context, log *RequestLog) error
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)
}

// RequestLog represents a single completed pipeline request (spec.md §4.E
// step 8 "finalization"), logged for operational visibility.
type RequestLog struct {
	ID         int64
	RequestID  string
	AuthIndex  int
	Dialect    string
	Model      string
	Status     int
	DurationMs int64
	CreatedAt  time.Time
}
