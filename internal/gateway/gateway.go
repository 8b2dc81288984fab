// Package gateway defines the contract with the remote routine authority and
// a JSON-over-HTTP client for it.
//
// All errors returned by a Gateway are *model.Error values classified as
// TRANSIENT_NETWORK (network failure, timeout, 5xx, 429), NOT_FOUND (404)
// or REJECTED (any other 4xx, or an explicit {"ok": false}).
package gateway

import (
	"context"
	"encoding/json"

	"github.com/roach88/routinesync/internal/model"
)

// Paths of the remote API, relative to the base URL.
const (
	PathRoutines      = "/routines"
	PathUpdate        = "/routines/update"
	PathDelete        = "/routines/delete"
	PathCompleteBatch = "/routines/complete-batch"
	PathMonthly       = "/routines/completions-monthly"
)

// Gateway is the Remote Routine Gateway.
type Gateway interface {
	// CreateRoutine creates a routine and returns its remote id.
	CreateRoutine(ctx context.Context, req CreateRoutineRequest) (CreateRoutineResponse, error)

	// ListRoutines returns every routine of the calling owner.
	ListRoutines(ctx context.Context) ([]RoutineDTO, error)

	// GetRoutine returns the canonical projection of one routine.
	GetRoutine(ctx context.Context, id string) (RoutineDTO, error)

	// UpdateRoutine applies a partial update.
	UpdateRoutine(ctx context.Context, req UpdateRoutineRequest) error

	// DeleteRoutine removes a routine.
	DeleteRoutine(ctx context.Context, id string) error

	// CompleteBatch submits completion events. The remote treats a repeated
	// OpID as an already-processed no-op.
	CompleteBatch(ctx context.Context, items []CompletionItem) (CompleteBatchResponse, error)

	// MonthlyCompletions returns the raw monthly statistics payload.
	MonthlyCompletions(ctx context.Context, tz string, month model.Month) (json.RawMessage, error)
}
