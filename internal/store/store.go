// Package store provides audit event persistence for the gateway.
package store

import (
	"context"
	"errors"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence methods used by the gateway.
type Store interface {
	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
	// InsertAuditEvent persists one completed tool-call record.
	InsertAuditEvent(ctx context.Context, event types.AuditEvent) error
	// ListAuditEvents returns paginated events ordered by newest first.
	ListAuditEvents(ctx context.Context, limit, offset int) ([]types.AuditEvent, int, error)
}
