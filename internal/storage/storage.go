// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/ccmux/internal"
)

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error)
	CountUsage(ctx context.Context, f gateway.UsageFilter) (int, error)
	SummarizeUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageSummary, error)
}

// Store is the full persistence surface.
type Store interface {
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
