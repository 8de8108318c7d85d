// Package storage defines persistence for versioned incident reports.
package storage

import (
	"context"

	"github.com/tjfontaine/report-relay/internal/domain"
)

// ReportStore is an append-only version history keyed by
// (object_name, submission_timestamp).
type ReportStore interface {
	// SaveReport assigns a server timestamp to r and upserts it. A second
	// save landing on the same timestamp overwrites the first.
	SaveReport(ctx context.Context, r *domain.Report) error

	// ListLatestReports returns the newest version of every object, newest first.
	ListLatestReports(ctx context.Context) ([]domain.Report, error)

	// ListTimestamps returns every version timestamp of objectName, newest first.
	ListTimestamps(ctx context.Context, objectName string) ([]string, error)

	// GetReport returns one version. An empty timestamp selects the newest.
	GetReport(ctx context.Context, objectName, timestamp string) (*domain.Report, error)

	Close() error
}

// CounterStore persists per-provider rotation counters.
type CounterStore interface {
	Increment(ctx context.Context, name string) (int64, error)
}
