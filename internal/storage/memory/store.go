// Package memory is an in-process ReportStore for tests and throwaway runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/storage"
)

// Store is an in-memory implementation of ReportStore
type Store struct {
	mu       sync.RWMutex
	versions map[string]map[string]domain.Report
	now      func() time.Time
}

var _ storage.ReportStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		versions: make(map[string]map[string]domain.Report),
		now:      time.Now,
	}
}

// WithClock replaces the timestamp source and returns s.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) SaveReport(_ context.Context, r *domain.Report) error {
	if r.ObjectName == "" {
		return domain.ErrValidation("missing object_name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.SubmissionTimestamp = domain.FormatTimestamp(s.now())
	v, ok := s.versions[r.ObjectName]
	if !ok {
		v = make(map[string]domain.Report)
		s.versions[r.ObjectName] = v
	}
	v[r.SubmissionTimestamp] = *r
	return nil
}

func (s *Store) ListLatestReports(_ context.Context) ([]domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Report, 0, len(s.versions))
	for _, v := range s.versions {
		var latest domain.Report
		for ts, r := range v {
			if ts > latest.SubmissionTimestamp {
				latest = r
			}
		}
		result = append(result, latest)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmissionTimestamp > result[j].SubmissionTimestamp
	})
	return result, nil
}

func (s *Store) ListTimestamps(_ context.Context, objectName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.versions[objectName]))
	for ts := range s.versions[objectName] {
		result = append(result, ts)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(result)))
	return result, nil
}

func (s *Store) GetReport(_ context.Context, objectName, timestamp string) (*domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.versions[objectName]
	if timestamp == "" {
		var latest *domain.Report
		for _, r := range v {
			if latest == nil || r.SubmissionTimestamp > latest.SubmissionTimestamp {
				r := r
				latest = &r
			}
		}
		if latest == nil {
			return nil, domain.ErrNotFound("no report for " + objectName)
		}
		return latest, nil
	}

	r, ok := v[timestamp]
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("no report for %s at %s", objectName, timestamp))
	}
	return &r, nil
}

func (s *Store) Close() error {
	return nil
}
