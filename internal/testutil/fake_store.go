package testutil

import (
	"context"
	"sync"

	gateway "github.com/eugener/ccmux/internal"
)

// FakeUsageStore is an in-memory usage store for testing.
type FakeUsageStore struct {
	mu      sync.Mutex
	records []gateway.UsageRecord

	// InsertErr, when set, is returned by InsertUsage.
	InsertErr error
}

// InsertUsage appends records, or fails with InsertErr.
func (s *FakeUsageStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything inserted so far.
func (s *FakeUsageStore) Records() []gateway.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// QueryUsage returns stored records matching the filter, newest first is not
// guaranteed; tests insert in a known order.
func (s *FakeUsageStore) QueryUsage(_ context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchLocked(f), nil
}

// CountUsage counts records matching the filter.
func (s *FakeUsageStore) CountUsage(_ context.Context, f gateway.UsageFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchLocked(f)), nil
}

// SummarizeUsage aggregates matching records per model and provider.
func (s *FakeUsageStore) SummarizeUsage(_ context.Context, f gateway.UsageFilter) ([]gateway.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := make(map[[2]string]*gateway.UsageSummary)
	var order [][2]string
	for _, r := range s.matchLocked(f) {
		key := [2]string{r.Model, r.Provider}
		sum, ok := byKey[key]
		if !ok {
			sum = &gateway.UsageSummary{Model: r.Model, Provider: r.Provider}
			byKey[key] = sum
			order = append(order, key)
		}
		sum.Requests++
		sum.InputTokens += r.InputTokens
		sum.OutputTokens += r.OutputTokens
	}
	out := make([]gateway.UsageSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}

func (s *FakeUsageStore) matchLocked(f gateway.UsageFilter) []gateway.UsageRecord {
	var out []gateway.UsageRecord
	for _, r := range s.records {
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out
}
