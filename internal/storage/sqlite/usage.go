package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/ccmux/internal"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 11
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.Model, r.Provider, r.Route,
			r.InputTokens, r.OutputTokens, boolToInt(r.Stream),
			r.LatencyMs, r.StatusCode,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, model, provider, route,
		 input_tokens, output_tokens, stream, latency_ms, status_code, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, model, provider, route,
		input_tokens, output_tokens, stream, latency_ms, status_code, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var stream int
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Model, &r.Provider, &r.Route,
			&r.InputTokens, &r.OutputTokens, &stream,
			&r.LatencyMs, &r.StatusCode, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.Stream = stream != 0
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f gateway.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

// SummarizeUsage aggregates request counts and token totals per model and
// provider, busiest models first.
func (s *Store) SummarizeUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageSummary, error) {
	where, args := usageWhere(f)
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, provider, COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records`+where+` GROUP BY model, provider ORDER BY COUNT(*) DESC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageSummary
	for rows.Next() {
		var u gateway.UsageSummary
		if err := rows.Scan(&u.Model, &u.Provider, &u.Requests, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func usageWhere(f gateway.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
