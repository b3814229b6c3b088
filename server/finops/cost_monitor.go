// Package finops tracks generation cost and latency per terminal
// interaction. Cancelled and superseded generations are never recorded;
// their results are discarded before any accounting happens.
package finops

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CostMonitor records interaction cost rows and aggregates them by outcome.
type CostMonitor struct {
	db     *sql.DB
	logger *slog.Logger

	statsCache map[string]*OutcomeStats
	cacheMutex sync.RWMutex
	cacheTTL   time.Duration
	lastUpdate time.Time
}

// InteractionCostRecord is one terminal interaction's cost entry.
type InteractionCostRecord struct {
	InteractionID string
	SessionID     string
	// Outcome is the terminal interaction state, COMMITTED or FAILED.
	Outcome string

	PromptChars   int
	ResponseChars int
	// Generations counts LLM calls including regenerations and retries.
	Generations int

	EstimatedCost float64
	LatencyMs     int64
	CreatedTs     int64
}

// OutcomeStats aggregates cost rows sharing one outcome.
type OutcomeStats struct {
	Outcome        string
	Count          int64
	Cost           float64
	AvgLatencyMs   float64
	AvgGenerations float64
	LastUpdated    time.Time
}

// CostReport is the aggregate view over a period.
type CostReport struct {
	Period    string
	TotalCost float64
	ByOutcome map[string]*OutcomeStats
}

func NewCostMonitor(db *sql.DB) *CostMonitor {
	return &CostMonitor{
		db:         db,
		logger:     slog.Default(),
		statsCache: make(map[string]*OutcomeStats),
		cacheTTL:   5 * time.Minute,
	}
}

// Record persists one cost entry. Failures are logged and returned; the
// caller decides whether they may fail the teaching operation itself.
func (m *CostMonitor) Record(ctx context.Context, record *InteractionCostRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.InteractionID == "" || record.SessionID == "" {
		return fmt.Errorf("interaction and session ids are required")
	}
	if record.Outcome == "" {
		return fmt.Errorf("outcome cannot be empty")
	}
	if record.EstimatedCost < 0 {
		return fmt.Errorf("estimated cost cannot be negative")
	}
	if record.LatencyMs < 0 {
		return fmt.Errorf("latency cannot be negative")
	}
	if record.CreatedTs == 0 {
		record.CreatedTs = time.Now().Unix()
	}

	// $n placeholders are understood by both sqlite and lib/pq.
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO interaction_cost (
			interaction_id, session_id, outcome,
			prompt_chars, response_chars, generations,
			estimated_cost, latency_ms, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		record.InteractionID,
		record.SessionID,
		record.Outcome,
		record.PromptChars,
		record.ResponseChars,
		record.Generations,
		record.EstimatedCost,
		record.LatencyMs,
		record.CreatedTs,
	)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record interaction cost",
			"interaction_id", record.InteractionID,
			"outcome", record.Outcome,
			"error", err,
		)
		return err
	}

	m.logger.DebugContext(ctx, "recorded interaction cost",
		"interaction_id", record.InteractionID,
		"outcome", record.Outcome,
		"estimated_cost", record.EstimatedCost,
		"latency_ms", record.LatencyMs,
	)
	return nil
}

// GetCostReport aggregates cost rows for the period ("daily", "weekly",
// "monthly"; unknown periods fall back to daily).
func (m *CostMonitor) GetCostReport(ctx context.Context, period string) (*CostReport, error) {
	startTs := periodStart(period).Unix()

	var totalCost float64
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(estimated_cost), 0)
		FROM interaction_cost
		WHERE created_ts >= $1
	`, startTs).Scan(&totalCost)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT
			outcome,
			COUNT(*),
			COALESCE(SUM(estimated_cost), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(generations), 0)
		FROM interaction_cost
		WHERE created_ts >= $1
		GROUP BY outcome
		ORDER BY SUM(estimated_cost) DESC
	`, startTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byOutcome := make(map[string]*OutcomeStats)
	for rows.Next() {
		stats := &OutcomeStats{LastUpdated: time.Now()}
		if err := rows.Scan(&stats.Outcome, &stats.Count, &stats.Cost,
			&stats.AvgLatencyMs, &stats.AvgGenerations); err != nil {
			return nil, err
		}
		byOutcome[stats.Outcome] = stats

		m.cacheMutex.Lock()
		m.statsCache[stats.Outcome] = stats
		m.cacheMutex.Unlock()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	m.cacheMutex.Lock()
	m.lastUpdate = time.Now()
	m.cacheMutex.Unlock()

	return &CostReport{
		Period:    period,
		TotalCost: totalCost,
		ByOutcome: byOutcome,
	}, nil
}

// OutcomeStatsFor returns cached stats for an outcome, refreshing the cache
// in the background when stale. Returns nil on a cold cache.
func (m *CostMonitor) OutcomeStatsFor(outcome string) *OutcomeStats {
	m.cacheMutex.RLock()
	fresh := time.Since(m.lastUpdate) < m.cacheTTL
	stats, ok := m.statsCache[outcome]
	m.cacheMutex.RUnlock()

	if fresh && ok {
		return stats
	}
	go m.refreshCache()
	return nil
}

func (m *CostMonitor) refreshCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.GetCostReport(ctx, "daily"); err != nil {
		m.logger.ErrorContext(ctx, "failed to refresh cost cache", "error", err)
	}
}

func periodStart(period string) time.Time {
	now := time.Now()
	switch period {
	case "weekly", "this_week":
		return now.AddDate(0, 0, -7)
	case "monthly", "this_month":
		return now.AddDate(0, -1, 0)
	default:
		return now.AddDate(0, 0, -1)
	}
}

// EstimateGenerationCost approximates the LLM cost from character counts,
// at roughly 4 characters per token and gpt-4o-mini class pricing.
func EstimateGenerationCost(promptChars, responseChars int) float64 {
	inputTokens := float64(promptChars) / 4.0
	outputTokens := float64(responseChars) / 4.0
	return inputTokens*0.15/1e6 + outputTokens*0.60/1e6
}
