// Package telemetry aggregates per-site, per-strategy injection statistics
// in the shared key-value store.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"promptrelay/internal/domain"
)

// Counts is the tally of one strategy at one site.
type Counts struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Skipped   int `json:"skipped"`
}

// SuccessRate is round(successes/attempts*100), 0 with no attempts.
func (c Counts) SuccessRate() int {
	if c.Attempts == 0 {
		return 0
	}
	return int(math.Round(float64(c.Successes) / float64(c.Attempts) * 100))
}

// Stats maps site -> strategy -> counts.
type Stats map[string]map[string]Counts

// Add folds one outcome into the stats. Not-applicable results count as
// skipped and never as attempts.
func (s Stats) Add(out domain.Outcome) {
	site := out.Site
	if site == "" {
		site = "unknown"
	}
	per := s[site]
	if per == nil {
		per = make(map[string]Counts)
		s[site] = per
	}
	for _, r := range out.Tried {
		c := per[r.ID]
		switch {
		case r.Kind == domain.KindNotApplicable:
			c.Skipped++
		case r.Success:
			c.Attempts++
			c.Successes++
		default:
			c.Attempts++
			c.Failures++
		}
		per[r.ID] = c
	}
}

// Row is one line of a rendered report.
type Row struct {
	Site        string `json:"site"`
	Strategy    string `json:"strategy"`
	Attempts    int    `json:"attempts"`
	Successes   int    `json:"successes"`
	Failures    int    `json:"failures"`
	Skipped     int    `json:"skipped"`
	SuccessRate int    `json:"successRate"`
}

// Rows flattens the stats sorted by site then strategy.
func (s Stats) Rows() []Row {
	var rows []Row
	for site, per := range s {
		for id, c := range per {
			rows = append(rows, Row{
				Site: site, Strategy: id,
				Attempts: c.Attempts, Successes: c.Successes, Failures: c.Failures, Skipped: c.Skipped,
				SuccessRate: c.SuccessRate(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Site != rows[j].Site {
			return rows[i].Site < rows[j].Site
		}
		return rows[i].Strategy < rows[j].Strategy
	})
	return rows
}

// Store loads and saves Stats under domain.KeyStats. Updates are
// load-modify-save without a lock; concurrent writers are last-write-wins.
type Store struct {
	kv     domain.KVStore
	logger *slog.Logger
}

// NewStore creates a Store over kv.
func NewStore(kv domain.KVStore, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Load returns the persisted stats. A missing or corrupt value yields
// empty stats.
func (s *Store) Load(ctx context.Context) (Stats, error) {
	raw, ok, err := s.kv.Get(ctx, domain.KeyStats)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	stats := Stats{}
	if !ok || raw == "" {
		return stats, nil
	}
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		s.logger.Warn("discarding unreadable stats", "error", err)
		return Stats{}, nil
	}
	return stats, nil
}

// Save overwrites the persisted stats.
func (s *Store) Save(ctx context.Context, stats Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := s.kv.Set(ctx, domain.KeyStats, string(data)); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

// Record folds out into the persisted stats.
func (s *Store) Record(ctx context.Context, out domain.Outcome) error {
	stats, err := s.Load(ctx)
	if err != nil {
		return err
	}
	stats.Add(out)
	return s.Save(ctx, stats)
}

// Reset clears all stats.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.kv.Delete(ctx, domain.KeyStats); err != nil {
		return fmt.Errorf("reset stats: %w", err)
	}
	return nil
}
