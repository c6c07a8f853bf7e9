package telemetry

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/domain"
	"promptrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func outcome(site string, results ...domain.StrategyResult) domain.Outcome {
	out := domain.Outcome{Site: site, Tried: results}
	for _, r := range results {
		if r.Success {
			out.Winner = r.ID
		}
	}
	return out
}

func TestStore_AggregatesAcrossOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryStore(), testLogger())

	require.NoError(t, s.Record(ctx, outcome("chatgpt.com",
		domain.StrategyResult{ID: "dom", Success: true})))
	require.NoError(t, s.Record(ctx, outcome("chatgpt.com",
		domain.StrategyResult{ID: "dom", Kind: domain.KindNoEffect},
		domain.StrategyResult{ID: "clipboard", Success: true})))

	stats, err := s.Load(ctx)
	require.NoError(t, err)

	dom := stats["chatgpt.com"]["dom"]
	assert.Equal(t, Counts{Attempts: 2, Successes: 1, Failures: 1}, dom)
	assert.Equal(t, 50, dom.SuccessRate())

	clip := stats["chatgpt.com"]["clipboard"]
	assert.Equal(t, 1, clip.Attempts)
	assert.Equal(t, 100, clip.SuccessRate())
}

func TestStats_SkippedIsNotAnAttempt(t *testing.T) {
	stats := Stats{}
	stats.Add(outcome("claude.ai",
		domain.StrategyResult{ID: "clipboard", Kind: domain.KindNotApplicable},
		domain.StrategyResult{ID: "dom", Success: true}))

	assert.Equal(t, Counts{Skipped: 1}, stats["claude.ai"]["clipboard"])
	assert.Equal(t, 0, stats["claude.ai"]["clipboard"].SuccessRate())
}

func TestCounts_SuccessRateRounds(t *testing.T) {
	assert.Equal(t, 67, Counts{Attempts: 3, Successes: 2}.SuccessRate())
	assert.Equal(t, 33, Counts{Attempts: 3, Successes: 1}.SuccessRate())
}

func TestStore_PersistedShapeAndReset(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := NewStore(kv, testLogger())

	require.NoError(t, s.Record(ctx, outcome("gemini.google.com", domain.StrategyResult{ID: "dom", Success: true})))
	raw, ok, err := kv.Get(ctx, domain.KeyStats)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"gemini.google.com":{"dom":{"attempts":1,"successes":1,"failures":0,"skipped":0}}}`, raw)

	require.NoError(t, s.Reset(ctx))
	stats, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestStore_CorruptValueStartsFresh(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, domain.KeyStats, "{not json"))

	stats, err := NewStore(kv, testLogger()).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestStats_Rows(t *testing.T) {
	stats := Stats{}
	stats.Add(outcome("b.com", domain.StrategyResult{ID: "dom", Success: true}))
	stats.Add(outcome("a.com", domain.StrategyResult{ID: "events", Kind: domain.KindThrew}, domain.StrategyResult{ID: "dom", Success: true}))

	rows := stats.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "a.com", rows[0].Site)
	assert.Equal(t, "dom", rows[0].Strategy)
	assert.Equal(t, "events", rows[1].Strategy)
	assert.Equal(t, 0, rows[1].SuccessRate)
	assert.Equal(t, "b.com", rows[2].Site)
}
