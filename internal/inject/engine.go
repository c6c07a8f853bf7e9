// Package inject writes a prompt into the input element of an unknown chat
// page. An Engine runs an ordered list of strategies against a live DOM and
// stops at the first one whose write the page accepts.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"promptrelay/internal/domain"
	"promptrelay/internal/metrics"
)

// Recorder persists injection outcomes.
type Recorder interface {
	Record(ctx context.Context, out domain.Outcome) error
}

// EngineConfig holds the collaborators of an Engine.
type EngineConfig struct {
	Strategies []domain.Strategy
	Sender     domain.MessageSender // receives INJECTION_SUCCESS / INJECTION_FAILED; may be nil
	Recorder   Recorder             // may be nil
	Logger     *slog.Logger
}

// Engine runs strategies in priority order. One InjectPrompt runs at a
// time per Engine.
type Engine struct {
	strategies []domain.Strategy
	sender     domain.MessageSender
	recorder   Recorder
	logger     *slog.Logger

	mu   sync.Mutex
	last *domain.Outcome
}

// NewEngine creates an Engine. Strategies are sorted by ascending priority;
// ties keep registration order.
func NewEngine(cfg EngineConfig) *Engine {
	strategies := append([]domain.Strategy(nil), cfg.Strategies...)
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Priority() < strategies[j].Priority()
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		strategies: strategies,
		sender:     cfg.Sender,
		recorder:   cfg.Recorder,
		logger:     logger,
	}
}

// StrategyIDs returns the strategy ids in execution order.
func (e *Engine) StrategyIDs() []string {
	ids := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		ids[i] = s.ID()
	}
	return ids
}

// LastOutcome returns the most recent outcome, if any.
func (e *Engine) LastOutcome() (domain.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return domain.Outcome{}, false
	}
	return *e.last, true
}

// InjectPrompt tries each strategy until one succeeds. It never panics and
// never returns an error: failures of individual strategies are recorded
// in the Outcome.
func (e *Engine) InjectPrompt(ctx context.Context, doc domain.Document, prompt string, site domain.TargetSite) (bool, domain.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := domain.Outcome{
		Site:         site.Hostname,
		PromptLength: len([]rune(prompt)),
		Start:        time.Now(),
	}
	logger := e.logger.With("site", site.Hostname)

	for _, s := range e.strategies {
		if ctx.Err() != nil {
			break
		}
		if !e.applicable(ctx, s, doc, logger) {
			out.Tried = append(out.Tried, domain.StrategyResult{ID: s.ID(), Kind: domain.KindNotApplicable})
			metrics.StrategyAttempt(s.ID(), string(domain.KindNotApplicable))
			continue
		}

		err := e.attempt(ctx, s, doc, prompt)
		res := domain.StrategyResult{ID: s.ID(), Success: err == nil, Kind: domain.KindOf(err)}
		if err != nil {
			res.Error = err.Error()
			logger.Debug("strategy failed", "strategy", s.ID(), "kind", res.Kind, "error", err)
			metrics.StrategyAttempt(s.ID(), string(res.Kind))
		} else {
			metrics.StrategyAttempt(s.ID(), "success")
		}
		out.Tried = append(out.Tried, res)
		if res.Success {
			out.Winner = s.ID()
			break
		}
	}
	out.End = time.Now()

	e.last = &out
	e.record(ctx, out, logger)
	e.notify(out)
	metrics.InjectionLatency.Observe(out.Duration().Seconds())

	if out.Succeeded() {
		logger.Info("prompt injected", "strategy", out.Winner, "duration", out.Duration())
	} else {
		metrics.InjectionFailures.Inc()
		logger.Warn("injection failed", "error", domain.ErrAllStrategiesExhausted, "tried", len(out.Tried))
	}
	return out.Succeeded(), out
}

func (e *Engine) applicable(ctx context.Context, s domain.Strategy, doc domain.Document, logger *slog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("strategy applicability panic", "strategy", s.ID(), "panic", r)
			ok = false
		}
	}()
	return s.Applicable(ctx, doc)
}

func (e *Engine) attempt(ctx context.Context, s domain.Strategy, doc domain.Document, prompt string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Fail(domain.KindThrew, fmt.Errorf("panic: %v", r))
		}
	}()
	return s.Attempt(ctx, doc, prompt)
}

func (e *Engine) record(ctx context.Context, out domain.Outcome, logger *slog.Logger) {
	if e.recorder == nil {
		return
	}
	// Recorded even when ctx is already cancelled.
	if err := e.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
		logger.Warn("record outcome failed", "error", err)
	}
}

func (e *Engine) notify(out domain.Outcome) {
	if e.sender == nil {
		return
	}
	if out.Succeeded() {
		e.sender.Broadcast(domain.NewMessage(domain.MsgInjectionSuccess, map[string]any{
			"success": true,
			"method":  out.Winner,
			"site":    out.Site,
		}))
		return
	}
	e.sender.Broadcast(domain.NewMessage(domain.MsgInjectionFailed, map[string]any{
		"success":       false,
		"site":          out.Site,
		"error":         domain.ErrAllStrategiesExhausted.Error(),
		"failedMethods": out.FailedIDs(),
	}))
}
