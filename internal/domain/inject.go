package domain

import (
	"context"
	"time"
)

// FailureKind classifies a strategy result.
type FailureKind string

const (
	KindNone          FailureKind = ""
	KindNotApplicable FailureKind = "not-applicable"
	KindNoElement     FailureKind = "no-element-found"
	KindThrew         FailureKind = "threw"
	KindNoEffect      FailureKind = "verified-no-effect"
)

// Strategy is one technique for depositing text into a page's input.
type Strategy interface {
	ID() string
	Priority() int
	// Applicable is a pure predicate over page capabilities.
	Applicable(ctx context.Context, doc Document) bool
	// Attempt returns nil on success. It must tolerate a DOM that earlier
	// strategies have partially mutated.
	Attempt(ctx context.Context, doc Document, prompt string) error
}

// StrategyResult is one entry in Outcome.Tried.
type StrategyResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Kind    FailureKind `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Outcome records one full injection attempt at one site.
type Outcome struct {
	Site         string           `json:"site"`
	PromptLength int              `json:"promptLength"`
	Tried        []StrategyResult `json:"triedStrategies"`
	Winner       string           `json:"winningStrategy,omitempty"`
	Start        time.Time        `json:"timestampStart"`
	End          time.Time        `json:"timestampEnd"`
}

// Succeeded reports whether any strategy won.
func (o Outcome) Succeeded() bool { return o.Winner != "" }

// Duration is End - Start.
func (o Outcome) Duration() time.Duration { return o.End.Sub(o.Start) }

// FailedIDs lists strategies that ran and failed.
func (o Outcome) FailedIDs() []string {
	var ids []string
	for _, r := range o.Tried {
		if !r.Success && r.Kind != KindNotApplicable {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// LastError is the error text of the last strategy that ran and failed.
func (o Outcome) LastError() string {
	for i := len(o.Tried) - 1; i >= 0; i-- {
		r := o.Tried[i]
		if !r.Success && r.Kind != KindNotApplicable {
			if r.Error != "" {
				return r.Error
			}
			return string(r.Kind)
		}
	}
	return ""
}
