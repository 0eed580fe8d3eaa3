package plan

import (
	"sync"
	"time"

	"github.com/aitachi/envom/pkg/dispatch"
)

// Source records who produced a plan.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Step is one capability invocation in a plan.
type Step struct {
	Capability      string         `json:"tool"`
	Parameters      map[string]any `json:"params"`
	Order           int            `json:"order"`
	Rationale       string         `json:"reason,omitempty"`
	RiskNote        string         `json:"risk_assessment,omitempty"`
	PerformanceNote string         `json:"performance_impact,omitempty"`
}

// Plan is the resolved form of a user request. An empty Steps slice means
// the request needs clarification.
type Plan struct {
	Intent            string  `json:"intent"`
	MatchedCapability string  `json:"matched_service"`
	Confidence        float64 `json:"confidence"`
	Source            Source  `json:"source"`
	Steps             []Step  `json:"execution_plan"`
}

// Actionable reports whether the plan has anything to run.
func (p Plan) Actionable() bool { return len(p.Steps) > 0 }

// StepResult pairs a step with its dispatch outcome.
type StepResult struct {
	Step      Step              `json:"step"`
	Outcome   dispatch.Response `json:"outcome"`
	Timestamp time.Time         `json:"timestamp"`
}

// Succeeded is shorthand for r.Outcome.Success.
func (r StepResult) Succeeded() bool { return r.Outcome.Success }

// Ledger is an append-only record of step results. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.Mutex
	results []StepResult
}

// Append records r. Results are never modified afterwards.
func (l *Ledger) Append(r StepResult) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
}

// Results returns a copy of everything appended so far.
func (l *Ledger) Results() []StepResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepResult, len(l.results))
	copy(out, l.results)
	return out
}

// Len reports how many results were appended.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}
