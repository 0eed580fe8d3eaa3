// Package pipeline runs the multi-stage inspection flow. Each iteration the
// decision oracle may propose the next stage, but the transition table has
// the final word and the iteration budget bounds every run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/artifact"
	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/metrics"
	"github.com/aitachi/envom/internal/oracle"
	"github.com/aitachi/envom/internal/plan"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

const DefaultMaxIterations = 15

var (
	ErrBudgetExceeded = errors.New("pipeline exceeded iteration budget")
	ErrStageHalted    = errors.New("pipeline halted by failed stage")
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Artifact keys for run outcomes.
const (
	runKeyPrefix = "pipeline/runs/"
	LastRunKey   = "pipeline/last_run"
)

// RunKey is the artifact key of one run's outcome.
func RunKey(runID string) string { return runKeyPrefix + runID }

// Decision records why a stage was chosen.
type Decision struct {
	Iteration      int            `json:"iteration"`
	Capability     string         `json:"next_service"`
	Reason         string         `json:"reason"`
	Params         map[string]any `json:"params,omitempty"`
	ShouldContinue bool           `json:"should_continue"`
	Message        string         `json:"message,omitempty"`
	Source         plan.Source    `json:"source"`
	// Overridden explains why an oracle proposal was replaced by the table.
	Overridden string    `json:"overridden,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// State is a run in progress and, once finished, its outcome.
type State struct {
	RunID         string            `json:"run_id"`
	Status        Status            `json:"status"`
	Iteration     int               `json:"iteration"`
	MaxIterations int               `json:"max_iterations"`
	Parameters    map[string]any    `json:"parameters"`
	Steps         []plan.StepResult `json:"steps"`
	Decisions     []Decision        `json:"decisions"`
	Reason        string            `json:"reason,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitzero"`

	err error
}

// Err is the failure cause of a FAILED run.
func (s *State) Err() error { return s.err }

// History renders the steps compactly, e.g. "A=ok, B=failed: timeout".
func (s *State) History(t *Table) string {
	if len(s.Steps) == 0 {
		return "no steps"
	}
	parts := make([]string, 0, len(s.Steps))
	for _, r := range s.Steps {
		label := r.Step.Capability
		if st, ok := t.Stage(label); ok && st.Label != "" {
			label = st.Label
		}
		if r.Succeeded() {
			parts = append(parts, label+"=ok")
		} else {
			parts = append(parts, label+"=failed: "+r.Outcome.ErrorText())
		}
	}
	return strings.Join(parts, ", ")
}

// Controller implements the pipeline capability.
type Controller struct {
	oracle        oracle.Oracle
	store         artifact.Store
	table         *Table
	stages        []Stage
	guard         *oracle.Guard
	rules         *oracle.Rules
	maxIterations int
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

func WithRules(r *oracle.Rules) Option {
	return func(c *Controller) {
		if r != nil {
			c.rules = r
		}
	}
}

func WithGuard(g *oracle.Guard) Option {
	return func(c *Controller) {
		if g != nil {
			c.guard = g
		}
	}
}

// WithStages replaces DefaultStages.
func WithStages(stages []Stage) Option {
	return func(c *Controller) { c.stages = stages }
}

// New creates a controller. A nil oracle leaves every decision to the table;
// a nil store keeps artifacts in memory.
func New(o oracle.Oracle, store artifact.Store, opts ...Option) (*Controller, error) {
	if o == nil {
		o = oracle.Unavailable{}
	}
	if store == nil {
		store = artifact.NewMemory()
	}
	c := &Controller{
		oracle:        o,
		store:         store,
		stages:        DefaultStages(),
		guard:         oracle.NewGuard(),
		rules:         oracle.NewRules(nil),
		maxIterations: DefaultMaxIterations,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	table, err := NewTable(c.stages)
	if err != nil {
		return nil, err
	}
	c.table = table
	c.logger = c.logger.Named("pipeline")
	return c, nil
}

func (c *Controller) Table() *Table { return c.table }

// InvokePipeline runs the flow to completion. A completed run returns its
// *State; a failed run returns an error carrying the reason and step history.
func (c *Controller) InvokePipeline(ctx context.Context, d capability.Dispatcher, args map[string]any) (any, error) {
	st := c.Run(ctx, d, args)
	if st.Status == StatusCompleted {
		return st, nil
	}
	return nil, fmt.Errorf("%w; steps: %s", st.err, st.History(c.table))
}

// Run executes one pipeline run and persists its outcome.
func (c *Controller) Run(ctx context.Context, d capability.Dispatcher, args map[string]any) *State {
	st := &State{
		RunID:         uuid.NewString(),
		Status:        StatusRunning,
		MaxIterations: c.maxIterations,
		Parameters:    copyArgs(args),
		StartedAt:     c.now(),
	}
	log := c.logger.With(zap.String("run_id", st.RunID))
	log.Info("pipeline run started", zap.Int("max_iterations", st.MaxIterations))
	c.clearHandOffs(ctx, log)

	for st.Status == StatusRunning {
		v := c.table.Evaluate(st.Steps)
		switch {
		case v.Done:
			c.complete(st)
		case v.Abort:
			stage, _ := c.table.Stage(v.Failed.Step.Capability)
			c.finish(st, fmt.Errorf("%w: stage %s (%s) failed: %s",
				ErrStageHalted, stage.Label, stage.Capability, v.Failed.Outcome.ErrorText()))
		case ctx.Err() != nil:
			c.finish(st, fmt.Errorf("pipeline interrupted: %w", ctx.Err()))
		case st.Iteration >= st.MaxIterations:
			c.finish(st, ErrBudgetExceeded)
		default:
			c.step(ctx, log, d, st, v.Next)
		}
	}

	c.persist(ctx, log, st)
	c.metrics.PipelineRun(string(st.Status), st.Iteration)
	log.Info("pipeline run finished",
		zap.String("status", string(st.Status)),
		zap.Int("iterations", st.Iteration),
		zap.String("reason", st.Reason))
	return st
}

// complete closes the decision log with the table's terminating decision.
func (c *Controller) complete(st *State) {
	st.Decisions = append(st.Decisions, Decision{
		Iteration: st.Iteration,
		Reason:    "transition table: all stages settled",
		Source:    plan.SourceFallback,
		Timestamp: c.now(),
	})
	c.finish(st, nil)
}

func (c *Controller) finish(st *State, err error) {
	st.FinishedAt = c.now()
	if err == nil {
		st.Status = StatusCompleted
		return
	}
	st.Status = StatusFailed
	st.Reason = err.Error()
	st.err = err
}

func (c *Controller) step(ctx context.Context, log *zap.Logger, d capability.Dispatcher, st *State, next Stage) {
	dec := c.decide(ctx, log, st, next)
	st.Iteration++
	dec.Iteration = st.Iteration
	dec.Timestamp = c.now()

	stage, _ := c.table.Stage(dec.Capability)
	params := c.stageParams(ctx, log, stage, st.Parameters, dec.Params)

	id := "pipeline-" + st.RunID + "-" + strconv.Itoa(st.Iteration)
	resp := d.Dispatch(ctx, wire.NewCall(id, stage.Capability, params))
	st.Steps = append(st.Steps, plan.StepResult{
		Step: plan.Step{
			Capability: stage.Capability,
			Parameters: params,
			Order:      st.Iteration,
			Rationale:  dec.Reason,
		},
		Outcome:   resp,
		Timestamp: c.now(),
	})
	st.Decisions = append(st.Decisions, dec)

	fields := []zap.Field{
		zap.Int("iteration", st.Iteration),
		zap.String("stage", stage.Label),
		zap.String("capability", stage.Capability),
		zap.String("source", string(dec.Source)),
	}
	if resp.Success {
		log.Info("stage succeeded", fields...)
		c.publish(ctx, log, stage, resp.Data)
	} else {
		log.Warn("stage failed", append(fields, zap.String("error", resp.ErrorText()))...)
	}

	if !dec.ShouldContinue && c.table.Evaluate(st.Steps).Done {
		c.complete(st)
	}
}

// decide asks the oracle for the next stage and keeps its answer only when
// the table allows that stage now.
func (c *Controller) decide(ctx context.Context, log *zap.Logger, st *State, next Stage) Decision {
	fallback := Decision{
		Capability:     next.Capability,
		Reason:         fmt.Sprintf("transition table: stage %s is next", next.Label),
		ShouldContinue: !next.Final,
		Message:        next.Description,
		Source:         plan.SourceFallback,
	}

	p, err := oracle.Consult(ctx, c.oracle, c.prompt(st), parseProposal)
	if err != nil {
		kind := oracle.KindOf(err)
		c.metrics.OracleFallback("pipeline", string(kind))
		log.Warn("oracle unusable, following transition table", zap.String("kind", string(kind)), zap.Error(err))
		return fallback
	}

	name := ""
	if p.NextService != nil {
		name = strings.TrimSpace(*p.NextService)
	}
	switch {
	case name == "":
		fallback.Overridden = "oracle proposed stopping while stages remain"
	case !c.table.Eligible(name, st.Steps):
		fallback.Overridden = fmt.Sprintf("oracle proposed %q, which cannot run now", name)
	default:
		return Decision{
			Capability:     name,
			Reason:         p.Reason,
			Params:         p.Params,
			ShouldContinue: *p.ShouldContinue,
			Message:        p.Message,
			Source:         plan.SourceOracle,
		}
	}
	log.Info("oracle proposal overridden", zap.String("why", fallback.Overridden))
	return fallback
}

// stageParams layers forwarded run arguments and hand-off values over the
// oracle's suggested parameters.
func (c *Controller) stageParams(ctx context.Context, log *zap.Logger, stage Stage, args, suggested map[string]any) map[string]any {
	params := copyArgs(suggested)
	for _, k := range stage.Forward {
		if v, ok := args[k]; ok {
			params[k] = v
		}
	}
	if h := stage.HandOff; h != nil {
		var doc map[string]any
		err := artifact.GetJSON(ctx, c.store, h.Artifact, &doc)
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			log.Debug("hand-off artifact missing", zap.String("artifact", h.Artifact))
		case err != nil:
			log.Warn("reading hand-off artifact", zap.String("artifact", h.Artifact), zap.Error(err))
		default:
			if v, ok := doc[h.Field]; ok && !empty(v) {
				params[h.Param] = v
			} else {
				log.Info("nothing to hand off", zap.String("stage", stage.Label), zap.String("field", h.Field))
			}
		}
	}
	return params
}

// clearHandOffs removes hand-off artifacts left by earlier runs, so stages
// only ever read what this run's stages produced.
func (c *Controller) clearHandOffs(ctx context.Context, log *zap.Logger) {
	for _, name := range c.table.handOffArtifacts() {
		if err := c.store.Delete(ctx, name); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			log.Warn("clearing hand-off artifact", zap.String("artifact", name), zap.Error(err))
		}
	}
}

// publish stores a stage result when it carries fields later stages read.
func (c *Controller) publish(ctx context.Context, log *zap.Logger, stage Stage, data any) {
	if stage.Publish == "" {
		return
	}
	doc, ok := data.(map[string]any)
	if !ok {
		return
	}
	for _, f := range c.table.handOffFields(stage.Publish) {
		if _, has := doc[f]; has {
			if err := artifact.PutJSON(ctx, c.store, stage.Publish, doc); err != nil {
				log.Warn("publishing artifact", zap.String("artifact", stage.Publish), zap.Error(err))
			}
			return
		}
	}
}

func (c *Controller) persist(ctx context.Context, log *zap.Logger, st *State) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, key := range []string{RunKey(st.RunID), LastRunKey} {
		if err := artifact.PutJSON(ctx, c.store, key, st); err != nil {
			log.Warn("storing run outcome", zap.String("key", key), zap.Error(err))
		}
	}
}

func copyArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	case string:
		return x == ""
	}
	return false
}
