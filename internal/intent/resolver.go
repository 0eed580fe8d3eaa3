// Package intent turns a free-text operator request into an execution plan.
// The decision oracle is consulted first; any oracle failure degrades to a
// deterministic keyword rule table.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/metrics"
	"github.com/aitachi/envom/internal/oracle"
	"github.com/aitachi/envom/internal/plan"
)

// Resolver maps request text to a plan.
type Resolver struct {
	oracle            oracle.Oracle
	catalogue         []capability.Descriptor
	known             map[string]bool
	rules             *oracle.Rules
	table             []Rule
	defaultCapability string
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

type Option func(*Resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithRules sets the safety preamble placed in every prompt.
func WithRules(rules *oracle.Rules) Option {
	return func(r *Resolver) {
		if rules != nil {
			r.rules = rules
		}
	}
}

// WithRuleTable replaces the fallback table built from the catalogue.
func WithRuleTable(table []Rule) Option {
	return func(r *Resolver) { r.table = table }
}

// WithDefaultCapability sets the capability chosen when no rule matches.
func WithDefaultCapability(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.defaultCapability = name
		}
	}
}

// New creates a resolver over catalogue. A nil oracle behaves as always
// unavailable.
func New(o oracle.Oracle, catalogue []capability.Descriptor, opts ...Option) *Resolver {
	if o == nil {
		o = oracle.Unavailable{}
	}
	r := &Resolver{
		oracle:            o,
		catalogue:         catalogue,
		known:             make(map[string]bool, len(catalogue)),
		rules:             oracle.NewRules(nil),
		defaultCapability: capability.FullInspection,
		logger:            zap.NewNop(),
	}
	for _, d := range catalogue {
		r.known[d.Name] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.table == nil {
		r.table = DefaultRules(catalogue)
	}
	r.logger = r.logger.Named("intent")
	return r
}

// Resolve never fails: oracle problems fall back to the rule table. A plan
// without steps asks the caller to clarify.
func (r *Resolver) Resolve(ctx context.Context, text string) plan.Plan {
	text = Sanitize(text)
	if text == "" {
		return plan.Plan{Source: plan.SourceFallback}
	}

	p, err := oracle.Consult(ctx, r.oracle, r.prompt(text), r.parse)
	if err == nil {
		p.Source = plan.SourceOracle
		r.logger.Debug("oracle plan",
			zap.String("matched", p.MatchedCapability),
			zap.Float64("confidence", p.Confidence),
			zap.Int("steps", len(p.Steps)))
		return p
	}

	kind := oracle.KindOf(err)
	r.metrics.OracleFallback("intent", string(kind))
	r.logger.Warn("oracle unusable, using rule table", zap.String("kind", string(kind)), zap.Error(err))
	return Fallback(text, r.table, r.defaultCapability)
}

// Sanitize drops invalid UTF-8 and control characters other than newline,
// carriage return and tab, then trims surrounding space.
func Sanitize(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

type catalogueEntry struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Keywords    []string               `json:"keywords"`
	Parameters  []capability.Parameter `json:"parameters"`
}

func (r *Resolver) prompt(text string) string {
	entries := make([]catalogueEntry, 0, len(r.catalogue))
	for _, d := range r.catalogue {
		entries = append(entries, catalogueEntry{d.Name, d.Description, d.Keywords, d.Parameters})
	}
	tools, _ := json.MarshalIndent(entries, "", "  ")

	var sb strings.Builder
	sb.WriteString(r.rules.PromptSection())
	sb.WriteString("作为智能运维助手，请分析用户需求并制定执行计划。\n\n")
	fmt.Fprintf(&sb, "用户需求: %q\n\n", text)
	sb.WriteString("可用的运维服务:\n")
	sb.Write(tools)
	sb.WriteString("\n\n")
	sb.WriteString("企业微信通知需要从输入中提取参数 {\"to_user\": \"用户ID\", \"content\": \"消息内容\"}。\n")
	sb.WriteString("内存申请通知和内存解决通知无需参数。\n")
	sb.WriteString("无法理解需求时返回空的 execution_plan。\n\n")
	sb.WriteString("只返回如下JSON:\n")
	sb.WriteString(`{"intent": "需求描述", "matched_service": "服务名", "confidence": 0.9, "execution_plan": [` +
		`{"tool": "服务名", "params": {}, "order": 1, "reason": "原因", "risk_assessment": "风险", "performance_impact": "影响"}]}`)
	sb.WriteString("\n")
	return sb.String()
}

type oracleReply struct {
	Intent         string          `json:"intent"`
	MatchedService *string         `json:"matched_service"`
	Confidence     *float64        `json:"confidence"`
	ExecutionPlan  *[]plan.Step    `json:"execution_plan"`
	FinalDecision  json.RawMessage `json:"final_decision"`
}

func (r *Resolver) parse(raw json.RawMessage) (plan.Plan, error) {
	var rep oracleReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return plan.Plan{}, err
	}
	if rep.ExecutionPlan == nil && len(rep.FinalDecision) > 0 {
		var nested oracleReply
		if err := json.Unmarshal(rep.FinalDecision, &nested); err != nil {
			return plan.Plan{}, fmt.Errorf("final_decision: %w", err)
		}
		rep = nested
	}
	switch {
	case rep.MatchedService == nil:
		return plan.Plan{}, errors.New("matched_service missing")
	case rep.Confidence == nil:
		return plan.Plan{}, errors.New("confidence missing")
	case rep.ExecutionPlan == nil:
		return plan.Plan{}, errors.New("execution_plan missing")
	}

	steps := make([]plan.Step, 0, len(*rep.ExecutionPlan))
	for i, s := range *rep.ExecutionPlan {
		if !r.known[s.Capability] {
			r.logger.Warn("dropping step for unknown capability", zap.String("capability", s.Capability))
			continue
		}
		if s.Parameters == nil {
			s.Parameters = map[string]any{}
		}
		if s.Order == 0 {
			s.Order = i + 1
		}
		steps = append(steps, s)
	}
	return plan.Plan{
		Intent:            rep.Intent,
		MatchedCapability: *rep.MatchedService,
		Confidence:        oracle.Clamp01(*rep.Confidence),
		Steps:             steps,
	}, nil
}
