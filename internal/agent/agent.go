// Package agent turns a free-text operator request into an executed plan
// and a markdown report.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/plan"
)

// Resolver turns text into a plan.
type Resolver interface {
	Resolve(ctx context.Context, text string) plan.Plan
}

// Executor runs a plan step by step.
type Executor interface {
	Execute(ctx context.Context, p plan.Plan) []plan.StepResult
}

type ReplyKind string

const (
	ReplyReport        ReplyKind = "report"
	ReplyClarification ReplyKind = "clarification"
)

// Reply is the answer to one request. Text is always set; Summary only for
// reports.
type Reply struct {
	Kind    ReplyKind     `json:"kind"`
	Text    string        `json:"text"`
	Plan    plan.Plan     `json:"plan"`
	Summary *plan.Summary `json:"summary,omitempty"`
}

type Agent struct {
	resolver  Resolver
	executor  Executor
	catalogue []capability.Descriptor
	logger    *zap.Logger
}

// New builds an agent. catalogue feeds the clarification listing.
func New(r Resolver, e Executor, catalogue []capability.Descriptor, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		resolver:  r,
		executor:  e,
		catalogue: catalogue,
		logger:    logger.Named("agent"),
	}
}

// Handle resolves text, executes the plan and renders the report. A plan
// without steps yields a clarification listing what can be asked for.
func (a *Agent) Handle(ctx context.Context, text string) Reply {
	p := a.resolver.Resolve(ctx, text)
	if !p.Actionable() {
		a.logger.Info("request needs clarification", zap.String("source", string(p.Source)))
		return Reply{Kind: ReplyClarification, Text: Clarification(a.catalogue), Plan: p}
	}

	a.logger.Info("executing plan",
		zap.String("matched", p.MatchedCapability),
		zap.String("source", string(p.Source)),
		zap.Float64("confidence", p.Confidence),
		zap.Int("steps", len(p.Steps)))
	results := a.executor.Execute(ctx, p)
	summary := plan.Summarize(results)
	return Reply{
		Kind:    ReplyReport,
		Text:    plan.RenderMarkdown(summary),
		Plan:    p,
		Summary: &summary,
	}
}

type category struct {
	title string
	match func(id int) bool
}

var categories = []category{
	{"🔧 **硬件巡检类服务**", func(id int) bool { return id >= 1 && id <= 5 || id == 11 }},
	{"📊 **监控分析类服务**", func(id int) bool { return id >= 6 && id <= 10 }},
	{"📱 **通知推送类服务**", func(id int) bool { return id >= 12 && id <= 15 }},
}

const otherCategory = "🧩 **其他服务**"

// Clarification lists the catalogue grouped by category.
func Clarification(catalogue []capability.Descriptor) string {
	groups := make([][]capability.Descriptor, len(categories)+1)
	for _, d := range catalogue {
		groups[categoryOf(d)] = append(groups[categoryOf(d)], d)
	}

	var sb strings.Builder
	sb.WriteString("抱歉，无法理解您的需求，请重新描述。您可以尝试以下请求：\n")
	for i, g := range groups {
		if len(g) == 0 {
			continue
		}
		title := otherCategory
		if i < len(categories) {
			title = categories[i].title
		}
		fmt.Fprintf(&sb, "\n%s:\n", title)
		for _, d := range g {
			fmt.Fprintf(&sb, "- %s (%s)\n", d.Name, shortDescription(d.Description))
		}
	}
	return sb.String()
}

func categoryOf(d capability.Descriptor) int {
	id, err := strconv.Atoi(d.ServiceID)
	if err != nil {
		return len(categories)
	}
	for i, c := range categories {
		if c.match(id) {
			return i
		}
	}
	return len(categories)
}

// shortDescription drops a leading 【…】 tag and keeps the first clause.
func shortDescription(s string) string {
	if strings.HasPrefix(s, "【") {
		if _, rest, ok := strings.Cut(s, "】"); ok {
			s = rest
		}
	}
	if head, _, ok := strings.Cut(s, "，"); ok {
		s = head
	}
	return strings.TrimSpace(s)
}
