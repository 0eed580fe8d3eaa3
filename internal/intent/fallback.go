package intent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/plan"
)

// Template extracts arguments from free text. Submatch i+1 is stored under
// Fields[i].
type Template struct {
	Pattern *regexp.Regexp
	Fields  []string
}

func (t Template) extract(text string) (map[string]any, bool) {
	m := t.Pattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	args := make(map[string]any, len(t.Fields))
	for i, field := range t.Fields {
		if i+1 < len(m) {
			args[field] = strings.TrimSpace(m[i+1])
		}
	}
	return args, true
}

// Rule maps keywords in the request text to one capability.
type Rule struct {
	Capability string
	Keywords   []string
	Confidence float64
	// Reason is used verbatim when set; otherwise it names the matched keyword.
	Reason    string
	Templates []Template
	Defaults  map[string]any
}

func (r Rule) match(text string) (string, bool) {
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

func (r Rule) arguments(text string) map[string]any {
	for _, t := range r.Templates {
		if args, ok := t.extract(text); ok {
			return args
		}
	}
	return copyArgs(r.Defaults)
}

func copyArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const (
	priorityConfidence = 0.8
	keywordConfidence  = 0.7
	defaultConfidence  = 0.5

	fallbackRisk        = "低风险，标准操作流程"
	fallbackPerformance = "正常性能消耗"
)

var notificationFields = []string{"to_user", "content"}

func notificationTemplates() []Template {
	patterns := []string{
		`(?i)发送给\s*(\S+)\s*说\s*(.+)`,
		`(?i)通知\s*(\S+)\s*说\s*(.+)`,
		`(?i)企业微信\s+发送给\s*(\S+)\s+说\s*(.+)`,
		`(?i)企业微信\s+(\S+)\s+说\s*(.+)`,
		`(?i)微信通知\s*(\S+)\s*(.+)`,
	}
	out := make([]Template, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Template{Pattern: regexp.MustCompile(p), Fields: notificationFields})
	}
	return out
}

// shortKeywords are terse aliases users type that the catalogue keyword
// sets do not contain.
var shortKeywords = map[string][]string{
	capability.WeeklyReport:       {"周报"},
	capability.DailyReport:        {"日报"},
	capability.LogAnalysis:        {"日志"},
	capability.PlatformMonitoring: {"性能监控"},
	capability.SystemInspection:   {"系统巡检"},
	capability.ApplyPurchases:     {"升级建议"},
}

// DefaultRules builds the fallback table: the notification rules first, then
// one keyword rule per catalogue entry in catalogue order.
func DefaultRules(catalogue []capability.Descriptor) []Rule {
	rules := []Rule{
		{
			Capability: capability.WechatNotification,
			Keywords:   []string{"企业微信", "微信", "发送", "通知", "推送", "消息"},
			Confidence: priorityConfidence,
			Reason:     "检测到企业微信通知相关关键词，解析接收人和消息内容",
			Templates:  notificationTemplates(),
			Defaults:   map[string]any{"to_user": "default_user", "content": "测试消息"},
		},
		{
			Capability: capability.MemoryApplyNotice,
			Keywords:   []string{"内存申请", "采购申请", "升级申请", "申请通知"},
			Confidence: priorityConfidence,
			Reason:     "检测到内存升级申请相关关键词",
		},
		{
			Capability: capability.MemoryResolvedNotice,
			Keywords:   []string{"内存恢复", "问题解决", "内存通知", "恢复通知", "解决通知"},
			Confidence: priorityConfidence,
			Reason:     "检测到内存问题解决通知相关关键词",
		},
	}
	for _, d := range catalogue {
		keywords := append(append([]string(nil), shortKeywords[d.Name]...), d.Keywords...)
		if len(keywords) == 0 {
			continue
		}
		rules = append(rules, Rule{
			Capability: d.Name,
			Keywords:   keywords,
			Confidence: keywordConfidence,
		})
	}
	return rules
}

// Fallback resolves text with the rule table alone. The result depends only
// on its inputs.
func Fallback(text string, rules []Rule, defaultCapability string) plan.Plan {
	capName, args, confidence, reason := defaultCapability, map[string]any{}, defaultConfidence, "未找到明确匹配，使用默认服务"
	for _, r := range rules {
		kw, ok := r.match(text)
		if !ok {
			continue
		}
		capName, args, confidence = r.Capability, r.arguments(text), r.Confidence
		reason = r.Reason
		if reason == "" {
			reason = fmt.Sprintf("基于关键词'%s'匹配到%s服务", kw, r.Capability)
		}
		break
	}
	return plan.Plan{
		Intent:            "智能兜底分析：" + text,
		MatchedCapability: capName,
		Confidence:        confidence,
		Source:            plan.SourceFallback,
		Steps: []plan.Step{{
			Capability:      capName,
			Parameters:      args,
			Order:           1,
			Rationale:       reason,
			RiskNote:        fallbackRisk,
			PerformanceNote: fallbackPerformance,
		}},
	}
}
