package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepDetail is the report view of one result.
type StepDetail struct {
	Index           int       `json:"index"`
	Capability      string    `json:"capability"`
	Success         bool      `json:"success"`
	Rationale       string    `json:"rationale,omitempty"`
	RiskNote        string    `json:"risk_note,omitempty"`
	PerformanceNote string    `json:"performance_note,omitempty"`
	Data            any       `json:"data,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Summary aggregates a result sequence.
type Summary struct {
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	SuccessRate float64      `json:"success_rate"`
	Steps       []StepDetail `json:"steps"`
}

// Summarize is a pure function of results.
func Summarize(results []StepResult) Summary {
	s := Summary{Total: len(results), Steps: make([]StepDetail, 0, len(results))}
	for i, r := range results {
		d := StepDetail{
			Index:           i + 1,
			Capability:      r.Step.Capability,
			Success:         r.Outcome.Success,
			Rationale:       r.Step.Rationale,
			RiskNote:        r.Step.RiskNote,
			PerformanceNote: r.Step.PerformanceNote,
			Timestamp:       r.Timestamp,
		}
		if r.Outcome.Success {
			s.Succeeded++
			d.Data = r.Outcome.Data
		} else {
			s.Failed++
			d.Error = r.Outcome.ErrorText()
		}
		s.Steps = append(s.Steps, d)
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}

// maxDataChars limits how much of a payload is printed inline.
const maxDataChars = 600

// RenderMarkdown formats a summary as the operator-facing report. It reads
// nothing but s, so the same summary always renders the same text.
func RenderMarkdown(s Summary) string {
	var sb strings.Builder
	sb.WriteString("# 运维任务执行报告\n\n")
	fmt.Fprintf(&sb, "- **任务总数**: %d\n", s.Total)
	fmt.Fprintf(&sb, "- **成功任务**: %d\n", s.Succeeded)
	fmt.Fprintf(&sb, "- **失败任务**: %d\n", s.Failed)
	fmt.Fprintf(&sb, "- **成功率**: %.1f%%\n\n", s.SuccessRate*100)

	if len(s.Steps) == 0 {
		sb.WriteString("没有执行任何步骤。\n")
		return sb.String()
	}

	sb.WriteString("## 详细执行结果\n\n")
	for _, d := range s.Steps {
		status := "✅ 执行成功"
		if !d.Success {
			status = "❌ 执行失败"
		}
		fmt.Fprintf(&sb, "### %d. %s %s\n\n", d.Index, d.Capability, status)
		writeField(&sb, "执行原因", d.Rationale)
		writeField(&sb, "风险评估", d.RiskNote)
		writeField(&sb, "性能影响", d.PerformanceNote)
		if !d.Timestamp.IsZero() {
			writeField(&sb, "完成时间", d.Timestamp.Format("2006-01-02 15:04:05"))
		}
		if d.Success {
			writeField(&sb, "执行结果", describeData(d.Data))
		} else {
			writeField(&sb, "错误信息", d.Error)
		}
		sb.WriteString("---\n\n")
	}
	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "**%s**: %s\n\n", label, value)
}

// describeData prefers a payload's own message field and falls back to
// compact JSON.
func describeData(data any) string {
	if m, ok := data.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
		if len(m) == 0 {
			return "任务执行完成"
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	out := string(raw)
	if r := []rune(out); len(r) > maxDataChars {
		out = string(r[:maxDataChars]) + "…"
	}
	return "`" + out + "`"
}
