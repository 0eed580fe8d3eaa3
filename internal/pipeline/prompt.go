package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type proposal struct {
	NextService    *string        `json:"next_service"`
	Reason         string         `json:"reason"`
	Params         map[string]any `json:"params"`
	ShouldContinue *bool          `json:"should_continue"`
	Message        string         `json:"message"`
}

func parseProposal(raw json.RawMessage) (proposal, error) {
	var p proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.ShouldContinue == nil {
		return p, errors.New("should_continue missing")
	}
	return p, nil
}

type stageView struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	StepOrder   int      `json:"step_order"`
	Requires    []string `json:"requires,omitempty"`
}

func (c *Controller) prompt(st *State) string {
	views := make([]stageView, 0, len(c.table.stages))
	for i, s := range c.table.stages {
		views = append(views, stageView{s.Capability, s.Description, i + 1, s.Requires})
	}
	stages, _ := json.MarshalIndent(views, "", "  ")

	executed := make([]string, 0, len(st.Steps))
	for _, r := range st.Steps {
		executed = append(executed, r.Step.Capability)
	}

	var sb strings.Builder
	sb.WriteString(c.rules.PromptSection())
	sb.WriteString("当前硬件巡检流程状态:\n")
	fmt.Fprintf(&sb, "- 当前步骤: %d / %d\n", st.Iteration, st.MaxIterations)
	fmt.Fprintf(&sb, "- 已执行的服务: [%s]\n\n", strings.Join(executed, ", "))

	if len(st.Steps) > 0 {
		sb.WriteString("已执行结果:\n")
		for _, r := range st.Steps {
			body := r.Outcome.ErrorText()
			if r.Succeeded() {
				raw, err := json.Marshal(r.Outcome.Data)
				if err != nil {
					body = fmt.Sprint(r.Outcome.Data)
				} else {
					body = string(raw)
				}
			}
			sb.WriteString(c.guard.Wrap(r.Step.Capability, r.Succeeded(), body))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("可用的流程服务:\n")
	sb.Write(stages)
	sb.WriteString("\n\n")
	sb.WriteString("请决定下一步执行哪个服务。服务只能在其 requires 全部执行过之后运行，已执行的服务不能重复执行。\n")
	sb.WriteString("最后一个服务完成后返回 should_continue: false 结束流程。\n")
	sb.WriteString("只返回如下JSON:\n")
	sb.WriteString(`{"next_service": "服务名称或null", "reason": "选择原因", "params": {}, "should_continue": true, "message": "给用户的消息"}`)
	sb.WriteString("\n")
	return sb.String()
}
