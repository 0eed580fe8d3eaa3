package pipeline

import (
	"errors"
	"fmt"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/plan"
)

// Stage is one row of the transition table.
type Stage struct {
	Label       string
	Capability  string
	Description string
	Requires    []string
	// Halt stops the run when the stage fails; otherwise a failure is
	// recorded and the run moves on.
	Halt bool
	// Final marks the stage whose decision ends the run.
	Final bool
	// Forward lists pipeline arguments passed through unchanged.
	Forward []string
	// HandOff copies an artifact field into the stage's arguments.
	HandOff *HandOff
	// Publish names the artifact the stage's result is stored under when the
	// result carries fields other stages hand off.
	Publish string
}

// HandOff reads Field of Artifact into argument Param.
type HandOff struct {
	Artifact string
	Field    string
	Param    string
}

// SystemArtifact is written by the system inspection stage and read by the
// per-host inspections.
const SystemArtifact = "system_inspection"

// Hand-off fields inside SystemArtifact.
const (
	FieldMemoryIPs = "abnormal_memory_ips"
	FieldDiskIPs   = "abnormal_disk_ips"
)

// DefaultStages is the hardware inspection flow.
func DefaultStages() []Stage {
	return []Stage{
		{
			Label:       "A",
			Capability:  capability.SystemInspection,
			Description: "系统巡检 - 查询数据库获取异常服务器列表",
			Halt:        true,
			Forward:     []string{"hours", "memory_threshold", "disk_threshold"},
			Publish:     SystemArtifact,
		},
		{
			Label:       "B",
			Capability:  capability.MemoryInspection,
			Description: "内存巡检 - SSH连接详细检查内存",
			Requires:    []string{capability.SystemInspection},
			HandOff:     &HandOff{Artifact: SystemArtifact, Field: FieldMemoryIPs, Param: "ip_list"},
		},
		{
			Label:       "C",
			Capability:  capability.DiskInspection,
			Description: "硬盘巡检 - SSH连接详细检查硬盘",
			Requires:    []string{capability.SystemInspection},
			HandOff:     &HandOff{Artifact: SystemArtifact, Field: FieldDiskIPs, Param: "ip_list"},
		},
		{
			Label:       "D",
			Capability:  capability.HardwareSummary,
			Description: "AI分析报告 - 生成智能分析报告",
			Requires:    []string{capability.MemoryInspection, capability.DiskInspection},
			Halt:        true,
		},
		{
			Label:       "E",
			Capability:  capability.ApplyPurchases,
			Description: "内存升级建议 - 生成内存升级建议",
			Requires:    []string{capability.HardwareSummary},
			Final:       true,
			Forward:     []string{"wait_for_approval"},
		},
	}
}

// Table evaluates the stage list against a run's history.
type Table struct {
	stages []Stage
	index  map[string]int
}

// NewTable validates stages. Prerequisites must name earlier stages, which
// guarantees the first unsettled stage is always ready.
func NewTable(stages []Stage) (*Table, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	t := &Table{stages: stages, index: make(map[string]int, len(stages))}
	for i, s := range stages {
		if s.Capability == "" {
			return nil, fmt.Errorf("stage %d has no capability", i)
		}
		if _, dup := t.index[s.Capability]; dup {
			return nil, fmt.Errorf("stage %q listed twice", s.Capability)
		}
		for _, req := range s.Requires {
			if _, ok := t.index[req]; !ok {
				return nil, fmt.Errorf("stage %q requires %q, which is not an earlier stage", s.Capability, req)
			}
		}
		t.index[s.Capability] = i
	}
	return t, nil
}

func (t *Table) Stages() []Stage { return t.stages }

// handOffFields lists the fields stages read from artifact name.
func (t *Table) handOffFields(name string) []string {
	var fields []string
	for _, s := range t.stages {
		if s.HandOff != nil && s.HandOff.Artifact == name {
			fields = append(fields, s.HandOff.Field)
		}
	}
	return fields
}

// handOffArtifacts lists every artifact some stage reads, once each.
func (t *Table) handOffArtifacts() []string {
	var names []string
	seen := make(map[string]bool)
	for _, s := range t.stages {
		if s.HandOff != nil && !seen[s.HandOff.Artifact] {
			seen[s.HandOff.Artifact] = true
			names = append(names, s.HandOff.Artifact)
		}
	}
	return names
}

// Stage looks up a stage by capability name.
func (t *Table) Stage(name string) (Stage, bool) {
	i, ok := t.index[name]
	if !ok {
		return Stage{}, false
	}
	return t.stages[i], true
}

// Verdict is the table's answer for the current state.
type Verdict struct {
	Done  bool
	Abort bool
	// Failed is the halting step when Abort is set.
	Failed *plan.StepResult
	Next   Stage
}

// Evaluate inspects the latest result per stage. A halting failure aborts;
// otherwise the first unsettled stage whose prerequisites are settled is
// next, and no such stage means the run is done.
func (t *Table) Evaluate(steps []plan.StepResult) Verdict {
	latest := t.latest(steps)
	for _, s := range t.stages {
		if st, ok := latest[s.Capability]; ok && !st.Succeeded() && s.Halt {
			return Verdict{Abort: true, Failed: &st}
		}
	}
	for _, s := range t.stages {
		if _, settled := latest[s.Capability]; settled {
			continue
		}
		if t.ready(s, latest) {
			return Verdict{Next: s}
		}
	}
	return Verdict{Done: true}
}

// Eligible reports whether name may run now.
func (t *Table) Eligible(name string, steps []plan.StepResult) bool {
	s, ok := t.Stage(name)
	if !ok {
		return false
	}
	latest := t.latest(steps)
	if _, settled := latest[name]; settled {
		return false
	}
	return t.ready(s, latest)
}

func (t *Table) ready(s Stage, latest map[string]plan.StepResult) bool {
	for _, req := range s.Requires {
		if _, ok := latest[req]; !ok {
			return false
		}
	}
	return true
}

func (t *Table) latest(steps []plan.StepResult) map[string]plan.StepResult {
	out := make(map[string]plan.StepResult, len(steps))
	for _, st := range steps {
		if _, ok := t.index[st.Step.Capability]; ok {
			out[st.Step.Capability] = st
		}
	}
	return out
}
