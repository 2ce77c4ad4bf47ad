// File: internal/agent/memory.go
package agent

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

// RunMemory is the full record of one agent run: the objective, every step
// attempt in order, and the terminal verdict. It is created at run start,
// mutated only by the orchestrator, and immutable once the run ends.
type RunMemory struct {
	RunID     string               `json:"run_id"`
	Objective string               `json:"objective"`
	StepIndex int                  `json:"step_index"`
	History   []schemas.StepRecord `json:"history"`
	Success   bool                 `json:"success"`
	LastError string               `json:"last_error,omitempty"`
}

// NewRunMemory starts an empty memory for the given objective.
func NewRunMemory(objective string) *RunMemory {
	return &RunMemory{
		RunID:     uuid.NewString(),
		Objective: objective,
	}
}

// Push appends one step attempt to the history.
func (m *RunMemory) Push(record schemas.StepRecord) {
	m.History = append(m.History, record)
}

// MarkLastDOMChanged attaches the post-action diff verdict to the most
// recent history entry. No-op on an empty history.
func (m *RunMemory) MarkLastDOMChanged(changed bool) {
	if len(m.History) == 0 {
		return
	}
	m.History[len(m.History)-1].DOMChanged = &changed
}

// WriteTo dumps the memory as indented JSON into dir, named after the run
// id, and returns the file path.
func (m *RunMemory) WriteTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "run-"+m.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
