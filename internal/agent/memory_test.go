// File: internal/agent/memory_test.go
package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

func TestRunMemoryPushAndMark(t *testing.T) {
	memory := NewRunMemory("objective")
	assert.NotEmpty(t, memory.RunID)

	// Marking with no history is a no-op.
	memory.MarkLastDOMChanged(true)
	assert.Empty(t, memory.History)

	memory.Push(schemas.StepRecord{Step: 0, Attempt: 1})
	memory.Push(schemas.StepRecord{Step: 0, Attempt: 2})
	memory.MarkLastDOMChanged(false)

	require.Len(t, memory.History, 2)
	assert.Nil(t, memory.History[0].DOMChanged)
	require.NotNil(t, memory.History[1].DOMChanged)
	assert.False(t, *memory.History[1].DOMChanged)
}

func TestRunMemoryWriteTo(t *testing.T) {
	dir := t.TempDir()
	memory := NewRunMemory("persist me")
	memory.Push(schemas.StepRecord{Step: 0, Attempt: 1, Outcome: schemas.Outcome{Success: true}})
	memory.Success = true

	path, err := memory.WriteTo(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"persist me"`)
	assert.Contains(t, string(data), memory.RunID)
}
