// File: internal/llmutil/parser_test.go
package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	Action   string `json:"action"`
	Selector string `json:"selector"`
}

func TestParseJSONResponsePlainObject(t *testing.T) {
	got, err := ParseJSONResponse[decision](`{"action":"click","selector":"#go"}`)
	require.NoError(t, err)
	assert.Equal(t, "click", got.Action)
	assert.Equal(t, "#go", got.Selector)
}

func TestParseJSONResponseMarkdownFence(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\":\"type\",\"selector\":\"search\"}\n```\nDone."
	got, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "type", got.Action)
}

func TestParseJSONResponseConversationalPadding(t *testing.T) {
	raw := `Sure! The next step should be {"action":"navigate","selector":""} as discussed.`
	got, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "navigate", got.Action)
}

func TestParseJSONResponseNoObject(t *testing.T) {
	_, err := ParseJSONResponse[decision]("no structured content here")
	assert.Error(t, err)

	_, err = ParseJSONResponse[decision]("")
	assert.Error(t, err)
}
