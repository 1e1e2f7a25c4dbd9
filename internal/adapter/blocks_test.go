package adapter

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

func TestAssembler_InterleavedBlocks(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Start(0, "text", "", "", "Hel"))
	require.NoError(t, a.Start(1, "tool_use", "toolu_1", "orchestrate_execution", ""))

	require.NoError(t, a.AppendJSON(1, `{"steps":`))
	require.NoError(t, a.AppendText(0, "lo"))
	require.NoError(t, a.AppendJSON(1, `[]}`))
	require.NoError(t, a.Stop(1))
	require.NoError(t, a.Stop(0))

	content, errs := a.Fragments()
	require.Empty(t, errs)
	require.Len(t, content, 2)

	assert.Equal(t, models.ContentFragment{Type: models.FragmentText, Text: "Hello"}, content[0])
	assert.Equal(t, models.FragmentToolUse, content[1].Type)
	assert.Equal(t, "toolu_1", content[1].ID)
	assert.Equal(t, "orchestrate_execution", content[1].Name)
	assert.JSONEq(t, `{"steps":[]}`, string(content[1].Input))
}

func TestAssembler_ParseFailureKeepsRawString(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Start(0, "tool_use", "toolu_1", "orchestrate_execution", ""))
	require.NoError(t, a.AppendJSON(0, `{"steps": [`))

	err := a.Stop(0)
	var inputErr *ToolInputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, int64(0), inputErr.Index)

	state, ok := a.state(0)
	require.True(t, ok)
	assert.Equal(t, blockParseFailed, state)

	content, errs := a.Fragments()
	assert.Empty(t, errs, "a block is parsed only once")
	var raw string
	require.NoError(t, json.Unmarshal(content[0].Input, &raw))
	assert.Equal(t, `{"steps": [`, raw)
}

func TestAssembler_EmptyToolInput(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Start(0, "tool_use", "toolu_1", "noop", ""))
	require.NoError(t, a.Stop(0))

	state, _ := a.state(0)
	assert.Equal(t, blockParsed, state)

	content, _ := a.Fragments()
	assert.JSONEq(t, `{}`, string(content[0].Input))
}

func TestAssembler_DeltaAfterStop(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Start(0, "text", "", "", ""))
	require.NoError(t, a.Stop(0))

	assert.Error(t, a.AppendText(0, "late"))
	assert.Error(t, a.AppendText(7, "unknown"))
	assert.Error(t, a.Start(0, "text", "", "", ""))

	state, _ := a.state(0)
	assert.Equal(t, blockClosed, state)
}

func TestAssembler_FragmentsClosesOpenBlocks(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Start(2, "tool_use", "toolu_2", "t", ""))
	require.NoError(t, a.AppendJSON(2, `{"a":1}`))
	require.NoError(t, a.Start(0, "text", "", "", "first"))
	require.NoError(t, a.Start(1, "thinking", "", "", ""))

	content, errs := a.Fragments()
	require.Empty(t, errs)
	require.Len(t, content, 2, "unrendered block kinds are dropped")
	assert.Equal(t, "first", content[0].Text)
	assert.JSONEq(t, `{"a":1}`, string(content[1].Input))

	state, _ := a.state(2)
	assert.Equal(t, blockParsed, state)
}
