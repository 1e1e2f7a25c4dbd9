package adapter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// blockState tracks one streamed content block.
type blockState int

const (
	blockAccumulating blockState = iota
	blockClosed
	blockParsed
	blockParseFailed
)

func (s blockState) String() string {
	switch s {
	case blockAccumulating:
		return "accumulating"
	case blockClosed:
		return "closed"
	case blockParsed:
		return "parsed"
	case blockParseFailed:
		return "parse_failed"
	default:
		return "unknown"
	}
}

// ToolInputError reports a tool_use block whose streamed input was not valid
// JSON. The block keeps the raw text as a JSON string.
type ToolInputError struct {
	Index int64
	Raw   string
	Err   error
}

func (e *ToolInputError) Error() string {
	return fmt.Sprintf("block %d: invalid tool input: %v", e.Index, e.Err)
}

func (e *ToolInputError) Unwrap() error { return e.Err }

type block struct {
	kind  models.FragmentType
	id    string
	name  string
	text  strings.Builder
	args  strings.Builder
	state blockState
	input json.RawMessage
}

// Assembler rebuilds the content of a streamed model response. Blocks are
// keyed by their stream index; deltas for one index never touch another.
type Assembler struct {
	blocks map[int64]*block
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{blocks: make(map[int64]*block)}
}

// Start opens the block at index. Block kinds other than text and tool_use
// are tracked but never rendered.
func (a *Assembler) Start(index int64, kind, id, name, text string) error {
	if _, exists := a.blocks[index]; exists {
		return fmt.Errorf("block %d already started", index)
	}
	b := &block{kind: models.FragmentType(kind), id: id, name: name}
	b.text.WriteString(text)
	a.blocks[index] = b
	return nil
}

// AppendText adds a text delta to the block at index.
func (a *Assembler) AppendText(index int64, text string) error {
	b, err := a.open(index)
	if err != nil {
		return err
	}
	b.text.WriteString(text)
	return nil
}

// AppendJSON adds a partial tool input delta to the block at index.
func (a *Assembler) AppendJSON(index int64, partial string) error {
	b, err := a.open(index)
	if err != nil {
		return err
	}
	b.args.WriteString(partial)
	return nil
}

func (a *Assembler) open(index int64) (*block, error) {
	b, ok := a.blocks[index]
	if !ok {
		return nil, fmt.Errorf("block %d not started", index)
	}
	if b.state != blockAccumulating {
		return nil, fmt.Errorf("block %d is %s", index, b.state)
	}
	return b, nil
}

// Stop closes the block at index. A tool_use block's input is parsed exactly
// once here; a parse failure returns *ToolInputError and the block keeps the
// raw input as a JSON string.
func (a *Assembler) Stop(index int64) error {
	b, ok := a.blocks[index]
	if !ok {
		return fmt.Errorf("block %d not started", index)
	}
	if b.state != blockAccumulating {
		return nil
	}
	b.state = blockClosed

	if b.kind != models.FragmentToolUse {
		return nil
	}

	raw := b.args.String()
	if strings.TrimSpace(raw) == "" {
		b.input = json.RawMessage(`{}`)
		b.state = blockParsed
		return nil
	}

	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		quoted, _ := json.Marshal(raw)
		b.input = quoted
		b.state = blockParseFailed
		return &ToolInputError{Index: index, Raw: raw, Err: err}
	}
	b.input = json.RawMessage(raw)
	b.state = blockParsed
	return nil
}

// Fragments returns the assembled content in index order. Blocks that were
// never stopped are closed first; their parse errors are returned alongside
// the content.
func (a *Assembler) Fragments() ([]models.ContentFragment, []error) {
	indexes := make([]int64, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	var errs []error
	content := make([]models.ContentFragment, 0, len(indexes))
	for _, i := range indexes {
		if err := a.Stop(i); err != nil {
			errs = append(errs, err)
		}
		b := a.blocks[i]
		switch b.kind {
		case models.FragmentText:
			content = append(content, models.ContentFragment{Type: models.FragmentText, Text: b.text.String()})
		case models.FragmentToolUse:
			content = append(content, models.ContentFragment{
				Type:  models.FragmentToolUse,
				ID:    b.id,
				Name:  b.name,
				Input: b.input,
			})
		}
	}
	return content, errs
}

// state returns the state of the block at index, for tests.
func (a *Assembler) state(index int64) (blockState, bool) {
	b, ok := a.blocks[index]
	if !ok {
		return 0, false
	}
	return b.state, true
}
