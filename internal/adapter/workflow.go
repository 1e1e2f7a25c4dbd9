package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/coswise/claude-code-by-agents/internal/api"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// Planner streams one planning call. *api.Client implements it.
type Planner interface {
	StreamMessage(ctx context.Context, req api.MessageRequest) *ssestream.Stream[anthropic.MessageStreamEventUnion]
	Model() anthropic.Model
	Tracker() *api.TokenTracker
}

// Workflow asks the model to split a request into a plan over the worker
// agents. It emits a synthetic init event, then one assembled assistant
// message once the model's response is complete.
type Workflow struct {
	base
	planner Planner
	now     func() time.Time
}

// NewWorkflow creates a Workflow adapter.
func NewWorkflow(deps Deps, planner Planner) *Workflow {
	return &Workflow{
		base:    newBase("orchestrator", deps),
		planner: planner,
		now:     time.Now,
	}
}

// Execute runs one planning call.
func (w *Workflow) Execute(ctx context.Context, call Call) <-chan models.StreamEvent {
	return w.run(ctx, call, func(ctx context.Context, emit emitFunc) error {
		return w.execute(ctx, call, emit)
	})
}

// SystemPrompt renders the orchestrator instructions for workers.
func SystemPrompt(workers models.Roster) string {
	var b strings.Builder
	b.WriteString("You are the Orchestrator agent. Break user requests into steps where each agent saves its results to a plain text file and the next agent reads from that file.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. Each agent saves results to the specified output_file path\n")
	b.WriteString("2. Tell subsequent agents exactly which file to read from\n")
	b.WriteString("3. Use simple absolute paths like \"/tmp/step1_results.txt\", \"/tmp/step2_results.txt\"\n")
	b.WriteString("4. List a step's prerequisites in dependencies; steps without dependencies may run in parallel\n\n")
	b.WriteString("Available Agents:\n")
	for _, a := range workers {
		fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Description)
	}
	b.WriteString("\nAlways use the ")
	b.WriteString(models.PlanToolName)
	b.WriteString(" tool to create step-by-step plans.")
	return b.String()
}

func (w *Workflow) sessionID(req models.ChatRequest) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return fmt.Sprintf("anthropic-%d", w.now().UnixMilli())
}

func (w *Workflow) execute(ctx context.Context, call Call, emit emitFunc) error {
	if w.planner == nil {
		return fmt.Errorf("orchestrator is not configured: no Anthropic client")
	}

	sessionID := w.sessionID(call.Request)
	model := string(w.planner.Model())

	initEv, err := models.NewDataEvent(models.Payload{
		Type:      models.PayloadSystem,
		Subtype:   models.SubtypeInit,
		SessionID: sessionID,
		Model:     model,
		Tools:     []string{models.PlanToolName},
	})
	if err != nil {
		return err
	}
	emit(initEv)

	s := w.planner.StreamMessage(ctx, api.MessageRequest{
		System: SystemPrompt(call.Workers),
		Prompt: call.Request.Message,
		Tools:  []anthropic.ToolUnionParam{api.PlanTool(call.Workers.IDs())},
	})
	defer s.Close()

	asm := NewAssembler()
	msg := models.AssistantMessage{
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: &models.Usage{},
	}
	logger := w.logger.With("request_id", call.Request.RequestID)

	for s.Next() {
		event := s.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			msg.ID = start.Message.ID
			if start.Message.Model != "" {
				msg.Model = string(start.Message.Model)
			}
			msg.Usage.InputTokens = start.Message.Usage.InputTokens
			msg.Usage.OutputTokens = start.Message.Usage.OutputTokens

		case "content_block_start":
			start := event.AsContentBlockStart()
			cb := start.ContentBlock
			if err := asm.Start(start.Index, string(cb.Type), cb.ID, cb.Name, cb.Text); err != nil {
				logger.Warn("unexpected content block", "error", err)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			var err error
			switch delta.Delta.Type {
			case "text_delta":
				err = asm.AppendText(delta.Index, delta.Delta.Text)
			case "input_json_delta":
				err = asm.AppendJSON(delta.Index, delta.Delta.PartialJSON)
			}
			if err != nil {
				logger.Warn("dropping content delta", "error", err)
			}

		case "content_block_stop":
			if err := asm.Stop(event.AsContentBlockStop().Index); err != nil {
				logger.Warn("content block closed with errors", "error", err)
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			msg.StopReason = string(delta.Delta.StopReason)
			if delta.Delta.StopSequence != "" {
				seq := delta.Delta.StopSequence
				msg.StopSequence = &seq
			}
			if delta.Usage.OutputTokens > 0 {
				msg.Usage.OutputTokens = delta.Usage.OutputTokens
			}

		case "message_stop":
			content, errs := asm.Fragments()
			for _, err := range errs {
				logger.Warn("content block closed with errors", "error", err)
			}
			msg.Content = content

			if tr := w.planner.Tracker(); tr != nil {
				tr.Add(msg.Usage.InputTokens, msg.Usage.OutputTokens)
			}
			w.metrics.TokensUsed(msg.Model, msg.Usage.InputTokens, msg.Usage.OutputTokens)

			ev, err := models.NewDataEvent(models.Payload{
				Type:      models.PayloadAssistant,
				Message:   &msg,
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}
			emit(ev)
			return nil
		}
	}

	if err := s.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("anthropic stream: %w", err)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return fmt.Errorf("anthropic stream ended before message_stop")
}
