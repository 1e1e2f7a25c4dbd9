package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/client"
	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/roster"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// abortTimeout bounds the abort request sent on Ctrl-C.
const abortTimeout = 5 * time.Second

var (
	chatAgent       string
	chatDir         string
	chatSession     string
	chatRequestID   string
	chatTools       []string
	chatExecutePlan bool
	chatDirect      bool
	chatRaw         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to an agent and stream the reply",
	Long: `Send one message through a running hub and render the streamed reply.

Without --agent or --dir the message goes to the orchestrator, which answers
with an execution plan. Mention a single agent (e.g. "@api fix the tests") to
have the orchestrator relay the message to that agent instead.

With --execute-plan a plan returned by the orchestrator is executed right
away, by the hub (default) or, with --direct, by posting every step to its
agent's own endpoint from this process.

Press Ctrl-C to abort the request on the hub.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatAgent, "agent", "a", "", "Target agent id from the roster")
	chatCmd.Flags().StringVarP(&chatDir, "dir", "d", "", "Target working directory")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Resume this upstream session")
	chatCmd.Flags().StringVar(&chatRequestID, "request-id", "", "Request id (default: random)")
	chatCmd.Flags().StringSliceVar(&chatTools, "allowed-tools", nil, "Tools a local agent may use")
	chatCmd.Flags().BoolVar(&chatExecutePlan, "execute-plan", false, "Execute a returned plan")
	chatCmd.Flags().BoolVar(&chatDirect, "direct", false, "Execute the plan against agent endpoints instead of the hub")
	chatCmd.Flags().BoolVar(&chatRaw, "raw", false, "Print the raw NDJSON events instead of rendering them")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	agents, err := loadRoster(cfg)
	if err != nil {
		return err
	}

	dir, key, err := chatTarget(cfg, agents)
	if err != nil {
		return err
	}

	requestID := chatRequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := models.ChatRequest{
		Message:          strings.Join(args, " "),
		SessionID:        chatSession,
		RequestID:        requestID,
		WorkingDirectory: dir,
		AvailableAgents:  agents,
		AllowedTools:     chatTools,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := client.New(hubURL(cfg), client.WithLogger(logger))
	out := newRenderer(os.Stdout)
	sessions := session.NewStore()
	sessions.AppendUser(key, requestID, req.Message)

	show := func(ev models.StreamEvent) { out.event("", ev) }
	if chatRaw {
		show = newStreamPrinter()
	}

	var plan []*models.ExecutionStep
	terminal, err := hub.Collect(ctx, req, func(ev models.StreamEvent) {
		for _, m := range sessions.Apply(key, requestID, ev) {
			if m.Kind == models.MessagePlan {
				plan = m.Steps
			}
		}
		show(ev)
	})
	if errors.Is(err, context.Canceled) {
		abortRemote(hub, requestID)
		return nil
	}
	if err != nil {
		return err
	}
	if terminal == nil {
		return fmt.Errorf("stream ended without a terminal event")
	}

	if token := sessions.Token(key); token != "" {
		fmt.Println(systemColor.Sprintf("session: %s (continue with --session %s)", token, token))
	}
	if terminal.Type == models.EventError {
		return errors.New(terminal.Error)
	}

	if len(plan) == 0 || !chatExecutePlan {
		return nil
	}
	return executePlan(ctx, cfg, logger, hub, plan, agents, sessions, chatDirect)
}

// chatTarget resolves the working directory and session key of the chat.
func chatTarget(cfg *config.Config, agents models.Roster) (dir, key string, err error) {
	switch {
	case chatDir != "":
		if a, ok := agents.FindByDirectory(chatDir); ok {
			return chatDir, a.ID, nil
		}
		return chatDir, chatDir, nil
	case chatAgent != "":
		a, ok := agents.Find(chatAgent)
		if !ok {
			return "", "", fmt.Errorf("agent %q is not in the roster", chatAgent)
		}
		if a.IsOrchestrator {
			return cfg.Router.OrchestratorDir, session.GroupID, nil
		}
		return a.WorkingDirectory, a.ID, nil
	default:
		return cfg.Router.OrchestratorDir, session.GroupID, nil
	}
}

// abortRemote asks the hub to cancel requestID.
func abortRemote(hub *client.Client, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	aborted, err := hub.Abort(ctx, requestID)
	switch {
	case err != nil:
		fmt.Fprintln(os.Stderr, errorColor.Sprintf("abort failed: %v", err))
	case aborted:
		fmt.Println(abortColor.Sprintf("Request %s aborted", requestID))
	default:
		fmt.Println(systemColor.Sprintf("Request %s had already finished", requestID))
	}
}

// loadRoster reads the configured roster file. No file means no roster.
func loadRoster(cfg *config.Config) (models.Roster, error) {
	if cfg.Roster.Path == "" {
		return nil, nil
	}
	return roster.Load(cfg.Roster.Path)
}

// newStreamPrinter returns a callback printing raw NDJSON events.
func newStreamPrinter() func(models.StreamEvent) {
	enc := stream.NewEncoder(os.Stdout)
	return func(ev models.StreamEvent) { _ = enc.Encode(ev) }
}
