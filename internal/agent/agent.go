// ABOUTME: The agentic chat loop: stream model output, dispatch tool calls,
// ABOUTME: feed results back, repeat until a tool-free response or the cap.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/llm"
	"github.com/relaykit/relay-gateway/internal/mcp"
	"github.com/relaykit/relay-gateway/internal/store"
)

type Agent struct {
	provider      llm.Provider
	store         store.Store
	mcp           *mcp.Client
	maxIterations int
	logger        *slog.Logger
}

func New(provider llm.Provider, st store.Store, client *mcp.Client, cfg config.AgentConfig) *Agent {
	return &Agent{
		provider:      provider,
		store:         st,
		mcp:           client,
		maxIterations: cfg.MaxToolIterations,
		logger:        slog.Default().With("component", "agent"),
	}
}

// Turn is one chat request: the new user message, prior conversation
// history, and whether registry tools are bound for this turn.
type Turn struct {
	Message  string
	History  []llm.Message
	UseTools bool
}

// Run executes one chat turn: the caller-supplied history plus the new user
// message are sent to the model, tool calls are dispatched as they come
// back, and the final text is emitted through emit. Events arrive strictly
// in generation order; EventDone is always last on a successful turn.
//
// Model text is buffered per iteration rather than forwarded live: whether
// an iteration has a user-visible payload is only known once its stream
// ends, because a response that requests tools carries no visible text.
func (a *Agent) Run(ctx context.Context, turn Turn, emit EmitFunc) error {
	bound := &boundTools{}
	if turn.UseTools {
		var err error
		bound, err = a.resolveTools(ctx)
		if err != nil {
			return err
		}
	} else {
		bound.systemPrompt = buildSystemPrompt(nil, false)
	}

	messages := make([]llm.Message, 0, len(turn.History)+1)
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Message})

	for iteration := 0; ; iteration++ {
		var (
			text  strings.Builder
			calls []llm.ToolCall
		)
		req := llm.Request{System: bound.systemPrompt, Messages: messages, Tools: bound.defs}
		err := a.provider.Stream(ctx, req, func(chunk llm.Chunk) error {
			text.WriteString(chunk.Text)
			calls = append(calls, chunk.ToolCalls...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("model stream: %w", err)
		}

		if len(calls) == 0 || iteration >= a.maxIterations {
			if iteration >= a.maxIterations && len(calls) > 0 {
				a.logger.Warn("tool iteration cap reached", "iterations", iteration)
			}
			if text.Len() > 0 {
				if err := emit(Event{Type: EventContent, Text: text.String()}); err != nil {
					return err
				}
			}
			return emit(Event{Type: EventDone})
		}

		// The model asked for tools; this iteration's text is not shown.
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text.String(),
			ToolCalls: calls,
		})

		// Calls run one at a time, in the order the model issued them, so
		// the conversation record replays deterministically.
		for _, call := range calls {
			if err := emit(Event{Type: EventContent, Text: fmt.Sprintf(" [Using tool: %s]", call.Name)}); err != nil {
				return err
			}
			result := a.dispatch(ctx, bound, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, bound *boundTools, call llm.ToolCall) string {
	exec, ok := bound.executors[call.Name]
	if !ok {
		a.logger.Warn("model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Tool '%s' not found", call.Name)
	}
	a.logger.Info("dispatching tool", "tool", call.Name)
	result := exec(ctx, call.Arguments)
	if result == "" {
		return mcp.NoOutputText
	}
	return result
}
