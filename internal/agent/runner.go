package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/metrics"
	"github.com/ashureev/bqagent/internal/session"
	"github.com/ashureev/bqagent/internal/store"
)

// ErrMaxTurns is returned when the model keeps requesting tools past the
// configured number of turns.
var ErrMaxTurns = errors.New("agent exceeded the model turn limit")

// RunnerConfig bounds a single run.
type RunnerConfig struct {
	AppName         string
	MaxModelTurns   int
	MaxHistoryTurns int
}

// Runner drives the model/tool loop for one session at a time.
type Runner struct {
	agent *Agent
	model Model
	repo  store.Repository
	locks *session.Locker
	cfg   RunnerConfig
	log   ConversationLogger

	newID func() string
	now   func() time.Time
}

// NewRunner wires an agent to its model and session store.
func NewRunner(a *Agent, model Model, repo store.Repository, locks *session.Locker, cfg RunnerConfig, log ConversationLogger) *Runner {
	if cfg.MaxModelTurns <= 0 {
		cfg.MaxModelTurns = 8
	}
	if locks == nil {
		locks = session.NewLocker()
	}
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Runner{
		agent: a,
		model: model,
		repo:  repo,
		locks: locks,
		cfg:   cfg,
		log:   log,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Agent returns the agent the runner drives.
func (r *Runner) Agent() *Agent {
	return r.agent
}

// Run appends msg to the session and yields every event the agent produces,
// in order, until the model answers without requesting tools. Events are
// persisted before they are yielded. Runs on the same session are
// serialized.
func (r *Runner) Run(ctx context.Context, userID, sessionID string, msg *domain.Content) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		key := domain.SessionKey{AppName: r.cfg.AppName, UserID: userID, SessionID: sessionID}

		unlock, err := r.locks.Lock(ctx, key)
		if err != nil {
			yield(nil, err)
			return
		}
		defer unlock()

		sess, err := r.repo.GetSession(ctx, key)
		if err != nil {
			yield(nil, fmt.Errorf("load session: %w", err))
			return
		}
		if sess == nil {
			yield(nil, fmt.Errorf("session %s: %w", key, domain.ErrSessionNotFound))
			return
		}

		invocationID := "e-" + r.newID()
		logger := slog.With("app_name", key.AppName, "user_id", userID, "session_id", sessionID, "invocation_id", invocationID)

		msg.Role = domain.RoleUser
		if err := r.appendEvent(ctx, sess, &domain.Event{
			InvocationID: invocationID,
			Author:       domain.AuthorUser,
			Content:      msg,
		}); err != nil {
			yield(nil, err)
			return
		}

		instruction := InjectState(r.agent.Instruction, sess.State)
		decls := make([]ToolDeclaration, 0, len(r.agent.Tools))
		for _, t := range r.agent.Tools {
			decls = append(decls, t.Declaration())
		}

		for turn := 1; turn <= r.cfg.MaxModelTurns; turn++ {
			start := time.Now()
			resp, err := r.model.Generate(ctx, &ModelRequest{
				Model:             r.agent.Model,
				SystemInstruction: instruction,
				Contents:          historyContents(sess.Events, r.cfg.MaxHistoryTurns),
				Tools:             decls,
			})
			metrics.ObserveModelCall(err, time.Since(start))
			if err != nil {
				logger.Error("Model call failed", "turn", turn, "error", err)
				yield(nil, fmt.Errorf("model call: %w", err))
				return
			}
			logger.Debug("Model turn complete", "turn", turn, "finish_reason", resp.FinishReason,
				"prompt_tokens", resp.Usage.PromptTokens, "response_tokens", resp.Usage.ResponseTokens)

			content := resp.Content
			if content == nil {
				content = &domain.Content{}
			}
			content.Role = domain.RoleModel
			for _, call := range content.FunctionCalls() {
				if call.ID == "" {
					call.ID = "call-" + r.newID()
				}
			}

			modelEvent := &domain.Event{InvocationID: invocationID, Author: r.agent.Name, Content: content}
			if err := r.appendEvent(ctx, sess, modelEvent); err != nil {
				yield(nil, err)
				return
			}
			if !yield(modelEvent, nil) {
				return
			}

			calls := content.FunctionCalls()
			if len(calls) == 0 {
				return
			}

			toolEvent := &domain.Event{
				InvocationID: invocationID,
				Author:       r.agent.Name,
				Content:      r.runTools(ctx, logger, key, calls),
			}
			// The responses are stored even when ctx ended mid-call so the
			// history never holds a function call without its answer.
			if err := r.appendEvent(context.WithoutCancel(ctx), sess, toolEvent); err != nil {
				yield(nil, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(toolEvent, nil) {
				return
			}
		}

		logger.Warn("Model turn limit reached", "max_model_turns", r.cfg.MaxModelTurns)
		yield(nil, ErrMaxTurns)
	}
}

func (r *Runner) appendEvent(ctx context.Context, sess *domain.Session, event *domain.Event) error {
	if event.ID == "" {
		event.ID = r.newID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.repo.AppendEvent(ctx, sess.Key(), event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	sess.Events = append(sess.Events, event)
	return nil
}

// runTools executes the requested calls in order. Failures become error
// results for the model rather than run errors.
func (r *Runner) runTools(ctx context.Context, logger *slog.Logger, key domain.SessionKey, calls []*domain.FunctionCall) *domain.Content {
	content := &domain.Content{Role: domain.RoleUser}
	for _, call := range calls {
		var result map[string]any
		tool := r.agent.Tool(call.Name)
		var err error
		if tool == nil {
			err = fmt.Errorf("unknown tool %q", call.Name)
		} else {
			result, err = tool.Run(ctx, call.Args)
		}
		metrics.ObserveToolCall(call.Name, err)
		if err != nil {
			logger.Warn("Tool call failed", "tool", call.Name, "error", err)
			result = ErrorResult(err)
		}

		query, _ := call.Args["query"].(string)
		r.log.Log(ConversationLogEvent{
			UserID:     key.UserID,
			SessionID:  key.SessionID,
			Channel:    "agent_tool",
			Direction:  "internal",
			EventType:  "tool_call",
			ContentRaw: query,
			Meta: map[string]any{
				"tool":   call.Name,
				"status": result["status"],
			},
		})

		content.Parts = append(content.Parts, &domain.Part{FunctionResponse: &domain.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: result,
		}})
	}
	return content
}

// historyContents returns the contents sent to the model: every usable event
// from the start of the maxTurns-th most recent user turn.
func historyContents(events []*domain.Event, maxTurns int) []*domain.Content {
	start := 0
	if maxTurns > 0 {
		seen := 0
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Author == domain.AuthorUser {
				seen++
				if seen == maxTurns {
					start = i
					break
				}
			}
		}
	}

	usable := make([]*domain.Content, 0, len(events)-start)
	for _, e := range events[start:] {
		if e.Content == nil || e.Partial || e.ErrorMessage != "" || len(e.Content.Parts) == 0 {
			continue
		}
		usable = append(usable, e.Content)
	}

	// A function call must be followed by its responses; calls left
	// unanswered by an aborted run are dropped, as are orphan responses.
	contents := make([]*domain.Content, 0, len(usable))
	for i := 0; i < len(usable); i++ {
		c := usable[i]
		switch {
		case len(c.FunctionCalls()) > 0:
			if i+1 < len(usable) && len(usable[i+1].FunctionResponses()) > 0 {
				contents = append(contents, c, usable[i+1])
				i++
			}
		case len(c.FunctionResponses()) > 0:
		default:
			contents = append(contents, c)
		}
	}
	return contents
}
