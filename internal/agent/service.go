package agent

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/metrics"
)

// Service answers questions through a Runner.
type Service struct {
	runner *Runner
	log    ConversationLogger
}

// NewService creates a new agent service. A nil logger disables
// conversation logging.
func NewService(runner *Runner, log ConversationLogger) *Service {
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Service{runner: runner, log: log}
}

// Run wraps query as a single user message and returns the agent's events.
func (s *Service) Run(ctx context.Context, userID, sessionID, query string) iter.Seq2[*domain.Event, error] {
	return s.runner.Run(ctx, userID, sessionID, domain.NewTextContent(domain.RoleUser, query))
}

// Ask runs the agent once and returns the text of the last final-response
// event. No final event, or one without text, yields "" and no error.
func (s *Service) Ask(ctx context.Context, userID, sessionID, query string) (string, error) {
	return s.AskStream(ctx, userID, sessionID, query, nil)
}

// AskStream is Ask with a callback invoked for every event as it is
// produced. A callback error aborts the run.
func (s *Service) AskStream(ctx context.Context, userID, sessionID, query string, onEvent func(*domain.Event) error) (string, error) {
	start := time.Now()
	s.logMessage(userID, sessionID, "outbound", "ask_user_message", query, nil)

	final := ""
	events := 0
	for ev, err := range s.Run(ctx, userID, sessionID, query) {
		if err != nil {
			metrics.ObserveAsk(err, time.Since(start))
			slog.Error("Agent run failed", "user_id", userID, "session_id", sessionID, "error", err)
			s.logMessage(userID, sessionID, "inbound", "ask_error", err.Error(), map[string]any{"events": events})
			return "", err
		}
		events++
		if ev.IsFinalResponse() {
			// Every non-thought text part counts, not just the first one.
			final = ev.Content.Text()
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				metrics.ObserveAsk(err, time.Since(start))
				return "", err
			}
		}
	}

	metrics.ObserveAsk(nil, time.Since(start))
	slog.Info("Agent answered", "user_id", userID, "session_id", sessionID,
		"events", events, "answer_length", len(final), "duration", time.Since(start).String())
	s.logMessage(userID, sessionID, "inbound", "ask_assistant_message", final, map[string]any{"events": events})
	return final, nil
}

func (s *Service) logMessage(userID, sessionID, direction, eventType, raw string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "ask",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: raw,
		Meta:       meta,
	})
}

// Close releases resources.
func (s *Service) Close() error {
	return s.log.Close()
}
