package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/bqagent/internal/api"
	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// errorPrefix is prepended to every agent failure reported to clients.
const errorPrefix = "Agent error: "

// Asker answers one question on a session, reporting events as they occur.
type Asker interface {
	AskStream(ctx context.Context, userID, sessionID, query string, onEvent func(*domain.Event) error) (string, error)
}

// HandlerConfig tunes the agent HTTP handler.
type HandlerConfig struct {
	// AskTimeout bounds one agent run. Zero means no bound beyond the request.
	AskTimeout time.Duration
	// MaxRequestBodySize caps POST bodies. Zero selects 1MB.
	MaxRequestBodySize int64
	// OriginPatterns are the host patterns accepted on /ws/ask.
	OriginPatterns []string
}

// Handler serves the question-answering endpoints.
type Handler struct {
	agent Asker
	cfg   HandlerConfig
}

// NewHandler creates a handler backed by agent.
func NewHandler(agent Asker, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	return &Handler{agent: agent, cfg: cfg}
}

// RegisterRoutes registers the ask endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/ask", h.HandleAsk)
	r.Post("/api/ask/stream", h.HandleAskStream)
	r.Get("/ws/ask", h.HandleWebSocket)
}

type askRequest struct {
	Query *string `json:"query"`
}

type askResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// wsFrame is one server-to-client message on /ws/ask.
type wsFrame struct {
	Type    string        `json:"type"`
	Event   *domain.Event `json:"event,omitempty"`
	Message string        `json:"message,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// wsRequest is one client-to-server message on /ws/ask.
type wsRequest struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// HandleAsk handles POST /api/ask.
func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	query, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	slog.Info("Ask request",
		"user_id", userID,
		"session_id", sessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"query_length", len(query),
	)

	ctx, cancel := h.askContext(r.Context())
	defer cancel()

	message, err := h.agent.AskStream(ctx, userID, sessionID, query, nil)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, errorPrefix+err.Error())
		return
	}
	api.JSON(w, http.StatusOK, askResponse{OK: true, Message: message})
}

// HandleAskStream handles POST /api/ask/stream. Every agent event is sent as
// an SSE "message"; the run ends with a "done" or "error" event.
func (h *Handler) HandleAskStream(w http.ResponseWriter, r *http.Request) {
	query, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := h.askContext(r.Context())
	defer cancel()

	message, err := h.agent.AskStream(ctx, userID, sessionID, query, func(ev *domain.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := writeSSE(w, "message", string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		data, _ := json.Marshal(map[string]string{"detail": errorPrefix + err.Error()})
		if writeErr := writeSSE(w, "error", string(data)); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr, "user_id", userID)
			return
		}
		flusher.Flush()
		return
	}

	data, err := json.Marshal(askResponse{OK: true, Message: message})
	if err != nil {
		slog.Warn("failed to marshal ask response", "error", err)
		return
	}
	if err := writeSSE(w, "done", string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()
}

// HandleWebSocket handles GET /ws/ask. Each {query} frame runs the agent
// once; questions on one connection are answered in order.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := writeFrame(ctx, ws, wsFrame{Type: "error", Detail: "invalid message"}); err != nil {
				return
			}
			continue
		}

		switch req.Type {
		case "ping":
			if err := writeFrame(ctx, ws, wsFrame{Type: "pong"}); err != nil {
				return
			}
			continue
		case "", "ask":
		default:
			if err := writeFrame(ctx, ws, wsFrame{Type: "error", Detail: fmt.Sprintf("unknown message type %q", req.Type)}); err != nil {
				return
			}
			continue
		}

		if err := h.answerFrame(ctx, ws, userID, sessionID, req.Query); err != nil {
			slog.Debug("WebSocket write failed", "error", err, "user_id", userID)
			return
		}
	}
}

// answerFrame runs one question and streams its frames. Only write failures
// are returned; agent failures are reported to the client.
func (h *Handler) answerFrame(ctx context.Context, ws *websocket.Conn, userID, sessionID, query string) error {
	askCtx, cancel := h.askContext(ctx)
	defer cancel()

	var writeErr error
	message, err := h.agent.AskStream(askCtx, userID, sessionID, query, func(ev *domain.Event) error {
		writeErr = writeFrame(ctx, ws, wsFrame{Type: "event", Event: ev})
		return writeErr
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return writeFrame(ctx, ws, wsFrame{Type: "error", Detail: errorPrefix + err.Error()})
	}
	return writeFrame(ctx, ws, wsFrame{Type: "done", Message: message})
}

// decodeQuery reads {query} from the request body, writing the error
// response itself when the body is unusable.
func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)

	// Any unusable body is a validation failure (422), except an oversized one.
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &tooLarge):
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			api.Error(w, http.StatusUnprocessableEntity, "request body is empty")
		case errors.As(err, &typeErr) && typeErr.Field != "":
			api.Error(w, http.StatusUnprocessableEntity, typeErr.Field+" must be a "+typeErr.Type.String())
		case errors.As(err, &typeErr):
			api.Error(w, http.StatusUnprocessableEntity, "request body must be a JSON object")
		default:
			api.Error(w, http.StatusUnprocessableEntity, "invalid JSON body")
		}
		return "", false
	}
	if req.Query == nil {
		api.Error(w, http.StatusUnprocessableEntity, "query is required")
		return "", false
	}
	return *req.Query, true
}

func (h *Handler) askContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.AskTimeout > 0 {
		return context.WithTimeout(parent, h.cfg.AskTimeout)
	}
	return context.WithCancel(parent)
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
