package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/identity"
)

type fakeAsker struct {
	mu      sync.Mutex
	answer  string
	err     error
	events  []*domain.Event
	block   bool
	queries []string
	users   []string
}

func (f *fakeAsker) AskStream(ctx context.Context, userID, sessionID, query string, onEvent func(*domain.Event) error) (string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.users = append(f.users, userID+"/"+sessionID)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	for _, ev := range f.events {
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return "", err
			}
		}
	}
	return f.answer, f.err
}

func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), testUser, testSession)))
	})
}

func newTestServer(a Asker, cfg HandlerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(withIdentity)
	NewHandler(a, cfg).RegisterRoutes(r)
	return r
}

func postAsk(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return got
}

func TestHandleAskSuccess(t *testing.T) {
	a := &fakeAsker{answer: "- Vanilla: 120"}
	w := postAsk(newTestServer(a, HandlerConfig{}), `{"query":"best flavor?"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["ok"] != true || got["message"] != "- Vanilla: 120" {
		t.Fatalf("body = %v", got)
	}
	if a.queries[0] != "best flavor?" || a.users[0] != testUser+"/"+testSession {
		t.Fatalf("asker called with %v %v", a.queries, a.users)
	}
}

func TestHandleAskEmptyAnswerIsStillOK(t *testing.T) {
	w := postAsk(newTestServer(&fakeAsker{}, HandlerConfig{}), `{"query":"hi"}`)
	got := decodeBody(t, w)
	if w.Code != http.StatusOK || got["message"] != "" {
		t.Fatalf("status = %d, body = %v", w.Code, got)
	}
}

func TestHandleAskAgentError(t *testing.T) {
	a := &fakeAsker{err: errors.New("model call: quota exceeded")}
	w := postAsk(newTestServer(a, HandlerConfig{}), `{"query":"hi"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["detail"] != "Agent error: model call: quota exceeded" {
		t.Fatalf("detail = %v", got["detail"])
	}
}

func TestHandleAskTimeout(t *testing.T) {
	a := &fakeAsker{block: true}
	w := postAsk(newTestServer(a, HandlerConfig{AskTimeout: 20 * time.Millisecond}), `{"query":"slow"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if detail := decodeBody(t, w)["detail"].(string); !strings.HasPrefix(detail, "Agent error: ") || !strings.Contains(detail, "deadline") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestHandleAskBadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"query":`, http.StatusUnprocessableEntity},
		{"empty", ``, http.StatusUnprocessableEntity},
		{"wrong type", `{"query": 42}`, http.StatusUnprocessableEntity},
		{"not an object", `["q"]`, http.StatusUnprocessableEntity},
		{"missing query", `{}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAsker{}
			w := postAsk(newTestServer(a, HandlerConfig{}), tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if _, ok := decodeBody(t, w)["detail"]; !ok {
				t.Fatal("expected detail field")
			}
			if len(a.queries) != 0 {
				t.Fatal("agent must not run for a bad body")
			}
		})
	}
}

func TestHandleAskWrongTypeNamesField(t *testing.T) {
	w := postAsk(newTestServer(&fakeAsker{}, HandlerConfig{}), `{"query": 42}`)
	if detail := decodeBody(t, w)["detail"]; detail != "query must be a string" {
		t.Fatalf("detail = %v", detail)
	}
}

func TestHandleAskBodyTooLarge(t *testing.T) {
	h := newTestServer(&fakeAsker{}, HandlerConfig{MaxRequestBodySize: 16})
	w := postAsk(h, `{"query":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleAskConcurrent(t *testing.T) {
	a := &fakeAsker{answer: "ok"}
	h := newTestServer(a, HandlerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w := postAsk(h, `{"query":"q"}`); w.Code != http.StatusOK {
				t.Errorf("status = %d", w.Code)
			}
		}()
	}
	wg.Wait()
	if len(a.queries) != 10 {
		t.Fatalf("asker called %d times", len(a.queries))
	}
}

func TestHandleAskStreamSSE(t *testing.T) {
	a := &fakeAsker{
		answer: "2 rows",
		events: []*domain.Event{
			{ID: "e1", Author: DefaultName, Content: domain.NewTextContent(domain.RoleModel, "2 rows")},
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ask/stream", strings.NewReader(`{"query":"count"}`))
	w := httptest.NewRecorder()
	newTestServer(a, HandlerConfig{}).ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := w.Body.String()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if strings.Join(events, ",") != "message,done" {
		t.Fatalf("events = %v", events)
	}
	if !strings.Contains(body, `"message":"2 rows"`) {
		t.Fatalf("done payload missing message: %s", body)
	}
}

func TestHandleAskStreamError(t *testing.T) {
	a := &fakeAsker{err: errors.New("boom")}
	req := httptest.NewRequest(http.MethodPost, "/api/ask/stream", strings.NewReader(`{"query":"q"}`))
	w := httptest.NewRecorder()
	newTestServer(a, HandlerConfig{}).ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "event: error\ndata: {\"detail\":\"Agent error: boom\"}") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func TestHandleWebSocket(t *testing.T) {
	a := &fakeAsker{
		answer: "- Vanilla: 120",
		events: []*domain.Event{
			{ID: "e1", Author: DefaultName, Content: domain.NewTextContent(domain.RoleModel, "- Vanilla: 120")},
		},
	}
	srv := httptest.NewServer(newTestServer(a, HandlerConfig{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/ask", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ctx, c); f.Type != "pong" {
		t.Fatalf("frame = %+v, want pong", f)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"query":"best flavor?"}`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ctx, c); f.Type != "event" || f.Event == nil || f.Event.ID != "e1" {
		t.Fatalf("frame = %+v, want event", f)
	}
	if f := readFrame(t, ctx, c); f.Type != "done" || f.Message != "- Vanilla: 120" {
		t.Fatalf("frame = %+v, want done", f)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ctx, c); f.Type != "error" {
		t.Fatalf("frame = %+v, want error", f)
	}
}

func TestHandleWebSocketAgentError(t *testing.T) {
	a := &fakeAsker{err: errors.New("session busy")}
	srv := httptest.NewServer(newTestServer(a, HandlerConfig{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/ask", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"query":"q"}`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ctx, c); f.Type != "error" || f.Detail != "Agent error: session busy" {
		t.Fatalf("frame = %+v", f)
	}
}
