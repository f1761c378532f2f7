package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/session"
	"github.com/ashureev/bqagent/internal/store"
	"github.com/ashureev/bqagent/internal/warehouse"
)

// scriptedModel replays canned responses in order and records requests.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*ModelResponse
	err       error
	requests  []*ModelRequest
	// fallback answers once responses run out.
	fallback func(req *ModelRequest) *ModelResponse
}

func (m *scriptedModel) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		if m.fallback != nil {
			return m.fallback(req), nil
		}
		return nil, errors.New("scripted model exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textResponse(text string) *ModelResponse {
	return &ModelResponse{Content: domain.NewTextContent(domain.RoleModel, text), FinishReason: "STOP"}
}

func callResponse(name string, args map[string]any) *ModelResponse {
	return &ModelResponse{Content: &domain.Content{
		Role:  domain.RoleModel,
		Parts: []*domain.Part{{FunctionCall: &domain.FunctionCall{Name: name, Args: args}}},
	}}
}

// fakeWarehouse serves a fixed table and a fixed result.
type fakeWarehouse struct {
	table   warehouse.TableRef
	result  *warehouse.Result
	err     error
	queries []string
	// onQuery runs at the start of every Query.
	onQuery func()
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		table: warehouse.TableRef{Project: "shop-project", Dataset: "sales", Table: "icecream_shop"},
		result: &warehouse.Result{
			Columns: []string{"flavor", "total"},
			Rows:    [][]any{{"Vanilla", int64(120)}, {"Mango", int64(80)}},
		},
	}
}

func (w *fakeWarehouse) Dialect() warehouse.Dialect { return warehouse.DialectBigQuery }
func (w *fakeWarehouse) Table() warehouse.TableRef  { return w.table }
func (w *fakeWarehouse) Close() error               { return nil }

func (w *fakeWarehouse) TableInfo(context.Context) (*warehouse.TableInfo, error) {
	return &warehouse.TableInfo{
		Table:   w.table.String(),
		Columns: []warehouse.Column{{Name: "flavor", Type: "STRING"}, {Name: "total", Type: "INT64", Description: "scoops sold"}},
		NumRows: 2,
	}, nil
}

func (w *fakeWarehouse) Query(_ context.Context, sqlText string, maxRows int) (*warehouse.Result, error) {
	w.queries = append(w.queries, sqlText)
	if w.onQuery != nil {
		w.onQuery()
	}
	if w.err != nil {
		return nil, w.err
	}
	if !strings.Contains(sqlText, w.table.String()) {
		return nil, fmt.Errorf("%w: table outside the permitted table", warehouse.ErrPolicyViolation)
	}
	res := *w.result
	if len(res.Rows) > maxRows {
		res.Rows = res.Rows[:maxRows]
		res.Truncated = true
	}
	return &res, nil
}

const (
	testApp     = "icecream_shop_app"
	testUser    = "sky_user"
	testSession = "web-session-1"
)

type runnerFixture struct {
	repo   store.Repository
	model  *scriptedModel
	wh     *fakeWarehouse
	runner *Runner
}

// newRunnerFixture wires a runner over a real SQLite session store with the
// default session already created.
func newRunnerFixture(t *testing.T, cfg RunnerConfig) *runnerFixture {
	t.Helper()
	ctx := context.Background()

	repo, err := store.Open(ctx, "sqlite:///"+filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	key := domain.SessionKey{AppName: testApp, UserID: testUser, SessionID: testSession}
	if err := session.EnsureSession(ctx, repo, key, session.DefaultInitialState()); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	if cfg.AppName == "" {
		cfg.AppName = testApp
	}
	model := &scriptedModel{}
	wh := newFakeWarehouse()
	a := New("", wh, 10)
	return &runnerFixture{
		repo:   repo,
		model:  model,
		wh:     wh,
		runner: NewRunner(a, model, repo, session.NewLocker(), cfg, nil),
	}
}
