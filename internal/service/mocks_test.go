package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/domain/validation"
	"github.com/droverhq/drover/internal/port/agentgateway"
	"github.com/droverhq/drover/internal/port/executor"
	"github.com/droverhq/drover/internal/port/notifier"
	"github.com/droverhq/drover/internal/port/sourcehost"
)

// mockStore is an in-memory database.Store with the same last-writer-wins
// upsert semantics as the Postgres adapter.
type mockStore struct {
	mu        sync.Mutex
	runs      map[string]*run.AgentRun
	pipelines map[string]*validation.Pipeline
	syncs     map[string]*run.SyncStatus
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:      make(map[string]*run.AgentRun),
		pipelines: make(map[string]*validation.Pipeline),
		syncs:     make(map[string]*run.SyncStatus),
	}
}

func copyRun(r *run.AgentRun) *run.AgentRun {
	c := *r
	return &c
}

func copyPipeline(p *validation.Pipeline) *validation.Pipeline {
	c := *p
	c.Stages = append([]validation.StageResult(nil), p.Stages...)
	return &c
}

func (m *mockStore) GetRun(_ context.Context, orgID, runID string) (*run.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return copyRun(r), nil
}

func (m *mockStore) GetRunByExternalID(_ context.Context, externalID string) (*run.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ExternalID != "" && r.ExternalID == externalID {
			return copyRun(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListRuns(_ context.Context, orgID string, filter run.ListFilter) ([]run.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.AgentRun
	for _, r := range m.runs {
		if r.OrgID != orgID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *copyRun(r))
	}
	return out, nil
}

func (m *mockStore) ListNonTerminalRuns(_ context.Context, orgID string) ([]run.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.AgentRun
	for _, r := range m.runs {
		if r.OrgID == orgID && !r.Terminal() {
			out = append(out, *copyRun(r))
		}
	}
	return out, nil
}

func (m *mockStore) UpsertRun(_ context.Context, r *run.AgentRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.runs[r.ID]; ok && cur.LastUpdatedAt.After(r.LastUpdatedAt) {
		return false, nil
	}
	m.runs[r.ID] = copyRun(r)
	return true, nil
}

func (m *mockStore) DeleteRun(_ context.Context, orgID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(m.runs, runID)
	return nil
}

func (m *mockStore) GetPipeline(_ context.Context, id string) (*validation.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyPipeline(p), nil
}

func (m *mockStore) GetPipelineByLinkedRun(_ context.Context, agentRunID string) (*validation.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pipelines {
		if p.LinkedAgentRunID == agentRunID {
			return copyPipeline(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListPipelines(_ context.Context, orgID string) ([]validation.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []validation.Pipeline
	for _, p := range m.pipelines {
		if p.OrgID == orgID {
			out = append(out, *copyPipeline(p))
		}
	}
	return out, nil
}

func (m *mockStore) UpsertPipeline(_ context.Context, p *validation.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.ID] = copyPipeline(p)
	return nil
}

func (m *mockStore) GetSyncStatus(_ context.Context, orgID string) (*run.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[orgID]
	if !ok {
		return &run.SyncStatus{OrgID: orgID, State: run.SyncIdle}, nil
	}
	c := *s
	return &c, nil
}

func (m *mockStore) SetSyncStatus(_ context.Context, s *run.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.syncs[s.OrgID] = &c
	return nil
}

// stubGateway is a scriptable agentgateway.Gateway that counts calls.
type stubGateway struct {
	mu          sync.Mutex
	createCalls int
	listCalls   int
	fetchCalls  int
	seq         int

	createErr error
	resumeErr error
	cancelErr error
	listFn    func(orgID string) ([]agentgateway.Snapshot, error)
	fetchFn   func(externalID string) (*agentgateway.Snapshot, error)
}

func (g *stubGateway) Create(_ context.Context, _ string, _ map[string]string) (*agentgateway.CreateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	return &agentgateway.CreateResult{
		ExternalID: fmt.Sprintf("ext-%d", g.seq),
		Status:     "active",
	}, nil
}

func (g *stubGateway) Resume(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumeErr != nil {
		return "", g.resumeErr
	}
	return "active", nil
}

func (g *stubGateway) Fetch(_ context.Context, externalID string) (*agentgateway.Snapshot, error) {
	g.mu.Lock()
	fn := g.fetchFn
	g.fetchCalls++
	g.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("fetch not scripted")
	}
	return fn(externalID)
}

func (g *stubGateway) List(_ context.Context, orgID string) ([]agentgateway.Snapshot, error) {
	g.mu.Lock()
	fn := g.listFn
	g.listCalls++
	g.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(orgID)
}

func (g *stubGateway) Cancel(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelErr
}

func (g *stubGateway) counts() (create, list, fetch int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.listCalls, g.fetchCalls
}

// stubExecutor runs stages through a scriptable function and records every
// invocation in order.
type stubExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(stage string, nth int) *executor.StageResult
}

func (e *stubExecutor) RunStage(_ context.Context, stageName string, _ executor.WorkContext) (*executor.StageResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, stageName)
	nth := 0
	for _, c := range e.calls {
		if c == stageName {
			nth++
		}
	}
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return &executor.StageResult{Success: true, DurationMS: 10}, nil
	}
	return fn(stageName, nth), nil
}

func (e *stubExecutor) callCount(stage string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == stage {
			n++
		}
	}
	return n
}

// stubMerger records merge requests.
type stubMerger struct {
	mu     sync.Mutex
	calls  []string
	result *sourcehost.MergeResult
	err    error
}

func (m *stubMerger) Merge(_ context.Context, prURL string) (*sourcehost.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prURL)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &sourcehost.MergeResult{Merged: true, SHA: "abc123"}, nil
}

func (m *stubMerger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// recordBroadcaster captures broadcast events.
type recordBroadcaster struct {
	mu     sync.Mutex
	events []string // "<type>:<org>"
}

func (b *recordBroadcaster) BroadcastEvent(_ context.Context, orgID, eventType string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType+":"+orgID)
}

func (b *recordBroadcaster) count(eventType, orgID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == eventType+":"+orgID {
			n++
		}
	}
	return n
}

// recordNotifier captures notification events.
type recordNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (n *recordNotifier) Name() string { return "record" }

func (n *recordNotifier) Notify(_ context.Context, ev notifier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordNotifier) sources() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Source
	}
	return out
}

// memCache is a minimal in-memory cache.Cache (TTL ignored).
type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCache() *memCache { return &memCache{m: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		value = []byte{}
	}
	c.m[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}
