package lss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/famgr"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

type fakeAgentAuthority struct {
	mu          sync.Mutex
	registered  []famgr.RegisterRequest
	evicted     []famgr.EvictAgentRequest
	infos       map[types.AgentId]*types.AgentRegistration
	ids         []types.AgentId
	resourceErr map[types.AgentId]error
	resources   map[types.AgentId]*types.ResourceUnit
}

func newFakeAgentAuthority() *fakeAgentAuthority {
	return &fakeAgentAuthority{
		infos:       map[types.AgentId]*types.AgentRegistration{},
		resourceErr: map[types.AgentId]error{},
		resources:   map[types.AgentId]*types.ResourceUnit{},
	}
}

func (f *fakeAgentAuthority) Register(ctx context.Context, req famgr.RegisterRequest) (*types.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req)
	return types.OK("registered"), nil
}

func (f *fakeAgentAuthority) EvictAgent(ctx context.Context, req famgr.EvictAgentRequest) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, req)
	return types.OK("evicted")
}

func (f *fakeAgentAuthority) GracefulShutdown(ctx context.Context) *types.Status {
	return types.OK("shutdown")
}

func (f *fakeAgentAuthority) UpdateResources(req famgr.UpdateResourcesRequest) {}

func (f *fakeAgentAuthority) AgentInfo(agentID types.AgentId) (*types.AgentRegistration, bool) {
	reg, ok := f.infos[agentID]
	return reg, ok
}

func (f *fakeAgentAuthority) AgentIDs() []types.AgentId { return f.ids }

func (f *fakeAgentAuthority) QueryAgentResources(ctx context.Context, agentID types.AgentId) (*types.ResourceUnit, error) {
	if err, ok := f.resourceErr[agentID]; ok {
		return nil, err
	}
	return f.resources[agentID], nil
}

func (f *fakeAgentAuthority) QueryDebugInstanceInfos(ctx context.Context) *types.Status {
	return types.OK("debug infos refreshed")
}

type fakeInstanceAuthority struct {
	mu        sync.Mutex
	scheduled []types.ScheduleRequest
	scheduleErr error
	cancelled []types.InstanceId
}

func (f *fakeInstanceAuthority) Schedule(ctx context.Context, req types.ScheduleRequest, deps []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, req)
	return nil
}

func (f *fakeInstanceAuthority) CancelSchedule(instanceID types.InstanceId) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, instanceID)
	return types.OK("cancelled")
}

func (f *fakeInstanceAuthority) GracefulShutdown(ctx context.Context) {}

func TestRegisterHandler(t *testing.T) {
	agent := newFakeAgentAuthority()
	inst := &fakeInstanceAuthority{}
	svc := New(zap.NewNop(), agent, inst, resourceview.New())
	router := NewRouter(svc)

	body, _ := json.Marshal(famgr.RegisterRequest{AgentID: "agent-1", AgentAddress: "http://localhost:9000"})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(agent.registered) != 1 || agent.registered[0].AgentID != "agent-1" {
		t.Errorf("registered = %v, want one call for agent-1", agent.registered)
	}
}

func TestScheduleHandlerRejectsFailure(t *testing.T) {
	agent := newFakeAgentAuthority()
	inst := &fakeInstanceAuthority{scheduleErr: fmt.Errorf("no capacity")}
	svc := New(zap.NewNop(), agent, inst, resourceview.New())
	router := NewRouter(svc)

	body, _ := json.Marshal(struct {
		Request types.ScheduleRequest `json:"request"`
	}{types.ScheduleRequest{InstanceID: "i1"}})
	req := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestQueryResourcesInfoToleratesPartialFailure(t *testing.T) {
	agent := newFakeAgentAuthority()
	agent.ids = []types.AgentId{"agent-1", "agent-2"}
	agent.resources["agent-1"] = &types.ResourceUnit{ID: "agent-1"}
	agent.resourceErr["agent-2"] = fmt.Errorf("agent unreachable")

	svc := New(zap.NewNop(), agent, &fakeInstanceAuthority{}, resourceview.New())
	result := svc.QueryResourcesInfo(context.Background(), time.Second)

	if _, ok := result.Units["agent-1"]; !ok {
		t.Errorf("expected agent-1 to succeed")
	}
	if _, ok := result.Failures["agent-2"]; !ok {
		t.Errorf("expected agent-2 to be reported as a failure")
	}
}

func TestEvictAgentHandler(t *testing.T) {
	agent := newFakeAgentAuthority()
	svc := New(zap.NewNop(), agent, &fakeInstanceAuthority{}, resourceview.New())
	router := NewRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/evict", bytes.NewReader([]byte(`{"evict_timeout_sec":30}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(agent.evicted) != 1 || agent.evicted[0].AgentID != "agent-1" {
		t.Errorf("evicted = %v, want one call for agent-1", agent.evicted)
	}
}
