package famgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/metastore"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// fakeStore is an in-memory stand-in for metastore.Client, keyed exactly
// like the real thing but with no network or retry behavior.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string][]byte{}} }

func (f *fakeStore) Get(ctx context.Context, key string) (*metastore.KV, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return &metastore.KV{Key: key, Value: v}, true, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), value...)
	f.data[key] = cp
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type fakeBundleNotifier struct {
	mu      sync.Mutex
	failed  []types.AgentId
	statuses map[types.AgentId]types.UnitStatus
}

func newFakeBundleNotifier() *fakeBundleNotifier {
	return &fakeBundleNotifier{statuses: map[types.AgentId]types.UnitStatus{}}
}

func (f *fakeBundleNotifier) NotifyFailedAgent(agentID types.AgentId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, agentID)
}

func (f *fakeBundleNotifier) UpdateBundlesStatus(agentID types.AgentId, status types.UnitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[agentID] = status
}

type fakeIC struct {
	mu             sync.Mutex
	failedByAgent  []types.AgentId
	evictErr       error
}

func (f *fakeIC) PutFailedInstanceStatusByAgentID(agentID types.AgentId, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedByAgent = append(f.failedByAgent, agentID)
}

func (f *fakeIC) EvictInstanceOnAgent(ctx context.Context, agentID types.AgentId, timeout time.Duration) error {
	return f.evictErr
}

func (f *fakeIC) SyncInstances(ctx context.Context, agentID types.AgentId) error { return nil }

func (f *fakeIC) UpdateInstanceStatus(instanceID types.InstanceId, status types.InstanceStatus, reason string) {
}

func testConfig() Config {
	return Config{
		NodeID:     "node-1",
		RetryTimes: 1,
		RetryCycle: 5 * time.Millisecond,
		PingTimes:  3,
		PingCycle:  20 * time.Millisecond,
		InvalidAgentGC:     50 * time.Millisecond,
		QueryTimeout:       time.Second,
		UpdateTokenTimeout: time.Second,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeBundleNotifier, *fakeIC, func()) {
	t.Helper()
	store := newFakeStore()
	bm := newFakeBundleNotifier()
	ic := &fakeIC{}
	mgr := New(testConfig(), zap.NewNop(), store, resourceview.New(), bm, ic, nil)
	return mgr, store, bm, ic, mgr.Stop
}

func TestRegisterPersistsAndEnables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, store, _, _, stop := newTestManager(t)
	defer stop()

	st, err := mgr.Register(context.Background(), RegisterRequest{
		AgentID:      "agent-1",
		AgentAddress: srv.URL,
	})
	if err != nil {
		t.Fatalf("Register: %s", err)
	}
	if !st.IsOK() {
		t.Fatalf("Register status: %s", st)
	}

	if _, ok, _ := store.Get(context.Background(), metastore.AgentInfoKey("node-1")); !ok {
		t.Fatalf("expected agent-info to be persisted")
	}
}

func TestRegisterRejectsEvictedAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, _, _, ic, stop := newTestManager(t)
	defer stop()
	ctx := context.Background()

	_, err := mgr.Register(ctx, RegisterRequest{AgentID: "agent-1", AgentAddress: srv.URL})
	if err != nil {
		t.Fatalf("Register: %s", err)
	}

	st := mgr.EvictAgent(ctx, EvictAgentRequest{AgentID: "agent-1", EvictTimeoutSec: 1})
	if !st.IsOK() {
		t.Fatalf("EvictAgent: %s", st)
	}
	if len(ic.failedByAgent) != 0 {
		t.Errorf("eviction should not mark instances failed: %v", ic.failedByAgent)
	}

	st, err = mgr.Register(ctx, RegisterRequest{AgentID: "agent-1", AgentAddress: srv.URL})
	if err != nil {
		t.Fatalf("Register: %s", err)
	}
	if st.Code != types.CodeAgentEvicted {
		t.Errorf("expected AgentEvicted, got %v", st.Code)
	}
}

func TestEvictAgentUnknown(t *testing.T) {
	mgr, _, _, _, stop := newTestManager(t)
	defer stop()

	st := mgr.EvictAgent(context.Background(), EvictAgentRequest{AgentID: "nope"})
	if st.Code != types.CodeParameterError {
		t.Errorf("expected ParameterError, got %v", st.Code)
	}
}

func TestHeartbeatLossFailsInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, store, bm, ic, stop := newTestManager(t)
	defer stop()
	ctx := context.Background()

	if _, err := mgr.Register(ctx, RegisterRequest{AgentID: "agent-1", AgentAddress: srv.URL}); err != nil {
		t.Fatalf("Register: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ic.mu.Lock()
		n := len(ic.failedByAgent)
		ic.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if len(ic.failedByAgent) == 0 {
		t.Fatalf("expected heartbeat loss to fail agent-1's instances")
	}
	if ic.failedByAgent[0] != "agent-1" {
		t.Errorf("failed agent = %q, want agent-1", ic.failedByAgent[0])
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.failed) == 0 || bm.failed[0] != "agent-1" {
		t.Errorf("expected BM to be notified of failed agent, got %v", bm.failed)
	}

	kv, ok, _ := store.Get(ctx, metastore.AgentInfoKey("node-1"))
	if !ok {
		t.Fatalf("expected persisted agent-info after timeout event")
	}
	_ = kv
}

func TestAgentInfoAndIDsAndResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/resources" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"agent-1"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, _, _, _, stop := newTestManager(t)
	defer stop()
	ctx := context.Background()

	if _, ok := mgr.AgentInfo("agent-1"); ok {
		t.Fatalf("expected no registration before Register")
	}
	if ids := mgr.AgentIDs(); len(ids) != 0 {
		t.Fatalf("expected no agents before Register, got %v", ids)
	}

	if _, err := mgr.Register(ctx, RegisterRequest{AgentID: "agent-1", AgentAddress: srv.URL}); err != nil {
		t.Fatalf("Register: %s", err)
	}

	reg, ok := mgr.AgentInfo("agent-1")
	if !ok {
		t.Fatalf("expected agent-1 to be known after Register")
	}
	if reg.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", reg.AgentID)
	}

	ids := mgr.AgentIDs()
	if len(ids) != 1 || ids[0] != "agent-1" {
		t.Errorf("AgentIDs = %v, want [agent-1]", ids)
	}

	unit, err := mgr.QueryAgentResources(ctx, "agent-1")
	if err != nil {
		t.Fatalf("QueryAgentResources: %s", err)
	}
	if unit.ID != "agent-1" {
		t.Errorf("unit.ID = %q, want agent-1", unit.ID)
	}

	if _, err := mgr.QueryAgentResources(ctx, "nope"); err == nil {
		t.Fatalf("expected error querying resources for unknown agent")
	}
}

func TestQueryDebugInstanceInfosFansOutAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/instances/debug" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"instance_id":"inst-1","info":{"pid":42}}]`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, store, _, _, stop := newTestManager(t)
	defer stop()
	ctx := context.Background()

	if _, err := mgr.Register(ctx, RegisterRequest{AgentID: "agent-1", AgentAddress: srv.URL}); err != nil {
		t.Fatalf("Register: %s", err)
	}

	st := mgr.QueryDebugInstanceInfos(ctx)
	if !st.IsOK() {
		t.Fatalf("QueryDebugInstanceInfos: %s", st)
	}

	kv, ok, err := store.Get(ctx, metastore.DebugKey("inst-1"))
	if err != nil || !ok {
		t.Fatalf("expected debug blob persisted for inst-1, ok=%v err=%v", ok, err)
	}
	if !strings.Contains(string(kv.Value), "inst-1") {
		t.Errorf("persisted blob = %s, want it to mention inst-1", kv.Value)
	}
}
