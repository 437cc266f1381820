package instancectrl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/agentclient"
	"github.com/soundcloud/fnproxy/internal/bundlemgr"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// fakeBundleBinder is a minimal in-memory BundleBinder, just enough to
// confirm advance() drives reserve/bind/unbind when one is wired in.
type fakeBundleBinder struct {
	mu         sync.Mutex
	reserved   []string
	bound      []string
	unbound    []string
	unreserved []string
	bundle     *types.Bundle
	reserveErr *types.Status
	bindErr    *types.Status
}

func (f *fakeBundleBinder) Reserve(ctx context.Context, req types.ScheduleRequest) (*types.ScheduleResult, *types.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = append(f.reserved, req.RequestID)
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	return &types.ScheduleResult{AgentID: "agent-1", Allocated: req.ResourceSpec, BindingToken: "tok-1"}, nil
}

func (f *fakeBundleBinder) Bind(ctx context.Context, req bundlemgr.BindRequest) (*types.Bundle, *types.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, req.RequestID)
	if f.bindErr != nil {
		return nil, f.bindErr
	}
	b := f.bundle
	if b == nil {
		b = &types.Bundle{BundleID: "bundle-1", OwningAgentID: "agent-1", Resources: map[string]float64{"cpu": 1}}
	}
	return b, nil
}

func (f *fakeBundleBinder) Unreserve(requestID string) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreserved = append(f.unreserved, requestID)
	return types.OK("unreserved")
}

func (f *fakeBundleBinder) Unbind(ctx context.Context, bundleID string) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, bundleID)
	return types.OK("unbound")
}

type fakeDispatcher struct {
	mu         sync.Mutex
	deployErr  error
	killErr    error
	deployed   []types.InstanceId
	killed     []types.InstanceId
	statusFunc func(instanceID string) types.InstanceStatus
}

func (f *fakeDispatcher) DeployInstance(ctx context.Context, agentID types.AgentId, req agentclient.DeployRequest) (*agentclient.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.deployed = append(f.deployed, req.InstanceID)
	status := types.InstanceRunning
	if f.statusFunc != nil {
		status = f.statusFunc(req.InstanceID)
	}
	return &agentclient.InstanceInfo{InstanceID: req.InstanceID, Status: status}, nil
}

func (f *fakeDispatcher) KillInstance(ctx context.Context, agentID types.AgentId, instanceID types.InstanceId, isRecovering bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, instanceID)
	return nil
}

func testDecision() Decision {
	return Decision{Filter: CapacityFilter{}, Scorer: RandomScorer{}}
}

func newTestManager(disp *fakeDispatcher) (*Manager, *resourceview.View, func()) {
	v := resourceview.New()
	v.AddUnit(&types.ResourceUnit{ID: "agent-1", Capacity: map[string]float64{"cpu": 4}, Usage: map[string]float64{"cpu": 0}, Status: types.UnitNormal}, resourceview.Actual)
	cfg := Config{RecoverRetryTimes: 2, MaxForwardKillRetryTimes: 2, MaxForwardKillRetryCycle: 10 * time.Millisecond}
	m := New(cfg, zap.NewNop(), v, disp, testDecision(), nil, nil)
	return m, v, m.Stop
}

func TestScheduleDeploysSuccessfully(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, nil); err != nil {
		t.Fatalf("Schedule: %s", err)
	}

	status, ok := m.Status("i1")
	if !ok {
		t.Fatalf("expected instance i1 to be tracked")
	}
	if status != types.InstanceRunning {
		t.Errorf("status = %s, want Running", status)
	}
	if len(disp.deployed) != 1 {
		t.Errorf("deployed count = %d, want 1", len(disp.deployed))
	}
}

func TestScheduleNoCapacityFails(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 100}}
	if err := m.Schedule(context.Background(), req, nil); err == nil {
		t.Fatalf("expected Schedule to fail on insufficient capacity")
	}
	status, _ := m.Status("i1")
	if status != types.InstanceFailed {
		t.Errorf("status = %s, want Failed", status)
	}
}

func TestScheduleDependencyNotReady(t *testing.T) {
	disp := &fakeDispatcher{}
	v := resourceview.New()
	v.AddUnit(&types.ResourceUnit{ID: "agent-1", Capacity: map[string]float64{"cpu": 4}, Usage: map[string]float64{"cpu": 0}, Status: types.UnitNormal}, resourceview.Actual)
	cfg := Config{RecoverRetryTimes: 2, MaxForwardKillRetryTimes: 2, MaxForwardKillRetryCycle: 10 * time.Millisecond}
	m := New(cfg, zap.NewNop(), v, disp, testDecision(), nil, func(deps []string) bool { return false })
	defer m.Stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, []string{"upstream-a"}); err == nil {
		t.Fatalf("expected Schedule to fail on unready dependency")
	}
	status, _ := m.Status("i1")
	if status != types.InstanceFailed {
		t.Errorf("status = %s, want Failed", status)
	}
}

func TestRescheduleAfterJudgeRecoverableRetriesThenFails(t *testing.T) {
	disp := &fakeDispatcher{deployErr: fmt.Errorf("transient")}
	m, _, stop := newTestManager(disp)
	defer stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	_ = m.Schedule(context.Background(), req, nil)

	status, _ := m.Status("i1")
	if status != types.InstanceRecoverable && status != types.InstanceFailed {
		t.Fatalf("status = %s, want Recoverable or Failed after transient deploy error", status)
	}

	for i := 0; i < 5; i++ {
		status, _ = m.Status("i1")
		if status == types.InstanceFailed {
			break
		}
		_ = m.RescheduleAfterJudgeRecoverable(context.Background(), "i1", "agent-1", types.FailureRuntimeMgr)
	}
	status, _ = m.Status("i1")
	if status != types.InstanceFailed {
		t.Errorf("status = %s, want Failed once recover retries exhausted", status)
	}
}

func TestDeployFailureClassifiesNonRecoverableCauseImmediately(t *testing.T) {
	disp := &fakeDispatcher{deployErr: types.NewStatus(types.CodeUserFunctionFatal, "function crashed on start")}
	m, _, stop := newTestManager(disp)
	defer stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	err := m.Schedule(context.Background(), req, nil)
	if err == nil {
		t.Fatalf("expected Schedule to fail for a fatal user-function error")
	}

	status, _ := m.Status("i1")
	if status != types.InstanceFailed {
		t.Errorf("status = %s, want Failed immediately, with no retries, for a non-recoverable cause", status)
	}
	if len(disp.deployed) != 0 {
		t.Errorf("deployed = %v, want no successful deploy recorded", disp.deployed)
	}
}

func TestRegisterReadyCallbackFiresOnRunning(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}

	fired := make(chan types.InstanceStatus, 1)
	m.call(func() {
		m.instances["i1"] = &instance{req: req, status: types.InstancePending}
	})
	m.RegisterReadyCallback("i1", func(s types.InstanceStatus, err error) { fired <- s })

	if err := m.advance(context.Background(), "i1"); err != nil {
		t.Fatalf("advance: %s", err)
	}

	select {
	case s := <-fired:
		if s != types.InstanceRunning {
			t.Errorf("callback status = %s, want Running", s)
		}
	case <-time.After(time.Second):
		t.Fatal("ready callback never fired")
	}
}

func TestRegisterReadyCallbackFiresImmediatelyIfTerminal(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	m.call(func() {
		m.instances["i1"] = &instance{status: types.InstanceRunning}
	})

	called := false
	m.RegisterReadyCallback("i1", func(s types.InstanceStatus, err error) { called = true })
	if !called {
		t.Fatalf("expected callback to fire immediately for already-terminal instance")
	}
}

func TestEvictInstanceOnAgentKillsOwnedInstances(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	m.call(func() {
		m.instances["i1"] = &instance{status: types.InstanceRunning, agentID: "agent-1"}
		m.instances["i2"] = &instance{status: types.InstanceRunning, agentID: "agent-2"}
	})

	if err := m.EvictInstanceOnAgent(context.Background(), "agent-1", time.Second); err != nil {
		t.Fatalf("EvictInstanceOnAgent: %s", err)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.killed) != 1 || disp.killed[0] != "i1" {
		t.Errorf("killed = %v, want only i1", disp.killed)
	}
	status, _ := m.Status("i1")
	if status != types.InstanceEvicted {
		t.Errorf("i1 status = %s, want Evicted", status)
	}
}

func TestPutFailedInstanceStatusByAgentID(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	m.call(func() {
		m.instances["i1"] = &instance{status: types.InstanceRunning, agentID: "agent-1"}
		m.instances["i2"] = &instance{status: types.InstanceRunning, agentID: "agent-2"}
	})

	m.PutFailedInstanceStatusByAgentID("agent-1", "heartbeat lost")

	s1, _ := m.Status("i1")
	s2, _ := m.Status("i2")
	if s1 != types.InstanceFailed {
		t.Errorf("i1 status = %s, want Failed", s1)
	}
	if s2 != types.InstanceRunning {
		t.Errorf("i2 status = %s, want unaffected Running", s2)
	}
}

func TestForwardKillMarksInstanceKilled(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	m.call(func() {
		m.instances["i1"] = &instance{status: types.InstanceRunning, agentID: "agent-1"}
	})

	if err := m.ForwardKill(context.Background(), "i1"); err != nil {
		t.Fatalf("ForwardKill: %s", err)
	}
	status, _ := m.Status("i1")
	if status != types.InstanceKilled {
		t.Errorf("status = %s, want Killed", status)
	}
}

func TestScheduleDrivesReserveAndBindWhenBundleBinderWired(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	fb := &fakeBundleBinder{}
	m.SetBundleBinder(fb)

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, nil); err != nil {
		t.Fatalf("Schedule: %s", err)
	}

	fb.mu.Lock()
	if len(fb.reserved) != 1 || fb.reserved[0] != "r1" {
		t.Errorf("reserved = %v, want [r1]", fb.reserved)
	}
	if len(fb.bound) != 1 {
		t.Errorf("bound = %v, want one bind", fb.bound)
	}
	fb.mu.Unlock()

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.deployed) != 1 || disp.deployed[0] != "i1" {
		t.Errorf("deployed = %v, want [i1]", disp.deployed)
	}
}

func TestScheduleUnreservesWhenBindFails(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	fb := &fakeBundleBinder{bindErr: types.NewStatus(types.CodeResourceNotEnough, "no bundle available")}
	m.SetBundleBinder(fb)

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, nil); err == nil {
		t.Fatalf("expected Schedule to fail when Bind fails")
	}

	status, _ := m.Status("i1")
	if status != types.InstanceFailed {
		t.Errorf("status = %s, want Failed", status)
	}
	fb.mu.Lock()
	if len(fb.unreserved) != 1 || fb.unreserved[0] != "r1" {
		t.Errorf("unreserved = %v, want [r1]", fb.unreserved)
	}
	fb.mu.Unlock()
	if len(disp.deployed) != 0 {
		t.Errorf("deployed = %v, want no deploy attempted", disp.deployed)
	}
}

func TestForwardKillReleasesBundleBinding(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	fb := &fakeBundleBinder{}
	m.SetBundleBinder(fb)

	req := types.ScheduleRequest{RequestID: "r1", InstanceID: "i1", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, nil); err != nil {
		t.Fatalf("Schedule: %s", err)
	}

	if err := m.ForwardKill(context.Background(), "i1"); err != nil {
		t.Fatalf("ForwardKill: %s", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.unbound) != 1 || fb.unbound[0] != "bundle-1" {
		t.Errorf("unbound = %v, want [bundle-1]", fb.unbound)
	}
}

func TestGracefulShutdownDisablesAdmission(t *testing.T) {
	disp := &fakeDispatcher{}
	m, _, stop := newTestManager(disp)
	defer stop()

	m.call(func() {
		m.instances["i1"] = &instance{status: types.InstanceRunning, agentID: "agent-1"}
	})

	m.GracefulShutdown(context.Background())

	req := types.ScheduleRequest{RequestID: "r2", InstanceID: "i2", ResourceSpec: map[string]float64{"cpu": 1}}
	if err := m.Schedule(context.Background(), req, nil); err == nil {
		t.Fatalf("expected Schedule to fail after GracefulShutdown")
	}
}
