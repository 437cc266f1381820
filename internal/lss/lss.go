// Package lss implements the Local-Scheduler Service: the thin external
// façade upstream speaks to. It holds no scheduling state of its own — it
// translates wire requests into calls against FAM, IC, and the Resource
// View, and translates their results back into wire responses. Exactly
// the role harpoon-scheduler/main.go's router plays in front of its own
// basicScheduler, generalized from three job-lifecycle endpoints to the
// nine upstream RPCs spec §6 enumerates.
package lss

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soundcloud/fnproxy/internal/famgr"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// AgentAuthority is FAM's surface that LSS drives.
type AgentAuthority interface {
	Register(ctx context.Context, req famgr.RegisterRequest) (*types.Status, error)
	EvictAgent(ctx context.Context, req famgr.EvictAgentRequest) *types.Status
	GracefulShutdown(ctx context.Context) *types.Status
	UpdateResources(req famgr.UpdateResourcesRequest)
	AgentInfo(agentID types.AgentId) (*types.AgentRegistration, bool)
	AgentIDs() []types.AgentId
	QueryAgentResources(ctx context.Context, agentID types.AgentId) (*types.ResourceUnit, error)
	QueryDebugInstanceInfos(ctx context.Context) *types.Status
}

// InstanceAuthority is IC's surface that LSS drives.
type InstanceAuthority interface {
	Schedule(ctx context.Context, req types.ScheduleRequest, deps []string) error
	CancelSchedule(instanceID types.InstanceId) *types.Status
	GracefulShutdown(ctx context.Context)
}

// Service composes the collaborators LSS routes into, and is what
// handlers.go's HTTP layer wraps.
type Service struct {
	log   *zap.Logger
	agent AgentAuthority
	inst  InstanceAuthority
	view  *resourceview.View
}

func New(log *zap.Logger, agent AgentAuthority, inst InstanceAuthority, view *resourceview.View) *Service {
	return &Service{log: log, agent: agent, inst: inst, view: view}
}

// Register forwards an agent's registration into FAM.
func (s *Service) Register(ctx context.Context, req famgr.RegisterRequest) (*types.Status, error) {
	return s.agent.Register(ctx, req)
}

// UnRegister is a voluntary departure: it runs FAM's eviction protocol for
// the agent with EvictTimeoutSec 0, so the drain of its in-flight instances
// carries no deadline.
func (s *Service) UnRegister(ctx context.Context, agentID types.AgentId) *types.Status {
	return s.agent.EvictAgent(ctx, famgr.EvictAgentRequest{AgentID: agentID, EvictTimeoutSec: 0})
}

// UpdateSchedTopoView applies a bulk resource-topology refresh, one
// ResourceUnit per agent.
func (s *Service) UpdateSchedTopoView(units []famgr.UpdateResourcesRequest) {
	for _, u := range units {
		s.agent.UpdateResources(u)
	}
}

// Schedule admits a new instance through IC.
func (s *Service) Schedule(ctx context.Context, req types.ScheduleRequest, deps []string) error {
	return s.inst.Schedule(ctx, req, deps)
}

// TryCancelSchedule withdraws a not-yet-deploying instance from admission.
func (s *Service) TryCancelSchedule(instanceID types.InstanceId) *types.Status {
	return s.inst.CancelSchedule(instanceID)
}

// QueryAgentInfo returns agentID's current registration snapshot.
func (s *Service) QueryAgentInfo(agentID types.AgentId) (*types.AgentRegistration, bool) {
	return s.agent.AgentInfo(agentID)
}

// ResourcesResult is the "await all, tolerate partial failures" shape
// QueryResourcesInfo returns: per-agent snapshots for everyone who
// answered, and a parallel failures list for everyone who didn't.
type ResourcesResult struct {
	Units    map[types.AgentId]*types.ResourceUnit
	Failures map[types.AgentId]string
}

// QueryResourcesInfo queries every enabled agent's resource report
// concurrently via an errgroup, tolerating individual agent failures, then
// adds from the cached Resource View snapshot every unit that neither
// answered nor failed; an agent that failed stays in Failures only.
func (s *Service) QueryResourcesInfo(ctx context.Context, timeout time.Duration) ResourcesResult {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ids := s.agent.AgentIDs()
	result := ResourcesResult{
		Units:    make(map[types.AgentId]*types.ResourceUnit, len(ids)),
		Failures: make(map[types.AgentId]string),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		agentID := id
		g.Go(func() error {
			unit, err := s.agent.QueryAgentResources(gctx, agentID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[agentID] = err.Error()
				return nil // tolerate partial failure: never abort the group
			}
			result.Units[agentID] = unit
			return nil
		})
	}
	_ = g.Wait()

	for id, unit := range s.view.SerializeView() {
		if _, ok := result.Units[id]; !ok {
			if _, failed := result.Failures[id]; !failed {
				result.Units[id] = unit
			}
		}
	}
	return result
}

// EvictAgent drives FAM's eviction protocol for one agent.
func (s *Service) EvictAgent(ctx context.Context, req famgr.EvictAgentRequest) *types.Status {
	return s.agent.EvictAgent(ctx, req)
}

// QueryDebugInstanceInfos triggers an on-demand fan-out of
// QueryDebugInstanceInfos across every enabled agent, refreshing the
// persisted /yr/debug/<InstanceId> blobs an operator is about to read.
func (s *Service) QueryDebugInstanceInfos(ctx context.Context) *types.Status {
	return s.agent.QueryDebugInstanceInfos(ctx)
}

// GracefulShutdown drains IC's in-flight instances before tearing FAM down,
// so no agent sees a kill request for an instance IC hasn't finished
// admitting.
func (s *Service) GracefulShutdown(ctx context.Context) *types.Status {
	s.inst.GracefulShutdown(ctx)
	return s.agent.GracefulShutdown(ctx)
}
