// Package famgr implements the Function-Agent Manager (FAM): the single
// actor that owns this node's agent population, end to end — admission,
// liveness, resource-view reflection, the deploy/kill RPC lifecycle, the
// three-phase eviction protocol, and durable reconstruction across a proxy
// restart.
//
// Like the scheduler's basicScheduler, every public method sends a request
// onto a channel and blocks on a per-call response channel; a single loop
// goroutine owns all mutable state, so handlers never need their own
// locking.
package famgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/agentclient"
	"github.com/soundcloud/fnproxy/internal/heartbeat"
	"github.com/soundcloud/fnproxy/internal/metastore"
	"github.com/soundcloud/fnproxy/internal/metrics"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// BundleNotifier is BM's surface that FAM drives during liveness loss and
// eviction; kept as a narrow interface so famgr doesn't import bundlemgr
// directly (bundlemgr imports famgr's exported types instead).
type BundleNotifier interface {
	NotifyFailedAgent(agentID types.AgentId)
	UpdateBundlesStatus(agentID types.AgentId, status types.UnitStatus)
}

// InstanceController is IC's surface that FAM drives on agent loss and
// eviction.
type InstanceController interface {
	PutFailedInstanceStatusByAgentID(agentID types.AgentId, reason string)
	EvictInstanceOnAgent(ctx context.Context, agentID types.AgentId, timeout time.Duration) error
	SyncInstances(ctx context.Context, agentID types.AgentId) error
	UpdateInstanceStatus(instanceID types.InstanceId, status types.InstanceStatus, reason string)
}

// Store is the slice of metastore.Client that famgr depends on, narrowed
// to an interface so tests can substitute an in-memory fake instead of
// standing up etcd.
type Store interface {
	Get(ctx context.Context, key string) (*metastore.KV, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// TenantPolicy hooks fire on tenant-instance lifecycle events when
// enable_tenant_affinity is set; every method is a no-op by default, so a
// caller can embed NoopTenantPolicy and override only what it needs.
type TenantPolicy interface {
	OnTenantFirstInstanceSchedInLocalPod(tenant string, agentID types.AgentId)
	OnTenantInstanceSchedInRemotePodOnAnotherNode(tenant string, agentID types.AgentId)
	OnTenantInstanceSchedInNewPodOnCurrentNode(tenant string, agentID types.AgentId)
	OnTenantInstanceInPodDeleted(tenant string, instanceID types.InstanceId)
	OnTenantInstanceInPodAllDeleted(tenant string)
}

// NoopTenantPolicy satisfies TenantPolicy with no-op bodies.
type NoopTenantPolicy struct{}

func (NoopTenantPolicy) OnTenantFirstInstanceSchedInLocalPod(string, types.AgentId)          {}
func (NoopTenantPolicy) OnTenantInstanceSchedInRemotePodOnAnotherNode(string, types.AgentId) {}
func (NoopTenantPolicy) OnTenantInstanceSchedInNewPodOnCurrentNode(string, types.AgentId)    {}
func (NoopTenantPolicy) OnTenantInstanceInPodDeleted(string, types.InstanceId)               {}
func (NoopTenantPolicy) OnTenantInstanceInPodAllDeleted(string)                              {}

// Config bundles the tunables famgr reads from internal/config.Config it
// cares about, so it doesn't take a dependency on the config package.
type Config struct {
	NodeID                  types.NodeId
	RetryTimes              uint
	RetryCycle              time.Duration
	PingTimes               uint
	PingCycle               time.Duration
	InvalidAgentGC          time.Duration
	QueryTimeout            time.Duration
	UpdateTokenTimeout      time.Duration
	MaxRetrySendCleanStatus uint
	EnableTenantAffinity    bool
	EnableForceDeletePod    bool
}

// runtimeState is FAM's in-memory record of one registered agent; the
// persisted AgentRegistration is the authoritative wire shape, this adds
// the actor-local bookkeeping around it.
type runtimeState struct {
	reg         *types.AgentRegistration
	enabled     bool
	client      *agentclient.Client
	watchCancel context.CancelFunc

	// recovering mirrors the original's AgentRuntimeState recover_promise:
	// set while an agent recovered from a persisted record at Sync time is
	// waiting to be re-confirmed live. recoverSignal fires early (from
	// UpdateResources) if the agent reports in before the 3s heuristic;
	// recoverDone closes once recovery actually finishes, one way or the
	// other, so anything chained behind it (an evict racing the recovery)
	// can wait on it instead of polling.
	recovering    bool
	signaled      bool
	recoverSignal chan struct{}
	recoverDone   chan struct{}
}

// closeRecoverDone ends rs's recovery exactly once, however it finishes
// (resumed live, failed, or disabled out from under it).
func closeRecoverDone(rs *runtimeState) {
	if rs.recovering {
		rs.recovering = false
		close(rs.recoverDone)
	}
}

// Manager is the FAM actor.
type Manager struct {
	cfg  Config
	log  *zap.Logger
	meta Store
	view *resourceview.View
	hb   *heartbeat.Monitor
	bm   BundleNotifier
	ic   InstanceController
	ten  TenantPolicy

	reqs chan func()
	quit chan chan struct{}

	// actor-owned state, touched only from the loop goroutine
	agents map[types.AgentId]*runtimeState
	local  types.LocalStatus
	abnormal bool

	persistMu          sync.Mutex
	persisting         bool
	pendingPersist     bool
}

// New constructs a Manager. It does not start sync(); call Sync explicitly
// during startup so callers control ordering against other components.
func New(cfg Config, log *zap.Logger, meta Store, view *resourceview.View, bm BundleNotifier, ic InstanceController, ten TenantPolicy) *Manager {
	if ten == nil {
		ten = NoopTenantPolicy{}
	}
	m := &Manager{
		cfg:    cfg,
		log:    log,
		meta:   meta,
		view:   view,
		bm:     bm,
		ic:     ic,
		ten:    ten,
		reqs:   make(chan func(), 64),
		quit:   make(chan chan struct{}),
		agents: make(map[types.AgentId]*runtimeState),
	}
	m.hb = heartbeat.New(cfg.PingTimes, cfg.PingCycle, m.onHeartbeatLost, componentLogger(log))
	go m.loop()
	return m
}

func componentLogger(l *zap.Logger) *zap.Logger { return l.With(zap.String("component", "fam")) }

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.reqs:
			fn()
		case q := <-m.quit:
			close(q)
			return
		}
	}
}

// call runs fn serialized through the actor mailbox and waits for it to
// finish, giving callers synchronous semantics over an async actor.
func (m *Manager) call(fn func()) {
	done := make(chan struct{})
	m.reqs <- func() {
		fn()
		close(done)
	}
	<-done
}

func (m *Manager) Stop() {
	m.hb.Stop()
	m.call(func() {
		for _, rs := range m.agents {
			if rs.watchCancel != nil {
				rs.watchCancel()
				rs.watchCancel = nil
			}
		}
	})
	q := make(chan struct{})
	m.quit <- q
	<-q
}

// RegisterRequest is the wire shape of register().
type RegisterRequest struct {
	AgentID         types.AgentId
	AgentAddress    string
	RuntimeMgrID    string
	EvictTimeoutSec int32
}

// Register admits a new agent, or idempotently re-confirms an existing
// (agent_id, runtime_mgr_id) pair.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*types.Status, error) {
	var status *types.Status
	m.call(func() {
		status = m.doRegister(ctx, req)
	})
	return status, nil
}

func (m *Manager) doRegister(ctx context.Context, req RegisterRequest) *types.Status {
	if existing, ok := m.agents[req.AgentID]; ok {
		switch existing.reg.Status {
		case types.RegisEvicted:
			return types.NewStatus(types.CodeAgentEvicted, "agent %s was evicted", req.AgentID)
		case types.RegisFailed:
			return types.NewStatus(types.CodeParameterError, "agent %s previously failed; requires operator action", req.AgentID)
		}
		// idempotent: same pair registering again while healthy
		return types.OK("already registered")
	}
	if req.AgentID == "" || req.AgentAddress == "" {
		return types.NewStatus(types.CodeParameterError, "register: agent_id and agent_address are required")
	}

	client, err := agentclient.New(req.AgentAddress)
	if err != nil {
		return types.NewStatus(types.CodeParameterError, "register: %s", err)
	}

	reg := &types.AgentRegistration{
		AgentID:         req.AgentID,
		AgentAddress:    req.AgentAddress,
		RuntimeMgrID:    req.RuntimeMgrID,
		Status:          types.RegisSuccess,
		EvictTimeoutSec: req.EvictTimeoutSec,
	}
	rs := &runtimeState{reg: reg, enabled: false, client: client}
	m.agents[req.AgentID] = rs

	if st := m.persistLocked(ctx); !st.IsOK() {
		delete(m.agents, req.AgentID)
		return st
	}

	m.hb.Add(req.AgentID)

	if err := m.ic.SyncInstances(ctx, req.AgentID); err != nil {
		m.log.Warn("register: sync instances failed, tearing down agent", zap.String("agent_id", req.AgentID), zap.Error(err))
		m.sendCleanStatusAsync(req.AgentID, rs.client)
		m.teardownLocked(ctx, req.AgentID, types.FailureRuntimeMgr)
		return types.NewStatus(types.CodeInnerCommunication, "register: sync instances: %s", err)
	}

	rs.enabled = true
	m.startWatchLocked(req.AgentID, rs)
	metrics.IncAgentsRegistered(1)
	m.log.Info("agent registered", zap.String("agent_id", req.AgentID), zap.String("address", req.AgentAddress))
	return types.OK("registered")
}

// UpdateResourcesRequest is the wire shape of update_resources().
type UpdateResourcesRequest struct {
	AgentID types.AgentId
	Unit    *types.ResourceUnit
	Labels  map[string]string
}

func (m *Manager) UpdateResources(req UpdateResourcesRequest) {
	m.call(func() {
		rs, ok := m.agents[req.AgentID]
		if !ok || rs.reg.Status == types.RegisEvicted {
			return
		}
		if !rs.enabled && !rs.recovering {
			return
		}
		if _, exists := m.view.GetUnit(req.AgentID); !exists {
			req.Unit.ID = req.AgentID
			m.view.AddUnit(req.Unit, resourceview.Actual)
		} else {
			m.view.UpdateUnit(req.AgentID, resourceview.Actual, func(u *types.ResourceUnit) {
				u.Capacity = req.Unit.Capacity
				u.Usage = req.Unit.Usage
			})
		}
		// a resource report from a recovering agent proves it's actually
		// live again; short-circuit the 3s heuristic in awaitRecovery.
		if rs.recovering && !rs.signaled {
			rs.signaled = true
			close(rs.recoverSignal)
		}
	})
}

// DeployInstance targets an enabled agent with a DeployInstance RPC,
// retrying up to RetryTimes at RetryCycle cadence. An agent answer of
// UserFunctionFatal or NotFound is returned unwrapped without a retry.
func (m *Manager) DeployInstance(ctx context.Context, agentID types.AgentId, req agentclient.DeployRequest) (*agentclient.InstanceInfo, error) {
	var client *agentclient.Client
	m.call(func() {
		if rs, ok := m.agents[agentID]; ok && rs.enabled {
			client = rs.client
		}
	})
	if client == nil {
		return nil, types.NewStatus(types.CodeNotFound, "deploy_instance: agent %s not enabled", agentID)
	}
	return m.retryDeploy(ctx, client, req)
}

func (m *Manager) retryDeploy(ctx context.Context, client *agentclient.Client, req agentclient.DeployRequest) (*agentclient.InstanceInfo, error) {
	var lastErr error
	for attempt := uint(0); attempt <= m.cfg.RetryTimes; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.RetryCycle):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		info, err := client.DeployInstance(ctx, req)
		if err == nil {
			metrics.IncInstancesDeployed(1)
			return info, nil
		}
		if st, ok := err.(*types.Status); ok && (st.Code == types.CodeUserFunctionFatal || st.Code == types.CodeNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, types.NewStatus(types.CodeInnerCommunication, "deploy_instance: exhausted retries: %s", lastErr)
}

// KillInstance issues KillInstance against agentID, retrying like deploy.
// If the agent is not enabled and isRecovering is false, this returns
// success immediately — the instance is logically gone with its agent.
func (m *Manager) KillInstance(ctx context.Context, agentID types.AgentId, instanceID types.InstanceId, isRecovering bool) error {
	var client *agentclient.Client
	notEnabled := false
	m.call(func() {
		rs, ok := m.agents[agentID]
		if !ok || !rs.enabled {
			notEnabled = true
			return
		}
		client = rs.client
	})
	if notEnabled {
		if !isRecovering {
			return nil // "function agent may already exited"
		}
		return types.NewStatus(types.CodeInnerCommunication, "kill_instance: agent %s not enabled", agentID)
	}

	var lastErr error
	for attempt := uint(0); attempt <= m.cfg.RetryTimes; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.RetryCycle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := client.KillInstance(ctx, instanceID); err != nil {
			lastErr = err
			continue
		}
		metrics.IncInstancesKilled(1)
		return nil
	}
	return types.NewStatus(types.CodeInnerCommunication, "kill_instance: exhausted retries: %s", lastErr)
}

// QueryInstanceStatus is a correlated request/response call bounded by
// QueryTimeout.
func (m *Manager) QueryInstanceStatus(ctx context.Context, agentID types.AgentId, instanceID types.InstanceId) (*agentclient.InstanceInfo, error) {
	var client *agentclient.Client
	m.call(func() {
		if rs, ok := m.agents[agentID]; ok {
			client = rs.client
		}
	})
	if client == nil {
		return nil, types.NewStatus(types.CodeNotFound, "query_instance_status: unknown agent %s", agentID)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	return client.QueryInstanceStatus(ctx, instanceID)
}

// UpdateCred pushes a refreshed binding token, bounded by UpdateTokenTimeout.
func (m *Manager) UpdateCred(ctx context.Context, agentID types.AgentId, instanceID, bindingToken string) error {
	var client *agentclient.Client
	m.call(func() {
		if rs, ok := m.agents[agentID]; ok {
			client = rs.client
		}
	})
	if client == nil {
		return types.NewStatus(types.CodeNotFound, "update_cred: unknown agent %s", agentID)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.UpdateTokenTimeout)
	defer cancel()
	return client.UpdateCred(ctx, instanceID, bindingToken)
}

// AgentInfo returns a snapshot of agentID's persisted registration record.
func (m *Manager) AgentInfo(agentID types.AgentId) (*types.AgentRegistration, bool) {
	var (
		reg *types.AgentRegistration
		ok  bool
	)
	m.call(func() {
		rs, exists := m.agents[agentID]
		ok = exists
		if exists {
			clone := *rs.reg
			reg = &clone
		}
	})
	return reg, ok
}

// AgentIDs lists every currently enabled agent, for callers (LSS's
// QueryResourcesInfo fan-out) that need to address each one individually.
func (m *Manager) AgentIDs() []types.AgentId {
	var ids []types.AgentId
	m.call(func() {
		ids = make([]types.AgentId, 0, len(m.agents))
		for id, rs := range m.agents {
			if rs.enabled {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

// QueryAgentResources asks agentID directly for its current capacity/usage
// report, bounded by QueryTimeout. Used by LSS's QueryResourcesInfo to read
// each agent's live report; the Resource View is not updated from it.
func (m *Manager) QueryAgentResources(ctx context.Context, agentID types.AgentId) (*types.ResourceUnit, error) {
	var client *agentclient.Client
	m.call(func() {
		if rs, ok := m.agents[agentID]; ok && rs.enabled {
			client = rs.client
		}
	})
	if client == nil {
		return nil, types.NewStatus(types.CodeNotFound, "query_agent_resources: unknown agent %s", agentID)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	return client.Resources(ctx)
}

// SetLocalStatus persists a new local_status for the whole proxy.
func (m *Manager) SetLocalStatus(ctx context.Context, status types.LocalStatus) *types.Status {
	var st *types.Status
	m.call(func() {
		prev := m.local
		m.local = status
		if st = m.persistLocked(ctx); !st.IsOK() {
			m.local = prev
		}
	})
	return st
}

// EvictAgentRequest is the wire shape of evict_agent().
type EvictAgentRequest struct {
	AgentID         types.AgentId
	EvictTimeoutSec int32
}

// EvictAgent drives the three-phase eviction protocol described in
// SPEC_FULL.md's FAM section.
func (m *Manager) EvictAgent(ctx context.Context, req EvictAgentRequest) *types.Status {
	var status *types.Status
	m.call(func() {
		status = m.doEvictAgent(ctx, req)
	})
	return status
}

func (m *Manager) doEvictAgent(ctx context.Context, req EvictAgentRequest) *types.Status {
	rs, ok := m.agents[req.AgentID]
	if !ok {
		return types.NewStatus(types.CodeParameterError, "evict_agent: unknown agent %s", req.AgentID)
	}

	// S3: an evict racing a recovery in flight. Chain behind the recover
	// promise instead of acting on a half-recovered agent, then re-invoke
	// evict_agent once recovery settles one way or the other.
	if rs.recovering {
		done := rs.recoverDone
		m.log.Info("evict_agent: agent recovering, deferring until recovery settles", zap.String("agent_id", req.AgentID))
		go func() {
			<-done
			m.doEvictAgentSafe(ctx, req)
		}()
		return types.OK("agent recovering; eviction deferred until recovery completes")
	}

	switch rs.reg.Status {
	case types.RegisEvicting:
		return types.OK("eviction already in flight")
	case types.RegisEvicted:
		return types.OK("already evicted")
	}

	// Phase 1: Success -> Evicting, persisted.
	prevStatus := rs.reg.Status
	rs.reg.Status = types.RegisEvicting
	rs.reg.EvictTimeoutSec = req.EvictTimeoutSec
	if st := m.persistLocked(ctx); !st.IsOK() {
		rs.reg.Status = prevStatus
		return st
	}

	m.view.UpdateUnitStatus(req.AgentID, types.UnitEvicting)
	m.bm.UpdateBundlesStatus(req.AgentID, types.UnitEvicting)

	// Phase 2: drain instances on the agent.
	timeout := time.Duration(req.EvictTimeoutSec) * time.Second
	err := m.ic.EvictInstanceOnAgent(ctx, req.AgentID, timeout)

	if err != nil {
		rs.reg.Status = types.RegisSuccess
		m.persistLocked(ctx)
		m.view.UpdateUnitStatus(req.AgentID, types.UnitNormal)
		return types.NewStatus(types.CodeInnerCommunication, "evict_agent: drain failed: %s", err)
	}

	// Phase 3: Evicting -> Evicted.
	rs.reg.Status = types.RegisEvicted
	m.view.DeleteUnit(req.AgentID)
	m.persistLocked(ctx)
	m.hb.Delete(req.AgentID)
	metrics.IncAgentsEvicted(1)
	return types.OK("evicted")
}

// GracefulShutdown evicts every non-terminal agent in parallel, then tears
// down this node's persisted agent-info record entirely.
func (m *Manager) GracefulShutdown(ctx context.Context) *types.Status {
	var (
		toEvict []types.AgentId
	)
	m.call(func() {
		m.local = types.LocalEvicted
		for id, rs := range m.agents {
			switch rs.reg.Status {
			case types.RegisFailed, types.RegisEvicted, types.RegisEvicting:
				continue
			}
			toEvict = append(toEvict, id)
		}
	})

	var wg sync.WaitGroup
	for _, id := range toEvict {
		wg.Add(1)
		go func(agentID types.AgentId) {
			defer wg.Done()
			timeoutSec := int32(30)
			m.call(func() {
				if rs, ok := m.agents[agentID]; ok {
					timeoutSec = rs.reg.EvictTimeoutSec
					if timeoutSec == 0 {
						timeoutSec = 30
					}
				}
			})
			m.doEvictAgentSafe(ctx, EvictAgentRequest{AgentID: agentID, EvictTimeoutSec: timeoutSec})
		}(id)
	}
	wg.Wait()

	m.call(func() { m.abnormal = true }) // blocks any persist_agent_info racing in behind this shutdown

	if err := m.meta.Delete(ctx, metastore.AgentInfoKey(m.cfg.NodeID)); err != nil {
		return types.NewStatus(types.CodeMetaStorageDeleteError, "graceful_shutdown: %s", err)
	}
	return types.OK("shut down")
}

func (m *Manager) doEvictAgentSafe(ctx context.Context, req EvictAgentRequest) {
	var status *types.Status
	m.call(func() { status = m.doEvictAgent(ctx, req) })
	if status != nil && !status.IsOK() {
		m.log.Warn("graceful_shutdown: evict failed", zap.String("agent_id", req.AgentID), zap.Error(status))
	}
}

// onHeartbeatLost runs TimeoutEvent(agent_id), described in SPEC_FULL.md.
func (m *Manager) onHeartbeatLost(agentID string) {
	m.call(func() {
		m.timeoutEventLocked(context.Background(), types.AgentId(agentID))
	})
}

// timeoutEventLocked runs the liveness-loss cascade: the agent's instances
// are failed out, its live resources dropped, and (unless it was already
// Evicted) its persisted status flips to Failed with a deferred GC so a
// restart within InvalidAgentGC can still see why the slot is empty.
func (m *Manager) timeoutEventLocked(ctx context.Context, agentID types.AgentId) {
	rs, ok := m.agents[agentID]
	if !ok {
		return
	}
	m.disableLocked(agentID, types.FailureHeartbeatLoss)
	if rs.reg.Status == types.RegisEvicted {
		delete(m.agents, agentID)
		return
	}
	rs.reg.Status = types.RegisFailed
	m.persistLocked(ctx)
	time.AfterFunc(m.cfg.InvalidAgentGC, func() {
		m.call(func() { m.gcFailedAgentLocked(ctx, agentID) })
	})
}

// disableLocked strips an agent of everything live (resource unit,
// heartbeat tracking, instance ownership) without touching its persisted
// record, so the caller can still choose what status to persist.
func (m *Manager) disableLocked(agentID types.AgentId, reason string) {
	m.ic.PutFailedInstanceStatusByAgentID(agentID, reason)
	if rs, ok := m.agents[agentID]; ok {
		rs.enabled = false
		if rs.watchCancel != nil {
			rs.watchCancel()
			rs.watchCancel = nil
		}
		// unblock anything chained behind this agent's recovery (e.g. a
		// deferred evict_agent from doEvictAgent) instead of leaving it
		// waiting on a recovery that will now never complete.
		closeRecoverDone(rs)
	}
	m.view.DeleteUnit(agentID)
	m.hb.Delete(agentID)
	m.bm.NotifyFailedAgent(agentID)
	metrics.IncInstancesLost(1)
}

// startWatchLocked opens rs's instance-status SSE stream and forwards every
// update into IC, so a status change (e.g. the agent finishing an async
// deploy) reaches IC as soon as it happens rather than at the next poll.
// The watch is best-effort: a stream that never connects just leaves IC
// relying on the RPC responses it already gets from DeployInstance/KillInstance.
func (m *Manager) startWatchLocked(agentID types.AgentId, rs *runtimeState) {
	ctx, cancel := context.WithCancel(context.Background())
	rs.watchCancel = cancel
	events, err := rs.client.WatchInstances(ctx)
	if err != nil {
		m.log.Warn("famgr: instance watch unavailable, falling back to RPC-only status", zap.String("agent_id", agentID), zap.Error(err))
		cancel()
		rs.watchCancel = nil
		return
	}
	go func() {
		for info := range events {
			m.ic.UpdateInstanceStatus(types.InstanceId(info.InstanceID), info.Status, info.Reason)
		}
	}()
}

// teardownLocked fully drops an agent (used when registration itself
// fails partway through and must roll back, with nothing worth persisting).
func (m *Manager) teardownLocked(ctx context.Context, agentID types.AgentId, reason string) {
	m.disableLocked(agentID, reason)
	delete(m.agents, agentID)
}

// gcFailedAgentLocked drops a still-Failed agent's record InvalidAgentGC
// after TimeoutEvent marked it so. If a fresh register() raced in first,
// the live entry it installed must not be clobbered.
func (m *Manager) gcFailedAgentLocked(ctx context.Context, agentID types.AgentId) {
	rs, ok := m.agents[agentID]
	if !ok || rs.reg.Status != types.RegisFailed {
		return
	}
	delete(m.agents, agentID)
	m.persistLocked(ctx)
}

// TenantUpdateInstance records a tenant's instance placement for the
// advisory tenant-affinity cache, firing the configured policy hook.
func (m *Manager) TenantUpdateInstance(tenant string, agentID types.AgentId, firstOnAgent, sameNode bool) {
	if !m.cfg.EnableTenantAffinity {
		return
	}
	m.call(func() {
		switch {
		case firstOnAgent && sameNode:
			m.ten.OnTenantFirstInstanceSchedInLocalPod(tenant, agentID)
		case !sameNode:
			m.ten.OnTenantInstanceSchedInRemotePodOnAnotherNode(tenant, agentID)
		default:
			m.ten.OnTenantInstanceSchedInNewPodOnCurrentNode(tenant, agentID)
		}
	})
}

// TenantDeleteInstance fires the pod-deleted tenant policy hook; allGone
// additionally fires the all-deleted hook.
func (m *Manager) TenantDeleteInstance(tenant string, instanceID types.InstanceId, allGone bool) {
	if !m.cfg.EnableTenantAffinity {
		return
	}
	m.call(func() {
		m.ten.OnTenantInstanceInPodDeleted(tenant, instanceID)
		if allGone {
			m.ten.OnTenantInstanceInPodAllDeleted(tenant)
		}
	})
}

// persistLocked writes the current agent map to the metastore, applying
// the at-most-one-in-flight / single-coalesced-next discipline described
// in SPEC_FULL.md. Must be called from the actor loop.
func (m *Manager) persistLocked(ctx context.Context) *types.Status {
	if m.abnormal {
		return types.NewStatus(types.CodeLocalSchedulerAbnormal, "persist_agent_info: actor is abnormal")
	}

	blob := types.AgentInfoBlob{
		LocalStatus: m.local,
		Agents:      make(map[types.AgentId]*types.AgentRegistration, len(m.agents)),
	}
	for id, rs := range m.agents {
		reg := *rs.reg
		blob.Agents[id] = &reg
	}

	data, err := marshalBlob(blob)
	if err != nil {
		return types.NewStatus(types.CodeParameterError, "persist_agent_info: encode: %s", err)
	}

	m.persistMu.Lock()
	if m.persisting {
		m.pendingPersist = true
		m.persistMu.Unlock()
		return types.OK("coalesced into in-flight write")
	}
	m.persisting = true
	m.persistMu.Unlock()

	err = m.meta.Put(ctx, metastore.AgentInfoKey(m.cfg.NodeID), data)

	m.persistMu.Lock()
	m.persisting = false
	coalesce := m.pendingPersist
	m.pendingPersist = false
	m.persistMu.Unlock()

	if coalesce {
		// Re-serialize current state and fire the coalesced write; errors
		// from the coalesced write are logged, not returned (no caller is
		// waiting on it specifically).
		go func() {
			m.call(func() { m.persistLocked(ctx) })
		}()
	}

	if err != nil {
		return types.NewStatus(types.CodeMetaStoragePutError, "persist_agent_info: %s", err)
	}
	return types.OK("persisted")
}

// Sync reads /yr/agentInfo/<NodeId> once at startup. A missing key is not
// an error; a malformed value is logged and treated as empty.
func (m *Manager) Sync(ctx context.Context) error {
	kv, found, err := m.meta.Get(ctx, metastore.AgentInfoKey(m.cfg.NodeID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	blob, err := unmarshalBlob(kv.Value)
	if err != nil {
		m.log.Warn("sync: malformed agent-info blob, proceeding as empty", zap.Error(err))
		return nil
	}

	m.call(func() {
		m.local = blob.LocalStatus
		for id, reg := range blob.Agents {
			m.recoverAgentLocked(id, reg)
		}
	})
	return nil
}

func (m *Manager) recoverAgentLocked(id types.AgentId, reg *types.AgentRegistration) {
	switch reg.Status {
	case types.RegisFailed, types.RegisEvicted:
		m.agents[id] = &runtimeState{reg: reg, enabled: false}
		return
	case types.RegisEvicting:
		m.agents[id] = &runtimeState{reg: reg, enabled: false}
		// an agent persisted mid-eviction stays disabled with its Evicting
		// status; no evict result is sent upstream for it.
		m.log.Info("recover: agent restarted mid-eviction, left disabled as Evicting", zap.String("agent_id", id))
		return
	}

	client, err := agentclient.New(reg.AgentAddress)
	if err != nil {
		m.log.Warn("recover: invalid persisted address, marking failed", zap.String("agent_id", id), zap.Error(err))
		reg.Status = types.RegisFailed
		m.agents[id] = &runtimeState{reg: reg, enabled: false}
		return
	}
	rs := &runtimeState{
		reg:           reg,
		enabled:       false,
		client:        client,
		recovering:    true,
		recoverSignal: make(chan struct{}),
		recoverDone:   make(chan struct{}),
	}
	m.agents[id] = rs
	m.hb.Add(id)
	go m.awaitRecovery(id, rs)
}

// recoverAgentResolveTimeout bounds how long awaitRecovery waits for a live
// resource report before completing the recovery without one.
const recoverAgentResolveTimeout = 3 * time.Second

// awaitRecovery runs off the actor goroutine (it blocks), then hands back
// into the actor loop to finish recovering id once rs's agent proves live
// (UpdateResources closes recoverSignal) or the heuristic timeout elapses.
func (m *Manager) awaitRecovery(id types.AgentId, rs *runtimeState) {
	select {
	case <-rs.recoverSignal:
	case <-time.After(recoverAgentResolveTimeout):
	}
	m.call(func() { m.completeRecoveryLocked(id) })
}

// completeRecoveryLocked re-admits id to scheduling: IC told to reconcile
// whatever instances the restarted agent reports, and the watch stream
// restarted. It adds no unit to R; the agent's unit appears there only once
// the agent sends UpdateResources, so a recovery completed by the timeout
// leaves R without one. Stale by the time it runs (the agent was disabled
// or evicted out from under the recovery) is a no-op.
func (m *Manager) completeRecoveryLocked(id types.AgentId) {
	rs, ok := m.agents[id]
	if !ok || !rs.recovering {
		return
	}
	closeRecoverDone(rs)
	if err := m.ic.SyncInstances(context.Background(), id); err != nil {
		m.log.Warn("recover: sync instances failed, failing agent", zap.String("agent_id", id), zap.Error(err))
		m.sendCleanStatusAsync(id, rs.client)
		m.disableLocked(id, types.FailureRuntimeMgr)
		rs.reg.Status = types.RegisFailed
		m.persistLocked(context.Background())
		return
	}
	rs.enabled = true
	m.startWatchLocked(id, rs)
	m.log.Info("recover: agent resumed scheduling", zap.String("agent_id", id))
}

// sendCleanStatusAsync retries CleanStatus against client up to
// MaxRetrySendCleanStatus times at RetryCycle cadence, off the actor
// goroutine since the caller (register/recover failure) has already
// returned. Best-effort: the agent is already being torn down on this
// side regardless of whether the notification lands.
func (m *Manager) sendCleanStatusAsync(agentID types.AgentId, client *agentclient.Client) {
	if client == nil {
		return
	}
	go func() {
		ctx := context.Background()
		for attempt := uint(0); attempt < m.cfg.MaxRetrySendCleanStatus; attempt++ {
			if err := client.CleanStatus(ctx); err == nil {
				return
			}
			time.Sleep(m.cfg.RetryCycle)
		}
		m.log.Warn("clean_status: exhausted retries", zap.String("agent_id", agentID))
	}()
}

// QueryDebugInstanceInfos fans out QueryDebugInstanceInfos to every
// currently enabled agent and persists each returned blob verbatim under
// /yr/debug/<InstanceId>, so an operator (via LSS) or a periodic sweep can
// pull opaque per-instance debug state without the agent needing its own
// durable store for it.
func (m *Manager) QueryDebugInstanceInfos(ctx context.Context) *types.Status {
	type target struct {
		id     types.AgentId
		client *agentclient.Client
	}
	var targets []target
	m.call(func() {
		for id, rs := range m.agents {
			if rs.enabled {
				targets = append(targets, target{id: id, client: rs.client})
			}
		}
	})

	var lastErr error
	for _, t := range targets {
		infos, err := t.client.QueryDebugInstanceInfos(ctx)
		if err != nil {
			m.log.Warn("query_debug_instance_infos: agent fetch failed", zap.String("agent_id", t.id), zap.Error(err))
			lastErr = err
			continue
		}
		for _, info := range infos {
			data, err := json.Marshal(info)
			if err != nil {
				continue
			}
			if err := m.meta.Put(ctx, metastore.DebugKey(info.InstanceID), data); err != nil {
				m.log.Warn("query_debug_instance_infos: persist failed", zap.String("instance_id", info.InstanceID), zap.Error(err))
				lastErr = err
			}
		}
	}
	if lastErr != nil {
		return types.NewStatus(types.CodeInnerCommunication, "query_debug_instance_infos: %s", lastErr)
	}
	return types.OK("debug infos refreshed")
}

func marshalBlob(b types.AgentInfoBlob) ([]byte, error) { return json.Marshal(b) }
func unmarshalBlob(data []byte) (types.AgentInfoBlob, error) {
	var b types.AgentInfoBlob
	err := json.Unmarshal(data, &b)
	return b, err
}
