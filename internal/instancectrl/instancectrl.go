// Package instancectrl implements Instance Control (IC): the per-instance
// authority that orders admission, dispatches deploys, classifies and
// retries failures, forwards kills, drains agents on eviction, and notifies
// readiness — one single-threaded actor per spec, same request/response
// mailbox shape as famgr.Manager and bundlemgr.Manager.
package instancectrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/agentclient"
	"github.com/soundcloud/fnproxy/internal/bundlemgr"
	"github.com/soundcloud/fnproxy/internal/metrics"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// AgentDispatcher is FAM's surface that IC drives to actually deploy/kill
// on an agent. famgr.Manager satisfies this by its method set.
type AgentDispatcher interface {
	DeployInstance(ctx context.Context, agentID types.AgentId, req agentclient.DeployRequest) (*agentclient.InstanceInfo, error)
	KillInstance(ctx context.Context, agentID types.AgentId, instanceID types.InstanceId, isRecovering bool) error
}

// BundleBinder is BM's reserve/bind surface, per spec §2's "IC -> BM
// (reserve, bind) -> IC (deploy)" data flow: IC settles a placement's
// actual resource shape and binding token through BM before dispatching a
// deploy, instead of acting on the raw ask. Nil means BM isn't wired in
// (e.g. unit tests), and advance falls back to placing directly via
// Decision against the Resource View, as it did before BM existed.
type BundleBinder interface {
	Reserve(ctx context.Context, req types.ScheduleRequest) (*types.ScheduleResult, *types.Status)
	Bind(ctx context.Context, req bundlemgr.BindRequest) (*types.Bundle, *types.Status)
	Unreserve(requestID string) *types.Status
	Unbind(ctx context.Context, bundleID string) *types.Status
}

// Config is the slice of internal/config.Config IC consumes.
type Config struct {
	RecoverRetryTimes        uint
	MaxForwardKillRetryTimes uint
	MaxForwardKillRetryCycle time.Duration
}

// instance is IC's per-instance state record.
type instance struct {
	req          types.ScheduleRequest
	status       types.InstanceStatus
	agentID      types.AgentId
	bundleID     string
	seq          uint64
	retries      uint
	callbacks    []func(types.InstanceStatus, error)
	dependencies []string
}

// Manager is the IC actor.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	view    *resourceview.View
	agents  AgentDispatcher
	decide  Decision
	limit   *RateLimiter
	bundles BundleBinder

	reqs chan func()
	quit chan chan struct{}

	instances map[types.InstanceId]*instance
	nextSeq   uint64
	admitting bool // false once GracefulShutdown disables admission

	readyDeps func(deps []string) bool
}

// New builds the IC actor. readyDeps, if non-nil, reports whether a set of
// dependency references are all Ready; nil means no dependency gating.
func New(cfg Config, log *zap.Logger, view *resourceview.View, agents AgentDispatcher, decide Decision, limit *RateLimiter, readyDeps func([]string) bool) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       log,
		view:      view,
		agents:    agents,
		decide:    decide,
		limit:     limit,
		reqs:      make(chan func(), 128),
		quit:      make(chan chan struct{}),
		instances: make(map[types.InstanceId]*instance),
		admitting: true,
		readyDeps: readyDeps,
	}
	go m.loop()
	return m
}

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

func (m *Manager) call(fn func()) {
	done := make(chan struct{})
	m.reqs <- func() {
		fn()
		close(done)
	}
	<-done
}

func (m *Manager) Stop() {
	q := make(chan struct{})
	m.quit <- q
	<-q
}

// SetBundleBinder wires BM into IC's placement path after both are
// constructed, the same late-binding shape main.go already uses to break
// the famgr/IC construction cycle. Called once during startup; a nil
// binder (the default) preserves the pre-BM direct-Decision behavior.
func (m *Manager) SetBundleBinder(b BundleBinder) {
	m.call(func() { m.bundles = b })
}

// Schedule admits req, assigning it a monotonic sequence number, and
// (synchronously, within the actor) attempts placement and deploy. A
// caller that only needs to be told when the instance becomes Running
// should pass cb to RegisterReadyCallback before or instead of blocking on
// the returned error.
func (m *Manager) Schedule(ctx context.Context, req types.ScheduleRequest, deps []string) error {
	if m.limit != nil && !m.limit.Allow(req.RequestID) {
		metrics.IncScheduleFailures(1)
		return types.NewStatus(types.CodeParameterError, "schedule: rate limited")
	}
	metrics.IncScheduleReqs(1)

	var admitted bool
	m.call(func() {
		if !m.admitting {
			return
		}
		m.nextSeq++
		m.instances[req.InstanceID] = &instance{
			req:          req,
			status:       types.InstancePending,
			seq:          m.nextSeq,
			dependencies: deps,
		}
		admitted = true
	})
	if !admitted {
		metrics.IncScheduleFailures(1)
		return types.NewStatus(types.CodeLocalSchedulerAbnormal, "schedule: admission disabled")
	}

	if err := m.advance(ctx, req.InstanceID); err != nil {
		metrics.IncScheduleFailures(1)
		return err
	}
	return nil
}

// advance drives one instance from Pending through Scheduling/Creating to
// Running (or Failed), dispatching a deploy RPC once placement succeeds.
func (m *Manager) advance(ctx context.Context, instanceID types.InstanceId) error {
	var inst *instance
	m.call(func() { inst = m.instances[instanceID] })
	if inst == nil {
		return types.NewStatus(types.CodeNotFound, "advance: unknown instance %s", instanceID)
	}

	if m.readyDeps != nil && len(inst.dependencies) > 0 && !m.readyDeps(inst.dependencies) {
		m.setStatus(instanceID, types.InstanceFailed)
		m.fireCallbacks(instanceID, types.InstanceFailed, fmt.Errorf("dependency not ready"))
		return types.NewStatus(types.CodeParameterError, "advance: dependency not ready for %s", instanceID)
	}

	m.setStatus(instanceID, types.InstanceScheduling)

	agentID, resources, bundleID, bindingToken, err := m.reserveAndBind(ctx, inst.req)
	if err != nil {
		m.setStatus(instanceID, types.InstanceFailed)
		m.fireCallbacks(instanceID, types.InstanceFailed, err)
		return types.NewStatus(types.CodeResourceNotEnough, "advance: %s", err)
	}

	m.call(func() { inst.agentID = agentID; inst.bundleID = bundleID })
	m.setStatus(instanceID, types.InstanceCreating)

	info, err := m.agents.DeployInstance(ctx, agentID, agentclient.DeployRequest{
		InstanceID:   string(instanceID),
		FunctionRef:  inst.req.ResourceGroupRef,
		Resources:    resources,
		BindingToken: bindingToken,
	})
	if err != nil {
		return m.handleDeployFailure(ctx, instanceID, agentID, err)
	}

	m.setStatus(instanceID, info.Status)
	if terminal(info.Status) {
		m.fireCallbacks(instanceID, info.Status, nil)
	}
	return nil
}

// reserveAndBind settles req's placement through BM's two-phase Reserve
// then Bind, then derives the deploy-facing agent/resources from the
// bound Bundle via bundlemgr.GenInstanceInfo — the bundle's settled
// allocation, not the raw ask, since BM may have rounded or packed it
// differently. Falls back to placing directly via Decision when no
// BundleBinder is wired in.
func (m *Manager) reserveAndBind(ctx context.Context, req types.ScheduleRequest) (agentID types.AgentId, resources map[string]float64, bundleID, bindingToken string, err error) {
	if m.bundles == nil {
		units := m.view.SerializeView()
		agentID, err = m.decide.Place(req, units)
		return agentID, req.ResourceSpec, "", "", err
	}

	result, st := m.bundles.Reserve(ctx, req)
	if st != nil && !st.IsOK() {
		return "", nil, "", "", st
	}

	bundle, st := m.bundles.Bind(ctx, bundlemgr.BindRequest{
		RequestID:         req.RequestID,
		ResourceGroupName: req.ResourceGroupRef,
	})
	if st != nil && !st.IsOK() {
		m.bundles.Unreserve(req.RequestID)
		return "", nil, "", "", st
	}

	agentID, resources = bundlemgr.GenInstanceInfo(req.InstanceID, bundle, result.BindingToken)
	return agentID, resources, bundle.BundleID, result.BindingToken, nil
}

// releaseBundle drops instanceID's bundle binding, if any, once the
// instance reaches a terminal state — so a killed or permanently failed
// instance doesn't hold its resource-group allocation forever.
func (m *Manager) releaseBundle(ctx context.Context, instanceID types.InstanceId) {
	if m.bundles == nil {
		return
	}
	var bundleID string
	m.call(func() {
		if inst, ok := m.instances[instanceID]; ok {
			bundleID = inst.bundleID
			inst.bundleID = ""
		}
	})
	if bundleID == "" {
		return
	}
	if st := m.bundles.Unbind(ctx, bundleID); st != nil && !st.IsOK() {
		m.log.Warn("release bundle failed", zap.String("instance_id", string(instanceID)), zap.String("bundle_id", bundleID), zap.Error(st))
	}
}

func (m *Manager) handleDeployFailure(ctx context.Context, instanceID types.InstanceId, agentID types.AgentId, cause error) error {
	reason := types.ClassifyDeployFailure(cause)
	return m.RescheduleAfterJudgeRecoverable(ctx, instanceID, agentID, reason)
}

// RescheduleAfterJudgeRecoverable classifies the most recent failure for
// instanceID and either re-enqueues it (up to RecoverRetryTimes) or fails
// it terminally.
func (m *Manager) RescheduleAfterJudgeRecoverable(ctx context.Context, instanceID types.InstanceId, agentID types.AgentId, reason string) error {
	if !types.IsRecoverableFailure(reason) {
		m.setStatus(instanceID, types.InstanceFailed)
		m.fireCallbacks(instanceID, types.InstanceFailed, fmt.Errorf("%s", reason))
		m.releaseBundle(ctx, instanceID)
		return types.NewStatus(types.CodeParameterError, "non-recoverable failure: %s", reason)
	}

	var (
		retries uint
		inst    *instance
	)
	m.call(func() {
		inst = m.instances[instanceID]
		if inst == nil {
			return
		}
		inst.retries++
		retries = inst.retries
	})
	if inst == nil {
		return types.NewStatus(types.CodeNotFound, "reschedule: unknown instance %s", instanceID)
	}
	if retries > m.cfg.RecoverRetryTimes {
		m.setStatus(instanceID, types.InstanceFailed)
		m.fireCallbacks(instanceID, types.InstanceFailed, fmt.Errorf("exhausted recover retries: %s", reason))
		m.releaseBundle(ctx, instanceID)
		return types.NewStatus(types.CodeRecoverable, "reschedule: retries exhausted for %s", instanceID)
	}

	m.setStatus(instanceID, types.InstanceRecoverable)
	return m.advance(ctx, instanceID)
}

// CancelSchedule withdraws instanceID from admission if it hasn't started
// deploying yet. Once an instance reaches Creating or later, cancellation
// is too late and the caller should issue a kill instead.
func (m *Manager) CancelSchedule(instanceID types.InstanceId) *types.Status {
	var status *types.Status
	m.call(func() {
		inst, ok := m.instances[instanceID]
		if !ok {
			status = types.NewStatus(types.CodeNotFound, "try_cancel_schedule: unknown instance %s", instanceID)
			return
		}
		switch inst.status {
		case types.InstancePending, types.InstanceScheduling:
			inst.status = types.InstanceFailed
			status = types.OK("schedule cancelled")
		default:
			status = types.NewStatus(types.CodeParameterError, "try_cancel_schedule: instance %s already past scheduling (%s)", instanceID, inst.status)
		}
	})
	if status != nil && status.IsOK() {
		m.fireCallbacks(instanceID, types.InstanceFailed, fmt.Errorf("cancelled"))
	}
	return status
}

// ForwardKill routes a kill for instanceID that originated on another node,
// retrying MaxForwardKillRetryTimes at MaxForwardKillRetryCycle cadence.
func (m *Manager) ForwardKill(ctx context.Context, instanceID types.InstanceId) error {
	var inst *instance
	m.call(func() { inst = m.instances[instanceID] })
	if inst == nil {
		return types.NewStatus(types.CodeNotFound, "forward_kill: unknown instance %s", instanceID)
	}

	var lastErr error
	for attempt := uint(0); attempt <= m.cfg.MaxForwardKillRetryTimes; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.MaxForwardKillRetryCycle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.agents.KillInstance(ctx, inst.agentID, instanceID, false); err != nil {
			lastErr = err
			continue
		}
		m.setStatus(instanceID, types.InstanceKilled)
		m.fireCallbacks(instanceID, types.InstanceKilled, nil)
		m.releaseBundle(ctx, instanceID)
		return nil
	}
	return types.NewStatus(types.CodeInnerCommunication, "forward_kill: exhausted retries: %s", lastErr)
}

// EvictInstanceOnAgent drains every instance owned by agentID: it kills
// each gracefully (the agent's own evict_timeout_sec bounds how long the
// caller should wait before treating a non-responder as force-killed) and
// reports the aggregate outcome to FAM's eviction protocol.
func (m *Manager) EvictInstanceOnAgent(ctx context.Context, agentID types.AgentId, timeout time.Duration) error {
	var targets []types.InstanceId
	m.call(func() {
		for id, inst := range m.instances {
			if inst.agentID == agentID {
				targets = append(targets, id)
			}
		}
	})

	drainCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		drainCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for _, id := range targets {
		wg.Add(1)
		go func(instanceID types.InstanceId) {
			defer wg.Done()
			m.setStatus(instanceID, types.InstanceEvicting)
			err := m.agents.KillInstance(drainCtx, agentID, instanceID, false)
			if err != nil {
				errs <- err
				return
			}
			m.setStatus(instanceID, types.InstanceEvicted)
			m.fireCallbacks(instanceID, types.InstanceEvicted, nil)
			m.releaseBundle(context.Background(), instanceID)
		}(id)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PutFailedInstanceStatusByAgentID fails every instance owned by agentID
// with reason. Implements famgr.InstanceController (agent lost/TimeoutEvent).
func (m *Manager) PutFailedInstanceStatusByAgentID(agentID types.AgentId, reason string) {
	var targets []types.InstanceId
	m.call(func() {
		for id, inst := range m.instances {
			if inst.agentID == agentID {
				targets = append(targets, id)
			}
		}
	})
	for _, id := range targets {
		m.setStatus(id, types.InstanceFailed)
		m.fireCallbacks(id, types.InstanceFailed, fmt.Errorf("%s", reason))
		m.releaseBundle(context.Background(), id)
	}
}

// SyncInstances re-establishes IC's view of agentID's instances on
// register/recover; a minimal implementation since the agent itself is
// authoritative for what's actually running and reports it via
// update_instance_status as it comes back up.
func (m *Manager) SyncInstances(ctx context.Context, agentID types.AgentId) error {
	return nil
}

// UpdateInstanceStatus applies a status transition reported by an agent
// (forwarded from FAM's update_instance_status), and fires any registered
// ready callback on a terminal or Running transition.
func (m *Manager) UpdateInstanceStatus(instanceID types.InstanceId, status types.InstanceStatus, reason string) {
	m.setStatus(instanceID, status)
	if !terminal(status) {
		return
	}
	var err error
	if reason != "" {
		err = fmt.Errorf("%s", reason)
	}
	m.fireCallbacks(instanceID, status, err)
}

// RegisterReadyCallback invokes cb exactly once, on instanceID's next
// Running transition or terminal failure. If the instance is already in a
// terminal/Running state, cb fires immediately from the caller's
// goroutine.
func (m *Manager) RegisterReadyCallback(instanceID types.InstanceId, cb func(types.InstanceStatus, error)) {
	var fireNow *instance
	m.call(func() {
		inst, ok := m.instances[instanceID]
		if !ok {
			return
		}
		if terminal(inst.status) {
			fireNow = inst
			return
		}
		inst.callbacks = append(inst.callbacks, cb)
	})
	if fireNow != nil {
		cb(fireNow.status, nil)
	}
}

func terminal(s types.InstanceStatus) bool {
	switch s {
	case types.InstanceRunning, types.InstanceFailed, types.InstanceEvicted, types.InstanceKilled:
		return true
	default:
		return false
	}
}

// GracefulShutdown disables further admission, then drains every
// in-flight instance by forcing a kill, tolerating per-instance failure.
func (m *Manager) GracefulShutdown(ctx context.Context) {
	var targets []types.InstanceId
	m.call(func() {
		m.admitting = false
		for id := range m.instances {
			targets = append(targets, id)
		}
	})

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(instanceID types.InstanceId) {
			defer wg.Done()
			var agentID types.AgentId
			m.call(func() {
				if inst, ok := m.instances[instanceID]; ok {
					agentID = inst.agentID
				}
			})
			if agentID == "" {
				return
			}
			if err := m.agents.KillInstance(ctx, agentID, instanceID, false); err != nil {
				m.log.Warn("graceful_shutdown: kill failed", zap.String("instance_id", instanceID), zap.Error(err))
				return
			}
			m.setStatus(instanceID, types.InstanceKilled)
			m.releaseBundle(ctx, instanceID)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) setStatus(instanceID types.InstanceId, status types.InstanceStatus) {
	m.call(func() {
		if inst, ok := m.instances[instanceID]; ok {
			inst.status = status
		}
	})
}

func (m *Manager) fireCallbacks(instanceID types.InstanceId, status types.InstanceStatus, err error) {
	var cbs []func(types.InstanceStatus, error)
	m.call(func() {
		inst, ok := m.instances[instanceID]
		if !ok {
			return
		}
		cbs = inst.callbacks
		inst.callbacks = nil
	})
	for _, cb := range cbs {
		cb(status, err)
	}
}

// Status returns the current status of instanceID.
func (m *Manager) Status(instanceID types.InstanceId) (types.InstanceStatus, bool) {
	var (
		status types.InstanceStatus
		ok     bool
	)
	m.call(func() {
		inst, exists := m.instances[instanceID]
		ok = exists
		if exists {
			status = inst.status
		}
	})
	return status, ok
}
