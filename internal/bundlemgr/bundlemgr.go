// Package bundlemgr implements the Bundle Manager (BM): two-phase
// reserve→bind of resource groups against the Resource View, with
// timeout-driven rollback of reservations that never bind, and persisted
// per-node ownership of bound bundles.
//
// Like famgr.Manager, BM is a single-threaded actor: every public method
// is dispatched through one mailbox channel so the reserve/bind/unbind
// state machine never needs its own locking.
package bundlemgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/metastore"
	"github.com/soundcloud/fnproxy/internal/metrics"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// Store mirrors famgr.Store, narrowed from metastore.Client for testing.
type Store interface {
	Get(ctx context.Context, key string) (*metastore.KV, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Scheduler decides which agent (and how much of each resource) a Reserve
// request should land on. IC supplies the shipped implementation
// (schedule_decision.Filter/Scorer); BM only calls through this interface.
type Scheduler interface {
	Place(ctx context.Context, req types.ScheduleRequest) (*types.ScheduleResult, error)
}

// reservation is BM's bookkeeping for a Reserved (not yet bound) bundle.
type reservation struct {
	req       types.ScheduleRequest
	result    types.ScheduleResult
	expiresAt time.Time
	timer     *time.Timer
}

// Config is the slice of internal/config.Config that BM consumes.
type Config struct {
	NodeID               types.NodeId
	BundleReserveTimeout time.Duration
}

// Manager is the BM actor.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	meta  Store
	view  *resourceview.View
	sched Scheduler

	reqs chan func()
	quit chan chan struct{}

	reservations map[string]*reservation      // keyed by request_id
	bundles      map[string]*types.Bundle      // keyed by bundle_id

	persistMu      sync.Mutex
	persisting     bool
	pendingPersist bool
}

func New(cfg Config, log *zap.Logger, meta Store, view *resourceview.View, sched Scheduler) *Manager {
	m := &Manager{
		cfg:          cfg,
		log:          log,
		meta:         meta,
		view:         view,
		sched:        sched,
		reqs:         make(chan func(), 64),
		quit:         make(chan chan struct{}),
		reservations: make(map[string]*reservation),
		bundles:      make(map[string]*types.Bundle),
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

// Reserve places a ScheduleRequest via the Scheduler, pre-deducts the
// result into the virtual resource view, and arms a reserve-expire timer.
// A duplicate request_id is rejected, matching the "armed exactly once"
// rule: a second reserve for the same id is not a timer reset.
func (m *Manager) Reserve(ctx context.Context, req types.ScheduleRequest) (*types.ScheduleResult, *types.Status) {
	var (
		result *types.ScheduleResult
		status *types.Status
	)
	m.call(func() {
		if _, exists := m.reservations[req.RequestID]; exists {
			status = types.NewStatus(types.CodeParameterError, "reserve: duplicate request_id %s", req.RequestID)
			return
		}
		res, err := m.sched.Place(ctx, req)
		if err != nil {
			status = types.NewStatus(types.CodeResourceNotEnough, "reserve: %s", err)
			return
		}

		m.view.UpdateUnit(res.AgentID, resourceview.Virtual, func(u *types.ResourceUnit) {
			for name, qty := range res.Allocated {
				u.Usage[name] += qty
			}
		})

		r := &reservation{
			req:       req,
			result:    *res,
			expiresAt: time.Now().Add(m.cfg.BundleReserveTimeout),
		}
		r.timer = time.AfterFunc(m.cfg.BundleReserveTimeout, func() {
			m.call(func() { m.expireReservationLocked(req.RequestID) })
		})
		m.reservations[req.RequestID] = r

		metrics.IncBundlesReserved(1)
		result = res
	})
	return result, status
}

func (m *Manager) expireReservationLocked(requestID string) {
	r, ok := m.reservations[requestID]
	if !ok {
		return
	}
	m.rollbackReservationLocked(r)
	delete(m.reservations, requestID)
	m.log.Info("reservation expired unbound", zap.String("request_id", requestID))
}

func (m *Manager) rollbackReservationLocked(r *reservation) {
	m.view.UpdateUnit(r.result.AgentID, resourceview.Virtual, func(u *types.ResourceUnit) {
		for name, qty := range r.result.Allocated {
			u.Usage[name] -= qty
		}
	})
}

// Unreserve cancels a pending reservation and rolls back its virtual
// pre-deduction.
func (m *Manager) Unreserve(requestID string) *types.Status {
	var status *types.Status
	m.call(func() {
		r, ok := m.reservations[requestID]
		if !ok {
			status = types.NewStatus(types.CodeNotFound, "unreserve: no such reservation %s", requestID)
			return
		}
		r.timer.Stop()
		m.rollbackReservationLocked(r)
		delete(m.reservations, requestID)
		status = types.OK("unreserved")
	})
	return status
}

// BindRequest names the reservation to promote and the group metadata a
// persisted Bundle carries.
type BindRequest struct {
	RequestID         string
	ResourceGroupName string
	BundleIndex       int32
}

// Bind promotes a ReservedContext to a persisted Bundle. On persist
// failure the virtual pre-deduction is left untouched (rollback is the
// caller's to retry via the same request_id) and the error is returned.
func (m *Manager) Bind(ctx context.Context, req BindRequest) (*types.Bundle, *types.Status) {
	var (
		bundle *types.Bundle
		status *types.Status
	)
	m.call(func() {
		r, ok := m.reservations[req.RequestID]
		if !ok {
			status = types.NewStatus(types.CodeNotFound, "bind: no such reservation %s", req.RequestID)
			return
		}
		r.timer.Stop()

		b := &types.Bundle{
			BundleID:          uuid.NewString(),
			OwningAgentID:     r.result.AgentID,
			ResourceGroupName: req.ResourceGroupName,
			BundleIndex:       req.BundleIndex,
			Resources:         r.result.Allocated,
			Status:            types.BundleNormal,
		}

		prevBundles := m.snapshotBundlesLocked()
		m.bundles[b.BundleID] = b
		if st := m.persistLocked(ctx); !st.IsOK() {
			m.bundles = prevBundles
			status = st
			return
		}

		delete(m.reservations, req.RequestID)
		// the reservation's virtual pre-deduction on the owning agent's unit
		// is replaced by the bundle's own unit below; rolling it back first
		// keeps reserve;bind;unbind from leaving R permanently inflated.
		m.rollbackReservationLocked(r)
		unit := GenResourceUnit(b)
		m.view.AddUnit(unit, resourceview.Actual)
		metrics.IncBundlesBound(1)
		bundle = b
		status = types.OK("bound")
	})
	return bundle, status
}

func (m *Manager) snapshotBundlesLocked() map[string]*types.Bundle {
	cp := make(map[string]*types.Bundle, len(m.bundles))
	for k, v := range m.bundles {
		b := *v
		cp[k] = &b
	}
	return cp
}

// Unbind is symmetric to Bind: it deletes the persisted bundle and its
// Resource View unit.
func (m *Manager) Unbind(ctx context.Context, bundleID string) *types.Status {
	var status *types.Status
	m.call(func() {
		b, ok := m.bundles[bundleID]
		if !ok {
			status = types.NewStatus(types.CodeNotFound, "unbind: no such bundle %s", bundleID)
			return
		}
		prevBundles := m.snapshotBundlesLocked()
		delete(m.bundles, bundleID)
		if st := m.persistLocked(ctx); !st.IsOK() {
			m.bundles = prevBundles
			status = st
			return
		}
		m.view.DeleteUnit(b.BundleID)
		status = types.OK("unbound")
	})
	return status
}

// RemoveBundle deletes a bundle outright (group destroyed upstream).
func (m *Manager) RemoveBundle(ctx context.Context, bundleID string) *types.Status {
	return m.Unbind(ctx, bundleID)
}

// SyncBundles adds a Resource View unit for each of agentID's bundles in
// BM's in-memory table that has none yet; BM's own tables are not reloaded
// from the metastore here. Idempotent, safe to call on every
// FAM.register().
func (m *Manager) SyncBundles(ctx context.Context, agentID types.AgentId) error {
	var outerErr error
	m.call(func() {
		for _, b := range m.bundles {
			if b.OwningAgentID != agentID {
				continue
			}
			if _, exists := m.view.GetUnit(b.BundleID); !exists {
				m.view.AddUnit(GenResourceUnit(b), resourceview.Actual)
			}
		}
	})
	return outerErr
}

// SyncFailedBundles deletes any bundle whose owning agent is missing from
// liveAgents or marked Failed.
func (m *Manager) SyncFailedBundles(liveAgents map[types.AgentId]bool) {
	m.call(func() {
		for id, b := range m.bundles {
			if !liveAgents[b.OwningAgentID] {
				delete(m.bundles, id)
				m.view.DeleteUnit(id)
			}
		}
	})
}

// NotifyFailedAgent marks all of agentID's bundles Failed and removes them
// from the Resource View. Implements famgr.BundleNotifier.
func (m *Manager) NotifyFailedAgent(agentID types.AgentId) {
	m.call(func() {
		for id, b := range m.bundles {
			if b.OwningAgentID != agentID {
				continue
			}
			b.Status = types.BundleToBeDelete
			m.view.DeleteUnit(id)
		}
	})
}

// UpdateBundlesStatus propagates an agent's unit status down to its
// bundles. Implements famgr.BundleNotifier.
func (m *Manager) UpdateBundlesStatus(agentID types.AgentId, status types.UnitStatus) {
	m.call(func() {
		bundleStatus := bundleStatusFor(status)
		for _, b := range m.bundles {
			if b.OwningAgentID == agentID {
				b.Status = bundleStatus
			}
		}
	})
}

func bundleStatusFor(s types.UnitStatus) types.BundleStatus {
	switch s {
	case types.UnitEvicting:
		return types.BundleEvicting
	case types.UnitRecovering:
		return types.BundleRecovering
	case types.UnitFailed:
		return types.BundleToBeDelete
	default:
		return types.BundleNormal
	}
}

func (m *Manager) persistLocked(ctx context.Context) *types.Status {
	blob := types.BundlesBlob{Bundles: m.bundles}
	data, err := json.Marshal(blob)
	if err != nil {
		return types.NewStatus(types.CodeParameterError, "persist_bundles: encode: %s", err)
	}

	m.persistMu.Lock()
	if m.persisting {
		m.pendingPersist = true
		m.persistMu.Unlock()
		return types.OK("coalesced into in-flight write")
	}
	m.persisting = true
	m.persistMu.Unlock()

	err = m.meta.Put(ctx, metastore.BundlesKey(m.cfg.NodeID), data)

	m.persistMu.Lock()
	m.persisting = false
	coalesce := m.pendingPersist
	m.pendingPersist = false
	m.persistMu.Unlock()

	if coalesce {
		go func() { m.call(func() { m.persistLocked(ctx) }) }()
	}

	if err != nil {
		return types.NewStatus(types.CodeMetaStoragePutError, "persist_bundles: %s", err)
	}
	return types.OK("persisted")
}

// Sync reads the persisted bundle map once at startup.
func (m *Manager) Sync(ctx context.Context) error {
	kv, found, err := m.meta.Get(ctx, metastore.BundlesKey(m.cfg.NodeID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var blob types.BundlesBlob
	if err := json.Unmarshal(kv.Value, &blob); err != nil {
		m.log.Warn("sync: malformed bundles blob, proceeding as empty", zap.Error(err))
		return nil
	}
	m.call(func() {
		for id, b := range blob.Bundles {
			m.bundles[id] = b
			m.view.AddUnit(GenResourceUnit(b), resourceview.Actual)
		}
	})
	return nil
}
