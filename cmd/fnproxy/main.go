// Command fnproxy is the per-node function-proxy entrypoint: it wires
// together the Metastore client, Leader elector, Resource View, Bundle
// Manager, Function-Agent Manager, Instance Control, and the
// Local-Scheduler Service HTTP façade, then serves until interrupted.
// Grounded on harpoon-scheduler/main.go's flag-parse-then-wire shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/soundcloud/fnproxy/internal/bundlemgr"
	"github.com/soundcloud/fnproxy/internal/config"
	"github.com/soundcloud/fnproxy/internal/famgr"
	"github.com/soundcloud/fnproxy/internal/instancectrl"
	"github.com/soundcloud/fnproxy/internal/leader"
	"github.com/soundcloud/fnproxy/internal/logging"
	"github.com/soundcloud/fnproxy/internal/lss"
	"github.com/soundcloud/fnproxy/internal/metastore"
	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/tracing"
	"github.com/soundcloud/fnproxy/internal/types"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %s", err)
	}
	if cfg.NodeID == "" {
		log.Fatal("config: -node.id is required")
	}

	zlog, err := logging.New(os.Getenv("FNPROXY_DEBUG") != "")
	if err != nil {
		log.Fatalf("logging: %s", err)
	}
	defer zlog.Sync()
	nlog := logging.ForNode(zlog, cfg.NodeID)

	_, shutdownTracing, err := tracing.New(tracing.Options{ServiceName: "fnproxy", NodeID: cfg.NodeID})
	if err != nil {
		nlog.Fatal("tracing: setup failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	meta, err := metastore.New(metastore.Options{
		Endpoints:      cfg.MetastoreEndpoints,
		DialTimeout:    cfg.MetastoreDialTimeout,
		RequestTimeout: cfg.MetastoreRequestTimeout,
		RetryTimes:     cfg.RetryTimes,
		RetryCycle:     cfg.RetryCycle,
	}, nlog)
	if err != nil {
		nlog.Fatal("metastore: connect failed", zap.Error(err))
	}

	elector, err := leader.New(leader.Mode(cfg.LeaderMode), meta.Raw(), cfg.NodeID, nlog)
	if err != nil {
		nlog.Fatal("leader: setup failed", zap.Error(err))
	}
	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := elector.Acquire(acquireCtx); err != nil {
		acquireCancel()
		nlog.Fatal("leader: failed to acquire leadership for node", zap.Error(err))
	}
	acquireCancel()

	view := resourceview.New()
	decision := instancectrl.Decision{Filter: instancectrl.CapacityFilter{}, Scorer: instancectrl.RandomScorer{}}
	bundleSched := instancectrl.BundleScheduler{View: view, Decision: decision}

	bm := bundlemgr.New(bundlemgr.Config{
		NodeID:               cfg.NodeID,
		BundleReserveTimeout: cfg.BundleReserveTimeout,
	}, nlog, meta, view, bundleSched)
	defer bm.Stop()

	// famgr needs IC at construction time but IC needs famgr as its agent
	// dispatcher; icRef breaks the cycle with a late-bound forwarding
	// address, the Go equivalent of the weak-pointer back-edge SPEC_FULL's
	// REDESIGN notes call for replacing with an address resolved later.
	icRef := &icRef{}

	fam := famgr.New(famgr.Config{
		NodeID:                  cfg.NodeID,
		RetryTimes:              cfg.RetryTimes,
		RetryCycle:              cfg.RetryCycle,
		PingTimes:               cfg.PingTimes,
		PingCycle:               cfg.PingCycle,
		InvalidAgentGC:          cfg.InvalidAgentGC,
		QueryTimeout:            cfg.QueryTimeout,
		UpdateTokenTimeout:      cfg.UpdateTokenTimeout,
		MaxRetrySendCleanStatus: cfg.MaxRetrySendCleanStatus,
		EnableTenantAffinity:    cfg.EnableTenantAffinity,
		EnableForceDeletePod:    cfg.EnableForceDeletePod,
	}, nlog, meta, view, bm, icRef, famgr.NoopTenantPolicy{})
	defer fam.Stop()

	limiter := instancectrl.NewRateLimiter(64, time.Minute)
	defer limiter.Stop()

	ic := instancectrl.New(instancectrl.Config{
		RecoverRetryTimes:        cfg.PingTimes,
		MaxForwardKillRetryTimes: cfg.MaxForwardKillRetryTimes,
		MaxForwardKillRetryCycle: cfg.MaxForwardKillRetryCycle,
	}, nlog, view, fam, decision, limiter, nil)
	defer ic.Stop()
	icRef.set(ic)
	// drive every placement through BM's reserve/bind instead of straight
	// Decision.Place, per spec §2's IC -> BM (reserve, bind) -> IC (deploy).
	ic.SetBundleBinder(bm)

	if err := fam.Sync(context.Background()); err != nil {
		nlog.Warn("fam: sync on startup failed, proceeding with empty agent set", zap.Error(err))
	}
	if err := bm.Sync(context.Background()); err != nil {
		nlog.Warn("bm: sync on startup failed, proceeding with empty bundle set", zap.Error(err))
	}

	svc := lss.New(nlog, fam, ic, view)
	router := lss.NewRouter(svc)

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		nlog.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Fatal("http: serve failed", zap.Error(err))
		}
	}()

	<-interrupt()
	nlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = svc.GracefulShutdown(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	_ = elector.Resign(shutdownCtx)
}

func interrupt() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	return c
}

// icRef forwards famgr.InstanceController calls to an instancectrl.Manager
// set after both actors exist, resolving the IC<->FAM construction cycle.
type icRef struct {
	inst *instancectrl.Manager
}

func (r *icRef) set(m *instancectrl.Manager) { r.inst = m }

func (r *icRef) PutFailedInstanceStatusByAgentID(agentID types.AgentId, reason string) {
	r.inst.PutFailedInstanceStatusByAgentID(agentID, reason)
}

func (r *icRef) EvictInstanceOnAgent(ctx context.Context, agentID types.AgentId, timeout time.Duration) error {
	return r.inst.EvictInstanceOnAgent(ctx, agentID, timeout)
}

func (r *icRef) SyncInstances(ctx context.Context, agentID types.AgentId) error {
	return r.inst.SyncInstances(ctx, agentID)
}

func (r *icRef) UpdateInstanceStatus(instanceID types.InstanceId, status types.InstanceStatus, reason string) {
	r.inst.UpdateInstanceStatus(instanceID, status, reason)
}
