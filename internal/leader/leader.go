// Package leader decides whether this proxy instance is allowed to act as
// the local scheduler for its node. Single-node deployments never contend,
// so "standalone" mode is the default; multi-replica deployments (an
// active/standby pair fronting the same node, during a rolling upgrade)
// use etcd to arbitrate.
package leader

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/types"
)

// Mode selects how leadership is established.
type Mode string

const (
	// Standalone never contends; IsLeader always reports true. The default,
	// matching the common case of one proxy per node.
	Standalone Mode = "standalone"
	// CAS arbitrates with a single compare-and-swap write against a well
	// known key; whoever's write creates the key first holds leadership. The
	// key carries no lease and does not expire; Resign deletes it.
	CAS Mode = "cas"
	// Lease uses etcd's concurrency.Election, renewed automatically for the
	// life of the session.
	Lease Mode = "lease"
)

// Elector reports and (where applicable) contends for leadership of one
// node's scheduling duties.
type Elector interface {
	// Acquire blocks until this instance holds leadership, or ctx is done.
	Acquire(ctx context.Context) error
	// IsLeader reports the last known leadership state without blocking.
	IsLeader() bool
	// Resign releases leadership, if held.
	Resign(ctx context.Context) error
}

// New builds an Elector for mode. raw is nil for Standalone.
func New(mode Mode, raw *clientv3.Client, nodeID string, log *zap.Logger) (Elector, error) {
	switch mode {
	case Standalone, "":
		return &standalone{}, nil
	case CAS:
		if raw == nil {
			return nil, types.NewStatus(types.CodeParameterError, "leader: cas mode requires a metastore client")
		}
		return &casElector{cli: raw, key: fmt.Sprintf("/yr/leader/%s", nodeID), log: log}, nil
	case Lease:
		if raw == nil {
			return nil, types.NewStatus(types.CodeParameterError, "leader: lease mode requires a metastore client")
		}
		return &leaseElector{cli: raw, prefix: fmt.Sprintf("/yr/leader/%s", nodeID), nodeID: nodeID, log: log}, nil
	default:
		return nil, types.NewStatus(types.CodeParameterError, "leader: unknown mode %q", mode)
	}
}

type standalone struct{}

func (standalone) Acquire(context.Context) error   { return nil }
func (standalone) IsLeader() bool                  { return true }
func (standalone) Resign(context.Context) error    { return nil }

// casElector wins leadership by successfully creating (mod revision 0) the
// key; it does not renew, so the operator must pair it with a TTL'd lease
// on the value if auto-expiry is wanted. Adequate for active/standby pairs
// where the standby only needs to observe, not preempt.
type casElector struct {
	cli      *clientv3.Client
	key      string
	log      *zap.Logger
	isLeader bool
}

func (e *casElector) Acquire(ctx context.Context) error {
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.key), "=", 0)).
		Then(clientv3.OpPut(e.key, "")).
		Commit()
	if err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "leader cas: %s", err)
	}
	e.isLeader = resp.Succeeded
	if !e.isLeader {
		return types.NewStatus(types.CodeLocalSchedulerAbnormal, "leader cas: lost race for %s", e.key)
	}
	return nil
}

func (e *casElector) IsLeader() bool { return e.isLeader }

func (e *casElector) Resign(ctx context.Context) error {
	if !e.isLeader {
		return nil
	}
	_, err := e.cli.Delete(ctx, e.key)
	e.isLeader = false
	if err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "leader cas resign: %s", err)
	}
	return nil
}

// leaseElector wraps concurrency.Session/Election: leadership is tied to a
// lease kept alive by a background keepalive goroutine (managed by the
// etcd client internally), so a crashed holder's leadership expires without
// an explicit resign.
type leaseElector struct {
	cli      *clientv3.Client
	prefix   string
	nodeID   string
	log      *zap.Logger
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
}

func (e *leaseElector) Acquire(ctx context.Context) error {
	sess, err := concurrency.NewSession(e.cli)
	if err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "leader lease: new session: %s", err)
	}
	e.session = sess
	e.election = concurrency.NewElection(sess, e.prefix)
	if err := e.election.Campaign(ctx, e.nodeID); err != nil {
		return types.NewStatus(types.CodeLocalSchedulerAbnormal, "leader lease: campaign: %s", err)
	}
	e.isLeader = true
	e.log.Info("acquired leadership", zap.String("key_prefix", e.prefix))
	return nil
}

func (e *leaseElector) IsLeader() bool { return e.isLeader }

func (e *leaseElector) Resign(ctx context.Context) error {
	if !e.isLeader || e.election == nil {
		return nil
	}
	err := e.election.Resign(ctx)
	e.isLeader = false
	if e.session != nil {
		_ = e.session.Close()
	}
	if err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "leader lease resign: %s", err)
	}
	return nil
}
