package types

import "time"

// NodeId identifies this proxy; stable for the process lifetime.
type NodeId = string

// AgentId identifies one function agent, unique per proxy.
type AgentId = string

// InstanceId identifies one function instance.
type InstanceId = string

// RegisStatus mirrors the original's RegisStatus enum exactly, including
// the numeric values. Go's encoding/json does not drop zero-valued fields
// unless the field is tagged `omitempty` (ours is not), so the original's
// "start FAILED at 2" workaround for a lossy JSON encoder is not load
// bearing here — see SPEC_FULL.md Open Question 1. We keep the same
// numbers anyway, so a wire-compatible peer speaking the original protocol
// is never surprised.
type RegisStatus int32

const (
	RegisSuccess RegisStatus = 1
	RegisFailed  RegisStatus = 2
	RegisEvicting RegisStatus = 3
	RegisEvicted  RegisStatus = 4
)

func (s RegisStatus) String() string {
	switch s {
	case RegisSuccess:
		return "Success"
	case RegisFailed:
		return "Failed"
	case RegisEvicting:
		return "Evicting"
	case RegisEvicted:
		return "Evicted"
	default:
		return "Unknown"
	}
}

// LocalStatus is the proxy-wide status persisted alongside the agent map.
type LocalStatus int32

const (
	LocalNormal  LocalStatus = 0
	LocalEvicted LocalStatus = 1
)

// AgentRegistration is the persisted record of one agent's registration.
type AgentRegistration struct {
	AgentID         AgentId     `json:"agent_id"`
	AgentAddress    string      `json:"agent_address"`
	RuntimeMgrID    string      `json:"runtime_mgr_id"`
	Status          RegisStatus `json:"status"`
	EvictTimeoutSec int32       `json:"evict_timeout_sec,omitempty"`
}

// AgentInfoBlob is the JSON document persisted under /yr/agentInfo/<NodeId>.
type AgentInfoBlob struct {
	LocalStatus LocalStatus                   `json:"local_status"`
	Agents      map[AgentId]*AgentRegistration `json:"agents"`
}

// InstanceStatus is the per-instance state machine phase (spec §4.3).
type InstanceStatus int32

const (
	InstancePending InstanceStatus = iota
	InstanceScheduling
	InstanceCreating
	InstanceRunning
	InstanceRecoverable
	InstanceFailed
	InstanceEvicting
	InstanceEvicted
	InstanceKilled
)

func (s InstanceStatus) String() string {
	return [...]string{
		"Pending", "Scheduling", "Creating", "Running",
		"Recoverable", "Failed", "Evicting", "Evicted", "Killed",
	}[s]
}

// ResourceSpec is the resource ask attached to a ScheduleRequest: named
// quantities (cpu, memory, ...), left open-ended since scheduling policy
// (what the names mean, how they're scored) is explicitly out of scope.
type ResourceSpec map[string]float64

// ScheduleRequest is the admission unit IC and BM operate on.
type ScheduleRequest struct {
	RequestID        string            `json:"request_id"`
	InstanceID       InstanceId        `json:"instance_id"`
	ResourceSpec     ResourceSpec      `json:"resource_spec"`
	Labels           map[string]string `json:"labels"`
	ResourceGroupRef string            `json:"resource_group_ref"`
	Affinity         map[string]string `json:"affinity"`
	Priority         int32             `json:"priority"`
	TraceID          string            `json:"trace_id"`
}

// ScheduleResult is what a scheduling decision (BM's Scheduler collaborator)
// produces for a successful Reserve.
type ScheduleResult struct {
	AgentID      AgentId            `json:"agent_id"`
	Allocated    map[string]float64 `json:"allocated"`
	BindingToken string             `json:"binding_token"`
}

// BundleStatus is a Bundle's lifecycle phase.
type BundleStatus int32

const (
	BundleNormal BundleStatus = iota
	BundleRecovering
	BundleEvicting
	BundleToBeDelete
)

func (s BundleStatus) String() string {
	return [...]string{"Normal", "Recovering", "Evicting", "ToBeDelete"}[s]
}

// Bundle is a pre-allocated resource slice bound to one agent.
type Bundle struct {
	BundleID          string             `json:"bundle_id"`
	OwningAgentID      AgentId            `json:"owning_agent_id"`
	ResourceGroupName string             `json:"resource_group_name"`
	BundleIndex       int32              `json:"bundle_index"`
	Resources         map[string]float64 `json:"resources"`
	Status            BundleStatus       `json:"status"`
	ReservedUntil     time.Time          `json:"reserved_until,omitempty"`
}

// BundlesBlob is the JSON document persisted under /yr/bundles/<NodeId>.
type BundlesBlob struct {
	Bundles map[string]*Bundle `json:"bundles"`
}

// UnitStatus is a ResourceUnit's lifecycle phase in the Resource View.
type UnitStatus int32

const (
	UnitNormal UnitStatus = iota
	UnitRecovering
	UnitEvicting
	UnitFailed
)

func (s UnitStatus) String() string {
	return [...]string{"Normal", "Recovering", "Evicting", "Failed"}[s]
}

// ResourceUnit is one node of the hierarchical capacity/usage tree the
// Resource View maintains.
type ResourceUnit struct {
	ID       string                   `json:"id"`
	OwnerID  string                   `json:"ownerid"`
	Capacity map[string]float64       `json:"capacity"`
	Usage    map[string]float64       `json:"usage"`
	Fragment map[string]*ResourceUnit `json:"fragment"`
	Status   UnitStatus               `json:"status"`
	Instances []InstanceId            `json:"instances"`
}

// Clone deep-copies a ResourceUnit, used whenever a snapshot must outlive a
// mutation to the live tree (e.g. SerializeView, or state handed across an
// actor boundary).
func (u *ResourceUnit) Clone() *ResourceUnit {
	if u == nil {
		return nil
	}
	c := &ResourceUnit{
		ID:      u.ID,
		OwnerID: u.OwnerID,
		Status:  u.Status,
	}
	c.Capacity = cloneFloatMap(u.Capacity)
	c.Usage = cloneFloatMap(u.Usage)
	c.Instances = append([]InstanceId(nil), u.Instances...)
	if u.Fragment != nil {
		c.Fragment = make(map[string]*ResourceUnit, len(u.Fragment))
		for k, v := range u.Fragment {
			c.Fragment[k] = v.Clone()
		}
	}
	return c
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
