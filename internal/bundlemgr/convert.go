package bundlemgr

import "github.com/soundcloud/fnproxy/internal/types"

// GenResourceUnit turns a bound Bundle into the ResourceUnit shape the
// Resource View expects, grounded on the original's GenResourceUnit: a
// bundle is represented as its own top-level unit, keyed by bundle_id, with
// OwnerID naming the owning agent and its own capacity/usage pair; it is
// not placed in the agent unit's Fragment map.
func GenResourceUnit(b *types.Bundle) *types.ResourceUnit {
	usage := make(map[string]float64, len(b.Resources))
	for name := range b.Resources {
		usage[name] = 0
	}
	return &types.ResourceUnit{
		ID:       b.BundleID,
		OwnerID:  b.OwningAgentID,
		Capacity: b.Resources,
		Usage:    usage,
		Status:   unitStatusFor(b.Status),
	}
}

func unitStatusFor(s types.BundleStatus) types.UnitStatus {
	switch s {
	case types.BundleEvicting:
		return types.UnitEvicting
	case types.BundleRecovering:
		return types.UnitRecovering
	case types.BundleToBeDelete:
		return types.UnitFailed
	default:
		return types.UnitNormal
	}
}

// GenInstanceInfo derives the agent-facing instance placement info a
// deploy_instance RPC is built from once a bundle binds, grounded on the
// original's GenInstanceInfo: resources come from the bundle, not the raw
// schedule request, since the bundle may differ from the ask after
// scheduler rounding/packing.
func GenInstanceInfo(instanceID types.InstanceId, b *types.Bundle, bindingToken string) (agentID types.AgentId, resources map[string]float64) {
	return b.OwningAgentID, b.Resources
}
