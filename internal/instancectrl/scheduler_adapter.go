package instancectrl

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// BundleScheduler adapts a Decision (agent selection only) into BM's
// Scheduler collaborator, which additionally needs the allocated amounts
// and a binding token to pre-deduct the virtual resource view and later
// hand the agent a deploy_instance credential.
type BundleScheduler struct {
	View     *resourceview.View
	Decision Decision
}

// Place runs the wrapped Decision against the current Resource View and
// assembles the full ScheduleResult BM's Reserve needs.
func (b BundleScheduler) Place(ctx context.Context, req types.ScheduleRequest) (*types.ScheduleResult, error) {
	units := b.View.SerializeView()
	agentID, err := b.Decision.Place(req, units)
	if err != nil {
		return nil, fmt.Errorf("bundle placement: %w", err)
	}
	return &types.ScheduleResult{
		AgentID:      agentID,
		Allocated:    req.ResourceSpec,
		BindingToken: uuid.NewString(),
	}, nil
}
