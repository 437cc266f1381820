// schedule_decision.go gives IC's scheduling-decision plugin points a
// concrete shape: Filter narrows candidate agents, Scorer orders the
// survivors, and the admission loop calls through these interfaces rather
// than hard-coding a placement algorithm, generalizing the teacher's
// single hard-coded randomNonDirty function into something pluggable.
package instancectrl

import (
	"fmt"
	"math/rand"

	"github.com/soundcloud/fnproxy/internal/resourceview"
	"github.com/soundcloud/fnproxy/internal/types"
)

// Filter drops candidate agent IDs that can't host req at all.
type Filter interface {
	Filter(req types.ScheduleRequest, candidates []types.AgentId, units map[string]*types.ResourceUnit) []types.AgentId
}

// Scorer orders surviving candidates, best first.
type Scorer interface {
	Score(req types.ScheduleRequest, candidates []types.AgentId, units map[string]*types.ResourceUnit) []types.AgentId
}

// Decision composes a Filter and a Scorer into the single call IC's
// admission loop makes.
type Decision struct {
	Filter Filter
	Scorer Scorer
}

// Place runs filter then scorer and returns the top candidate, or an error
// if nothing survives filtering.
func (d Decision) Place(req types.ScheduleRequest, units map[string]*types.ResourceUnit) (types.AgentId, error) {
	candidates := make([]types.AgentId, 0, len(units))
	for id := range units {
		candidates = append(candidates, id)
	}
	if d.Filter != nil {
		candidates = d.Filter.Filter(req, candidates, units)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate agent satisfies request")
	}
	if d.Scorer != nil {
		candidates = d.Scorer.Score(req, candidates, units)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate agent survived scoring")
	}
	return candidates[0], nil
}

// CapacityFilter drops any agent not Normal, or without enough free
// capacity for every resource named in the request.
type CapacityFilter struct{}

func (CapacityFilter) Filter(req types.ScheduleRequest, candidates []types.AgentId, units map[string]*types.ResourceUnit) []types.AgentId {
	out := make([]types.AgentId, 0, len(candidates))
	for _, id := range candidates {
		u, ok := units[id]
		if !ok || u.Status != types.UnitNormal {
			continue
		}
		fits := true
		for name, qty := range req.ResourceSpec {
			if resourceview.Available(u, name) < qty {
				fits = false
				break
			}
		}
		if fits {
			out = append(out, id)
		}
	}
	return out
}

// RandomScorer shuffles candidates, the Go-native version of the teacher's
// randomNonDirty: spreads load without needing per-agent statistics.
type RandomScorer struct{}

func (RandomScorer) Score(req types.ScheduleRequest, candidates []types.AgentId, units map[string]*types.ResourceUnit) []types.AgentId {
	out := append([]types.AgentId(nil), candidates...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
