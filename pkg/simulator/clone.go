package simulator

import (
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/simagent"
)

// Clone returns a deep, independent copy for copy-on-branch:
// mutating the clone's agents, scene, ordering schedule, or pending
// queue must never be observable through the original. Clients are
// copied via llmclient.Registry.Clone, which itself only copies the map
// (Client values are stateless handles, not deep-copied).
//
// The pending queue is reset on the clone: a freshly attached node
// starts with an empty event queue rather than inheriting its parent's
// in-flight events.
func (s *Simulator) Clone() *Simulator {
	agents := make(map[string]*simagent.Agent, len(s.Agents))
	for name, a := range s.Agents {
		agents[name] = a.Clone()
	}

	clone := &Simulator{
		Agents: agents,
		MaxStepsPerTurn: s.MaxStepsPerTurn,
		Turns: s.Turns,
		EnvironmentConfig: cloneAnyMap(s.EnvironmentConfig),
		SuggestionsViewedTurn: s.SuggestionsViewedTurn,
		Retriever: s.Retriever,
	}
	if s.Scene != nil {
		clone.Scene = s.Scene.Clone()
	}
	if s.Clients != nil {
		clone.Clients = s.Clients.Clone()
	}
	if s.Order != nil {
		clone.Order = s.Order.Clone()
		if ctrl, ok := clone.Order.(*ordering.Controlled); ok && clone.Scene != nil {
			ctrl.BindScene(clone.Scene)
		}
		clone.Order.SetSimulation(clone)
	}
	return clone
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
