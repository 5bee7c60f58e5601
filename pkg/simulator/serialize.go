package simulator

import (
	"fmt"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simevent"
)

// Serialize snapshots agents, scene, ordering+state, the pending queue,
// the turns counter, environment config, and the suggestion-viewed
// marker. Clients are never persisted.
func (s *Simulator) Serialize() map[string]any {
	agents := make(map[string]any, len(s.Agents))
	for name, a := range s.Agents {
		agents[name] = a.Serialize()
	}

	pending := make([]map[string]any, 0, len(s.pending))
	for _, ev := range s.pending {
		pending = append(pending, map[string]any{
				"id": ev.ID, "kind": string(ev.Kind), "sender": ev.Sender, "content": ev.Content, "params": ev.Params,
		})
	}

	data := map[string]any{
		"agents": agents,
		"turns": s.Turns,
		"environment_config": s.EnvironmentConfig,
		"suggestions_viewed_turn": s.SuggestionsViewedTurn,
		"pending": pending,
		"max_steps_per_turn": s.MaxStepsPerTurn,
	}
	if s.Scene != nil {
		data["scene_type"] = s.Scene.Type()
		data["scene"] = s.Scene.Serialize()
	}
	if s.Order != nil {
		data["ordering"] = s.Order.Serialize()
	}
	return data
}

// Deserialize rebuilds a Simulator from Serialize output: the scene from
// its type, agents, and ordering (restoring controlled orderings with a
// fresh scene-bound closure), then re-injects the pending queue. clients
// is injected fresh, never persisted.
func Deserialize(data map[string]any, sceneRegistry *scene.Registry, clients *llmclient.Registry) (*Simulator, error) {
	s := &Simulator{
		Agents: map[string]*simagent.Agent{},
		Clients: clients,
		MaxStepsPerTurn: defaultMaxStepsPerTurn,
		EnvironmentConfig: map[string]any{},
	}

	if v, ok := data["max_steps_per_turn"].(float64); ok {
		s.MaxStepsPerTurn = int(v)
	}
	if v, ok := data["turns"].(float64); ok {
		s.Turns = int(v)
	}
	if v, ok := data["suggestions_viewed_turn"].(float64); ok {
		s.SuggestionsViewedTurn = int(v)
	}
	if v, ok := data["environment_config"].(map[string]any); ok {
		s.EnvironmentConfig = v
	}

	sceneType, _ := data["scene_type"].(string)
	if sceneType != "" {
		sceneData, _ := data["scene"].(map[string]any)
		sc, err := sceneRegistry.Deserialize(sceneType, sceneData)
		if err != nil {
			return nil, fmt.Errorf("simulator: deserialize scene: %w", err)
		}
		s.Scene = sc
	}

	// Agents carry neither their action catalog nor the global knowledge
	// reference as data; both are reattached here.
	var globalKnowledge map[string]string
	if raw, ok := s.EnvironmentConfig["global_knowledge"].(map[string]any); ok {
		globalKnowledge = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				globalKnowledge[k] = str
			}
		}
		s.EnvironmentConfig["global_knowledge"] = globalKnowledge
	}

	if rawAgents, ok := data["agents"].(map[string]any); ok {
		for name, rawAgent := range rawAgents {
			agentData, ok := rawAgent.(map[string]any)
			if !ok {
				continue
			}
			agent, err := simagent.Deserialize(agentData)
			if err != nil {
				return nil, fmt.Errorf("simulator: deserialize agent %q: %w", name, err)
			}
			if s.Scene != nil {
				s.Scene.InitializeAgent(agent)
			}
			agent.GlobalKnowledge = globalKnowledge
			s.Agents[name] = agent
		}
	}

	if rawOrdering, ok := data["ordering"].(map[string]any); ok {
		order, err := ordering.Deserialize(rawOrdering, s.Scene)
		if err != nil {
			return nil, fmt.Errorf("simulator: deserialize ordering: %w", err)
		}
		s.Order = order
		order.SetSimulation(s)
	}

	if rawPending, ok := data["pending"].([]any); ok {
		for _, rp := range rawPending {
			ev, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			params, _ := ev["params"].(map[string]any)
			s.pending = append(s.pending, pendingEventFrom(ev, params))
		}
	}

	return s, nil
}

func pendingEventFrom(ev map[string]any, params map[string]any) *simevent.Event {
	kind, _ := ev["kind"].(string)
	sender, _ := ev["sender"].(string)
	content, _ := ev["content"].(string)
	id, _ := ev["id"].(string)
	e := simevent.New(simevent.Kind(kind), sender, content)
	e.ID = id
	e.Params = params
	return e
}
