package scene

import (
	"fmt"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/simagent"
)

// SimpleChat is the minimal scene: agents converse freely with a "speak"
// action (plus "wait") and a turn cap as the only completion condition, the
// baseline every other scene type specializes.
type SimpleChat struct {
	MaxTurns int
	turn int
	log []string
}

// NewSimpleChat builds a SimpleChat scene from config keys "max_turns"
// (default 0 = unbounded, relying on Simulator's own max_turns).
func NewSimpleChat(config map[string]any) (Scene, error) {
	s := &SimpleChat{}
	if v, ok := config["max_turns"].(int); ok {
		s.MaxTurns = v
	}
	return s, nil
}

func deserializeSimpleChat(data map[string]any) (Scene, error) {
	s := &SimpleChat{}
	if v, ok := data["max_turns"].(float64); ok {
		s.MaxTurns = int(v)
	}
	if v, ok := data["turn"].(float64); ok {
		s.turn = int(v)
	}
	if raw, ok := data["log"].([]any); ok {
		for _, e := range raw {
			if str, ok := e.(string); ok {
				s.log = append(s.log, str)
			}
		}
	}
	return s, nil
}

var speakCapability = &action.Capability{
	Name: "speak",
	Instructions: `Say something to the other participants: {"content": "<text>"}`,
	Handle: func(data action.Data, agentAny, simulatorAny, sceneAny any) action.Result {
		content, _ := data.Params["content"].(string)
		if content == "" {
			return action.Rejected("speak requires non-empty content")
		}
		return action.Result{Success: true, Summary: content, Payload: map[string]any{"content": content}}
	},
}

var waitCapability = &action.Capability{
	Name: "wait",
	Instructions: "Do nothing this step.",
	Handle: func(action.Data, any, any, any) action.Result {
		return action.Result{Success: true, Summary: "(waited)"}
	},
}

// Type implements Scene.
func (s *SimpleChat) Type() string { return "simple_chat_scene" }

// InitializeAgent implements Scene.
func (s *SimpleChat) InitializeAgent(agent *simagent.Agent) {
	agent.ActionSpace = agent.ActionSpace.Merge(speakCapability, waitCapability)
}

// SceneActions implements Scene.
func (s *SimpleChat) SceneActions(*simagent.Agent) action.Catalog {
	return action.Catalog{speakCapability, waitCapability}
}

// ParseAndHandleAction implements Scene.
func (s *SimpleChat) ParseAndHandleAction(data action.Data, agent *simagent.Agent, simulator any) action.Result {
	cap := action.Catalog{speakCapability, waitCapability}.Find(data.Name)
	if cap == nil {
		return action.Rejected(fmt.Sprintf("unknown action %q", data.Name))
	}
	result := action.Dispatch(cap, data, agent.Role, s.State(), agent, simulator, s)
	if result.Success && data.Name == "speak" {
		if content, ok := data.Params["content"].(string); ok {
			s.log = append(s.log, fmt.Sprintf("%s: %s", agent.Name, content))
		}
	}
	return result
}

// ShouldSkipTurn implements Scene.
func (s *SimpleChat) ShouldSkipTurn(*simagent.Agent, any) bool { return false }

// PostTurn implements Scene.
func (s *SimpleChat) PostTurn(*simagent.Agent, any) { s.turn++ }

// PreRun implements Scene.
func (s *SimpleChat) PreRun(any) {}

// IsComplete implements Scene.
func (s *SimpleChat) IsComplete() bool { return s.MaxTurns > 0 && s.turn >= s.MaxTurns }

// GetControlledNext implements Scene.
func (s *SimpleChat) GetControlledNext(any) string { return "" }

// AgentStatusPrompt implements Scene.
func (s *SimpleChat) AgentStatusPrompt(*simagent.Agent) string { return "" }

// State implements Scene.
func (s *SimpleChat) State() map[string]any {
	return map[string]any{"turn": s.turn, "max_turns": s.MaxTurns}
}

// Clone implements Scene.
func (s *SimpleChat) Clone() Scene {
	return &SimpleChat{MaxTurns: s.MaxTurns, turn: s.turn, log: append([]string(nil), s.log...)}
}

// Serialize implements Scene.
func (s *SimpleChat) Serialize() map[string]any {
	return map[string]any{"max_turns": s.MaxTurns, "turn": s.turn, "log": s.log}
}
