package scene

import (
	"fmt"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/simagent"
)

// Council is a deliberation scene: a draft document accumulates proposed
// amendments and agents vote; an agent that has voted has its later
// turns skipped. The scene never reports itself complete (see
// IsComplete).
type Council struct {
	Draft string
	votes map[string]string // agent -> vote choice
	turn int
}

// NewCouncil builds a Council scene from config key "draft".
func NewCouncil(config map[string]any) (Scene, error) {
	c := &Council{votes: map[string]string{}}
	if v, ok := config["draft"].(string); ok {
		c.Draft = v
	}
	return c, nil
}

func deserializeCouncil(data map[string]any) (Scene, error) {
	c := &Council{votes: map[string]string{}}
	if v, ok := data["draft"].(string); ok {
		c.Draft = v
	}
	if v, ok := data["turn"].(float64); ok {
		c.turn = int(v)
	}
	if raw, ok := data["votes"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				c.votes[k] = s
			}
		}
	}
	return c, nil
}

var voteCapability = &action.Capability{
	Name: "vote",
	Instructions: `Cast your vote on the current draft: {"choice": "approve"|"reject"|"abstain"}`,
	ParameterValidator: func(data action.Data) (bool, string) {
		choice, _ := data.Params["choice"].(string)
		switch choice {
			case "approve", "reject", "abstain":
			return true, ""
			default:
			return false, "choice must be one of approve, reject, abstain"
		}
	},
	Handle: func(data action.Data, agentAny, simulatorAny, sceneAny any) action.Result {
		agent, _ := agentAny.(*simagent.Agent)
		council, _ := sceneAny.(*Council)
		choice := data.Params["choice"].(string)
		if council != nil && agent != nil {
			council.votes[agent.Name] = choice
		}
		return action.Result{Success: true, Summary: fmt.Sprintf("voted %s", choice)}
	},
}

var proposeCapability = &action.Capability{
	Name: "propose",
	Instructions: `Propose an amendment to the draft: {"text": "<amendment text>"}`,
	Handle: func(data action.Data, agentAny, simulatorAny, sceneAny any) action.Result {
		text, _ := data.Params["text"].(string)
		if text == "" {
			return action.Rejected("propose requires non-empty text")
		}
		council, _ := sceneAny.(*Council)
		if council != nil {
			council.Draft += "\n" + text
		}
		return action.Result{Success: true, Summary: "amendment proposed", PassControl: true}
	},
}

// Type implements Scene.
func (c *Council) Type() string { return "council_scene" }

// InitializeAgent implements Scene.
func (c *Council) InitializeAgent(agent *simagent.Agent) {
	agent.ActionSpace = agent.ActionSpace.Merge(voteCapability, proposeCapability, waitCapability)
}

// SceneActions implements Scene.
func (c *Council) SceneActions(*simagent.Agent) action.Catalog {
	return action.Catalog{voteCapability, proposeCapability, waitCapability}
}

// ParseAndHandleAction implements Scene.
func (c *Council) ParseAndHandleAction(data action.Data, agent *simagent.Agent, simulator any) action.Result {
	cap := action.Catalog{voteCapability, proposeCapability, waitCapability}.Find(data.Name)
	if cap == nil {
		return action.Rejected(fmt.Sprintf("unknown action %q", data.Name))
	}
	return action.Dispatch(cap, data, agent.Role, c.State(), agent, simulator, c)
}

// ShouldSkipTurn implements Scene.
func (c *Council) ShouldSkipTurn(agent *simagent.Agent, _ any) bool {
	_, voted := c.votes[agent.Name]
	return voted
}

// PostTurn implements Scene.
func (c *Council) PostTurn(*simagent.Agent, any) { c.turn++ }

// PreRun implements Scene. Council seeds no state and broadcasts nothing
// here; agents see the draft through AgentStatusPrompt before each of
// their turns.
func (c *Council) PreRun(any) {}

// IsComplete implements Scene. It always reports false: the council does
// not know the agent roster, so it cannot tell when everyone has voted.
// A council run ends at the maxTurns passed to Simulator.Run or on
// cancellation.
func (c *Council) IsComplete() bool { return false }

// GetControlledNext implements Scene.
func (c *Council) GetControlledNext(any) string { return "" }

// AgentStatusPrompt implements Scene.
func (c *Council) AgentStatusPrompt(*simagent.Agent) string {
	return fmt.Sprintf("Current draft:\n%s", c.Draft)
}

// State implements Scene.
func (c *Council) State() map[string]any {
	return map[string]any{"turn": c.turn, "votes": len(c.votes)}
}

// Clone implements Scene.
func (c *Council) Clone() Scene {
	votes := make(map[string]string, len(c.votes))
	for k, v := range c.votes {
		votes[k] = v
	}
	return &Council{Draft: c.Draft, votes: votes, turn: c.turn}
}

// Serialize implements Scene.
func (c *Council) Serialize() map[string]any {
	votes := make(map[string]any, len(c.votes))
	for k, v := range c.votes {
		votes[k] = v
	}
	return map[string]any{"draft": c.Draft, "turn": c.turn, "votes": votes}
}

// VoteTally returns the vote-choice distribution (choice -> number of
// votes). The experiment runner does not read it.
func (c *Council) VoteTally() map[string]int {
	tally := map[string]int{}
	for _, choice := range c.votes {
		tally[choice]++
	}
	return tally
}
