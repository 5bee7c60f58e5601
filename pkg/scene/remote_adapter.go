package scene

import (
	"fmt"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/scene/plugin"
	"github.com/zjucss/simsocius/pkg/simagent"
)

// RemoteAdapter wraps an out-of-process scene plugin (pkg/scene/plugin)
// as an in-process Scene, so Simulator can drive it identically to a
// built-in scene. Attachment/serialization stay host-side since plugins
// never see a live *simagent.Agent or Simulator.
type RemoteAdapter struct {
	host *plugin.Host
	basic action.Catalog
	sceneType string
}

// NewRemoteAdapter wraps a launched plugin host. basic is the locally
// defined action catalog this scene type exposes — plugin binaries
// declare behavior (validation, handling), not wire-level action
// schemas, so the Capability set is still assembled host-side.
func NewRemoteAdapter(host *plugin.Host, sceneType string, basic action.Catalog) *RemoteAdapter {
	return &RemoteAdapter{host: host, basic: basic, sceneType: sceneType}
}

func (r *RemoteAdapter) Type() string { return r.sceneType }

func (r *RemoteAdapter) InitializeAgent(agent *simagent.Agent) {
	agent.ActionSpace = agent.ActionSpace.Merge(r.basic...)
}

func (r *RemoteAdapter) SceneActions(*simagent.Agent) action.Catalog { return r.basic }

func (r *RemoteAdapter) ParseAndHandleAction(data action.Data, agent *simagent.Agent, simulator any) action.Result {
	resp, err := r.host.Remote().ParseAndHandleAction(plugin.ActionRequest{
			Data: data,
			AgentName: agent.Name,
			AgentRole: agent.Role,
			SceneState: r.State(),
	})
	if err != nil {
		return action.Rejected(fmt.Sprintf("scene plugin error: %v", err))
	}
	return resp.Result
}

func (r *RemoteAdapter) ShouldSkipTurn(agent *simagent.Agent, _ any) bool {
	skip, err := r.host.Remote().ShouldSkipTurn(plugin.SkipTurnRequest{AgentName: agent.Name})
	if err != nil {
		return false
	}
	return skip
}

func (r *RemoteAdapter) PostTurn(*simagent.Agent, any) {
	_ = r.host.Remote().PostTurn()
}

func (r *RemoteAdapter) PreRun(any) {}

func (r *RemoteAdapter) IsComplete() bool {
	done, err := r.host.Remote().IsComplete()
	return err == nil && done
}

func (r *RemoteAdapter) GetControlledNext(any) string { return "" }

func (r *RemoteAdapter) AgentStatusPrompt(agent *simagent.Agent) string {
	prompt, err := r.host.Remote().AgentStatusPrompt(plugin.StatusPromptRequest{AgentName: agent.Name})
	if err != nil {
		return ""
	}
	return prompt
}

func (r *RemoteAdapter) State() map[string]any { return map[string]any{} }

// Clone is unsupported for plugin-backed scenes: the subprocess holds
// the authoritative mutable state, and cloning it would require a
// remote snapshot RPC the narrow RemoteScene surface does not define.
// Clone therefore returns the receiver itself: every branch that holds
// this scene shares the one subprocess and its state.
func (r *RemoteAdapter) Clone() Scene { return r }

func (r *RemoteAdapter) Serialize() map[string]any {
	return map[string]any{"plugin_scene_type": r.sceneType}
}

// Close terminates the backing plugin subprocess.
func (r *RemoteAdapter) Close() { r.host.Close() }
