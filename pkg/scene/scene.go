// Package scene defines the Scene interface — the pluggable rule engine
// a Simulator delegates action handling and turn-lifecycle hooks to —
// plus a type-keyed registry for building scenes from persisted config
// and an alias-suffix normalization step so renamed scene types still
// resolve against older persisted records.
package scene

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/simagent"
)

// Scene is the rule-engine interface a Simulator drives. A Scene
// implementation owns all domain-specific mechanics (map state, vote
// tallies, phase transitions, etc); the Simulator only calls these
// methods and never inspects scene-internal state directly.
type Scene interface {
	// Type returns the scene's registry discriminator, persisted under
	// the "scene_type" key by Simulator.Serialize so Deserialize can rebuild the
	// right concrete implementation.
	Type() string

	// InitializeAgent seeds per-agent properties/actions this scene
	// expects to exist before the agent's first turn.
	InitializeAgent(agent *simagent.Agent)

	// SceneActions returns the capability set that must be merged into
	// agent's catalog on attachment.
	SceneActions(agent *simagent.Agent) action.Catalog

	// ParseAndHandleAction is the rule-engine entry point invoked once per
	// parsed action in the simulator's step loop.
	ParseAndHandleAction(data action.Data, agent *simagent.Agent, simulator any) action.Result

	// ShouldSkipTurn lets the scene declare an actor inert this turn
	// (e.g. eliminated in a werewolf-style scene).
	ShouldSkipTurn(agent *simagent.Agent, simulator any) bool

	// PostTurn advances the scene clock, evaluates completion conditions,
	// and optionally broadcasts scene events. Called once per turn
	// regardless of whether the turn was skipped.
	PostTurn(agent *simagent.Agent, simulator any)

	// PreRun seeds cross-agent state once, only for a freshly created
	// (non-cloned, non-deserialized) simulation lineage.
	PreRun(simulator any)

	// IsComplete reports whether the scene has reached a terminal state.
	IsComplete() bool

	// GetControlledNext returns the name of the next actor, or "" to
	// skip a turn entirely. Only meaningful under controlled ordering.
	GetControlledNext(simulator any) string

	// AgentStatusPrompt optionally returns a pre-turn status message to
	// inject into the agent's memory before it processes this turn.
	AgentStatusPrompt(agent *simagent.Agent) string

	// State returns the scene-state view StateGuard checks are evaluated
	// against.
	State() map[string]any

	// Clone returns a deep, independent copy.
	Clone() Scene

	// Serialize returns a plain-data representation for tree
	// persistence; Deserialize (registered per Type via the registry)
	// reconstructs an equivalent Scene from it.
	Serialize() map[string]any
}

// Factory builds a fresh Scene from scene config: initial event(s),
// social network, and any scene-type-specific knobs.
type Factory func(config map[string]any) (Scene, error)

// DeserializeFunc rebuilds a Scene from its own Serialize output.
type DeserializeFunc func(data map[string]any) (Scene, error)

type registration struct {
	build Factory
	deserialize DeserializeFunc
}

// Registry is the process-wide scene-type -> constructor map. Scene
// types are looked up by a normalized key with a `"_scene"` alias
// suffix, e.g. "village" and "village_scene" both resolve to the same
// registration.
type Registry struct {
	mu sync.RWMutex
	byType map[string]registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: map[string]registration{}}
}

// normalize applies the alias-suffix rule: if key does not already end
// in "_scene", append it.
func normalize(sceneType string) string {
	k := strings.ToLower(strings.TrimSpace(sceneType))
	if !strings.HasSuffix(k, "_scene") {
		k += "_scene"
	}
	return k
}

// Register associates a scene type with its build/deserialize pair. The
// type name is normalized, so Register("village", ...) and
// Register("village_scene", ...) collide.
func (r *Registry) Register(sceneType string, build Factory, deserialize DeserializeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[normalize(sceneType)] = registration{build: build, deserialize: deserialize}
}

// Resolve returns the Factory registered for sceneType, honoring the
// alias-suffix normalization.
func (r *Registry) Resolve(sceneType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[normalize(sceneType)]
	if !ok {
		return nil, false
	}
	return reg.build, true
}

// Build constructs a scene of the given type from config.
func (r *Registry) Build(sceneType string, config map[string]any) (Scene, error) {
	factory, ok := r.Resolve(sceneType)
	if !ok {
		return nil, fmt.Errorf("scene: unregistered scene type %q", sceneType)
	}
	return factory(config)
}

// Deserialize rebuilds a Scene of the given type from its own Serialize
// output, using the Type field recorded at serialization time to pick
// the right registration.
func (r *Registry) Deserialize(sceneType string, data map[string]any) (Scene, error) {
	r.mu.RLock()
	reg, ok := r.byType[normalize(sceneType)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scene: unregistered scene type %q", sceneType)
	}
	return reg.deserialize(data)
}
