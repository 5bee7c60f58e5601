// Package simregistry implements the process-wide SimTreeRegistry: a
// keyed cache of TreeRecords (subscribers and the running set live on
// the SimTree), built once per simulation id and thereafter served from
// cache. Applying a SimulationRecord's agent config follows a fixed
// order: rename positional slot, reindex, then merge actions (basic
// scene actions first, selected agent actions after).
package simregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simagent/rag"
	"github.com/zjucss/simsocius/pkg/simtree"
	"github.com/zjucss/simsocius/pkg/simulator"
)

// AgentSlotConfig is one entry of the per-agent config block: name,
// profile, language, role, action space, knowledge base, documents.
// Entries are matched to the scene's default roster *by position*, not
// by name.
type AgentSlotConfig struct {
	Name string
	Profile string
	Language string
	Role string
	ActionSpace []string
	KnowledgeBase []simagent.KnowledgeItem
	Documents map[string]simagent.Document
}

// SimulationRecord is the persisted source of truth for rebuilding a
// tree: scene type/config, the scene's default agent roster, and
// the per-slot agent config overrides.
type SimulationRecord struct {
	ID string
	SceneType string
	SceneConfig map[string]any
	DefaultAgentNames []string
	AgentConfig []AgentSlotConfig
	GlobalKnowledge map[string]string
	InitialEvents []string
	MaxStepsPerTurn int
}

// TreeRecord is the cached {simulation id, tree} entry. Subscriber
// wiring and the running set live on the SimTree itself; this
// wrapper only adds the registry-level identity.
type TreeRecord struct {
	SimulationID string
	Tree *simtree.SimTree
}

// Registry is the process-wide simulation_id -> TreeRecord cache.
type Registry struct {
	mu sync.Mutex
	records map[string]*TreeRecord
	sceneRegistry *scene.Registry

	// Embedder backs an optional per-simulation RAG index over each
	// agent's Documents (pkg/simagent/rag). Nil disables auto-RAG
	// entirely, leaving Simulator.Retriever unset.
	Embedder rag.Embedder
}

// New builds an empty Registry over sceneRegistry (the scene-type ->
// constructor table, normally scene.DefaultRegistry plus any
// plugin-backed registrations).
func New(sceneRegistry *scene.Registry) *Registry {
	return &Registry{records: map[string]*TreeRecord{}, sceneRegistry: sceneRegistry}
}

// GetOrCreateFromSim returns the cached record for record.ID, or builds
// a fresh one under the registry's lock. The lock is held only for the
// check-then-build race; once published, callers read the *TreeRecord
// without the registry lock (SimTree has its own internal
// synchronization for structural mutation).
func (r *Registry) GetOrCreateFromSim(ctx context.Context, record SimulationRecord, clients *llmclient.Registry) (*TreeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.ID]; ok {
		return existing, nil
	}

	built, err := r.build(record, clients)
	if err != nil {
		return nil, err
	}
	r.records[record.ID] = built
	return built, nil
}

func (r *Registry) build(record SimulationRecord, clients *llmclient.Registry) (*TreeRecord, error) {
	// 1. Instantiate the scene by scene_type and config.
	sc, err := r.sceneRegistry.Build(record.SceneType, record.SceneConfig)
	if err != nil {
		return nil, fmt.Errorf("simregistry: build scene: %w", err)
	}

	// 2. Apply agent_config: rename -> reindex -> merge actions.
	agents, order := applyAgentConfig(sc, record)

	// 3. Build ordering by scene type.
	var orderStrategy ordering.Ordering
	switch {
	case strings.Contains(strings.ToLower(record.SceneType), "landlord"):
		orderStrategy = ordering.NewControlled(sc)
	case strings.Contains(strings.ToLower(record.SceneType), "werewolf"):
		orderStrategy = ordering.NewCycled(order)
	default:
		orderStrategy = ordering.NewSequential(order)
	}

	sim := simulator.New(sc, orderStrategy, clients)
	if record.MaxStepsPerTurn > 0 {
		sim.MaxStepsPerTurn = record.MaxStepsPerTurn
	}
	if record.GlobalKnowledge != nil {
		sim.EnvironmentConfig["global_knowledge"] = record.GlobalKnowledge
	}
	for _, a := range agents {
		a.GlobalKnowledge = record.GlobalKnowledge
		sim.AddAgent(a)
	}

	if r.Embedder != nil {
		index := rag.New(r.Embedder, 3)
		for _, a := range agents {
			if err := index.Ingest(context.Background(), a.Name, a.Documents); err != nil {
				return nil, fmt.Errorf("simregistry: ingest documents for %q: %w", a.Name, err)
			}
		}
		sim.Retriever = index.Retriever
	}

	sc.PreRun(sim)

	// 4. Broadcast configured initial events.
	for _, content := range record.InitialEvents {
		sim.Broadcast(content, nil, nil, "", nil)
	}

	// 5. Create the SimTree; the tree-level broadcaster is wired by the
	// caller via Tree.SetTreeBroadcast (internal/httpapi.handleCreateSimulation
	// does this immediately after GetOrCreateFromSim returns).
	tree := simtree.New(sim, r.sceneRegistry, clients)

	return &TreeRecord{SimulationID: record.ID, Tree: tree}, nil
}

// applyAgentConfig matches each AgentConfig entry to the Nth default
// agent slot by position, renames/re-profiles it, rebuilds the roster
// keyed by the new name, and only then merges scene basic actions with
// each agent's selected action subset, in that fixed
// rename -> reindex -> merge-actions order.
func applyAgentConfig(sc scene.Scene, record SimulationRecord) (map[string]*simagent.Agent, []string) {
	slots := make([]*simagent.Agent, len(record.DefaultAgentNames))
	for i, name := range record.DefaultAgentNames {
		slots[i] = simagent.New(name)
	}

	for i, cfg := range record.AgentConfig {
		if i >= len(slots) {
			break
		}
		agent := slots[i]
		if cfg.Name != "" {
			agent.Name = cfg.Name
		}
		agent.Profile = cfg.Profile
		agent.Language = cfg.Language
		agent.Role = cfg.Role
		agent.KnowledgeBase = cfg.KnowledgeBase
		if cfg.Documents != nil {
			agent.Documents = cfg.Documents
		}
	}

	// reindex: the roster is keyed by (possibly renamed) name only after
	// every rename has been applied.
	agents := make(map[string]*simagent.Agent, len(slots))
	order := make([]string, 0, len(slots))
	for _, agent := range slots {
		agents[agent.Name] = agent
		order = append(order, agent.Name)
	}

	// merge actions: basic (scene.InitializeAgent) union selected
	// (AgentConfig.ActionSpace), deduplicated, applied only now that
	// every agent's final name is settled.
	for i, cfg := range record.AgentConfig {
		if i >= len(order) {
			break
		}
		agent := agents[order[i]]
		sc.InitializeAgent(agent)
		if len(cfg.ActionSpace) > 0 {
			selected := make(action.Catalog, 0, len(cfg.ActionSpace))
			basic := sc.SceneActions(agent)
			for _, name := range cfg.ActionSpace {
				if found := basic.Find(name); found != nil {
					selected = append(selected, found)
				}
			}
			agent.ActionSpace = basic.Merge(selected...)
		}
	}

	return agents, order
}

// UpdateAgentKnowledge hot-patches every node's sim.agents[name] to
// replace knowledge/documents without disturbing turn counters, memory,
// or plans. Only agents named in patch are touched.
func (r *Registry) UpdateAgentKnowledge(simID string, patch map[string]AgentSlotConfig) error {
	r.mu.Lock()
	record, ok := r.records[simID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("simregistry: unknown simulation %q", simID)
	}

	for _, nodeID := range record.Tree.AllNodeIDs() {
		node, err := record.Tree.Node(nodeID)
		if err != nil {
			continue
		}
		for name, cfg := range patch {
			agent, ok := node.Sim.Agents[name]
			if !ok {
				continue
			}
			agent.KnowledgeBase = cfg.KnowledgeBase
			if cfg.Documents != nil {
				agent.Documents = cfg.Documents
			}
		}
	}
	return nil
}

// UpdateGlobalKnowledge hot-patches the simulation-wide knowledge map
// referenced (by weak pointer) from every agent, across every node.
func (r *Registry) UpdateGlobalKnowledge(simID string, kmap map[string]string) error {
	r.mu.Lock()
	record, ok := r.records[simID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("simregistry: unknown simulation %q", simID)
	}

	for _, nodeID := range record.Tree.AllNodeIDs() {
		node, err := record.Tree.Node(nodeID)
		if err != nil {
			continue
		}
		node.Sim.EnvironmentConfig["global_knowledge"] = kmap
		for _, agent := range node.Sim.Agents {
			agent.GlobalKnowledge = kmap
		}
	}
	return nil
}

// Remove drops the cache entry for simID; a subsequent GetOrCreateFromSim
// rebuilds from persisted config.
func (r *Registry) Remove(simID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, simID)
}

// Get returns the cached record for simID without building one.
func (r *Registry) Get(simID string) (*TreeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[simID]
	return rec, ok
}
