package simtree

import (
	"fmt"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simevent"
	"github.com/zjucss/simsocius/pkg/simulator"
)

// Serialize returns the whole-tree persistence shape: root, next_id,
// every node (id, parent, depth, edge_type, ops, Simulator.Serialize,
// logs, meta, fingerprint), and the children adjacency map. Clients are
// not persisted.
func (t *SimTree) Serialize() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]map[string]any, 0, len(t.nodes))
	for _, n := range t.nodes {
		logs := make([]map[string]any, 0, len(n.logs))
		for _, l := range n.logs {
			logs = append(logs, map[string]any{
					"kind": string(l.Event.Kind), "sender": l.Event.Sender, "content": l.Event.Content,
					"params": l.Event.Params, "node": l.NodeID,
			})
		}
		nodes = append(nodes, map[string]any{
				"id": n.ID,
				"parent": n.Parent,
				"depth": n.Depth,
				"edge_type": n.EdgeType,
				"ops": n.Ops,
				"sim": n.Sim.Serialize(),
				"logs": logs,
				"meta": n.Meta,
				"fingerprint": n.Fingerprint,
		})
	}

	children := make(map[string]any, len(t.children))
	for pid, kids := range t.children {
		children[fmt.Sprintf("%d", pid)] = kids
	}

	return map[string]any{
		"root": t.root,
		"next_id": t.nextID,
		"nodes": nodes,
		"children": children,
	}
}

// Deserialize rebuilds a SimTree from Serialize output, re-injecting
// clients freshly rather than persisting them.
func Deserialize(data map[string]any, sceneRegistry *scene.Registry, clients *llmclient.Registry) (*SimTree, error) {
	t := &SimTree{
		nodes: map[int]*Node{},
		children: map[int][]int{},
		running: map[int]bool{},
		nodeSubs: map[int][]chan LoggedEvent{},
		sceneRegistry: sceneRegistry,
		clients: clients,
	}

	if v, ok := data["root"].(float64); ok {
		t.root = int(v)
	}
	if v, ok := data["next_id"].(float64); ok {
		t.nextID = int(v)
	}

	rawNodes, _ := data["nodes"].([]any)
	for _, rn := range rawNodes {
		nodeData, ok := rn.(map[string]any)
		if !ok {
			continue
		}
		simData, _ := nodeData["sim"].(map[string]any)
		sim, err := simulator.Deserialize(simData, sceneRegistry, clients)
		if err != nil {
			return nil, fmt.Errorf("simtree: deserialize node sim: %w", err)
		}

		n := &Node{
			ID: intOf(nodeData["id"]),
			Parent: intOf(nodeData["parent"]),
			Attached: true,
			Depth: intOf(nodeData["depth"]),
			EdgeType: strOf(nodeData["edge_type"]),
			Ops: opsOf(nodeData["ops"]),
			Sim: sim,
			Fingerprint: strOf(nodeData["fingerprint"]),
			logCap: t.NodeLogCap,
		}
		if meta, ok := nodeData["meta"].(map[string]any); ok {
			n.Meta = meta
		}
		if rawLogs, ok := nodeData["logs"].([]any); ok {
			for _, rl := range rawLogs {
				logData, ok := rl.(map[string]any)
				if !ok {
					continue
				}
				n.logs = append(n.logs, loggedEventFrom(logData))
			}
		}

		t.nodes[n.ID] = n
		t.attachLogHandler(n)
	}

	rawChildren, _ := data["children"].(map[string]any)
	for pidStr, kids := range rawChildren {
		pid := 0
		fmt.Sscanf(pidStr, "%d", &pid)
		var ids []int
		if raw, ok := kids.([]any); ok {
			for _, k := range raw {
				ids = append(ids, intOf(k))
			}
		}
		t.children[pid] = ids
	}

	return t, nil
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func loggedEventFrom(data map[string]any) LoggedEvent {
	kind, _ := data["kind"].(string)
	sender, _ := data["sender"].(string)
	content, _ := data["content"].(string)
	params, _ := data["params"].(map[string]any)
	ev := simevent.New(simevent.Kind(kind), sender, content)
	ev.Params = params
	return LoggedEvent{Event: ev, NodeID: intOf(data["node"])}
}

func opsOf(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
