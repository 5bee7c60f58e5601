// Package simtree implements the branching state graph: a directed
// rooted tree of Simulator snapshots with copy-on-branch isolation,
// idempotent fingerprinted attach, subscriber fan-out, and whole-tree
// serialization.
package simtree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/obs"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simevent"
	"github.com/zjucss/simsocius/pkg/simulator"
)

var (
	// ErrNodeNotFound is returned when an operation references a node id
	// the tree does not know about.
	ErrNodeNotFound = errors.New("simtree: node not found")
	// ErrRootDeletion is returned by DeleteSubtree(root).
	ErrRootDeletion = errors.New("simtree: cannot delete the root node")
)

// LoggedEvent is one entry in a node's authoritative log: the simulator
// event enriched with the node id that produced it.
type LoggedEvent struct {
	Event *simevent.Event
	NodeID int
}

// Node is one vertex in the tree: a simulation snapshot plus the
// provenance of how it was produced.
type Node struct {
	ID int
	Parent int
	Attached bool
	Depth int
	EdgeType string
	Ops []map[string]any
	Sim *simulator.Simulator
	Fingerprint string
	Meta map[string]any

	logs []LoggedEvent
	logCap int // 0 = unbounded
}

// Logs returns a read-only snapshot of this node's accumulated log.
func (n *Node) Logs() []LoggedEvent {
	out := make([]LoggedEvent, len(n.logs))
	copy(out, n.logs)
	return out
}

func (n *Node) appendLog(ev LoggedEvent) {
	n.logs = append(n.logs, ev)
	if n.logCap > 0 && len(n.logs) > n.logCap {
		n.logs = n.logs[len(n.logs)-n.logCap:]
	}
}

// TreeBroadcastFunc is the tree-level fan-out hook wired via
// SetTreeBroadcast.
type TreeBroadcastFunc func(nodeID int, ev *simevent.Event)

// SimTree is the branching state graph. Coordination (branch/attach/
// delete, subscriber wiring) is expected to run single-threaded; the
// mutex here exists so read-only graph queries and node-run event
// delivery from worker threads never race with a structural mutation.
type SimTree struct {
	mu sync.RWMutex
	root int
	nextID int
	nodes map[int]*Node
	children map[int][]int

	running map[int]bool
	nodeSubs map[int][]chan LoggedEvent

	treeBroadcast TreeBroadcastFunc

	sceneRegistry *scene.Registry
	clients *llmclient.Registry
	metrics *obs.Metrics

	// NodeLogCap bounds each node's retained log length.
	NodeLogCap int
}

// SetMetrics wires the Prometheus recorder used for node-count,
// running-set, turn, step, and event metrics. Like a node's Sim, it is
// injected after construction rather than persisted.
func (t *SimTree) SetMetrics(m *obs.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
	root := t.nodes[t.root]
	if root != nil {
		root.Sim.Metrics = m
	}
	t.metrics.SetNodeCount(len(t.nodes))
}

// New creates a root node id=0 with depth=0, parent=-1 (sentinel for
// "no parent"), edge_type="root", ops=nil, sim=initialSim.
func New(initialSim *simulator.Simulator, sceneRegistry *scene.Registry, clients *llmclient.Registry) *SimTree {
	t := &SimTree{
		nodes: map[int]*Node{},
		children: map[int][]int{},
		running: map[int]bool{},
		nodeSubs: map[int][]chan LoggedEvent{},
		sceneRegistry: sceneRegistry,
		clients: clients,
	}
	root := &Node{ID: 0, Parent: -1, Attached: true, Depth: 0, EdgeType: "root", Sim: initialSim}
	t.nodes[0] = root
	t.nextID = 1
	t.attachLogHandler(root)
	return t
}

// attachLogHandler wires the node's simulator event sink: each emitted
// event is enriched with the node id, appended to the node's log,
// delivered to every per-node subscriber channel, and finally offered to
// the tree-level broadcaster filtered by nid ∈ running.
func (t *SimTree) attachLogHandler(n *Node) {
	nid := n.ID
	n.Sim.NodeID = nid
	n.Sim.Metrics = t.metrics
	n.Sim.SetEventSink(func(ev *simevent.Event) {
			t.mu.Lock()
			node, ok := t.nodes[nid]
			if !ok {
				t.mu.Unlock()
				return
			}
			t.metrics.RecordEvent(string(ev.Kind))
			entry := LoggedEvent{Event: ev, NodeID: nid}
			node.appendLog(entry)
			subs := append([]chan LoggedEvent(nil), t.nodeSubs[nid]...)
			isRunning := t.running[nid]
			broadcast := t.treeBroadcast
			t.mu.Unlock()

			for _, ch := range subs {
				select {
					case ch <- entry:
					default:
					// best-effort fan-out: log-and-drop rather than block
				}
			}
			if isRunning && broadcast != nil {
				broadcast(nid, ev)
			}
	})
}

// CopySim deep-clones nodes[parentID].sim, resets its pending event
// queue (handled by Simulator.Clone itself), and allocates a new,
// unattached node id with parent=parentID, depth unset.
func (t *SimTree) CopySim(parentID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, parentID)
	}

	id := t.nextID
	t.nextID++
	child := &Node{ID: id, Parent: parentID, Attached: false, Depth: -1, Sim: parent.Sim.Clone(), logCap: t.NodeLogCap}
	t.nodes[id] = child
	return id, nil
}

// fingerprint computes H(parentID, ops): a stable hash over the parent
// id and the ops list, used to detect duplicate attaches.
func fingerprint(parentID int, ops []map[string]any) string {
	// ops order is semantically significant (it IS the edge label), so
	// this hashes the JSON encoding of the ops in their given order.
	payload, _ := json.Marshal(struct {
			Parent int `json:"parent"`
			Ops []map[string]any `json:"ops"`
		}{Parent: parentID, Ops: ops})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Attach finalizes a node allocated by CopySim: sets depth = parent.depth
// + 1, edge_type derived from ops, stores ops, appends to
// children[parentID], and computes+stores the fingerprint. Attaching a
// child whose fingerprint already exists under parentID is a no-op that
// returns the existing child's id.
func (t *SimTree) Attach(parentID int, ops []map[string]any, childID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, parentID)
	}
	child, ok := t.nodes[childID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, childID)
	}

	fp := fingerprint(parentID, ops)
	for _, existingID := range t.children[parentID] {
		if existing, ok := t.nodes[existingID]; ok && existing.Fingerprint == fp {
			delete(t.nodes, childID) // discard the speculative copy
			return existingID, nil
		}
	}

	child.Depth = parent.Depth + 1
	child.EdgeType = deriveEdgeType(ops)
	child.Ops = ops
	child.Fingerprint = fp
	child.Attached = true
	child.logCap = t.NodeLogCap

	t.children[parentID] = append(t.children[parentID], childID)
	t.attachLogHandler(child)
	t.metrics.SetNodeCount(len(t.nodes))

	return childID, nil
}

func deriveEdgeType(ops []map[string]any) string {
	if len(ops) == 0 {
		return "noop"
	}
	if kind, ok := ops[0]["kind"].(string); ok && kind != "" {
		return kind
	}
	return "ops"
}

// Branch atomically performs CopySim + Attach, returning the new (or, on
// fingerprint collision, the pre-existing) child id.
func (t *SimTree) Branch(parentID int, ops []map[string]any) (int, error) {
	childID, err := t.CopySim(parentID)
	if err != nil {
		return 0, err
	}
	return t.Attach(parentID, ops, childID)
}

// DeleteSubtree removes nodeID and all its descendants from nodes,
// children, node subscriptions, and running. Refuses on root.
func (t *SimTree) DeleteSubtree(nodeID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if nodeID == t.root {
		return ErrRootDeletion
	}
	if _, ok := t.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}

	toDelete := t.collectDescendants(nodeID)
	for _, id := range toDelete {
		delete(t.nodes, id)
		delete(t.children, id)
		delete(t.running, id)
		for _, ch := range t.nodeSubs[id] {
			close(ch)
		}
		delete(t.nodeSubs, id)
	}

	// remove nodeID from its parent's children list
	for pid, kids := range t.children {
		filtered := kids[:0]
		for _, k := range kids {
			if k != nodeID {
				filtered = append(filtered, k)
			}
		}
		t.children[pid] = filtered
	}

	t.metrics.SetNodeCount(len(t.nodes))
	t.metrics.SetRunningNodes(len(t.running))

	return nil
}

func (t *SimTree) collectDescendants(nodeID int) []int {
	out := []int{nodeID}
	queue := []int{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range t.children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Frontier returns attached node ids. When onlyMaxDepth is true, only
// nodes at the maximum observed depth are returned.
func (t *SimTree) Frontier(onlyMaxDepth bool) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	maxDepth := -1
	var ids []int
	for id, n := range t.nodes {
		if !n.Attached {
			continue
		}
		ids = append(ids, id)
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}
	sort.Ints(ids)
	if !onlyMaxDepth {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if t.nodes[id].Depth == maxDepth {
			out = append(out, id)
		}
	}
	return append([]int(nil), out...)
}

// Leaves returns attached node ids with no attached children.
func (t *SimTree) Leaves() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for id, n := range t.nodes {
		if !n.Attached {
			continue
		}
		if len(t.children[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// AllNodeIDs returns every attached node id in the tree, used by
// operations that must touch every snapshot rather than just the
// frontier.
func (t *SimTree) AllNodeIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.nodes))
	for id, n := range t.nodes {
		if n.Attached {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Node returns the node by id, or ErrNodeNotFound.
func (t *SimTree) Node(id int) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return n, nil
}

// SetTreeBroadcast wires the tree-level fan-out function.
func (t *SimTree) SetTreeBroadcast(fn TreeBroadcastFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.treeBroadcast = fn
}

// AddNodeSub registers ch to receive every event logged against nodeID.
func (t *SimTree) AddNodeSub(nodeID int, ch chan LoggedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeSubs[nodeID] = append(t.nodeSubs[nodeID], ch)
}

// RemoveNodeSub unregisters ch from nodeID's subscriber list.
func (t *SimTree) RemoveNodeSub(nodeID int, ch chan LoggedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.nodeSubs[nodeID]
	for i, s := range subs {
		if s == ch {
			t.nodeSubs[nodeID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// MarkRunning records nodeID as currently executing, enabling tree-level
// broadcast filtering.
func (t *SimTree) MarkRunning(nodeID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[nodeID] = true
	t.metrics.SetRunningNodes(len(t.running))
}

// ClearRunning removes nodeID from the running set.
func (t *SimTree) ClearRunning(nodeID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, nodeID)
	t.metrics.SetRunningNodes(len(t.running))
}

// IsRunning reports whether nodeID is currently marked running.
func (t *SimTree) IsRunning(nodeID int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running[nodeID]
}
