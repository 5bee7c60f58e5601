// Package httpapi implements the chi-based HTTP surface the core is
// driven through: simulation CRUD, node branching, an SSE event stream
// per node, experiment start/cancel, and a Prometheus metrics endpoint,
// using chi.Router in place of a plain net/http.ServeMux so route
// patterns stay available to the tracing middleware for
// bounded-cardinality span labeling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/zjucss/simsocius/pkg/experiment"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/obs"
	"github.com/zjucss/simsocius/pkg/quota"
	"github.com/zjucss/simsocius/pkg/simevent"
	"github.com/zjucss/simsocius/pkg/simregistry"
	"github.com/zjucss/simsocius/pkg/simtree"
)

// treeBroadcastEvent is one entry delivered to a tree-level SSE
// subscriber: the node that produced the event plus the event itself.
type treeBroadcastEvent struct {
	NodeID int `json:"node_id"`
	Event *simevent.Event `json:"event"`
}

// Server wires the SimTreeRegistry and per-simulation experiment
// Runners behind a chi.Router. One Server is built per process,
// matching single-Server-instance convention.
type Server struct {
	registry *simregistry.Registry
	ledger *quota.Ledger
	estimator *quota.Estimator
	clients *llmclient.Registry
	metrics *obs.Metrics

	router chi.Router

	runnersMu sync.Mutex
	runners map[string]*experiment.Runner

	// treeSubsMu guards treeSubs, the per-simulation set of tree-level SSE
	// subscriber channels fed by each SimTree's SetTreeBroadcast hook.
	treeSubsMu sync.Mutex
	treeSubs map[string][]chan treeBroadcastEvent
}

// New builds a Server and registers every route. Each simulation gets
// its own lazily-built experiment.Runner bound to that simulation's
// SimTree (a Runner is constructed over exactly one tree), cached by
// simulation id the same way simregistry.Registry caches TreeRecords.
func New(registry *simregistry.Registry, ledger *quota.Ledger, estimator *quota.Estimator, clients *llmclient.Registry, metrics *obs.Metrics) *Server {
	s := &Server{
		registry: registry,
		ledger: ledger,
		estimator: estimator,
		clients: clients,
		metrics: metrics,
		runners: map[string]*experiment.Runner{},
		treeSubs: map[string][]chan treeBroadcastEvent{},
	}
	s.router = s.routes()
	return s
}

// fanOutTreeEvent delivers ev to every tree-level subscriber currently
// registered for simID, best-effort.
func (s *Server) fanOutTreeEvent(simID string, nodeID int, ev *simevent.Event) {
	s.treeSubsMu.Lock()
	subs := append([]chan treeBroadcastEvent(nil), s.treeSubs[simID]...)
	s.treeSubsMu.Unlock()

	entry := treeBroadcastEvent{NodeID: nodeID, Event: ev}
	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// best-effort fan-out: log-and-drop rather than block
		}
	}
}

func (s *Server) addTreeSub(simID string, ch chan treeBroadcastEvent) {
	s.treeSubsMu.Lock()
	defer s.treeSubsMu.Unlock()
	s.treeSubs[simID] = append(s.treeSubs[simID], ch)
}

func (s *Server) removeTreeSub(simID string, ch chan treeBroadcastEvent) {
	s.treeSubsMu.Lock()
	defer s.treeSubsMu.Unlock()
	subs := s.treeSubs[simID]
	for i, c := range subs {
		if c == ch {
			s.treeSubs[simID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// runnerFor returns the cached Runner for simID, building one the
// first time a given simulation starts an experiment.
func (s *Server) runnerFor(simID string, tree *simtree.SimTree) *experiment.Runner {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()
	if r, ok := s.runners[simID]; ok {
		return r
	}
	r := experiment.New(tree, s.ledger, s.estimator, s.clients)
	r.SetMetrics(s.metrics)
	s.runners[simID] = r
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(tracingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/simulations", s.handleCreateSimulation)
	r.Get("/simulations/{simID}/tree", s.handleGetTree)
	r.Get("/simulations/{simID}/events", s.handleTreeEvents)
	r.Post("/simulations/{simID}/nodes/{nodeID}/branch", s.handleBranch)
	r.Get("/simulations/{simID}/nodes/{nodeID}/events", s.handleNodeEvents)
	r.Delete("/simulations/{simID}/nodes/{nodeID}", s.handleDeleteNode)

	r.Post("/simulations/{simID}/experiments", s.handleStartExperiment)
	r.Post("/simulations/{simID}/experiments/{runID}/cancel", s.handleCancelExperiment)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	var record simregistry.SimulationRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	built, err := s.registry.GetOrCreateFromSim(r.Context(), record, s.clients)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	simID := record.ID
	built.Tree.SetTreeBroadcast(func(nodeID int, ev *simevent.Event) {
		s.fanOutTreeEvent(simID, nodeID, ev)
	})
	writeJSON(w, http.StatusCreated, built.Tree.Serialize())
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	record, ok := s.registry.Get(simID)
	if !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}
	writeJSON(w, http.StatusOK, record.Tree.Serialize())
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	record, ok := s.registry.Get(simID)
	if !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}

	nodeID, err := strconv.Atoi(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body struct {
		Ops []map[string]any `json:"ops"`
		Turns int `json:"turns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	childID, err := record.Tree.Branch(nodeID, body.Ops)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if body.Turns > 0 {
		go s.runNode(record.Tree, childID, body.Turns)
	}

	writeJSON(w, http.StatusCreated, map[string]any{"node_id": childID})
}

// runNode drives one node's turn engine to completion in the
// background, marking it running for the duration so tree-level
// broadcast filtering includes its events.
func (s *Server) runNode(tree *simtree.SimTree, nodeID, turns int) {
	node, err := tree.Node(nodeID)
	if err != nil {
		slog.Error("httpapi: run node: lookup failed", "node_id", nodeID, "error", err)
		return
	}
	tree.MarkRunning(nodeID)
	defer tree.ClearRunning(nodeID)
	node.Sim.Clients = s.clients
	node.Sim.Run(context.Background(), turns)
}

func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	record, ok := s.registry.Get(simID)
	if !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}
	nodeID, err := strconv.Atoi(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch := make(chan simtree.LoggedEvent, 32)
	record.Tree.AddNodeSub(nodeID, ch)
	defer record.Tree.RemoveNodeSub(nodeID, ch)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: "))
			enc.Encode(entry)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

// handleTreeEvents streams every event emitted by a currently-running
// node anywhere in the tree, fed by the SimTree's SetTreeBroadcast hook
// registered at simulation-creation time.
func (s *Server) handleTreeEvents(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	if _, ok := s.registry.Get(simID); !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch := make(chan treeBroadcastEvent, 32)
	s.addTreeSub(simID, ch)
	defer s.removeTreeSub(simID, ch)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			w.Write([]byte("data: "))
			enc.Encode(entry)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	record, ok := s.registry.Get(simID)
	if !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}

	nodeID, err := strconv.Atoi(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := record.Tree.DeleteSubtree(nodeID); err != nil {
		switch {
		case errors.Is(err, simtree.ErrRootDeletion):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, simtree.ErrNodeNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	s.fanOutTreeEvent(simID, nodeID, simevent.New(simevent.KindDeleted, "httpapi", fmt.Sprintf("node %d deleted", nodeID)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	record, ok := s.registry.Get(simID)
	if !ok {
		writeError(w, http.StatusNotFound, errSimulationNotFound(simID))
		return
	}

	var body struct {
		RunID string `json:"run_id"`
		UserID string `json:"user_id"`
		ProviderID string `json:"provider_id"`
		BaseNodeID int `json:"base_node_id"`
		PerRunBudget int64 `json:"per_run_budget"`
		Turns int `json:"turns"`
		Variants []experiment.VariantSpec `json:"variants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runner := s.runnerFor(simID, record.Tree)
	result, err := runner.Start(r.Context(), body.RunID, body.UserID, body.ProviderID, body.BaseNodeID, body.PerRunBudget, body.Variants, body.Turns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "simID")
	s.runnersMu.Lock()
	runner, ok := s.runners[simID]
	s.runnersMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("httpapi: no experiment runner for simulation %q", simID))
		return
	}

	runID := chi.URLParam(r, "runID")
	if err := runner.Cancel(runID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	slog.Error("httpapi: request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
