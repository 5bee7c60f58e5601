// Package experiment implements the background experiment runner:
// branching K variants off a base node and executing them concurrently
// with a bounded worker pool, under a shared LLM token budget reserved
// up front and committed or released on completion.
package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/obs"
	"github.com/zjucss/simsocius/pkg/quota"
	"github.com/zjucss/simsocius/pkg/simtree"
)

// maxConcurrentVariants bounds the worker pool.
const maxConcurrentVariants = 8

// VariantSpec is one branch to create from the base node: the ops that
// produce it plus a display label.
type VariantSpec struct {
	Label string
	Ops []map[string]any
}

// Template is a reusable named set of variant presets.
type Template struct {
	Name string
	variants []VariantSpec
}

// NewTemplate builds a Template from a fixed variant set.
func NewTemplate(name string, variants []VariantSpec) Template {
	return Template{Name: name, variants: variants}
}

// Variants returns the template's variant presets.
func (t Template) Variants() []VariantSpec { return t.variants }

// Status is the run's lifecycle state, restored from task.State shape.
type Status string

const (
	StatusQueued Status = "queued"
	StatusRunning Status = "running"
	StatusFinished Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusFailed Status = "failed"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusFailed
}

// VariantResult is one variant's outcome.
type VariantResult struct {
	Label string
	NodeID int
	Turns int
	Err error
}

// RunResult is the aggregated outcome of one experiment run.
type RunResult struct {
	RunID string
	Status Status
	Variants []VariantResult
	ResultMeta map[string]any
}

// Run tracks one in-flight or completed experiment execution.
type Run struct {
	ID string
	mu sync.Mutex
	status Status
	cancel context.CancelFunc
}

// Status returns the run's current lifecycle state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Runner executes experiments against a single SimTree under a shared
// quota Ledger. Callers that serve more than one simulation keep one
// Runner per SimTree rather than sharing a single instance.
type Runner struct {
	tree *simtree.SimTree
	ledger *quota.Ledger
	estimator *quota.Estimator
	clients *llmclient.Registry
	metrics *obs.Metrics

	mu sync.Mutex
	runs map[string]*Run
}

// New builds a Runner over tree, reserving tokens from ledger. The
// estimator is stored on the Runner; Start sizes its reservation from
// perRunBudget alone and does not call it.
func New(tree *simtree.SimTree, ledger *quota.Ledger, estimator *quota.Estimator, clients *llmclient.Registry) *Runner {
	return &Runner{tree: tree, ledger: ledger, estimator: estimator, clients: clients, runs: map[string]*Run{}}
}

// SetMetrics wires the Prometheus recorder used for run/variant counters.
func (r *Runner) SetMetrics(m *obs.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Start executes an experiment. baseNodeID is the
// SimTree node every variant branches from; perRunBudget is the
// provider-configured per-run token ceiling; turns is the
// per-variant Simulator.Run turn budget.
func (r *Runner) Start(ctx context.Context, runID, userID, providerID string, baseNodeID int, perRunBudget int64, variants []VariantSpec, turns int) (*RunResult, error) {
	run := &Run{ID: runID, status: StatusQueued}
	r.mu.Lock()
	r.runs[runID] = run
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	defer cancel()

	runCtx, span := obs.StartExperimentRunSpan(runCtx, runID, len(variants))
	defer span.End()
	startedAt := time.Now()

	// 3. Reserve per_run_budget * |variants| tokens under the row lock.
	needed := perRunBudget * int64(len(variants))
	reservation, reserveErr := r.ledger.Reserve(runCtx, userID, providerID, needed)
	clients := r.clients
	meta := map[string]any{}
	if reserveErr != nil {
		meta["quota_denied"] = true
		meta["quota_error"] = reserveErr.Error()
		clients = llmclient.NewRegistry(nil) // step 3: variants run with no LLM client
	}

	run.setStatus(StatusRunning)

	// 4. Branch each variant from base_node, mark running.
	type branched struct {
		spec VariantSpec
		nodeID int
	}
	var prepared []branched
	for _, v := range variants {
		nodeID, err := r.tree.Branch(baseNodeID, v.Ops)
		if err != nil {
			return nil, fmt.Errorf("experiment: branch variant %q: %w", v.Label, err)
		}
		r.tree.MarkRunning(nodeID)
		prepared = append(prepared, branched{spec: v, nodeID: nodeID})
	}

	// 5. Execute variants concurrently with a bounded worker pool.
	sem := semaphore.NewWeighted(maxConcurrentVariants)
	group, groupCtx := errgroup.WithContext(runCtx)
	results := make([]VariantResult, len(prepared))

	for i, b := range prepared {
		i, b := i, b
		group.Go(func() error {
				// 6. On each variant completion, remove from running.
				defer r.tree.ClearRunning(b.nodeID)

				if err := sem.Acquire(groupCtx, 1); err != nil {
					results[i] = VariantResult{Label: b.spec.Label, NodeID: b.nodeID, Err: err}
					r.metrics.RecordVariant("error")
					return nil
				}
				defer sem.Release(1)

				node, err := r.tree.Node(b.nodeID)
				if err != nil {
					results[i] = VariantResult{Label: b.spec.Label, NodeID: b.nodeID, Err: err}
					r.metrics.RecordVariant("error")
					return nil
				}

				node.Sim.Clients = clients
				turnsRun := node.Sim.Run(groupCtx, turns)
				results[i] = VariantResult{Label: b.spec.Label, NodeID: b.nodeID, Turns: turnsRun}
				r.metrics.RecordVariant("ok")
				return nil
		})
	}

	runErr := group.Wait()

	// 7. Record run-level metadata: aggregation time and variant count.
	// No per-node summaries are computed; per-variant turn counts are in
	// the returned Variants.
	meta["aggregated_at"] = time.Now().UTC().Format(time.RFC3339)
	meta["variant_count"] = len(prepared)

	status := StatusFinished
	if runCtx.Err() != nil {
		status = StatusCancelled
	}

	// 8. Commit or release the reservation.
	if reserveErr == nil {
		if runErr != nil {
			_ = r.ledger.Release(ctx, reservation)
		} else {
			_ = r.ledger.Commit(ctx, reservation)
		}
	}

	run.setStatus(status)
	r.metrics.RecordRun(string(status), time.Since(startedAt).Seconds())

	return &RunResult{RunID: runID, Status: status, Variants: results, ResultMeta: meta}, nil
}

// Cancel requests cooperative cancellation of an in-flight run: in-flight variants complete their current step and
// the running set is cleared on exit, matching the cooperative
// quiescence-point policy applied inside Simulator.Run itself.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("experiment: unknown run %q", runID)
	}
	if run.cancel != nil {
		run.cancel()
	}
	run.setStatus(StatusCancelled)
	return nil
}

// StartFromTemplate starts an experiment using a named variant preset
// instead of an ad-hoc variant list.
func (r *Runner) StartFromTemplate(ctx context.Context, runID, userID, providerID string, baseNodeID int, perRunBudget int64, tmpl Template, turns int) (*RunResult, error) {
	return r.Start(ctx, runID, userID, providerID, baseNodeID, perRunBudget, tmpl.Variants(), turns)
}
