// Package simulator implements the per-node turn engine: the scheduler
// that drives one agent at a time through a bounded intra-turn step
// loop, evaluates actions against scene rules, and emits a structured
// event stream, deriving system-log entries for offline agents. Scene
// PreRun and the initial broadcast are driven by pkg/simregistry, not
// by the Simulator.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/obs"
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simevent"
)

const defaultMaxStepsPerTurn = 8

const maxTracebackLen = 4000

// Simulator is the per-node turn engine. Exactly one Simulator
// snapshot is owned by exactly one SimTree node; copy-on-branch deep
// clones everything reachable from it.
type Simulator struct {
	Agents          map[string]*simagent.Agent
	Scene           scene.Scene
	Order           ordering.Ordering
	Clients         *llmclient.Registry
	MaxStepsPerTurn int

	Turns int

	// EnvironmentConfig carries free-form environment knobs that travel
	// with the snapshot rather than being injected fresh per run.
	EnvironmentConfig map[string]any

	// SuggestionsViewedTurn is the turn number at which an idle agent
	// last saw a "next action suggestions" hint, restored verbatim by
	// Deserialize.
	SuggestionsViewedTurn int

	pending []*simevent.Event

	// cancelled is checked only at quiescence points (turn and step
	// boundaries): cancellation is cooperative, never interrupting an
	// in-flight LLM call.
	cancelled atomic.Bool

	// onEvent is the sink every emitted event reaches after passing
	// through Order.OnEvent — normally wired by the owning SimTree node
	// to append to node logs and fan out to subscribers.
	onEvent func(*simevent.Event)

	// Retriever builds the per-agent auto-RAG hook threaded into
	// simagent.ProcessDeps.Retriever. It is never persisted, and
	// Deserialize does not set it, so a rehydrated Simulator runs without
	// auto-RAG until a caller assigns one (pkg/simagent/rag.Index is the
	// usual backing implementation). Clone copies it.
	Retriever func(agentName string) func(ctx context.Context, recent []simevent.ChatMessage) string

	// NodeID and Metrics are assigned by the owning SimTree whenever this
	// snapshot is attached to a node (simtree.attachLogHandler); neither
	// is deep-cloned by Clone since a clone belongs to a different,
	// not-yet-attached node.
	NodeID  int
	Metrics *obs.Metrics
}

// New constructs a Simulator with sane defaults.
func New(sc scene.Scene, order ordering.Ordering, clients *llmclient.Registry) *Simulator {
	s := &Simulator{
		Agents:            map[string]*simagent.Agent{},
		Scene:             sc,
		Order:             order,
		Clients:           clients,
		MaxStepsPerTurn:   defaultMaxStepsPerTurn,
		EnvironmentConfig: map[string]any{},
	}
	if order != nil {
		order.SetSimulation(s)
	}
	return s
}

// SetEventSink wires the callback invoked for every event that passes
// through Order.OnEvent, e.g. the SimTree node's log-append + fan-out
// closure.
func (s *Simulator) SetEventSink(fn func(*simevent.Event)) { s.onEvent = fn }

// Cancel marks the run for cooperative stop at the next quiescence
// point (turn or step boundary).
func (s *Simulator) Cancel() { s.cancelled.Store(true) }

// AddAgent registers an agent under its own name and runs the scene's
// InitializeAgent + SceneActions merge.
func (s *Simulator) AddAgent(agent *simagent.Agent) {
	s.Agents[agent.Name] = agent
	if s.Scene != nil {
		s.Scene.InitializeAgent(agent)
	}
}

// emit builds an event, routes it through the ordering (so e.g. a
// werewolf-style ordering can react to phase-transition events), derives
// a system_log{level:warning} when an agent_error{kind:offline} passes
// through, then offers it to onEvent.
func (s *Simulator) emit(kind simevent.Kind, sender string, data map[string]any) *simevent.Event {
	ev := simevent.New(kind, sender, "")
	ev.Params = data
	s.dispatch(ev)
	return ev
}

func (s *Simulator) dispatch(ev *simevent.Event) {
	if s.Order != nil {
		s.Order.OnEvent(string(ev.Kind), ev.Params)
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	if ev.Kind == simevent.KindAgentError {
		if kind, _ := ev.Params["kind"].(string); kind == "offline" {
			logEv := simevent.New(simevent.KindSystemLog, ev.Sender, fmt.Sprintf("agent %s went offline", ev.Sender))
			logEv.Params = map[string]any{"level": "warning"}
			s.dispatch(logEv)
		}
	}
}

// emitLater buffers an event for the next quiescence-point flush.
func (s *Simulator) emitLater(kind simevent.Kind, sender string, data map[string]any) {
	ev := simevent.New(kind, sender, "")
	ev.Params = data
	s.pending = append(s.pending, ev)
}

func (s *Simulator) flushPending() {
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.dispatch(ev)
	}
}

// Broadcast delivers a formatted string (with media) to each recipient's
// memory via AddEnvFeedback, then emits system_broadcast with the
// recipients list, media, and optional code/params. receivers == nil
// broadcasts to every agent.
func (s *Simulator) Broadcast(content string, receivers []string, media []simevent.MediaRef, code string, params map[string]any) {
	targets := receivers
	if targets == nil {
		targets = make([]string, 0, len(s.Agents))
		for name := range s.Agents {
			targets = append(targets, name)
		}
	}
	for _, name := range targets {
		if agent, ok := s.Agents[name]; ok {
			agent.AddEnvFeedback(content, media...)
		}
	}
	data := map[string]any{"recipients": targets, "media": media}
	if code != "" {
		data["code"] = code
		data["params"] = params
	}
	s.emit(simevent.KindSystemBroadcast, "", data)
}

// Run advances the turn engine for up to maxTurns turns. It never
// returns an error: failures inside the step loop are converted into a
// structured error event and the turn engine moves on. The returned int
// is the number of turns actually executed before completion,
// cancellation, or scene.IsComplete.
func (s *Simulator) Run(ctx context.Context, maxTurns int) int {
	turn := 0
	for turn = 1; turn <= maxTurns; turn++ {
		if s.cancelled.Load() || ctx.Err() != nil {
			turn--
			break
		}
		if s.Scene != nil && s.Scene.IsComplete() {
			turn--
			break
		}

		name := s.Order.Next()
		if name == "" {
			s.Turns = turn
			continue
		}
		agent, ok := s.Agents[name]
		if !ok {
			s.Turns = turn
			continue
		}

		if s.Scene != nil && s.Scene.ShouldSkipTurn(agent, s) {
			s.Scene.PostTurn(agent, s)
			s.Order.PostTurn(name)
			s.Turns = turn
			continue
		}

		if s.Scene != nil {
			if msg := s.Scene.AgentStatusPrompt(agent); msg != "" {
				agent.AddEnvFeedback(msg)
			}
		}

		turnCtx, span := obs.StartTurnSpan(ctx, s.NodeID, turn)
		s.runSteps(turnCtx, turn, agent, name)
		span.End()
		s.Metrics.RecordTurn(s.NodeID)

		if s.Scene != nil {
			s.Scene.PostTurn(agent, s)
		}
		s.flushPending()
		s.Order.PostTurn(name)
		s.Turns = turn
	}
	if turn > maxTurns {
		turn = maxTurns
	}
	if turn < 1 {
		turn = 0
	}
	return turn
}

func (s *Simulator) runSteps(ctx context.Context, turn int, agent *simagent.Agent, name string) {
	defer func() {
		if r := recover(); r != nil {
			s.emitError(fmt.Errorf("panic: %v", r), name, -1, turn)
		}
	}()

	s.flushPending()

	steps := 0
	continueTurn := true
	for continueTurn && steps < s.MaxStepsPerTurn {
		if s.cancelled.Load() || ctx.Err() != nil {
			return
		}

		s.Metrics.RecordStep(s.NodeID, name)
		s.emit(simevent.KindAgentProcessStart, name, map[string]any{"agent": name, "step": steps})

		deps := simagent.ProcessDeps{
			Client:           s.pickClient(agent),
			SceneDescription: s.sceneDescription,
			EmitEvent: func(kind simevent.Kind, data map[string]any) {
				s.emit(kind, name, data)
			},
		}
		if s.Retriever != nil {
			deps.Retriever = s.Retriever(name)
		}

		outcome := agent.Process(ctx, deps, false)

		s.emit(simevent.KindAgentProcessEnd, name, map[string]any{"agent": name, "step": steps, "actions": len(outcome.Actions)})

		if len(outcome.Actions) == 0 {
			break
		}

		yielded := false
		for _, data := range outcome.Actions {
			s.emit(simevent.KindActionStart, name, map[string]any{"agent": name, "action": data.Name})

			result := s.handleAction(data, agent, name, turn, steps)

			s.emit(simevent.KindActionEnd, name, map[string]any{
				"agent": name, "action": data.Name, "success": result.Success, "summary": result.Summary,
			})
			s.flushPending()

			if result.PassControl {
				yielded = true
				break
			}
		}

		steps++
		if yielded {
			continueTurn = false
		}
	}
}

func (s *Simulator) handleAction(data action.Data, agent *simagent.Agent, name string, turn, step int) (result action.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.emitError(fmt.Errorf("panic in action handler: %v", r), name, step, turn)
			result = action.Rejected("internal scene error")
		}
	}()
	if s.Scene == nil {
		return action.Rejected("no scene configured")
	}
	return s.Scene.ParseAndHandleAction(data, agent, s)
}

// emitError builds the structured error event carrying error type, a
// traceback truncated to maxTracebackLen chars, agent, step, turn, scene
// type, and ordering discriminator.
func (s *Simulator) emitError(err error, agent string, step, turn int) {
	trace := string(debug.Stack())
	if len(trace) > maxTracebackLen {
		trace = trace[:maxTracebackLen]
	}
	sceneType, orderName := "", ""
	if s.Scene != nil {
		sceneType = s.Scene.Type()
	}
	if s.Order != nil {
		orderName = s.Order.Discriminator()
	}
	slog.Error("simulator turn error", "agent", agent, "turn", turn, "step", step, "error", err)
	s.emit(simevent.KindError, agent, map[string]any{
		"error_type": fmt.Sprintf("%T", err),
		"message":    err.Error(),
		"traceback":  trace,
		"agent":      agent,
		"step":       step,
		"turn":       turn,
		"scene_type": sceneType,
		"ordering":   orderName,
	})
}

func (s *Simulator) pickClient(agent *simagent.Agent) llmclient.Client {
	if s.Clients == nil {
		return &llmclient.Mock{}
	}
	if c, ok := s.Clients.Get("chat"); ok {
		return c
	}
	if c, ok := s.Clients.Get("default"); ok {
		return c
	}
	return &llmclient.Mock{}
}

func (s *Simulator) sceneDescription() string {
	if s.Scene == nil {
		return ""
	}
	return fmt.Sprintf("Scene type: %s", s.Scene.Type())
}
