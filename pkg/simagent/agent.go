// Package simagent implements an agent's identity, plan state, memory,
// knowledge, emotion, and the LLM round-trip that produces at most one
// step's worth of actions, including retry/offline-latch semantics and
// plan/emotion update parsing.
package simagent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/simevent"
)

// PlanState is the agent's structured plan.
type PlanState struct {
	Goals []string `json:"goals"`
	Milestones []string `json:"milestones"`
	Strategy string `json:"strategy"`
	Notes string `json:"notes"`
}

// Clone returns a deep copy.
func (p PlanState) Clone() PlanState {
	return PlanState{
		Goals: append([]string(nil), p.Goals...),
		Milestones: append([]string(nil), p.Milestones...),
		Strategy: p.Strategy,
		Notes: p.Notes,
	}
}

// IsEmpty reports whether the plan has never been initialized, the signal
// Agent.SystemPrompt uses to prompt the LLM to seed one.
func (p PlanState) IsEmpty() bool {
	return len(p.Goals) == 0 && len(p.Milestones) == 0 && p.Strategy == "" && p.Notes == ""
}

// KnowledgeItem is one free-text knowledge base entry.
type KnowledgeItem struct {
	ID string `json:"id"`
	Title string `json:"title"`
	Content string `json:"content"`
	Enabled bool `json:"enabled"`
}

// DocumentChunk is one chunk of a document with its embedding vector.
type DocumentChunk struct {
	ChunkID string `json:"chunk_id"`
	Text string `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Document groups the chunks + embeddings belonging to one uploaded
// document.
type Document struct {
	Chunks []DocumentChunk `json:"chunks"`
}

// ErrorState tracks LLM retry failures and the offline latch.
type ErrorState struct {
	ConsecutiveLLMErrors int `json:"consecutive_llm_errors"`
	MaxConsecutiveLLMErrors int `json:"max_consecutive_llm_errors"`
	IsOffline bool `json:"is_offline"`
}

// Agent is exclusively owned by exactly one Simulator snapshot.
type Agent struct {
	Name string
	Profile string
	Style string
	Role string
	Language string

	ActionSpace action.Catalog

	ShortMemory *simevent.ShortTermMemory
	Plan PlanState
	Emotion string
	EmotionEnabled bool

	KnowledgeBase []KnowledgeItem
	Documents map[string]Document
	// GlobalKnowledge is a weak reference to the simulation-wide map; it
	// is not owned by the Agent. Agent.Clone copies the reference, not the
	// map, and simulator.Deserialize re-attaches it.
	GlobalKnowledge map[string]string

	ErrState ErrorState

	// lastHistoryLength is the memory length observed at the end of the
	// previous successful Process call; always <= len(memory).
	lastHistoryLength int

	// MaxRepeat is the number of retries beyond the first attempt.
	MaxRepeat int
}

// New constructs an Agent with sane defaults — callers never build an
// Agent by struct literal in application code.
func New(name string) *Agent {
	return &Agent{
		Name: name,
		ShortMemory: simevent.NewShortTermMemory(),
		Documents: map[string]Document{},
		ErrState: ErrorState{MaxConsecutiveLLMErrors: 3},
		MaxRepeat: 1,
	}
}

// Clone returns a deep, independent copy for copy-on-branch. The
// capabilities in ActionSpace and the GlobalKnowledge map are shared by
// reference; everything else is deep-copied.
func (a *Agent) Clone() *Agent {
	clone := &Agent{
		Name: a.Name,
		Profile: a.Profile,
		Style: a.Style,
		Role: a.Role,
		Language: a.Language,
		ActionSpace: append(action.Catalog(nil), a.ActionSpace...),
		ShortMemory: a.ShortMemory.Clone(),
		Plan: a.Plan.Clone(),
		Emotion: a.Emotion,
		EmotionEnabled: a.EmotionEnabled,
		KnowledgeBase: append([]KnowledgeItem(nil), a.KnowledgeBase...),
		Documents: make(map[string]Document, len(a.Documents)),
		GlobalKnowledge: a.GlobalKnowledge,
		ErrState: a.ErrState,
		lastHistoryLength: a.lastHistoryLength,
		MaxRepeat: a.MaxRepeat,
	}
	for id, doc := range a.Documents {
		chunks := make([]DocumentChunk, len(doc.Chunks))
		for i, c := range doc.Chunks {
			cc := c
			cc.Embedding = append([]float32(nil), c.Embedding...)
			chunks[i] = cc
		}
		clone.Documents[id] = Document{Chunks: chunks}
	}
	return clone
}

// ResetOfflineLatch clears IsOffline and the consecutive error count.
// Deserialize does not call it; nothing calls it from within a running
// turn.
func (a *Agent) ResetOfflineLatch() {
	a.ErrState.IsOffline = false
	a.ErrState.ConsecutiveLLMErrors = 0
}

// AddEnvFeedback appends a user-role memory entry and returns the
// agent_ctx_delta event the simulator should emit.
func (a *Agent) AddEnvFeedback(content string, media ...simevent.MediaRef) *simevent.Event {
	a.ShortMemory.Append(simevent.RoleUser, content, media...)
	return simevent.New(simevent.KindAgentCtxDelta, a.Name, content).WithMedia(media...)
}

// ProcessDeps are the collaborators Process needs but that would otherwise
// create an import cycle with pkg/scene / pkg/simulator: a scene
// description + behavior guidelines string, and the chat client to call.
type ProcessDeps struct {
	Client llmclient.Client
	SceneDescription func() string
	Retriever func(ctx context.Context, recentMemory []simevent.ChatMessage) string // optional auto-RAG
	EmitEvent func(kind simevent.Kind, data map[string]any)
}

// ProcessOutcome is the result of one Process call.
type ProcessOutcome struct {
	Actions []action.Data
}

// Process is the per-step LLM round-trip. It returns at most the
// parsed action(s) for this step, or none if the agent has nothing new to
// say, is offline, or exhausted its retries.
func (a *Agent) Process(ctx context.Context, deps ProcessDeps, initiative bool) ProcessOutcome {
	if a.ErrState.IsOffline {
		return ProcessOutcome{}
	}

	currentLength := a.ShortMemory.Len()
	if currentLength == a.lastHistoryLength && !initiative {
		return ProcessOutcome{}
	}

	systemPrompt := a.systemPrompt(deps)

	history := a.ShortMemory.Serialize(simevent.DialectOpenAI)
	messages := make([]llmclient.Message, 0, len(history)+2)
	messages = append(messages, llmclient.Message{Role: simevent.RoleSystem, Content: systemPrompt})
	for _, h := range history {
		messages = append(messages, llmclient.Message{Role: h.Role, Content: h.Content, Media: h.Media})
	}

	lastRole := simevent.Role("")
	if last, ok := a.ShortMemory.Last(); ok {
		lastRole = last.Role
	}
	if initiative || lastRole == simevent.RoleAssistant {
		hint := "Continue."
		a.ShortMemory.Append(simevent.RoleUser, hint)
		messages = append(messages, llmclient.Message{Role: simevent.RoleUser, Content: hint})
	}

	attempts := a.MaxRepeat + 1
	var (
		parsed *parsedResponse
		llmOutput string
		success bool
	)

	for i := 0; i < attempts; i++ {
		resp, err := deps.Client.Chat(ctx, messages)
		if err != nil {
			a.recordLLMError(deps, "llm_call", err, i+1, i == attempts-1)
			if a.ErrState.IsOffline {
				break
			}
			continue
		}
		llmOutput = resp.Text

		p, perr := parseResponse(llmOutput)
		if perr != nil {
			a.recordLLMError(deps, "parse", perr, i+1, i == attempts-1)
			if a.ErrState.IsOffline {
				break
			}
			continue
		}

		parsed = p
		success = true
		a.ErrState.ConsecutiveLLMErrors = 0
		break
	}

	if !success {
		return ProcessOutcome{}
	}

	if parsed.planUpdate != nil {
		a.Plan = *parsed.planUpdate
		if deps.EmitEvent != nil {
			deps.EmitEvent(simevent.KindPlanUpdate, map[string]any{"agent": a.Name, "kind": "replace"})
		}
	}
	if a.EmotionEnabled && parsed.emotionUpdate != "" {
		a.Emotion = parsed.emotionUpdate
		if deps.EmitEvent != nil {
			deps.EmitEvent(simevent.KindEmotionUpdate, map[string]any{"agent": a.Name, "emotion": a.Emotion})
		}
	}

	a.ShortMemory.Append(simevent.RoleAssistant, llmOutput)
	if deps.EmitEvent != nil {
		deps.EmitEvent(simevent.KindAgentCtxDelta, map[string]any{"agent": a.Name, "role": "assistant", "content": llmOutput})
	}
	a.lastHistoryLength = a.ShortMemory.Len()

	return ProcessOutcome{Actions: parsed.actions}
}

func (a *Agent) recordLLMError(deps ProcessDeps, kind string, err error, attempt int, final bool) {
	a.ErrState.ConsecutiveLLMErrors++
	if deps.EmitEvent != nil {
		deps.EmitEvent(simevent.KindAgentError, map[string]any{
				"agent": a.Name,
				"kind": kind,
				"error": err.Error(),
				"attempt": attempt,
				"consecutive_errors": a.ErrState.ConsecutiveLLMErrors,
				"final_attempt": final,
		})
	}
	slog.Debug("agent llm error", "agent", a.Name, "kind", kind, "error", err, "attempt", attempt)

	if a.ErrState.ConsecutiveLLMErrors >= a.ErrState.MaxConsecutiveLLMErrors && !a.ErrState.IsOffline {
		a.ErrState.IsOffline = true
		if deps.EmitEvent != nil {
			deps.EmitEvent(simevent.KindAgentError, map[string]any{
					"agent": a.Name,
					"kind": "offline",
					"reason": "too_many_llm_errors",
					"consecutive_errors": a.ErrState.ConsecutiveLLMErrors,
			})
		}
	}
}

func (a *Agent) systemPrompt(deps ProcessDeps) string {
	sceneDesc := ""
	if deps.SceneDescription != nil {
		sceneDesc = deps.SceneDescription()
	}

	prompt := fmt.Sprintf("You are %s.\n", a.Name)
	if a.Profile != "" {
		prompt += fmt.Sprintf("Profile: %s\n", a.Profile)
	}
	if a.Role != "" {
		prompt += fmt.Sprintf("Role: %s\n", a.Role)
	}
	if a.Language != "" {
		prompt += fmt.Sprintf("Respond in: %s\n", a.Language)
	}
	if a.Plan.IsEmpty() {
		prompt += "\nYou have no plan yet; propose one in your Plan Update section.\n"
	} else {
		prompt += fmt.Sprintf("\nCurrent plan: goals=%v milestones=%v strategy=%q\n", a.Plan.Goals, a.Plan.Milestones, a.Plan.Strategy)
	}
	if sceneDesc != "" {
		prompt += "\n" + sceneDesc + "\n"
	}
	prompt += "\nAvailable actions:\n"
	for _, c := range a.ActionSpace {
		prompt += fmt.Sprintf("- %s: %s\n", c.Name, c.Instructions)
	}
	prompt += responseTemplate

	if deps.Retriever != nil {
		if rag := deps.Retriever(context.Background(), a.ShortMemory.Serialize(simevent.DialectOpenAI)); rag != "" {
			prompt += "\n" + rag + "\nUse the above context to inform your responses when relevant.\n"
		}
	}

	return prompt
}

const responseTemplate = `
Respond using the following sections:
Thoughts: <reasoning>
Plan: <restated current plan, or "no change">
Action: <exactly one XML element, e.g. <Action name="wait"/>>
Plan Update: <full replacement plan, or "no change">
Emotion Update: <new emotion, or "no change">
`
