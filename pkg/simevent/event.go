// Package simevent defines the typed event model and per-agent short-term
// memory shared across the simulation tree, simulator, and agent packages.
//
// Events are immutable value objects. Media references travel
// alongside formatted text so multimodal-capable LLM clients can consume
// them directly. Event.ToString appends a textual placeholder
// (MediaRef.Placeholder) for each media reference; the llmclient layer
// does no placeholder substitution of its own.
package simevent

import (
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// Kind enumerates the canonical event types. The set is contract-frozen:
// subscribers and persistence depend on these exact string values
// surviving a round trip through JSON.
type Kind string

const (
	KindPublic Kind = "public"
	KindMessage Kind = "message"
	KindStatus Kind = "status"
	KindSystemLog Kind = "system_log"
	KindError Kind = "error"
	KindAttached Kind = "attached"
	KindDeleted Kind = "deleted"
	KindRunStart Kind = "run_start"
	KindRunFinish Kind = "run_finish"
	KindSystemBroadcast Kind = "system_broadcast"
	KindAgentCtxDelta Kind = "agent_ctx_delta"
	KindAgentProcessStart Kind = "agent_process_start"
	KindAgentProcessEnd Kind = "agent_process_end"
	KindActionStart Kind = "action_start"
	KindActionEnd Kind = "action_end"
	KindEmotionUpdate Kind = "emotion_update"
	KindPlanUpdate Kind = "plan_update"
	KindAgentError Kind = "agent_error"
	KindExperimentRunStart Kind = "experiment_run_start"
	KindExperimentRunFinish Kind = "experiment_run_finish"
	KindExperimentAction Kind = "experiment_action"
)

// MediaRef is a reference to an attached media asset (image, audio, file).
// The URL is resolved by the collaborator that produced it; the core never
// dereferences it.
type MediaRef struct {
	URL string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
	Alt string `json:"alt,omitempty"`
}

// Placeholder renders the textual stand-in used when delivering this media
// reference to a non-multimodal client.
func (m MediaRef) Placeholder() string {
	if m.MIMEType != "" && len(m.MIMEType) >= 5 && m.MIMEType[:5] == "image" {
		return fmt.Sprintf("[image: %s]", m.URL)
	}
	return fmt.Sprintf("[file: %s]", m.URL)
}

// Event is an immutable record of something that happened during a turn.
type Event struct {
	ID string `json:"id"`
	Kind Kind `json:"kind"`
	Sender string `json:"sender,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Content string `json:"content"`
	Media []MediaRef `json:"media,omitempty"`
	Code string `json:"code,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	At time.Time `json:"at"`
}

// New builds an Event with a fresh id and the current wall-clock time.
// The simulator is free to override At with the scene clock before
// formatting (see ToString).
func New(kind Kind, sender, content string) *Event {
	return &Event{
		ID: uuid.NewString(),
		Kind: kind,
		Sender: sender,
		Content: content,
		At: time.Now(),
	}
}

// WithMedia attaches media references and returns the event for chaining.
func (e *Event) WithMedia(media ...MediaRef) *Event {
	e.Media = append(e.Media, media...)
	return e
}

// WithCode attaches a machine-interpretable code/params pair.
func (e *Event) WithCode(code string, params map[string]any) *Event {
	e.Code = code
	e.Params = params
	return e
}

// ClockFunc renders a scene-specific timestamp label (e.g. in-world time)
// for use by ToString. Scenes supply their own; the zero value falls back
// to wall-clock HH:MM.
type ClockFunc func() string

// ToString renders the event as "[hh:mm] sender: content", substituting
// media with textual placeholders. clock may be nil, in which case the
// event's own At field (formatted HH:MM) is used.
func (e *Event) ToString(clock ClockFunc) string {
	label := e.At.Format("15:04")
	if clock != nil {
		if c := clock(); c != "" {
			label = c
		}
	}
	sender := e.Sender
	if sender == "" {
		sender = "system"
	}
	content := e.Content
	for _, m := range e.Media {
		content += " " + m.Placeholder()
	}
	return fmt.Sprintf("[%s] %s: %s", label, sender, content)
}

// ToA2AMessage converts the event into an a2a.Message, the wire shape
// used for agent-visible content. System/user/agent role mapping
// mirrors simevent.Role below.
func (e *Event) ToA2AMessage(role a2a.MessageRole) *a2a.Message {
	parts := []a2a.Part{a2a.TextPart{Text: e.Content}}
	for _, m := range e.Media {
		parts = append(parts, a2a.DataPart{Data: map[string]any{
					"type": "media",
					"url": m.URL,
					"mime_type": m.MIMEType,
		}})
	}
	msg := a2a.NewMessage(role, parts...)
	return &msg
}

// Role identifies the speaker in a short-term memory entry.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser Role = "user"
	RoleAssistant Role = "assistant"
)

// MemoryEntry is one turn of an agent's short-term conversation memory.
type MemoryEntry struct {
	Role Role `json:"role"`
	Content string `json:"content"`
	Media []MediaRef `json:"media,omitempty"`
}

// ShortTermMemory is an ordered, append-only (insertion order significant,
// no deduplication) sequence of chat entries owned by exactly one Agent.
type ShortTermMemory struct {
	entries []MemoryEntry
}

// NewShortTermMemory returns an empty memory.
func NewShortTermMemory() *ShortTermMemory {
	return &ShortTermMemory{}
}

// Append adds an entry. O(1) amortized.
func (m *ShortTermMemory) Append(role Role, content string, media ...MediaRef) {
	m.entries = append(m.entries, MemoryEntry{Role: role, Content: content, Media: media})
}

// Len returns the number of entries currently stored.
func (m *ShortTermMemory) Len() int {
	return len(m.entries)
}

// Last returns the last entry and true, or the zero value and false if
// memory is empty.
func (m *ShortTermMemory) Last() (MemoryEntry, bool) {
	if len(m.entries) == 0 {
		return MemoryEntry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// Entries returns a read-only snapshot of the stored entries in order.
func (m *ShortTermMemory) Entries() []MemoryEntry {
	out := make([]MemoryEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ChatDialect controls how Serialize renders entries for an LLM request.
type ChatDialect string

const (
	DialectOpenAI ChatDialect = "openai"
	DialectAnthropic ChatDialect = "anthropic"
)

// ChatMessage is the dialect-agnostic shape handed to llmclient.Client.
type ChatMessage struct {
	Role Role
	Content string
	Media []MediaRef
}

// Serialize returns the chat-formatted history. Both supported dialects
// use the same {role, content} shape at this layer; dialect-specific
// request framing is the llmclient adapter's job.
func (m *ShortTermMemory) Serialize(_ ChatDialect) []ChatMessage {
	out := make([]ChatMessage, len(m.entries))
	for i, e := range m.entries {
		out[i] = ChatMessage{Role: e.Role, Content: e.Content, Media: e.Media}
	}
	return out
}

// Clone returns a deep, independent copy, required by copy-on-branch.
func (m *ShortTermMemory) Clone() *ShortTermMemory {
	clone := &ShortTermMemory{entries: make([]MemoryEntry, len(m.entries))}
	for i, e := range m.entries {
		ce := e
		ce.Media = append([]MediaRef(nil), e.Media...)
		clone.entries[i] = ce
	}
	return clone
}
