// Package ordering implements the pluggable turn-order strategies:
// Sequential, Cycled, and Controlled. Each strategy serializes with a
// discriminator tag so a persisted ordering can be reconstructed into
// the right concrete type.
package ordering

import (
	"fmt"
)

// SceneController is the narrow slice of scene.Scene Controlled needs —
// kept as an interface here (rather than importing pkg/scene directly)
// to avoid an ordering<->scene import cycle, since scenes may themselves
// reference an Ordering's discriminator when building default strategies.
type SceneController interface {
	GetControlledNext(simulator any) string
}

// Ordering decides who moves next and reacts to per-turn/event lifecycle
// callbacks.
type Ordering interface {
	// Discriminator returns the serialization type tag.
	Discriminator() string

	// SetSimulation binds the ordering to its owning simulator late,
	// since orderings are often constructed before the simulator they
	// will drive.
	SetSimulation(sim any)

	// Next returns the name of the next actor, or "" if this turn should
	// be skipped entirely (Controlled orderings only).
	Next() string

	// PostTurn is called once the acting agent's turn (skipped or not)
	// has finished, so Cycled can advance its index.
	PostTurn(name string)

	// OnEvent lets an ordering react to emitted events to reschedule
	// (e.g. phase transitions in a werewolf-style scene). The default
	// no-op is fine for Sequential/Cycled/Controlled as defined here;
	// scene-specific orderings may wrap one of these and override.
	OnEvent(eventKind string, data map[string]any)

	// Serialize returns the discriminator plus whatever state this
	// ordering needs to resume.
	Serialize() map[string]any

	// Clone returns a deep, independent copy for copy-on-branch.
	// The returned Ordering is not yet bound to any simulator;
	// SetSimulation must be called again by the owner.
	Clone() Ordering
}

// Sequential iterates agent names in a fixed (insertion-preserving in
// practice) order and wraps around indefinitely.
type Sequential struct {
	names []string
	idx int
}

// NewSequential builds a Sequential ordering over names, in the order
// given (insertion-preserving in practice).
func NewSequential(names []string) *Sequential {
	return &Sequential{names: append([]string(nil), names...)}
}

func (s *Sequential) Discriminator() string { return "sequential" }
func (s *Sequential) SetSimulation(any) {}

func (s *Sequential) Next() string {
	if len(s.names) == 0 {
		return ""
	}
	name := s.names[s.idx%len(s.names)]
	return name
}

func (s *Sequential) PostTurn(string) {
	if len(s.names) > 0 {
		s.idx = (s.idx + 1) % len(s.names)
	}
}

func (s *Sequential) OnEvent(string, map[string]any) {}

func (s *Sequential) Serialize() map[string]any {
	return map[string]any{"type": s.Discriminator(), "names": s.names, "idx": s.idx}
}

func (s *Sequential) Clone() Ordering {
	return &Sequential{names: append([]string(nil), s.names...), idx: s.idx}
}

// DeserializeSequential rebuilds a Sequential from Serialize output.
func DeserializeSequential(data map[string]any) (*Sequential, error) {
	names, err := stringSlice(data["names"])
	if err != nil {
		return nil, err
	}
	idx := 0
	if v, ok := data["idx"].(float64); ok {
		idx = int(v)
	}
	return &Sequential{names: names, idx: idx}, nil
}

// Cycled is functionally identical to Sequential in traversal but is a
// distinct discriminator because a fixed externally supplied schedule
// (e.g. a werewolf day/night roster) is a separate concept from
// "iterate current agents" even though the mechanics match.
type Cycled struct {
	names []string
	idx int
}

// NewCycled builds a Cycled ordering over a fixed schedule.
func NewCycled(names []string) *Cycled {
	return &Cycled{names: append([]string(nil), names...)}
}

func (c *Cycled) Discriminator() string { return "cycled" }
func (c *Cycled) SetSimulation(any) {}

func (c *Cycled) Next() string {
	if len(c.names) == 0 {
		return ""
	}
	return c.names[c.idx%len(c.names)]
}

func (c *Cycled) PostTurn(string) {
	if len(c.names) > 0 {
		c.idx = (c.idx + 1) % len(c.names)
	}
}

func (c *Cycled) OnEvent(string, map[string]any) {}

func (c *Cycled) Serialize() map[string]any {
	return map[string]any{"type": c.Discriminator(), "names": c.names, "idx": c.idx}
}

func (c *Cycled) Clone() Ordering {
	return &Cycled{names: append([]string(nil), c.names...), idx: c.idx}
}

// DeserializeCycled rebuilds a Cycled from Serialize output.
func DeserializeCycled(data map[string]any) (*Cycled, error) {
	names, err := stringSlice(data["names"])
	if err != nil {
		return nil, err
	}
	idx := 0
	if v, ok := data["idx"].(float64); ok {
		idx = int(v)
	}
	return &Cycled{names: names, idx: idx}, nil
}

// Controlled delegates every Next call to the bound scene's
// GetControlledNext, e.g. a landlord-style scene dictating turn order
// from its own internal state (current trick leader, bid winner, etc).
type Controlled struct {
	scene SceneController
	sim any
}

// NewControlled builds a Controlled ordering. scene must be bound before
// the first Next call (it usually is the same object as the
// Simulator's scene, wired by SetSimulation's caller).
func NewControlled(scene SceneController) *Controlled {
	return &Controlled{scene: scene}
}

func (c *Controlled) Discriminator() string { return "controlled" }

func (c *Controlled) SetSimulation(sim any) { c.sim = sim }

func (c *Controlled) Next() string {
	if c.scene == nil {
		return ""
	}
	return c.scene.GetControlledNext(c.sim)
}

func (c *Controlled) PostTurn(string) {}

func (c *Controlled) OnEvent(string, map[string]any) {}

func (c *Controlled) Serialize() map[string]any {
	return map[string]any{"type": c.Discriminator()}
}

// Clone returns a Controlled ordering with no bound scene; the caller
// (simulator.Clone) must call BindScene with the cloned scene before use,
// since a clone's ordering must delegate to the clone's own scene
// instance, never the original's.
func (c *Controlled) Clone() Ordering {
	return &Controlled{}
}

// BindScene (re)binds the scene this Controlled ordering delegates to.
func (c *Controlled) BindScene(scene SceneController) { c.scene = scene }

// DeserializeControlled rebuilds a Controlled ordering. The scene
// controller must be supplied by the caller since it is
// not itself part of the ordering's serialized state.
func DeserializeControlled(scene SceneController) *Controlled {
	return &Controlled{scene: scene}
}

// Deserialize dispatches on data's "type" discriminator to rebuild the
// right concrete Ordering. scene is supplied for the Controlled case
// only; it may be nil when rebuilding a Sequential or Cycled ordering.
func Deserialize(data map[string]any, scene SceneController) (Ordering, error) {
	discriminator, _ := data["type"].(string)
	switch discriminator {
	case "sequential":
		return DeserializeSequential(data)
	case "cycled":
		return DeserializeCycled(data)
	case "controlled":
		return DeserializeControlled(scene), nil
	default:
		return nil, fmt.Errorf("ordering: unknown discriminator %q", discriminator)
	}
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if already, ok := v.([]string); ok {
			return already, nil
		}
		return nil, fmt.Errorf("ordering: expected string list, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("ordering: non-string element in list: %v", e)
		}
		out = append(out, s)
	}
	return out, nil
}
