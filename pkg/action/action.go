// Package action implements the declarative action validation framework:
// action capabilities declare their own eligibility rules as data, and
// the dispatcher checks them — role, scene-state guard, then parameter
// validation — before ever calling Handle.
package action

import (
	"github.com/invopop/jsonschema"
)

// Data is the parsed, structured representation of one action invocation.
// It replaces the prototype's ad hoc XML-with-child-tags grammar with the
// structured JSON envelope called for in the Design Notes: Name plus
// a flat parameter map, both produced by the agent's response parser.
type Data struct {
	Name string `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Result is what a dispatched action returns to the simulator.
type Result struct {
	Success bool `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
	Summary string `json:"summary"`
	Meta map[string]any `json:"meta,omitempty"`
	PassControl bool `json:"pass_control"`
}

// Rejected builds the canonical validation-failure result: success=false,
// no Handle call, no retry.
func Rejected(reason string) Result {
	return Result{
		Success: false,
		Payload: map[string]any{"error": reason},
		Summary: reason,
	}
}

// StateGuard inspects scene state and reports whether this action may run.
// The paired error string is surfaced verbatim on rejection.
type StateGuard func(sceneState map[string]any) (bool, string)

// ParameterValidator checks that Data.Params satisfies an action's
// preconditions beyond mere presence (e.g. a target name resolves to a
// living agent). Returning false rejects without a specific message beyond
// the validator's own summary.
type ParameterValidator func(Data) (bool, string)

// Handler is the behavior body of an action capability. agent/simulator/
// scene are passed as `any` here to avoid an import cycle; concrete action
// packages type-assert to their expected interfaces (pkg/simagent.Agent,
// *pkg/simulator.Simulator, pkg/scene.Scene).
type Handler func(data Data, agent any, simulator any, scene any) Result

// Capability is a pure, stateless, shared-by-reference action definition.
// The same *Capability instance is referenced from every agent's catalog
// and from every node's scene — it must carry no per-invocation state.
type Capability struct {
	// Name is the unique action identifier, matched against Data.Name.
	Name string

	// Instructions is the natural-language description surfaced to the LLM
	// when building the action catalog section of the system prompt.
	Instructions string

	// AllowedRoles restricts eligibility to specific agent roles. An empty
	// set allows every role, host included; the literal wildcard member
	// "*" allows any non-host role.
	AllowedRoles map[string]struct{}

	// StateGuard optionally restricts eligibility based on scene state.
	StateGuard StateGuard

	// ParameterValidator optionally checks Data.Params before Handle runs.
	ParameterValidator ParameterValidator

	// ParamSchema is the JSON Schema for Data.Params, generated once from a
	// Go struct via ReflectParamSchema. It is carried as data only: Dispatch
	// does not check Data.Params against it, and it is not added to
	// Instructions.
	ParamSchema *jsonschema.Schema

	// Handle is the actual behavior. Only invoked once every check above
	// has passed.
	Handle Handler
}

// AllowsRole reports whether role may invoke this capability.
func (c *Capability) AllowsRole(role string) bool {
	if len(c.AllowedRoles) == 0 {
		return true
	}
	if _, ok := c.AllowedRoles["*"]; ok {
		return role != "host"
	}
	_, ok := c.AllowedRoles[role]
	return ok
}

// Dispatch runs the validation chain in order and only calls Handle if
// every check passes. A failing check returns Rejected without running
// Handle.
func Dispatch(c *Capability, data Data, role string, sceneState map[string]any, agent, simulator, scene any) Result {
	if !c.AllowsRole(role) {
		return Rejected("role " + role + " may not perform action " + c.Name)
	}
	if c.StateGuard != nil {
		if ok, reason := c.StateGuard(sceneState); !ok {
			if reason == "" {
				reason = "action " + c.Name + " is not available in the current scene state"
			}
			return Rejected(reason)
		}
	}
	if c.ParameterValidator != nil {
		if ok, reason := c.ParameterValidator(data); !ok {
			if reason == "" {
				reason = "invalid parameters for action " + c.Name
			}
			return Rejected(reason)
		}
	}
	return c.Handle(data, agent, simulator, scene)
}

// ReflectParamSchema is a thin convenience wrapper so call sites building a
// Capability don't need to import jsonschema directly.
func ReflectParamSchema(paramStruct any) *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	return r.Reflect(paramStruct)
}

// Catalog is an ordered, deduplicated-by-name list of capabilities, the
// shape carried on Agent.ActionSpace. Merging is "scene basic ∪ selected",
// first-write-wins on name collision.
type Catalog []*Capability

// Merge appends entries from other whose Name is not already present,
// preserving c's existing order and then other's order for new entries.
func (c Catalog) Merge(other ...*Capability) Catalog {
	seen := make(map[string]struct{}, len(c))
	for _, cap := range c {
		seen[cap.Name] = struct{}{}
	}
	out := append(Catalog(nil), c...)
	for _, cap := range other {
		if cap == nil {
			continue
		}
		if _, ok := seen[cap.Name]; ok {
			continue
		}
		seen[cap.Name] = struct{}{}
		out = append(out, cap)
	}
	return out
}

// Find returns the capability with the given name, or nil.
func (c Catalog) Find(name string) *Capability {
	for _, cap := range c {
		if cap.Name == name {
			return cap
		}
	}
	return nil
}
