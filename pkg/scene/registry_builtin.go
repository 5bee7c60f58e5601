package scene

// DefaultRegistry returns a Registry pre-populated with the built-in
// scene types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("simple_chat", NewSimpleChat, deserializeSimpleChat)
	r.Register("council", NewCouncil, deserializeCouncil)
	return r
}
