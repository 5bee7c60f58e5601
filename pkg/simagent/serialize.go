package simagent

import "github.com/zjucss/simsocius/pkg/simevent"

// Serialize returns the full agent state for persistence. The action catalog and GlobalKnowledge reference are
// deliberately excluded — they are reattached by the owning
// SimTreeRegistry/Simulator on rehydration, not carried as data.
func (a *Agent) Serialize() map[string]any {
	memory := make([]map[string]any, 0, len(a.ShortMemory.Entries()))
	for _, e := range a.ShortMemory.Entries() {
		memory = append(memory, map[string]any{"role": string(e.Role), "content": e.Content, "media": serializeMedia(e.Media)})
	}

	knowledge := make([]map[string]any, 0, len(a.KnowledgeBase))
	for _, k := range a.KnowledgeBase {
		knowledge = append(knowledge, map[string]any{
				"id": k.ID, "title": k.Title, "content": k.Content, "enabled": k.Enabled,
		})
	}

	documents := make(map[string]any, len(a.Documents))
	for id, doc := range a.Documents {
		chunks := make([]map[string]any, 0, len(doc.Chunks))
		for _, c := range doc.Chunks {
			chunks = append(chunks, map[string]any{"chunk_id": c.ChunkID, "text": c.Text, "embedding": c.Embedding})
		}
		documents[id] = map[string]any{"chunks": chunks}
	}

	return map[string]any{
		"name": a.Name,
		"profile": a.Profile,
		"style": a.Style,
		"role": a.Role,
		"language": a.Language,
		"memory": memory,
		"plan": map[string]any{
			"goals": a.Plan.Goals,
			"milestones": a.Plan.Milestones,
			"strategy": a.Plan.Strategy,
			"notes": a.Plan.Notes,
		},
		"emotion": a.Emotion,
		"emotion_enabled": a.EmotionEnabled,
		"knowledge_base": knowledge,
		"documents": documents,
		"error_state": map[string]any{
			"consecutive_llm_errors": a.ErrState.ConsecutiveLLMErrors,
			"max_consecutive_llm_errors": a.ErrState.MaxConsecutiveLLMErrors,
			"is_offline": a.ErrState.IsOffline,
		},
		"last_history_length": a.lastHistoryLength,
		"max_repeat": a.MaxRepeat,
	}
}

func serializeMedia(media []simevent.MediaRef) []map[string]any {
	out := make([]map[string]any, 0, len(media))
	for _, m := range media {
		out = append(out, map[string]any{"url": m.URL, "mime_type": m.MIMEType, "alt": m.Alt})
	}
	return out
}

// Deserialize rebuilds an Agent from Serialize output. The offline latch
// is not reset here; ResetOfflineLatch must be called explicitly by the
// caller that chooses to resume a previously offline agent.
func Deserialize(data map[string]any) (*Agent, error) {
	a := New(str(data["name"]))
	a.Profile = str(data["profile"])
	a.Style = str(data["style"])
	a.Role = str(data["role"])
	a.Language = str(data["language"])
	a.Emotion = str(data["emotion"])
	a.EmotionEnabled, _ = data["emotion_enabled"].(bool)

	if rawMemory, ok := data["memory"].([]any); ok {
		for _, rawEntry := range rawMemory {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			role := simevent.Role(str(entry["role"]))
			content := str(entry["content"])
			var media []simevent.MediaRef
			if rawMedia, ok := entry["media"].([]any); ok {
				for _, rm := range rawMedia {
					if m, ok := rm.(map[string]any); ok {
						media = append(media, simevent.MediaRef{URL: str(m["url"]), MIMEType: str(m["mime_type"]), Alt: str(m["alt"])})
					}
				}
			}
			a.ShortMemory.Append(role, content, media...)
		}
	}

	if rawPlan, ok := data["plan"].(map[string]any); ok {
		a.Plan = PlanState{
			Goals: strSlice(rawPlan["goals"]),
			Milestones: strSlice(rawPlan["milestones"]),
			Strategy: str(rawPlan["strategy"]),
			Notes: str(rawPlan["notes"]),
		}
	}

	if rawKB, ok := data["knowledge_base"].([]any); ok {
		for _, rk := range rawKB {
			if k, ok := rk.(map[string]any); ok {
				a.KnowledgeBase = append(a.KnowledgeBase, KnowledgeItem{
						ID: str(k["id"]), Title: str(k["title"]), Content: str(k["content"]), Enabled: boolVal(k["enabled"]),
				})
			}
		}
	}

	if rawDocs, ok := data["documents"].(map[string]any); ok {
		for id, rawDoc := range rawDocs {
			doc, ok := rawDoc.(map[string]any)
			if !ok {
				continue
			}
			var chunks []DocumentChunk
			if rawChunks, ok := doc["chunks"].([]any); ok {
				for _, rc := range rawChunks {
					if c, ok := rc.(map[string]any); ok {
						chunks = append(chunks, DocumentChunk{
								ChunkID: str(c["chunk_id"]), Text: str(c["text"]), Embedding: float32Slice(c["embedding"]),
						})
					}
				}
			}
			a.Documents[id] = Document{Chunks: chunks}
		}
	}

	if rawErr, ok := data["error_state"].(map[string]any); ok {
		a.ErrState = ErrorState{
			ConsecutiveLLMErrors: intVal(rawErr["consecutive_llm_errors"]),
			MaxConsecutiveLLMErrors: intVal(rawErr["max_consecutive_llm_errors"]),
			IsOffline: boolVal(rawErr["is_offline"]),
		}
	}

	a.lastHistoryLength = intVal(data["last_history_length"])
	if mr := intVal(data["max_repeat"]); mr > 0 {
		a.MaxRepeat = mr
	}

	return a, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func intVal(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func strSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if already, ok := v.([]string); ok {
			return already
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func float32Slice(v any) []float32 {
	raw, ok := v.([]any)
	if !ok {
		if already, ok := v.([]float32); ok {
			return already
		}
		return nil
	}
	out := make([]float32, 0, len(raw))
	for _, e := range raw {
		switch n := e.(type) {
		case float64:
			out = append(out, float32(n))
		case float32:
			out = append(out, n)
		}
	}
	return out
}
