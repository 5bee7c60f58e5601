package simagent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zjucss/simsocius/pkg/action"
)

// parsedResponse is the strict, structured result of splitting an LLM
// response into its five labeled sections. Parsing is strict: a
// malformed Action element or Plan Update list is a parse failure, not
// a best-effort partial result.
type parsedResponse struct {
	thoughts string
	plan string
	actions []action.Data
	planUpdate *PlanState
	emotionUpdate string
}

var sectionHeader = regexp.MustCompile(`(?m)^\s*(Thoughts|Plan|Action|Plan Update|Emotion Update)\s*:\s*`)

// parseResponse extracts the five labeled sections and validates the
// Action element. A response missing an Action section, or whose Action
// section does not contain exactly one well-formed <Action./> element,
// is a parse failure.
func parseResponse(text string) (*parsedResponse, error) {
	sections := splitSections(text)

	actionBlock, ok := sections["Action"]
	if !ok || strings.TrimSpace(actionBlock) == "" {
		return nil, fmt.Errorf("response missing required Action section")
	}

	data, err := parseActionElement(actionBlock)
	if err != nil {
		return nil, err
	}

	result := &parsedResponse{
		thoughts: sections["Thoughts"],
		plan: sections["Plan"],
		actions: []action.Data{*data},
	}

	if pu, ok := sections["Plan Update"]; ok && !isNoChange(pu) {
		plan, err := parsePlanUpdate(pu)
		if err != nil {
			return nil, fmt.Errorf("plan update: %w", err)
		}
		result.planUpdate = plan
	}

	if eu, ok := sections["Emotion Update"]; ok && !isNoChange(eu) {
		result.emotionUpdate = strings.TrimSpace(eu)
	}

	return result, nil
}

func isNoChange(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "no change") || strings.TrimSpace(s) == ""
}

// splitSections slices text on the five recognized headers, in whatever
// order they appear, and returns each section's trimmed body keyed by
// header name. Headers that never appear are simply absent from the map.
func splitSections(text string) map[string]string {
	matches := sectionHeader.FindAllStringSubmatchIndex(text, -1)
	out := map[string]string{}
	for i, m := range matches {
		name := text[m[2]:m[3]]
		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		out[name] = strings.TrimSpace(text[bodyStart:bodyEnd])
	}
	return out
}

var actionElement = regexp.MustCompile(`(?s)<Action\s+name="([^"]+)"\s*(?:/>|>(.*?)</Action>)`)
var childElement = regexp.MustCompile(`(?s)<(\w+)>(.*?)</\w+>`)

// parseActionElement requires exactly one <Action name=".">.</Action>
// or self-closed <Action name="."/> element; child elements become
// string-valued parameters.
func parseActionElement(block string) (*action.Data, error) {
	matches := actionElement.FindAllStringSubmatch(block, -1)
	if len(matches) != 1 {
		return nil, fmt.Errorf("expected exactly one Action element, found %d", len(matches))
	}
	m := matches[0]
	name := m[1]
	params := map[string]any{}
	if body := strings.TrimSpace(m[2]); body != "" {
		for _, child := range childElement.FindAllStringSubmatch(body, -1) {
			params[child[1]] = strings.TrimSpace(child[2])
		}
	}
	return &action.Data{Name: name, Params: params}, nil
}

var planTag = regexp.MustCompile(`(?s)<(Goals|Milestones|Strategy|Notes)>(.*?)</\w+>`)
var numberedLine = regexp.MustCompile(`^(\d+)\.\s*(.*)$`)

// parsePlanUpdate parses the structured full-replacement plan grammar:
// <Goals>/<Milestones> hold numbered lists with a unique [CURRENT] marker
// among goals and optional [DONE] markers among milestones; <Strategy>/
// <Notes> are free text. Parsing is strict: a malformed numbered line or
// a second [CURRENT] marker among goals is a parse failure.
func parsePlanUpdate(block string) (*PlanState, error) {
	tags := map[string]string{}
	for _, m := range planTag.FindAllStringSubmatch(block, -1) {
		tags[m[1]] = m[2]
	}

	plan := &PlanState{}

	if raw, ok := tags["Goals"]; ok {
		items, err := parseNumberedLines(raw)
		if err != nil {
			return nil, fmt.Errorf("goals: %w", err)
		}
		seenCurrent := false
		goals := make([]string, 0, len(items))
		for _, desc := range items {
			if strings.Contains(desc, "[CURRENT]") {
				if seenCurrent {
					return nil, fmt.Errorf("multiple [CURRENT] markers in Goals")
				}
				seenCurrent = true
			}
			goals = append(goals, strings.TrimSpace(strings.ReplaceAll(desc, "[CURRENT]", "")))
		}
		plan.Goals = goals
	}

	if raw, ok := tags["Milestones"]; ok {
		items, err := parseNumberedLines(raw)
		if err != nil {
			return nil, fmt.Errorf("milestones: %w", err)
		}
		milestones := make([]string, 0, len(items))
		for _, desc := range items {
			milestones = append(milestones, strings.TrimSpace(strings.ReplaceAll(desc, "[DONE]", "")))
		}
		plan.Milestones = milestones
	}

	if raw, ok := tags["Strategy"]; ok {
		plan.Strategy = strings.TrimSpace(raw)
	}
	if raw, ok := tags["Notes"]; ok {
		plan.Notes = strings.TrimSpace(raw)
	}

	return plan, nil
}

func parseNumberedLines(text string) ([]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, "(none)") {
		return nil, nil
	}
	lines := strings.Split(trimmed, "\n")
	items := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("malformed list line: %q", line)
		}
		if _, err := strconv.Atoi(m[1]); err != nil {
			return nil, fmt.Errorf("malformed list index: %q", line)
		}
		items = append(items, m[2])
	}
	return items, nil
}
