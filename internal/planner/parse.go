package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParsePlan decodes a model reply. A string 'steps' becomes a single step and any other
// non-array value yields no steps.
func ParsePlan(text string) (Plan, error) {
	body, ok := extractJSON(text)
	if !ok {
		return Plan{}, fmt.Errorf("%w: model produced malformed JSON", ErrPlanner)
	}
	doc := gjson.Parse(body)
	p := Plan{
		Explanation:   doc.Get("explanation").String(),
		ThoughtStream: doc.Get("thoughtStream").String(),
		MemoryUpdate:  strings.TrimSpace(doc.Get("memoryUpdate").String()),
	}
	steps := doc.Get("steps")
	switch {
	case steps.IsArray():
		for _, s := range steps.Array() {
			if s.Type == gjson.String {
				p.Steps = append(p.Steps, Step{Command: s.Str})
				continue
			}
			p.Steps = append(p.Steps, Step{Raw: json.RawMessage(s.Raw)})
		}
	case steps.Type == gjson.String:
		p.Steps = []Step{{Command: steps.Str}}
	}
	if len(p.Commands()) == 0 {
		return p, fmt.Errorf("%w: %w", ErrPlanner, ErrNoSteps)
	}
	return p, nil
}

// ParseRemediation picks the replacement command out of a reply: the 'command' key, else the
// first step, else the trimmed text when it is not JSON, else failed.
func ParseRemediation(text, failed string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return failed
	}
	if gjson.Valid(trimmed) {
		if v := gjson.Parse(trimmed); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
			return failed
		}
	}
	body, ok := extractJSON(trimmed)
	if !ok {
		return trimmed
	}
	doc := gjson.Parse(body)
	if cmd := strings.TrimSpace(doc.Get("command").String()); cmd != "" && doc.Get("command").Type == gjson.String {
		return cmd
	}
	if first := doc.Get("steps.0"); first.Type == gjson.String && strings.TrimSpace(first.Str) != "" {
		return strings.TrimSpace(first.Str)
	}
	return failed
}

// extractJSON returns the JSON object in text, tolerating code fences and surrounding prose.
func extractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) && strings.HasPrefix(text, "{") {
		return text, true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	body := text[start : end+1]
	if !gjson.Valid(body) {
		return "", false
	}
	return body, true
}
