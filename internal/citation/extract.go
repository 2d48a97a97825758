// Package citation turns raw tool output into stable, scored,
// deduplicated citations persisted against a conversation message.
package citation

import "unicode/utf8"

// Tool payloads arrive as decoded JSON. Rather than probing optional
// fields ad hoc, a payload is classified into exactly one shape first
// and extraction then works off that classification.

// payloadShape is the closed set of recognized tool-output shapes.
type payloadShape int

const (
	shapeUnparsed payloadShape = iota
	// shapeRecordList is a list of record-like objects (an id plus
	// content fields such as title and body).
	shapeRecordList
	// shapeResultList is a list of result objects that reference a
	// record id and carry a ranking metric.
	shapeResultList
	// shapeNested is an object wrapping one of the two list shapes one
	// level down.
	shapeNested
)

// listFields are the field names, in priority order, under which tools
// put their result lists.
var listFields = []string{"experiences", "results", "representatives", "matches"}

// nestedFields are wrapper fields checked when no list is found at the
// top level. Recursion goes exactly one level deep.
var nestedFields = []string{"data", "connection", "result"}

// Candidate is one extracted, not-yet-scored citation.
type Candidate struct {
	ExperienceID  string
	ToolName      string
	Snippet       string
	ContextBefore string
	ContextAfter  string

	// metric is the raw tool-reported ranking value, interpreted per
	// tool kind at scoring time.
	metric    float64
	hasMetric bool
}

type classified struct {
	shape payloadShape
	items []map[string]any
}

// classify assigns raw exactly one shape. Anything unrecognized is
// shapeUnparsed, never an error.
func classify(raw any) classified {
	obj, ok := raw.(map[string]any)
	if !ok {
		return classified{shape: shapeUnparsed}
	}
	if c := classifyFlat(obj); c.shape != shapeUnparsed {
		return c
	}
	for _, field := range nestedFields {
		inner, ok := obj[field].(map[string]any)
		if !ok {
			continue
		}
		if c := classifyFlat(inner); c.shape != shapeUnparsed {
			c.shape = shapeNested
			return c
		}
	}
	return classified{shape: shapeUnparsed}
}

func classifyFlat(obj map[string]any) classified {
	for _, field := range listFields {
		list, ok := obj[field].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		items := make([]map[string]any, 0, len(list))
		for _, el := range list {
			if m, ok := el.(map[string]any); ok {
				items = append(items, m)
			}
		}
		if len(items) == 0 {
			continue
		}
		if looksLikeRecord(items[0]) {
			return classified{shape: shapeRecordList, items: items}
		}
		if refersToRecord(items[0]) {
			return classified{shape: shapeResultList, items: items}
		}
	}
	return classified{shape: shapeUnparsed}
}

// looksLikeRecord reports whether the object is a record itself: it has
// its own id and at least one content field.
func looksLikeRecord(m map[string]any) bool {
	if _, ok := m["id"].(string); !ok {
		return false
	}
	_, hasTitle := m["title"]
	_, hasBody := m["body"]
	return hasTitle || hasBody
}

// refersToRecord reports whether the object points at a record by id
// without being one.
func refersToRecord(m map[string]any) bool {
	if _, ok := m["experience_id"].(string); ok {
		return true
	}
	_, ok := m["id"].(string)
	return ok
}

// Extract pulls citation candidates out of one tool's raw output.
// Unrecognized payloads yield zero candidates, not an error.
func Extract(toolName string, raw any) []Candidate {
	c := classify(raw)
	if c.shape == shapeUnparsed {
		return nil
	}
	out := make([]Candidate, 0, len(c.items))
	for _, item := range c.items {
		cand := Candidate{ToolName: toolName}
		if id, ok := item["experience_id"].(string); ok {
			cand.ExperienceID = id
		} else if id, ok := item["id"].(string); ok {
			cand.ExperienceID = id
		} else {
			continue
		}
		cand.Snippet = snippetFrom(item)
		cand.ContextBefore, _ = item["context_before"].(string)
		cand.ContextAfter, _ = item["context_after"].(string)
		cand.metric, cand.hasMetric = metricFrom(item)
		out = append(out, cand)
	}
	return out
}

const maxSnippetLen = 200

func snippetFrom(item map[string]any) string {
	if s, ok := item["snippet"].(string); ok && s != "" {
		return truncate(s, maxSnippetLen)
	}
	if s, ok := item["body"].(string); ok && s != "" {
		return truncate(s, maxSnippetLen)
	}
	s, _ := item["title"].(string)
	return truncate(s, maxSnippetLen)
}

// truncate cuts s to at most n runes, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// metricFrom finds the tool-reported ranking value. JSON numbers decode
// as float64.
func metricFrom(item map[string]any) (float64, bool) {
	for _, field := range []string{"similarity", "score", "distance", "rank", "confidence"} {
		if v, ok := item[field].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
