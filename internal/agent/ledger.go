package agent

import (
	"fmt"
	"sort"
	"strings"
)

// BeliefEvent is one append-only ledger entry recording a belief change.
type BeliefEvent struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Val  any    `json:"val"`
	Time string `json:"time"`
}

// PruneHistory keeps exactly one event per distinct key: the one closest to the end
// of the input (most recent), preserving the relative order of the survivors.
//
// This is positional recency, not a sort by timestamp; callers must hand the list
// in chronological append order (newest at the bottom).
func PruneHistory(history []BeliefEvent) []BeliefEvent {
	seen := make(map[string]struct{}, len(history))
	kept := make([]BeliefEvent, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if _, ok := seen[ev.Key]; ok {
			continue
		}
		seen[ev.Key] = struct{}{}
		kept = append(kept, ev)
	}
	// Reverse back so survivors keep their original order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// stringFromObject renders a mapping as "k = v" pairs joined by commas. Keys are
// sorted so the rendering is deterministic across runs. Used to surface current
// beliefs to the LLM.
func stringFromObject(obj map[string]any) string {
	if len(obj) == 0 {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s = %v", k, obj[k]))
	}
	return strings.Join(pairs, ", ")
}

// slashString joins the string values of a mapping with slashes, keys sorted
// alphabetically so the output is stable regardless of input order. Non-string
// values contribute an empty slot.
func slashString(obj map[string]any) string {
	if len(obj) == 0 {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			values = append(values, s)
		} else {
			values = append(values, "")
		}
	}
	return strings.Join(values, "/")
}
