package store

import (
	"sort"
	"strings"
	"sync"
)

// rewriteTable maps incoming prefix to set of additional prefixes.
type rewriteTable struct {
	mu       sync.RWMutex
	rewrites map[string]map[string]struct{}
	// inverse maps additional prefix to incoming prefix.
	inverse map[string]string
}

func (t *rewriteTable) set(key, value string) {
	value = strings.ToLower(value)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rewrites == nil {
		t.rewrites = make(map[string]map[string]struct{})
		t.inverse = make(map[string]string)
	}
	if current, ok := t.inverse[key]; ok {
		delete(t.rewrites[current], key)
		if len(t.rewrites[current]) == 0 {
			delete(t.rewrites, current)
		}
		delete(t.inverse, key)
	}
	if value == "" {
		return
	}
	if t.rewrites[value] == nil {
		t.rewrites[value] = make(map[string]struct{})
	}
	t.rewrites[value][key] = struct{}{}
	t.inverse[key] = value
}

// targets returns category followed by its rewrites.
func (t *rewriteTable) targets(category string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	targets := []string{category}
	start := len(targets)
	for prefix := range t.rewrites[category] {
		targets = append(targets, prefix)
	}
	sort.Strings(targets[start:])
	return targets
}
