// Package cmdmap implements the priority-ordered wildcard command-map
// rules that route an unaddressed command to a default target.
package cmdmap

import (
	"sort"
	"strings"
	"sync"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// Rule is a single (wildcardPattern, targetName, priority) entry, scanned
// in ascending priority order; first match wins.
type Rule struct {
	Pattern  string
	Target   gridaddr.Address
	Priority int
}

// CommandMap holds the ordered rule set. It always carries the built-in
// lowest-priority fallback "*.* -> @worker".
type CommandMap struct {
	mu    sync.RWMutex
	rules []Rule
}

const fallbackPriority = int(^uint(0) >> 1) // max int: always scanned last

// New creates a CommandMap with the built-in fallback rule installed.
func New() *CommandMap {
	cm := &CommandMap{}
	cm.rules = []Rule{{
		Pattern:  "*.*",
		Target:   gridaddr.Address{Role: "worker"},
		Priority: fallbackPriority,
	}}
	return cm
}

// Register adds a rule and keeps the rule list sorted by ascending
// priority. Command-map rules never route a message whose address is
// already concrete — that check belongs to the caller (the scheduler),
// not to the map itself.
func (cm *CommandMap) Register(pattern string, target gridaddr.Address, priority int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.rules = append(cm.rules, Rule{Pattern: pattern, Target: target, Priority: priority})
	sort.SliceStable(cm.rules, func(i, j int) bool {
		return cm.rules[i].Priority < cm.rules[j].Priority
	})
}

// Resolve scans rules in ascending priority for the first pattern that
// matches command and returns its target. The built-in fallback always
// matches, so Resolve never returns "not found" for a non-empty command.
func (cm *CommandMap) Resolve(command string) (gridaddr.Address, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, r := range cm.rules {
		if matchWildcard(r.Pattern, command) {
			return r.Target, true
		}
	}
	if command != "" {
		// "*.*" only matches two-segment commands; the fallback still
		// covers every other non-empty command.
		return gridaddr.Address{Role: "worker"}, true
	}
	return gridaddr.Address{}, false
}

// matchWildcard matches a "iface.core"-shaped pattern against a command,
// where each dot-separated segment of the pattern may be "*" (matches any
// segment) or a literal that must match exactly.
func matchWildcard(pattern, command string) bool {
	pSegs := strings.Split(pattern, ".")
	cSegs := strings.Split(command, ".")
	if len(pSegs) != len(cSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != cSegs[i] {
			return false
		}
	}
	return true
}
