// Package registry implements the Node Registry: a map from symbolic
// names/roles/paths to one or more concrete addresses, with sharing TTL,
// public flag, direct-mode flag, and periodic garbage collection of
// expired entries.
package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/metrics"
)

// Features carries the per-entry public/direct-mode flags from §3.
type Features struct {
	Public     bool
	DirectMode bool
}

// Entry is a single node-registry entry: (sourceName, targetAddress,
// features, shareTime, endTime). Entries may be multi-valued per source.
type Entry struct {
	SourceName string
	Target     gridaddr.Address
	Features   Features
	ShareTime  time.Duration // TTL from registration, 0 = no TTL
	EndTime    time.Time     // zero = never expires
}

// Registry is the in-memory node registry. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]Entry // sourceName -> entries
	rand    *rand.Rand
	randMu  sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string][]Entry),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterAs adds an entry for sourceName. Idempotent for the exact same
// (source, target) pair — re-registering updates shareTime/features/endTime
// in place rather than appending a duplicate.
func (r *Registry) RegisterAs(sourceName string, target gridaddr.Address, feat Features, shareTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var endTime time.Time
	if shareTime > 0 {
		endTime = time.Now().Add(shareTime)
	}

	existing := r.entries[sourceName]
	for i, e := range existing {
		if e.Target.Equal(target, false) {
			existing[i].Features = feat
			existing[i].ShareTime = shareTime
			existing[i].EndTime = endTime
			r.entries[sourceName] = existing
			return
		}
	}

	r.entries[sourceName] = append(existing, Entry{
		SourceName: sourceName,
		Target:     target,
		Features:   feat,
		ShareTime:  shareTime,
		EndTime:    endTime,
	})
	metrics.RegistryActiveNodes.Set(float64(len(r.entries)))
}

// HasNode reports whether at least one entry exists for sourceName.
func (r *Registry) HasNode(sourceName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[sourceName]) > 0
}

// Lookup returns every entry registered under sourceName.
func (r *Registry) Lookup(sourceName string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries[sourceName]))
	copy(out, r.entries[sourceName])
	return out
}

// Resolve picks one concrete address for sourceName. When several public
// entries exist, one is chosen uniformly at random among them (per the
// spec's open question (a): no TTL-weighted bias). Non-public entries are
// only considered when no public entry exists.
func (r *Registry) Resolve(sourceName string) (gridaddr.Address, bool) {
	entries := r.Lookup(sourceName)
	if len(entries) == 0 {
		metrics.RegistryLookups.WithLabelValues(sourceName, "empty").Inc()
		return gridaddr.Address{}, false
	}
	metrics.RegistryLookups.WithLabelValues(sourceName, "found").Inc()

	var public []Entry
	for _, e := range entries {
		if e.Features.Public {
			public = append(public, e)
		}
	}
	pool := entries
	if len(public) > 0 {
		pool = public
	}

	r.randMu.Lock()
	idx := r.rand.Intn(len(pool))
	r.randMu.Unlock()

	return pool[idx].Target, true
}

// GC removes every entry whose EndTime has been reached. Called
// periodically by the scheduler's cleanup step.
func (r *Registry) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for source, entries := range r.entries {
		kept := entries[:0]
		for _, e := range entries {
			if !e.EndTime.IsZero() && !now.Before(e.EndTime) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.entries, source)
		} else {
			r.entries[source] = kept
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("registry GC expired entries")
		metrics.RegistryActiveNodes.Set(float64(len(r.entries)))
	}
	return removed
}

// Unregister removes all entries for sourceName.
func (r *Registry) Unregister(sourceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sourceName)
}

// Snapshot returns every (source, entries) pair currently held, used by
// mongostore/rediscache sync loops.
func (r *Registry) Snapshot() map[string][]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Entry, len(r.entries))
	for k, v := range r.entries {
		cp := make([]Entry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
