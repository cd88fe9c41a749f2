package pattern

import (
	"sort"
	"strings"
	"sync"
)

// Corpus is the live, concurrently-read set of loaded patterns. Reloads swap
// per file: a file that fails validation keeps its previously good pattern in
// place, a deleted file drops its pattern.
type Corpus struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
	files    map[string]string // pattern id -> source file
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{
		patterns: map[string]Pattern{},
		files:    map[string]string{},
	}
}

// Apply merges a load result into the corpus. Patterns from clean files
// replace their predecessors; patterns whose file failed this round survive
// on their last good version; patterns whose file disappeared are dropped.
func (c *Corpus) Apply(res *LoadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scanned := make(map[string]bool, len(res.ScannedFiles))
	for _, f := range res.ScannedFiles {
		scanned[f] = true
	}

	for id, f := range c.files {
		if _, ok := res.Patterns[id]; ok {
			continue
		}
		if scanned[f] && res.FailedFiles[f] {
			continue // keep last good version through a bad edit
		}
		delete(c.patterns, id)
		delete(c.files, id)
	}

	for id, p := range res.Patterns {
		c.patterns[id] = p
		c.files[id] = res.Files[id]
	}
}

// Get returns the pattern with the given id.
func (c *Corpus) Get(id string) (Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.patterns[id]
	return p, ok
}

// Len returns the number of loaded patterns.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patterns)
}

// All returns every pattern, id-sorted.
func (c *Corpus) All() []Pattern {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scheduled returns the patterns carrying a cron schedule, id-sorted.
func (c *Corpus) Scheduled() []Pattern {
	var out []Pattern
	for _, p := range c.All() {
		if p.Schedule != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match finds the pattern whose trigger phrase appears in the query,
// normalized on both sides. The longest matching trigger wins; ties break on
// pattern id so matching stays deterministic across reloads.
func (c *Corpus) Match(query string) (Pattern, bool) {
	q := NormalizeTrigger(query)
	if q == "" {
		return Pattern{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best    Pattern
		bestLen = -1
		found   bool
	)
	for _, p := range c.patterns {
		for _, trig := range p.Triggers {
			key := NormalizeTrigger(trig)
			if key == "" || !strings.Contains(q, key) {
				continue
			}
			if len(key) > bestLen || (len(key) == bestLen && p.ID < best.ID) {
				best, bestLen, found = p, len(key), true
			}
		}
	}
	return best, found
}
