package crawler

import "sync"

// Frontier is the working state of one crawl: the visited set and the queue
// for the current level. It is owned by a single Crawl call and is safe for
// concurrent use.
type Frontier struct {
	mu      sync.Mutex
	visited map[string]struct{}
	pending []string
}

// NewFrontier seeds a frontier with the given URLs as level zero.
func NewFrontier(seeds ...string) *Frontier {
	f := &Frontier{visited: make(map[string]struct{})}
	f.pending = dedupe(seeds)
	return f
}

// Len returns the number of URLs queued for the current level.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Claim marks every not-yet-visited URL of the current level as visited and
// returns them in queue order. URLs already visited are dropped here, not when
// they were discovered.
func (f *Frontier) Claim() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := make([]string, 0, len(f.pending))
	for _, u := range f.pending {
		if _, seen := f.visited[u]; seen {
			continue
		}
		f.visited[u] = struct{}{}
		claimed = append(claimed, u)
	}
	f.pending = nil
	return claimed
}

// Advance replaces the queue with the deduplicated union of next-level links.
func (f *Frontier) Advance(next []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = dedupe(next)
}

// Visited reports whether url has been claimed.
func (f *Frontier) Visited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// VisitedCount returns the number of claimed URLs.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

func dedupe(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
