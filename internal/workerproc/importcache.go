package workerproc

import (
	"context"
	"sync"

	"github.com/r3e-network/execengine/pkg/execerr"
)

// ModuleResolver is the subset of modulestore.Store the import hook needs.
// The worker links against the real store directly (the isolation boundary
// in spec.md §4.3 is the OS process around user code, not the data path).
type ModuleResolver interface {
	Get(ctx context.Context, orgID, path string) (content []byte, hash string, found bool)
}

// systemAllowList are module names that resolve without going through C1,
// per spec.md §4.3 "system modules from an allow-list may resolve normally".
var systemAllowList = map[string]string{
	"std:json": systemJSONModule,
	"std:time": systemTimeModule,
}

const systemJSONModule = `
module.exports = {
	parse: function(s) { return JSON.parse(s); },
	stringify: function(v) { return JSON.stringify(v); }
};
`

const systemTimeModule = `
module.exports = {
	nowMillis: function() { return Date.now(); }
};
`

// importEntry caches a resolved module body keyed by the hash it was
// loaded under, so a stale entry is detected by comparing it with the hash
// the resolver reports on each Resolve.
type importEntry struct {
	hash    string
	content []byte
}

// ImportCache resolves user imports against a ModuleResolver scoped to a
// single org, caching by path and evicting whenever the durable content
// hash has moved on (spec.md §4.3 "evicts import-cache entries for modules
// whose content hashes have changed since they were loaded").
type ImportCache struct {
	mu       sync.Mutex
	resolver ModuleResolver
	orgID    string
	entries  map[string]importEntry
}

func NewImportCache(resolver ModuleResolver, orgID string) *ImportCache {
	return &ImportCache{resolver: resolver, orgID: orgID, entries: make(map[string]importEntry)}
}

// Rebind clears the cache and switches scope, run by the worker at the
// start of every assignment it handles (spec.md §4.3 Isolation).
func (c *ImportCache) Rebind(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgID = orgID
	c.entries = make(map[string]importEntry)
}

// Resolve returns the source for path, preferring a fresh cache entry,
// else refetching from the resolver and evicting any stale hash.
func (c *ImportCache) Resolve(ctx context.Context, path string) ([]byte, error) {
	if src, ok := systemAllowList[path]; ok {
		return []byte(src), nil
	}

	content, hash, found := c.resolver.Get(ctx, c.orgID, path)
	if !found {
		return nil, execerr.New(execerr.KindImportDenied, "import denied: unknown module "+path).
			WithDetail("path", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[path]; ok && entry.hash == hash {
		return entry.content, nil
	}
	c.entries[path] = importEntry{hash: hash, content: content}
	return content, nil
}
