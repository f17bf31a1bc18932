package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/dkvstore/pkg/crdt"
)

// RevisionString renders a logical revision as a fixed-width,
// lexicographically ordered string so the CRDT's ordered revs map
// iterates in numeric order.
func RevisionString(rev int64) string {
	return fmt.Sprintf("%020d", rev)
}

func revString(rev int64) string { return RevisionString(rev) }

func parseRevString(s string) (int64, error) {
	var rev int64
	_, err := fmt.Sscanf(s, "%d", &rev)
	return rev, err
}

// ParseRevisionKey exposes parseRevString for packages outside
// document (the patch interpreter) that need to recover the integer
// revision from a raw revs map key.
func ParseRevisionKey(s string) (int64, error) { return parseRevString(s) }

// revCacheEntry is the per-key memo C3 describes: create_revision plus
// version (number of non-tombstone writes observed so far).
type revCacheEntry struct {
	createRevision int64
	version        int64
}

// RevisionCache is a pure optimisation over `kvs[key].revs`: every
// cached entry must agree with a slow recomputation from revs (Verify
// checks one key against that recomputation; no code in this
// repository calls it). It is invalidated for a key whenever a peer-sync patch
// rewrites that key's revs, or the key is deleted.
type RevisionCache struct {
	mu             sync.Mutex
	entries        map[string]revCacheEntry
	globalRevision int64
}

func NewRevisionCache() *RevisionCache {
	return &RevisionCache{entries: map[string]revCacheEntry{}}
}

func (c *RevisionCache) Get(key string) (createRevision, version int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.createRevision, e.version, ok
}

func (c *RevisionCache) Insert(key string, createRevision, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = revCacheEntry{createRevision: createRevision, version: version}
}

func (c *RevisionCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// BumpVersion increments a key's cached version, used after appending a
// new (non-creating) revision to an already-known key.
func (c *RevisionCache) BumpVersion(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	e.version++
	c.entries[key] = e
}

func (c *RevisionCache) SetGlobalRevision(rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalRevision = rev
}

func (c *RevisionCache) GetGlobalRevision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalRevision
}

// RecomputeFromRevs derives create_revision/version directly from a
// key's revs submap, ignoring the cache. Used both to populate the
// cache on first read and to verify it hasn't drifted.
func RecomputeFromRevs(tx *crdt.Tx, key string) (createRevision, version int64, ok bool) {
	path := revsPath(key)
	revKeys := tx.Keys(path)
	if len(revKeys) == 0 {
		return 0, 0, false
	}
	sort.Strings(revKeys)
	first, err := parseRevString(revKeys[0])
	if err != nil {
		return 0, 0, false
	}
	nonTombstones := int64(0)
	for _, rk := range revKeys {
		v, _ := tx.Get(path, rk)
		if v != nil {
			nonTombstones++
		}
	}
	return first, nonTombstones, true
}

// Verify recomputes key from revs and reports whether the cache (if
// present) agrees. A mismatch indicates a bug in cache invalidation.
func (c *RevisionCache) Verify(tx *crdt.Tx, key string) bool {
	cr, ver, ok := c.Get(key)
	rcr, rver, rok := RecomputeFromRevs(tx, key)
	if !ok {
		return true
	}
	return ok == rok && cr == rcr && ver == rver
}
