package dbqueue

import "strings"

// cacheKey normalizes SQL text for the statement cache. Only surrounding
// whitespace is ignored; everything else, case included, is significant.
func cacheKey(sql string) string {
	return strings.TrimSpace(sql)
}

// stmtCache holds idle compiled statements. A handle checked out by a
// Statement is absent from the cache until it is returned.
type stmtCache struct {
	entries map[string]NativeStmt
}

func newStmtCache() *stmtCache {
	return &stmtCache{entries: make(map[string]NativeStmt)}
}

// checkout removes and returns the idle handle for key.
func (c *stmtCache) checkout(key string) NativeStmt {
	h, ok := c.entries[key]
	if !ok {
		return nil
	}
	delete(c.entries, key)
	return h
}

// put stores h under key. It returns false, leaving the cache unchanged, when
// another handle already owns key.
func (c *stmtCache) put(key string, h NativeStmt) bool {
	if existing, ok := c.entries[key]; ok && existing != h {
		return false
	}
	c.entries[key] = h
	return true
}

func (c *stmtCache) len() int {
	return len(c.entries)
}

// drain empties the cache and returns what it held.
func (c *stmtCache) drain() map[string]NativeStmt {
	entries := c.entries
	c.entries = make(map[string]NativeStmt)
	return entries
}
