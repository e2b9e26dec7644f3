package intercept

import (
	"container/list"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// DefaultOperationCacheSize is the default maximum number of cached
// query-document classifications.
const DefaultOperationCacheSize = 1000

// OperationClassifier resolves the GraphQL operation a request executes.
// Parsed documents are cached by query text with LRU eviction; production
// clients send a small set of distinct documents with varying variables.
type OperationClassifier struct {
	mu       sync.Mutex
	cache    map[string]*operationCacheEntry
	order    *list.List // LRU order: front = most recently used
	capacity int
}

// operationCacheEntry holds a cached classification with its LRU element.
type operationCacheEntry struct {
	name    string
	ok      bool
	key     string
	element *list.Element
}

// NewOperationClassifier creates a classifier with the given cache capacity.
func NewOperationClassifier(capacity int) *OperationClassifier {
	if capacity <= 0 {
		capacity = DefaultOperationCacheSize
	}
	return &OperationClassifier{
		cache:    make(map[string]*operationCacheEntry),
		order:    list.New(),
		capacity: capacity,
	}
}

// Classify determines the operation name a GraphQL request executes.
// The explicit operationName request field wins when present; otherwise the
// document is parsed and the first query or mutation operation is taken.
// ok is false when the request cannot be classified: no query field, an
// unparseable document, or a document with no query or mutation operation.
func (c *OperationClassifier) Classify(body []byte) (name string, ok bool) {
	if explicit := gjson.GetBytes(body, "operationName"); explicit.Type == gjson.String && explicit.Str != "" {
		return explicit.Str, true
	}

	query := gjson.GetBytes(body, "query")
	if query.Type != gjson.String || query.Str == "" {
		return "", false
	}

	return c.classifyQuery(query.Str)
}

// Allowed reports whether the request's operation passes the allow-list.
// An empty allow-list permits every classifiable operation; a request that
// cannot be classified is never allowed.
func (c *OperationClassifier) Allowed(body []byte, allowList []string) bool {
	name, ok := c.Classify(body)
	if !ok {
		return false
	}
	if len(allowList) == 0 {
		return true
	}
	for _, allowed := range allowList {
		if allowed == name {
			return true
		}
	}
	return false
}

// classifyQuery parses the document and extracts the first query or
// mutation operation name, consulting the LRU cache first.
func (c *OperationClassifier) classifyQuery(query string) (string, bool) {
	c.mu.Lock()
	if entry, hit := c.cache[query]; hit {
		c.order.MoveToFront(entry.element)
		c.mu.Unlock()
		return entry.name, entry.ok
	}
	c.mu.Unlock()

	name, ok := parseOperationName(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have classified the same document meanwhile.
	if existing, hit := c.cache[query]; hit {
		c.order.MoveToFront(existing.element)
		return existing.name, existing.ok
	}

	for c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	entry := &operationCacheEntry{name: name, ok: ok, key: query}
	entry.element = c.order.PushFront(entry)
	c.cache[query] = entry

	return name, ok
}

// evictOldest removes the least recently used entry.
// Must be called with the lock held.
func (c *OperationClassifier) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*operationCacheEntry)
	delete(c.cache, entry.key)
	c.order.Remove(oldest)
}

// CacheSize returns the number of cached classifications.
func (c *OperationClassifier) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// parseOperationName extracts the first query or mutation operation name
// from a GraphQL document. An anonymous operation classifies with an empty
// name; subscriptions are not interceptable.
func parseOperationName(query string) (string, bool) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return "", false
	}

	for _, op := range doc.Operations {
		switch op.Operation {
		case ast.Query, ast.Mutation:
			return op.Name, true
		}
	}
	return "", false
}
