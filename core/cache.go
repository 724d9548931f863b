package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// statement is one renderable backend call: SQL with bindings for the
// relational backends, a JSON operation envelope for the document
// store.
type statement struct {
	query string
	args  []any
}

// plan is one cached compilation: the query plan plus the statements
// rendered from it. Count statements are present only when the request
// asked for the matching meta field.
type plan struct {
	qc     *qcode.QCode
	fetch  statement
	total  *statement
	filter *statement
}

type Cache struct {
	cache *lru.TwoQueueCache[string, *plan]
}

// initCache initializes the compiled-plan cache
func (e *engine) initCache() (err error) {
	e.cache.cache, err = lru.New2Q[string, *plan](5000)
	return
}

// Get returns the plan from the cache
func (c Cache) Get(key string) (p *plan, fromCache bool) {
	if key == "" {
		return nil, false
	}
	p, fromCache = c.cache.Get(key)
	return
}

// Set sets the plan in the cache
func (c Cache) Set(key string, p *plan) {
	if key == "" {
		return
	}
	c.cache.Add(key, p)
}

// planKey derives the cache key from everything compilation depends
// on: backend, server version, metadata snapshot, the full request and
// the scope filter deep resolution prepends. Binding values belong in
// the key because the rendered statements embed them, and the scope is
// keyed separately because the total-count statement is rendered from
// it alone. Empty when the request cannot be serialised; such requests
// compile fresh every time.
func planKey(dbtype string, dbversion int, fingerprint string, req qcode.Request, scope map[string]any) string {
	b, err := json.Marshal(struct {
		DBType      string
		DBVersion   int
		Fingerprint string
		Request     qcode.Request
		Scope       map[string]any
	}{dbtype, dbversion, fingerprint, req, scope})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
