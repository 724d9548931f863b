// Package core provides an API to include and use the query engine with
// your own code. Table metadata is declared at runtime, requests are
// declarative documents, and the engine compiles and executes them
// against mysql, postgres, sqlite or mongodb with a uniform result
// shape.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	_log "log"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// Engine is an instance of the query engine. It holds the metadata
// snapshot, the compiled-plan cache and the per-backend compilers; the
// inner state swaps atomically on reload so requests always see a
// complete engine.
type Engine struct {
	atomic.Value
	done     chan bool
	stopOnce sync.Once
}

type Option func(*engine) error

// New creates the Engine. Metadata must come from one of
// OptionSetMetadata or OptionSetProvider; the connection may be nil
// only in mock mode.
func New(conf *Config, db *sql.DB, options ...Option) (g *Engine, err error) {
	g = &Engine{done: make(chan bool)}
	if err = g.newEngine(conf, db, options...); err != nil {
		return nil, err
	}
	if err = g.initMetadataWatcher(); err != nil {
		return nil, err
	}
	return
}

// MetadataProvider supplies table metadata from a backing source. Both
// calls take a context because implementations may reach over the
// network.
type MetadataProvider interface {
	GetTable(ctx context.Context, name string) (*Table, error)
	ListTables(ctx context.Context) ([]*Table, error)
}

// OptionSetMetadata declares the table metadata inline.
func OptionSetMetadata(tables []*Table) Option {
	return func(e *engine) error {
		e.provider = meta.NewStaticProvider(tables)
		return nil
	}
}

// OptionSetProvider sets the metadata provider the snapshot is rebuilt
// from.
func OptionSetProvider(p MetadataProvider) Option {
	return func(e *engine) error {
		e.provider = p
		return nil
	}
}

// OptionSetLogger sets the logger used for warnings and the metadata
// watcher.
func OptionSetLogger(l *_log.Logger) Option {
	return func(e *engine) error {
		e.log = l
		return nil
	}
}

// OptionSetHook appends a hook set to the registry. Hooks run in
// registration order; the registry is immutable once New returns.
func OptionSetHook(h Hooks) Option {
	return func(e *engine) error {
		e.hooks = append(e.hooks, h)
		return nil
	}
}

// StringList accepts both a JSON array of strings and a single,
// possibly comma-separated, string.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = splitList(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Request is one declarative query. Fields addresses relations with
// dot paths; a nil Limit takes the configured default while an
// explicit 0 means unbounded. Page is 1-based and defaults to 1.
type Request struct {
	TableName string                  `mapstructure:"tableName" json:"tableName"`
	Fields    StringList              `mapstructure:"fields" json:"fields,omitempty"`
	Filter    map[string]any          `mapstructure:"filter" json:"filter,omitempty"`
	Sort      StringList              `mapstructure:"sort" json:"sort,omitempty"`
	Page      int                     `mapstructure:"page" json:"page,omitempty"`
	Limit     *int                    `mapstructure:"limit" json:"limit,omitempty"`
	Meta      string                  `mapstructure:"meta" json:"meta,omitempty"`
	Deep      map[string]*DeepOptions `mapstructure:"deep" json:"deep,omitempty"`
	DebugMode bool                    `mapstructure:"debugMode" json:"debugMode,omitempty"`
}

// DeepOptions is the request-like block controlling one deep relation.
// Its filter is combined with the relation link; everything else works
// like a Request against the target table.
type DeepOptions struct {
	Fields StringList              `mapstructure:"fields" json:"fields,omitempty"`
	Filter map[string]any          `mapstructure:"filter" json:"filter,omitempty"`
	Sort   StringList              `mapstructure:"sort" json:"sort,omitempty"`
	Page   int                     `mapstructure:"page" json:"page,omitempty"`
	Limit  *int                    `mapstructure:"limit" json:"limit,omitempty"`
	Meta   string                  `mapstructure:"meta" json:"meta,omitempty"`
	Deep   map[string]*DeepOptions `mapstructure:"deep" json:"deep,omitempty"`
}

// DecodeRequest builds a Request from loosely typed data, typically a
// decoded JSON body. Lists accept both the array and the
// comma-separated string form.
func DecodeRequest(m map[string]any) (Request, error) {
	var req Request
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &req,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       stringListHook,
	})
	if err != nil {
		return req, newError(ErrInternal, "request decoder: %s", err)
	}
	if err := dec.Decode(m); err != nil {
		return req, newError(ErrValidation, "malformed request: %s", err)
	}
	return req, nil
}

func stringListHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if t == reflect.TypeOf(StringList(nil)) && f.Kind() == reflect.String {
		return splitList(data.(string)), nil
	}
	return data, nil
}

// Record is one result row: scalar columns plus nested records or
// record arrays for the referenced relations.
type Record = map[string]any

// Meta carries the requested counters and the per-parent blocks of
// deep relations.
type Meta map[string]any

// Result is the output of Find: the page of records plus any requested
// meta and debug information.
type Result struct {
	Data  []Record `json:"data"`
	Meta  Meta     `json:"meta,omitempty"`
	Debug *Debug   `json:"debug,omitempty"`
}

// Find compiles and executes one query request and returns the shaped
// page. Before-find hooks may extend the request; after-find hooks see
// the assembled result.
func (g *Engine) Find(c context.Context, req Request) (*Result, error) {
	e := g.Load().(*engine)
	if err := e.runBeforeFind(c, &req); err != nil {
		return nil, err
	}
	res, err := e.find(c, req, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := e.runAfterFind(c, req.TableName, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Insert writes one row and returns the stored record, re-read through
// the query path so generated columns and relation shapes match Find.
func (g *Engine) Insert(c context.Context, table string, values map[string]any) (Record, error) {
	e := g.Load().(*engine)
	if err := e.runBeforeInsert(c, table, values); err != nil {
		return nil, err
	}
	row, err := e.insert(c, table, values)
	if err != nil {
		return nil, err
	}
	if err := e.runAfterInsert(c, table, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Update modifies one row by primary key and returns the stored
// record. A missing row is ResourceNotFound, checked by reading rather
// than by affected-row counts, which mysql reports as zero for no-op
// updates.
func (g *Engine) Update(c context.Context, table string, id any, values map[string]any) (Record, error) {
	e := g.Load().(*engine)
	if err := e.runBeforeUpdate(c, table, id, values); err != nil {
		return nil, err
	}
	row, err := e.update(c, table, id, values)
	if err != nil {
		return nil, err
	}
	if err := e.runAfterUpdate(c, table, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes one row by primary key and returns the record as it
// was stored.
func (g *Engine) Delete(c context.Context, table string, id any) (Record, error) {
	e := g.Load().(*engine)
	if err := e.runBeforeDelete(c, table, id); err != nil {
		return nil, err
	}
	row, err := e.delete(c, table, id)
	if err != nil {
		return nil, err
	}
	if err := e.runAfterDelete(c, table, row); err != nil {
		return nil, err
	}
	return row, nil
}

// GetTables returns the tables of the current metadata snapshot.
func (g *Engine) GetTables(c context.Context) ([]*Table, error) {
	e := g.Load().(*engine)
	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}
	return sc.Tables(), nil
}

// GetTableSchema returns the metadata of one table.
func (g *Engine) GetTableSchema(c context.Context, name string) (*Table, error) {
	e := g.Load().(*engine)
	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}
	t, err := sc.Table(name)
	if err != nil {
		return nil, wrapErr(err, name, ErrNotFound)
	}
	return t, nil
}

// Reload drops the cached metadata snapshot and rebuilds it from the
// provider. In-flight requests keep the snapshot they started with;
// cached plans for unchanged metadata stay valid.
func (g *Engine) Reload(c context.Context) error {
	e := g.Load().(*engine)
	e.store.Invalidate()
	_, err := e.snapshot(c)
	return err
}

// Close stops the background metadata watcher. The engine itself stays
// usable.
func (g *Engine) Close() {
	g.stopOnce.Do(func() { close(g.done) })
}
