package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

func writeSchema(t *testing.T) *meta.Schema {
	t.Helper()
	sc, err := meta.NewSchema(testTables())
	require.NoError(t, err)
	return sc
}

func writeEngine(dbtype string) *engine {
	return &engine{conf: &Config{}, dbtype: dbtype}
}

func TestPrepareWriteStripsColumns(t *testing.T) {
	sc := writeSchema(t)
	tbl, err := sc.Table("user")
	require.NoError(t, err)

	pl, err := writeEngine("postgres").prepareWrite(sc, tbl, map[string]any{
		"id":     7,
		"name":   "Ada",
		"active": true,
		"bogus":  "x",
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "Ada", pl.values["name"])
	assert.Equal(t, true, pl.values["active"])
	// Generated keys and unknown names never reach the statement.
	assert.NotContains(t, pl.values, "id")
	assert.NotContains(t, pl.values, "bogus")
	// createdAt is stamped on insert.
	_, ok := pl.values["createdAt"].(time.Time)
	assert.True(t, ok)
}

func TestPrepareWriteUpdateStripsReadOnly(t *testing.T) {
	sc := writeSchema(t)
	tbl, err := sc.Table("post")
	require.NoError(t, err)

	pl, err := writeEngine("postgres").prepareWrite(sc, tbl, map[string]any{
		"id":        9,
		"title":     "revised",
		"createdAt": "2020-01-01T00:00:00Z",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "revised", pl.values["title"])
	assert.NotContains(t, pl.values, "id")
	assert.NotContains(t, pl.values, "createdAt")
	// updatedAt refreshes on every update.
	_, ok := pl.values["updatedAt"].(time.Time)
	assert.True(t, ok)
}

func TestPrepareWriteFoldsOwnerReference(t *testing.T) {
	sc := writeSchema(t)
	tbl, err := sc.Table("post")
	require.NoError(t, err)
	e := writeEngine("postgres")

	pl, err := e.prepareWrite(sc, tbl, map[string]any{"title": "a", "author": map[string]any{"id": 5}}, false)
	require.NoError(t, err)
	assert.Equal(t, 5, pl.values["userId"])

	pl, err = e.prepareWrite(sc, tbl, map[string]any{"title": "a", "author": 6}, false)
	require.NoError(t, err)
	assert.Equal(t, 6, pl.values["userId"])

	// nil detaches: the foreign key is written as NULL.
	pl, err = e.prepareWrite(sc, tbl, map[string]any{"title": "a", "author": nil}, false)
	require.NoError(t, err)
	v, present := pl.values["userId"]
	require.True(t, present)
	assert.Nil(t, v)

	_, err = e.prepareWrite(sc, tbl, map[string]any{"author": map[string]any{"name": "x"}}, false)
	assert.Equal(t, ErrValidation, KindOf(err))

	_, err = e.prepareWrite(sc, tbl, map[string]any{"author": []any{1, 2}}, false)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestPrepareWriteQueuesJunction(t *testing.T) {
	sc := writeSchema(t)
	tbl, err := sc.Table("article")
	require.NoError(t, err)
	e := writeEngine("postgres")

	pl, err := e.prepareWrite(sc, tbl, map[string]any{
		"title": "a",
		"tags":  []any{1, map[string]any{"id": 2}},
	}, false)
	require.NoError(t, err)
	require.Len(t, pl.links, 1)
	assert.Equal(t, "tags", pl.links[0].rel.PropertyName)
	assert.Equal(t, []any{1, 2}, pl.links[0].targets)

	// An explicit nil clears the link set on update.
	pl, err = e.prepareWrite(sc, tbl, map[string]any{"tags": nil}, true)
	require.NoError(t, err)
	require.Len(t, pl.links, 1)
	assert.Empty(t, pl.links[0].targets)

	_, err = e.prepareWrite(sc, tbl, map[string]any{"tags": "nope"}, false)
	assert.Equal(t, ErrValidation, KindOf(err))

	_, err = e.prepareWrite(sc, tbl, map[string]any{"tags": []any{nil}}, false)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestPrepareWriteQueuesClaims(t *testing.T) {
	sc := writeSchema(t)
	tbl, err := sc.Table("user")
	require.NoError(t, err)
	e := writeEngine("postgres")

	pl, err := e.prepareWrite(sc, tbl, map[string]any{
		"name":    "Ada",
		"posts":   []any{map[string]any{"id": 3}, 4},
		"profile": map[string]any{"id": 9},
	}, false)
	require.NoError(t, err)
	require.Len(t, pl.claims, 2)

	byName := map[string][]any{}
	for _, cw := range pl.claims {
		byName[cw.rel.PropertyName] = cw.ids
	}
	assert.Equal(t, []any{3, 4}, byName["posts"])
	assert.Equal(t, []any{9}, byName["profile"])
}

func TestBindValueJSONColumn(t *testing.T) {
	col := &meta.Column{Name: "payload", Type: meta.TypeJSON}

	v, err := writeEngine("postgres").bindValue(col, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	// The document store keeps structured values as subdocuments.
	v, err = writeEngine("mongodb").bindValue(col, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, v)

	// Pre-serialised text passes through on both.
	v, err = writeEngine("postgres").bindValue(col, `{"b":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, v)
}

func TestStampTimestamps(t *testing.T) {
	tbl := &meta.Table{
		Name: "note",
		Columns: []meta.Column{
			{Name: "id", Type: meta.TypeInteger, Primary: true},
			{Name: "createdAt", Type: meta.TypeTimestamp},
			{Name: "updatedAt", Type: meta.TypeTimestamp},
		},
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	values := map[string]any{}
	stampTimestamps(tbl, values, false, now)
	assert.Equal(t, now, values["createdAt"])
	assert.Equal(t, now, values["updatedAt"])

	// Supplied values win on insert.
	explicit := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	values = map[string]any{"createdAt": explicit}
	stampTimestamps(tbl, values, false, now)
	assert.Equal(t, explicit, values["createdAt"])

	// Updates refresh updatedAt and drop createdAt.
	values = map[string]any{"createdAt": explicit, "updatedAt": explicit}
	stampTimestamps(tbl, values, true, now)
	assert.NotContains(t, values, "createdAt")
	assert.Equal(t, now, values["updatedAt"])
}

func TestCascadeTargets(t *testing.T) {
	g := newTestEngine(t, nil)
	e := g.Load().(*engine)
	ctx := context.Background()

	sc, err := e.snapshot(ctx)
	require.NoError(t, err)
	tbl, err := sc.Table("user")
	require.NoError(t, err)

	cascades, err := e.cascadeTargets(ctx, sc, tbl, tbl.PrimaryKey(), 1)
	require.NoError(t, err)
	// user.profile declares onDelete CASCADE with an inverse property,
	// so the owning profile row rides along.
	require.Len(t, cascades, 1)
	assert.Equal(t, "profile", cascades[0].table.Name)
	assert.Equal(t, int64(1), cascades[0].id)

	// No contract, no cascade.
	article, err := sc.Table("article")
	require.NoError(t, err)
	cascades, err = e.cascadeTargets(ctx, sc, article, article.PrimaryKey(), 1)
	require.NoError(t, err)
	assert.Empty(t, cascades)
}
