package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

func mockSchema(t *testing.T) *meta.Schema {
	t.Helper()
	sc, err := meta.NewSchema([]*meta.Table{
		{
			Name: "article",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "title", Type: meta.TypeVarchar},
				{Name: "score", Type: meta.TypeFloat},
				{Name: "published", Type: meta.TypeBoolean},
			},
			Relations: []meta.Relation{
				{PropertyName: "tags", Type: meta.ManyToMany, TargetTable: "tag",
					JunctionTable: "article_tags", JunctionSourceColumn: "articleId", JunctionTargetColumn: "tagId"},
				{PropertyName: "author", Type: meta.ManyToOne, TargetTable: "user", ForeignKeyColumn: "authorId"},
			},
		},
		{
			Name: "tag",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
			},
		},
		{
			Name: "user",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
			},
		},
	})
	require.NoError(t, err)
	return sc
}

func TestMockRecordsShape(t *testing.T) {
	sc := mockSchema(t)
	qc, err := qcode.NewCompiler(sc).Compile(qcode.Request{
		Table:  "article",
		Fields: []string{"id", "title", "score", "published", "author"},
		Page:   1,
		Limit:  10,
	})
	require.NoError(t, err)

	rows := mockRecords(qc)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, int64(2), rows[1]["id"])
	assert.Equal(t, "mock_title_1", rows[0]["title"])
	assert.Equal(t, "mock_title_2", rows[1]["title"])
	assert.Equal(t, 12.34, rows[0]["score"])
	assert.Equal(t, true, rows[0]["published"])
	assert.Equal(t, false, rows[1]["published"])

	// A leaf owner relation carries the reference shape.
	ref, ok := rows[0]["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), ref["id"])

	// Deferred relations stay off the row; the post-fetch pass fills
	// them.
	_, present := rows[0]["tags"]
	assert.False(t, present)
}

func TestMockRecordsHonorsLimit(t *testing.T) {
	sc := mockSchema(t)
	qc, err := qcode.NewCompiler(sc).Compile(qcode.Request{
		Table: "tag", Fields: []string{"id"}, Page: 1, Limit: 1,
	})
	require.NoError(t, err)
	assert.Len(t, mockRecords(qc), 1)

	qc, err = qcode.NewCompiler(sc).Compile(qcode.Request{
		Table: "tag", Fields: []string{"id"}, Page: 1, Limit: 0,
	})
	require.NoError(t, err)
	assert.Len(t, mockRecords(qc), 2)
}

func TestMockChildrenCarryParentKey(t *testing.T) {
	sc := mockSchema(t)
	qc, err := qcode.NewCompiler(sc).Compile(qcode.Request{
		Table:  "article",
		Fields: []string{"id", "tags.name"},
		Page:   1,
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, qc.Rels, 1)
	sr := qc.Rels[0]
	require.Equal(t, qcode.StratPostFetch, sr.Strategy)

	children := mockChildren(sr, []any{int64(1), int64(2)})
	require.Len(t, children, 4)
	assert.Equal(t, int64(1), children[0][qcode.ParentID])
	assert.Equal(t, int64(1), children[1][qcode.ParentID])
	assert.Equal(t, int64(2), children[2][qcode.ParentID])
	assert.Equal(t, "mock_name_1", children[0]["name"])
}

func TestMockLinks(t *testing.T) {
	j := meta.Junction{Table: "article_tags", SourceColumn: "articleId", TargetColumn: "tagId"}
	links := mockLinks(j, []any{int64(7)})
	require.Len(t, links, 2)
	assert.Equal(t, int64(7), links[0]["articleId"])
	assert.Equal(t, int64(1), links[0]["tagId"])
	assert.Equal(t, int64(2), links[1]["tagId"])
}

func TestMockColumnValueTypes(t *testing.T) {
	assert.Equal(t, int64(3), mockColumnValue(&meta.Column{Name: "n", Type: meta.TypeBigInt}, 2))
	assert.Equal(t, 13.34, mockColumnValue(&meta.Column{Name: "f", Type: meta.TypeDecimal}, 1))
	assert.Equal(t, map[string]any{"mock_key": "mock_value"}, mockColumnValue(&meta.Column{Name: "j", Type: meta.TypeJSON}, 0))
	assert.Equal(t, "draft", mockColumnValue(&meta.Column{Name: "status", Type: meta.TypeEnum, Options: []string{"draft", "live"}}, 0))
	assert.Equal(t, "live", mockColumnValue(&meta.Column{Name: "status", Type: meta.TypeEnum, Options: []string{"draft", "live"}}, 1))
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", mockColumnValue(&meta.Column{Name: "u", Type: meta.TypeUUID}, 1))
	assert.Equal(t, "mock_note_1", mockColumnValue(&meta.Column{Name: "note", Type: meta.TypeText}, 0))
}
