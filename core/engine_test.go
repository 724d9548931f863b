package core

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTables() []*Table {
	return []*Table{
		{
			Name: "user",
			Columns: []Column{
				{Name: "id", Type: TypeInteger, Primary: true, Generated: true},
				{Name: "name", Type: TypeVarchar, Updatable: true},
				{Name: "active", Type: TypeBoolean, Updatable: true},
				{Name: "createdAt", Type: TypeTimestamp},
			},
			Relations: []Relation{
				{PropertyName: "posts", Type: OneToMany, TargetTable: "post", InversePropertyName: "author"},
				{PropertyName: "profile", Type: OneToOne, TargetTable: "profile", InversePropertyName: "user", OnDelete: "CASCADE"},
			},
		},
		{
			Name: "post",
			Columns: []Column{
				{Name: "id", Type: TypeInteger, Primary: true, Generated: true},
				{Name: "title", Type: TypeVarchar, Updatable: true},
				{Name: "userId", Type: TypeInteger, Nullable: true, Updatable: true},
				{Name: "published", Type: TypeBoolean, Updatable: true},
				{Name: "payload", Type: TypeJSON, Updatable: true},
				{Name: "createdAt", Type: TypeTimestamp},
				{Name: "updatedAt", Type: TypeTimestamp, Updatable: true},
			},
			Relations: []Relation{
				{PropertyName: "author", Type: ManyToOne, TargetTable: "user", ForeignKeyColumn: "userId", InversePropertyName: "posts"},
			},
		},
		{
			Name: "article",
			Columns: []Column{
				{Name: "id", Type: TypeInteger, Primary: true, Generated: true},
				{Name: "title", Type: TypeVarchar, Updatable: true},
			},
			Relations: []Relation{
				{PropertyName: "tags", Type: ManyToMany, TargetTable: "tag",
					JunctionTable: "article_tags", JunctionSourceColumn: "articleId", JunctionTargetColumn: "tagId"},
			},
		},
		{
			Name: "tag",
			Columns: []Column{
				{Name: "id", Type: TypeInteger, Primary: true, Generated: true},
				{Name: "name", Type: TypeVarchar, Updatable: true},
			},
		},
		{
			Name: "profile",
			Columns: []Column{
				{Name: "id", Type: TypeInteger, Primary: true, Generated: true},
				{Name: "bio", Type: TypeText, Updatable: true},
				{Name: "userId", Type: TypeInteger, Nullable: true, Updatable: true},
			},
			Relations: []Relation{
				{PropertyName: "user", Type: OneToOne, Owner: true, TargetTable: "user", ForeignKeyColumn: "userId", InversePropertyName: "profile"},
			},
		},
	}
}

func newTestEngine(t *testing.T, conf *Config, opts ...Option) *Engine {
	t.Helper()
	if conf == nil {
		conf = &Config{MockDB: true}
	}
	opts = append([]Option{
		OptionSetMetadata(testTables()),
		OptionSetLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	g, err := New(conf, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{MockDB: true}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
	assert.Contains(t, err.Error(), "OptionSetMetadata")

	_, err = New(&Config{}, nil, OptionSetMetadata(testTables()))
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))

	_, err = New(&Config{DBType: "oracle", MockDB: true}, nil, OptionSetMetadata(testTables()))
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestNewMongoMock(t *testing.T) {
	g, err := New(&Config{DBType: "mongodb", MockDB: true}, nil,
		OptionSetMetadata(testTables()))
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Find(context.Background(), Request{TableName: "user", Fields: StringList{"id"}})
	require.NoError(t, err)
	assert.Len(t, res.Data, 2)
}

func TestFindMockPage(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id", "name", "active"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Nil(t, res.Meta)
	assert.Nil(t, res.Debug)

	assert.Equal(t, int64(1), res.Data[0]["id"])
	assert.Equal(t, "mock_name_1", res.Data[0]["name"])
	assert.Equal(t, true, res.Data[0]["active"])
	assert.Equal(t, int64(2), res.Data[1]["id"])
	assert.Equal(t, false, res.Data[1]["active"])
}

func TestFindWildcardDefault(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{TableName: "user"})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	row := res.Data[0]
	assert.Contains(t, row, "id")
	assert.Contains(t, row, "name")
	assert.Contains(t, row, "active")
	assert.Contains(t, row, "createdAt")
	// Collections and inverse relations never expand from the
	// wildcard.
	assert.NotContains(t, row, "posts")
	assert.NotContains(t, row, "profile")
}

func TestFindMetaCounts(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id"},
		Meta:      "totalCount,filterCount",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Meta)
	assert.Equal(t, int64(2), res.Meta["totalCount"])
	assert.Equal(t, int64(2), res.Meta["filterCount"])
}

func TestFindErrors(t *testing.T) {
	g := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := g.Find(ctx, Request{})
	assert.Equal(t, ErrValidation, KindOf(err))

	_, err = g.Find(ctx, Request{TableName: "missing"})
	assert.Equal(t, ErrNotFound, KindOf(err))

	_, err = g.Find(ctx, Request{TableName: "user", Page: -1})
	assert.Equal(t, ErrValidation, KindOf(err))

	_, err = g.Find(ctx, Request{TableName: "user", Meta: "rowCount"})
	assert.Equal(t, ErrValidation, KindOf(err))

	neg := -1
	_, err = g.Find(ctx, Request{TableName: "user", Limit: &neg})
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestFindDebugTrace(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id"},
		DebugMode: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Debug)
	assert.NotEmpty(t, res.Debug.TraceID)
	// Mock mode runs no statements.
	assert.Empty(t, res.Debug.Queries)
}

func TestFindOwnerReference(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "post",
		Fields:    StringList{"id", "author"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	ref, ok := res.Data[0]["author"].(map[string]any)
	require.True(t, ok, "reference shape expected, got %#v", res.Data[0]["author"])
	assert.Equal(t, int64(1), ref["id"])
	assert.Len(t, ref, 1)
}

func TestFindInlineCollection(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id", "posts.title"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	posts, ok := res.Data[0]["posts"].([]any)
	require.True(t, ok, "inline array expected, got %#v", res.Data[0]["posts"])
	require.Len(t, posts, 2)
	first := posts[0].(map[string]any)
	assert.Equal(t, "mock_title_1", first["title"])
}

func TestFindPostFetchManyToMany(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "article",
		Fields:    StringList{"title", "tags.name"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	row := res.Data[0]
	assert.Contains(t, row, "title")
	// The correlation key was added for routing only and leaves the
	// row before it is returned.
	assert.NotContains(t, row, "id")

	tags, ok := row["tags"].([]Record)
	require.True(t, ok, "attached collection expected, got %#v", row["tags"])
	require.Len(t, tags, 2)
	assert.Equal(t, "mock_name_1", tags[0]["name"])
	assert.NotContains(t, tags[0], "__parent_id")
}

func TestDeepCollection(t *testing.T) {
	g := newTestEngine(t, nil)

	three := 3
	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id"},
		Deep: map[string]*DeepOptions{
			"posts": {
				Fields: StringList{"id", "title"},
				Limit:  &three,
				Meta:   "totalCount,filterCount",
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	posts, ok := res.Data[0]["posts"].([]Record)
	require.True(t, ok, "deep collection expected, got %#v", res.Data[0]["posts"])
	require.Len(t, posts, 2)
	assert.Contains(t, posts[0], "id")
	assert.Contains(t, posts[0], "title")

	require.NotNil(t, res.Meta)
	entries, ok := res.Meta["posts"].([]Meta)
	require.True(t, ok, "per-parent meta expected, got %#v", res.Meta["posts"])
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0]["id"])
	assert.Equal(t, int64(2), entries[0]["totalCount"])
	assert.Equal(t, int64(2), entries[0]["filterCount"])
	assert.Equal(t, int64(2), entries[1]["id"])
}

func TestDeepOwner(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "post",
		Fields:    StringList{"id"},
		Deep: map[string]*DeepOptions{
			"author": {Fields: StringList{"id", "name"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	author, ok := res.Data[0]["author"].(Record)
	require.True(t, ok, "deep singular expected, got %#v", res.Data[0]["author"])
	assert.Equal(t, "mock_name_1", author["name"])
}

func TestDeepUnknownRelation(t *testing.T) {
	g := newTestEngine(t, nil)

	res, err := g.Find(context.Background(), Request{
		TableName: "user",
		Fields:    StringList{"id"},
		Deep:      map[string]*DeepOptions{"bogus": {}},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	// Unresolvable deep relations degrade to an empty list, never an
	// error.
	v, present := res.Data[0]["bogus"]
	require.True(t, present)
	assert.Equal(t, []Record{}, v)
}

func TestInsertMock(t *testing.T) {
	g := newTestEngine(t, nil)

	row, err := g.Insert(context.Background(), "user", map[string]any{
		"name":   "Ada",
		"active": true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
	assert.Contains(t, row, "name")
}

func TestInsertUnknownTable(t *testing.T) {
	g := newTestEngine(t, nil)
	_, err := g.Insert(context.Background(), "missing", map[string]any{"a": 1})
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestUpdateMock(t *testing.T) {
	g := newTestEngine(t, nil)

	row, err := g.Update(context.Background(), "post", 1, map[string]any{"title": "revised"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
}

func TestUpdateNoValues(t *testing.T) {
	g := newTestEngine(t, nil)

	_, err := g.Update(context.Background(), "user", 1, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestDeleteMock(t *testing.T) {
	g := newTestEngine(t, nil)

	row, err := g.Delete(context.Background(), "user", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
}

func TestHooksRunInOrder(t *testing.T) {
	var calls []string
	first := Hooks{
		BeforeFind: func(c context.Context, req *Request) error {
			calls = append(calls, "first.before")
			req.Meta = "totalCount"
			return nil
		},
		AfterFind: func(c context.Context, res *Result) error {
			calls = append(calls, "first.after")
			return nil
		},
	}
	second := Hooks{
		BeforeFind: func(c context.Context, req *Request) error {
			calls = append(calls, "second.before")
			return nil
		},
	}
	g := newTestEngine(t, nil, OptionSetHook(first), OptionSetHook(second))

	res, err := g.Find(context.Background(), Request{TableName: "user", Fields: StringList{"id"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"first.before", "second.before", "first.after"}, calls)
	// The before hook extended the request.
	require.NotNil(t, res.Meta)
	assert.Equal(t, int64(2), res.Meta["totalCount"])
}

func TestHooksSeeWrites(t *testing.T) {
	var gotTable string
	var gotRow Record
	h := Hooks{
		BeforeInsert: func(c context.Context, table string, values map[string]any) error {
			gotTable = table
			values["active"] = true
			return nil
		},
		AfterInsert: func(c context.Context, table string, row Record) error {
			gotRow = row
			return nil
		},
	}
	g := newTestEngine(t, nil, OptionSetHook(h))

	row, err := g.Insert(context.Background(), "user", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "user", gotTable)
	assert.Equal(t, row["id"], gotRow["id"])
}

func TestHookAbortsOperation(t *testing.T) {
	h := Hooks{
		BeforeDelete: func(c context.Context, table string, id any) error {
			return errors.New("vetoed")
		},
	}
	g := newTestEngine(t, nil, OptionSetHook(h))

	_, err := g.Delete(context.Background(), "user", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vetoed")
}

func TestGetTables(t *testing.T) {
	g := newTestEngine(t, nil)

	tables, err := g.GetTables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables, 5)

	tbl, err := g.GetTableSchema(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, "post", tbl.Name)

	_, err = g.GetTableSchema(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestReload(t *testing.T) {
	g := newTestEngine(t, nil)
	require.NoError(t, g.Reload(context.Background()))

	res, err := g.Find(context.Background(), Request{TableName: "tag", Fields: StringList{"id"}})
	require.NoError(t, err)
	assert.Len(t, res.Data, 2)
}

func TestCloseIdempotent(t *testing.T) {
	g := newTestEngine(t, nil)
	g.Close()
	g.Close()
}
