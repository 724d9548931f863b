package mql

import (
	"errors"
	"strings"
	"testing"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

func docSchema(t *testing.T) *meta.Schema {
	t.Helper()
	s, err := meta.NewSchema([]*meta.Table{
		{
			Name: "user",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "name", Type: meta.TypeVarchar, Updatable: true},
				{Name: "active", Type: meta.TypeBoolean, Updatable: true},
				{Name: "createdAt", Type: meta.TypeTimestamp},
			},
			Relations: []meta.Relation{
				{PropertyName: "posts", Type: meta.OneToMany, TargetTable: "post", InversePropertyName: "author"},
			},
		},
		{
			Name: "post",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "title", Type: meta.TypeVarchar, Updatable: true},
				{Name: "authorId", Type: meta.TypeVarchar, Nullable: true, Updatable: true},
				{Name: "published", Type: meta.TypeBoolean, Updatable: true},
			},
			Relations: []meta.Relation{
				{PropertyName: "author", Type: meta.ManyToOne, TargetTable: "user", ForeignKeyColumn: "authorId", InversePropertyName: "posts"},
			},
		},
		{
			Name: "order",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "total", Type: meta.TypeInteger, Updatable: true},
			},
			Relations: []meta.Relation{
				// No owning side: the ids are embedded on the order
				// document itself.
				{PropertyName: "items", Type: meta.OneToMany, TargetTable: "item"},
			},
		},
		{
			Name: "item",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "sku", Type: meta.TypeVarchar},
				{Name: "price", Type: meta.TypeInteger},
			},
		},
		{
			Name: "article",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "title", Type: meta.TypeVarchar, Updatable: true},
			},
			Relations: []meta.Relation{
				{PropertyName: "tags", Type: meta.ManyToMany, TargetTable: "tag"},
			},
		},
		{
			Name: "tag",
			Columns: []meta.Column{
				{Name: "_id", Type: meta.TypeVarchar, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func compilePlan(t *testing.T, req qcode.Request) *qcode.QCode {
	t.Helper()
	if req.Page == 0 {
		req.Page = 1
	}
	qc, err := qcode.NewCompiler(docSchema(t)).Compile(req)
	if err != nil {
		t.Fatal(err)
	}
	return qc
}

func TestPipelineEmbeddedCollection(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "order",
		Fields: []string{"_id", "total", "items.sku"},
	})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	want := `{"collection":"order","op":"aggregate","pipeline":[` +
		`{"$lookup":{"as":"items","foreignField":"_id","from":"item","localField":"items",` +
		`"pipeline":[{"$project":{"_id":0,"sku":1}}]}},` +
		`{"$project":{"_id":1,"items":1,"total":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestPipelinePaging(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id", "name"},
		Filter: map[string]any{"active": map[string]any{"_eq": true}},
		Sort:   []string{"-createdAt"},
		Page:   2,
		Limit:  10,
	})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"collection":"user","op":"aggregate","pipeline":[` +
		`{"$match":{"active":{"$eq":true}}},` +
		`{"$sort_ordered":[["createdAt",-1]]},` +
		`{"$skip":10},{"$limit":10},` +
		`{"$project":{"_id":1,"name":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestPipelineNoLimit(t *testing.T) {
	qc := compilePlan(t, qcode.Request{Table: "tag", Fields: []string{"name"}})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(dsl, "$limit") || strings.Contains(dsl, "$skip") {
		t.Errorf("unbounded query must not page: %s", dsl)
	}
}

func TestPipelineOwnerReference(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"title", "author"},
	})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	want := `{"collection":"post","op":"aggregate","pipeline":[` +
		`{"$project":{"_id":0,` +
		`"author":{"$cond":[{"$eq":[{"$ifNull":["$authorId",null]},null]},null,{"_id":"$authorId"}]},` +
		`"title":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestPipelineOwnerObject(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"title", "author.name"},
	})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	want := `{"collection":"post","op":"aggregate","pipeline":[` +
		`{"$lookup":{"as":"author","foreignField":"_id","from":"user","localField":"authorId",` +
		`"pipeline":[{"$project":{"_id":0,"name":1}}]}},` +
		`{"$unwind":{"path":"$author","preserveNullAndEmptyArrays":true}},` +
		`{"$addFields":{"author":{"$ifNull":["$author",null]}}},` +
		`{"$project":{"_id":0,"author":1,"title":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestPipelineSortThroughOwner(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"title"},
		Sort:   []string{"author.name"},
	})
	dsl, err := NewCompiler().CompileQuery(qc)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	want := `{"collection":"post","op":"aggregate","pipeline":[` +
		`{"$lookup":{"as":"post_author","foreignField":"_id","from":"user","localField":"authorId"}},` +
		`{"$unwind":{"path":"$post_author","preserveNullAndEmptyArrays":true}},` +
		`{"$sort_ordered":[["post_author.name",1]]},` +
		`{"$project":{"_id":0,"title":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestMatchOperators(t *testing.T) {
	co := NewCompiler()

	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id"},
		Filter: map[string]any{
			"_or": []any{
				map[string]any{"name": map[string]any{"_contains": "10.5"}},
				map[string]any{"_not": map[string]any{"active": map[string]any{"_eq": true}}},
			},
		},
	})
	dsl, err := co.CompileFilterCount(qc)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	// The regex needle is escaped; matching is case-insensitive.
	want := `{"collection":"user","filter":{"$or":[` +
		`{"name":{"$options":"i","$regex":"10\\.5"}},` +
		`{"$nor":[{"active":{"$eq":true}}]}]},"op":"count"}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestMatchTimeRange(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id"},
		Filter: map[string]any{
			"createdAt": map[string]any{"_between": []any{"2024-01-01", "2024-02-01"}},
		},
	})
	dsl, err := NewCompiler().CompileFilterCount(qc)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"collection":"user","filter":{"createdAt":{` +
		`"$gte":{"$date":"2024-01-01T00:00:00Z"},` +
		`"$lte":{"$date":"2024-02-01T00:00:00Z"}}},"op":"count"}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestMatchMembership(t *testing.T) {
	co := NewCompiler()

	// Owner membership compares the local key field.
	qc := compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"_id"},
		Filter: map[string]any{"author": map[string]any{"_in": []any{"u1", "u2"}}},
	})
	dsl, err := co.CompileFilterCount(qc)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"post","filter":{"authorId":{"$in":["u1","u2"]}},"op":"count"}`; dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}

	// An embedded collection matches against its own id array.
	qc = compilePlan(t, qcode.Request{
		Table:  "order",
		Fields: []string{"_id"},
		Filter: map[string]any{"items": map[string]any{"_in": []any{"i1"}}},
	})
	if dsl, err = co.CompileFilterCount(qc); err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"order","filter":{"items":{"$in":["i1"]}},"op":"count"}`; dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}

	// Empty lists collapse to constant predicates.
	qc = compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"_id"},
		Filter: map[string]any{"author": map[string]any{"_in": []any{}}},
	})
	if dsl, err = co.CompileFilterCount(qc); err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"post","filter":{"$expr":false},"op":"count"}`; dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestMatchOwnerIDRewrite(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "post",
		Fields: []string{"_id"},
		Filter: map[string]any{"author": map[string]any{"id": map[string]any{"_eq": "u1"}}},
	})
	dsl, err := NewCompiler().CompileFilterCount(qc)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"collection":"post","filter":{"authorId":{"$eq":"u1"}},"op":"count"}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestMatchRelationPredicateUnsupported(t *testing.T) {
	co := NewCompiler()

	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id"},
		Filter: map[string]any{"posts": map[string]any{"published": map[string]any{"_eq": true}}},
	})
	if _, err := co.CompileQuery(qc); !errors.Is(err, dialect.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}

	// Junction membership needs the relational backends too.
	qc = compilePlan(t, qcode.Request{
		Table:  "article",
		Fields: []string{"_id"},
		Filter: map[string]any{"tags": map[string]any{"_in": []any{"t1"}}},
	})
	if _, err := co.CompileQuery(qc); !errors.Is(err, dialect.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestChildren(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id", "posts.title", "posts.author.name"},
	})
	if len(qc.Rels) != 1 || qc.Rels[0].Strategy != qcode.StratPostFetch {
		t.Fatalf("posts should defer to a follow-up query")
	}

	dsl, err := NewCompiler().CompileChildren(qc.Rels[0], []any{"u1", "u2"})
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dsl)

	want := `{"collection":"post","op":"aggregate","pipeline":[` +
		`{"$match":{"authorId":{"$in":["u1","u2"]}}},` +
		`{"$lookup":{"as":"author","foreignField":"_id","from":"user","localField":"authorId",` +
		`"pipeline":[{"$project":{"_id":0,"name":1}}]}},` +
		`{"$unwind":{"path":"$author","preserveNullAndEmptyArrays":true}},` +
		`{"$addFields":{"author":{"$ifNull":["$author",null]}}},` +
		`{"$project":{"__parent_id":"$authorId","_id":0,"author":1,"title":1}}]}`
	if dsl != want {
		t.Errorf("dsl mismatch\n got: %s\nwant: %s", dsl, want)
	}
}

func TestJunctionTwoStep(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "article",
		Fields: []string{"title", "tags.name"},
	})
	sr := qc.Rels[0]
	if sr.Junction == nil || sr.Strategy != qcode.StratPostFetch {
		t.Fatalf("tags should defer through the junction")
	}
	co := NewCompiler()

	links, err := co.CompileJunctionLinks(*sr.Junction, []any{"a1"})
	if err != nil {
		t.Fatal(err)
	}
	wantLinks := `{"collection":"article_tags","filter":{"articleId":{"$in":["a1"]}},` +
		`"op":"find","projection":{"_id":0,"articleId":1,"tagId":1}}`
	if links != wantLinks {
		t.Errorf("links mismatch\n got: %s\nwant: %s", links, wantLinks)
	}

	targets, err := co.CompileTargets(sr, []any{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	// The target id is kept so the executor can route each document
	// back through the links.
	wantTargets := `{"collection":"tag","op":"aggregate","pipeline":[` +
		`{"$match":{"_id":{"$in":["t1","t2"]}}},` +
		`{"$project":{"_id":1,"name":1}}]}`
	if targets != wantTargets {
		t.Errorf("targets mismatch\n got: %s\nwant: %s", targets, wantTargets)
	}

	if _, err := co.CompileChildren(sr, []any{"a1"}); !errors.Is(err, dialect.ErrUnsupported) {
		t.Errorf("junction children in one step: err = %v, want ErrUnsupported", err)
	}
}

func TestCounts(t *testing.T) {
	qc := compilePlan(t, qcode.Request{
		Table:  "user",
		Fields: []string{"_id"},
		Filter: map[string]any{"active": map[string]any{"_eq": true}},
	})
	co := NewCompiler()

	total, err := co.CompileTotalCount(qc)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"user","filter":{},"op":"count"}`; total != want {
		t.Errorf("total mismatch\n got: %s\nwant: %s", total, want)
	}

	filtered, err := co.CompileFilterCount(qc)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"user","filter":{"active":{"$eq":true}},"op":"count"}`; filtered != want {
		t.Errorf("filtered mismatch\n got: %s\nwant: %s", filtered, want)
	}
}

func TestMutations(t *testing.T) {
	s := docSchema(t)
	user, err := s.Table("user")
	if err != nil {
		t.Fatal(err)
	}
	co := NewCompiler()

	ins, err := co.CompileInsert(user, map[string]any{"name": "ana", "active": true})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"user","document":{"active":true,"name":"ana"},"op":"insertOne"}`; ins != want {
		t.Errorf("insert mismatch\n got: %s\nwant: %s", ins, want)
	}

	upd, err := co.CompileUpdate(user, "u1", map[string]any{"name": "bo"})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"user","filter":{"_id":"u1"},"op":"updateOne","set":{"name":"bo"}}`; upd != want {
		t.Errorf("update mismatch\n got: %s\nwant: %s", upd, want)
	}

	if _, err := co.CompileUpdate(user, "u1", map[string]any{"_id": "u2"}); !errors.Is(err, qcode.ErrValidation) {
		t.Errorf("updating the id: err = %v, want ErrValidation", err)
	}
	if _, err := co.CompileInsert(user, map[string]any{"ghost": 1}); !errors.Is(err, qcode.ErrValidation) {
		t.Errorf("unknown column: err = %v, want ErrValidation", err)
	}

	del, err := co.CompileDelete(user, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"user","filter":{"_id":"u1"},"op":"deleteOne"}`; del != want {
		t.Errorf("delete mismatch\n got: %s\nwant: %s", del, want)
	}
}

func TestJunctionSync(t *testing.T) {
	s := docSchema(t)
	article, err := s.Table("article")
	if err != nil {
		t.Fatal(err)
	}
	j := article.Relation("tags").Junction()
	co := NewCompiler()

	wipe, err := co.CompileJunctionClear(j, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"collection":"article_tags","filter":{"articleId":"a1"},"op":"deleteMany"}`; wipe != want {
		t.Errorf("clear mismatch\n got: %s\nwant: %s", wipe, want)
	}

	links, err := co.CompileJunctionInsert(j, "a1", []any{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"collection":"article_tags","documents":[` +
		`{"articleId":"a1","tagId":"t1"},{"articleId":"a1","tagId":"t2"}],"op":"insertMany"}`
	if links != want {
		t.Errorf("links mismatch\n got: %s\nwant: %s", links, want)
	}

	if _, err := co.CompileJunctionInsert(j, "a1", nil); !errors.Is(err, qcode.ErrValidation) {
		t.Errorf("empty targets: err = %v, want ErrValidation", err)
	}
}

func TestPipelineDeterministic(t *testing.T) {
	req := qcode.Request{
		Table:  "user",
		Fields: []string{"name", "_id", "posts.title", "posts.author.name"},
		Filter: map[string]any{
			"active": map[string]any{"_eq": true},
			"name":   map[string]any{"_starts_with": "a"},
		},
		Sort:  []string{"-createdAt"},
		Page:  1,
		Limit: 5,
	}
	co := NewCompiler()

	a, err := co.CompileQuery(compilePlan(t, req))
	if err != nil {
		t.Fatal(err)
	}
	b, err := co.CompileQuery(compilePlan(t, req))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same request compiled to different documents\n a: %s\n b: %s", a, b)
	}
}
