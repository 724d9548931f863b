package qcode

import (
	"errors"
	"reflect"
	"testing"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

func testSchema(t *testing.T) *meta.Schema {
	t.Helper()
	s, err := meta.NewSchema([]*meta.Table{
		{
			Name: "user",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
				{Name: "email", Type: meta.TypeVarchar},
				{Name: "active", Type: meta.TypeBoolean},
				{Name: "createdAt", Type: meta.TypeTimestamp},
				{Name: "companyId", Type: meta.TypeInteger, Nullable: true},
				{Name: "secret", Type: meta.TypeVarchar, Hidden: true},
			},
			Relations: []meta.Relation{
				{PropertyName: "company", Type: meta.ManyToOne, TargetTable: "company", ForeignKeyColumn: "companyId"},
				{PropertyName: "posts", Type: meta.OneToMany, TargetTable: "post", InversePropertyName: "author"},
				{PropertyName: "profile", Type: meta.OneToOne, TargetTable: "profile", InversePropertyName: "user"},
			},
		},
		{
			Name: "post",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "title", Type: meta.TypeVarchar},
				{Name: "authorId", Type: meta.TypeInteger, Nullable: true},
				{Name: "published", Type: meta.TypeBoolean},
				{Name: "score", Type: meta.TypeInteger},
				{Name: "createdAt", Type: meta.TypeTimestamp},
			},
			Relations: []meta.Relation{
				{PropertyName: "author", Type: meta.ManyToOne, TargetTable: "user", ForeignKeyColumn: "authorId", InversePropertyName: "posts"},
			},
		},
		{
			Name: "company",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
			},
		},
		{
			Name: "profile",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "userId", Type: meta.TypeInteger},
				{Name: "bio", Type: meta.TypeText},
			},
			Relations: []meta.Relation{
				{PropertyName: "user", Type: meta.OneToOne, Owner: true, TargetTable: "user", ForeignKeyColumn: "userId", InversePropertyName: "profile"},
			},
		},
		{
			Name: "article",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "title", Type: meta.TypeVarchar},
			},
			Relations: []meta.Relation{
				{PropertyName: "tags", Type: meta.ManyToMany, TargetTable: "tag"},
			},
		},
		{
			Name: "tag",
			Columns: []meta.Column{
				{Name: "id", Type: meta.TypeInteger, Primary: true},
				{Name: "name", Type: meta.TypeVarchar},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func compile(t *testing.T, req Request) *QCode {
	t.Helper()
	if req.Page == 0 {
		req.Page = 1
	}
	qc, err := NewCompiler(testSchema(t)).Compile(req)
	if err != nil {
		t.Fatal(err)
	}
	return qc
}

func fieldNames(fields []Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Col.Name)
	}
	return out
}

func TestCompileWildcard(t *testing.T) {
	qc := compile(t, Request{Table: "user"})

	want := []string{"id", "name", "email", "active", "createdAt"}
	if got := fieldNames(qc.Fields); !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}

	// The owned foreign key surfaces as a reference-only relation; the
	// inverse collection and the inverse one-to-one stay out.
	if len(qc.Rels) != 1 {
		t.Fatalf("rels = %d, want 1", len(qc.Rels))
	}
	rel := qc.Rels[0]
	if rel.Name != "company" || rel.Strategy != StratReference {
		t.Fatalf("rel = %s strategy %d", rel.Name, rel.Strategy)
	}
	if got := fieldNames(rel.Fields); !reflect.DeepEqual(got, []string{"id"}) {
		t.Fatalf("reference fields = %v", got)
	}
	if qc.Alias != "u" {
		t.Fatalf("root alias = %s", qc.Alias)
	}
}

func TestCompileBareOwnerRelation(t *testing.T) {
	qc := compile(t, Request{Table: "post", Fields: []string{"id", "title", "author"}})

	if qc.Alias != "p" {
		t.Fatalf("root alias = %s", qc.Alias)
	}
	if len(qc.Rels) != 1 {
		t.Fatalf("rels = %d", len(qc.Rels))
	}
	rel := qc.Rels[0]
	if rel.Strategy != StratReference {
		t.Fatalf("bare owner relation must be reference-only, got %d", rel.Strategy)
	}
	if rel.LocalCol != "authorId" || rel.TargetCol != "id" {
		t.Fatalf("correlation = %s/%s", rel.LocalCol, rel.TargetCol)
	}
}

func TestCompileInlineCollection(t *testing.T) {
	qc := compile(t, Request{
		Table:  "user",
		Fields: []string{"id", "name", "posts.id", "posts.published"},
	})

	if len(qc.Rels) != 1 {
		t.Fatalf("rels = %d", len(qc.Rels))
	}
	rel := qc.Rels[0]
	if rel.Strategy != StratArray {
		t.Fatalf("scalar-only one-to-many must inline, got %d", rel.Strategy)
	}
	if rel.Alias != "c" {
		t.Fatalf("first subquery alias = %s", rel.Alias)
	}
	if rel.LocalCol != "id" || rel.TargetCol != "authorId" {
		t.Fatalf("correlation = %s/%s", rel.LocalCol, rel.TargetCol)
	}
	if got := fieldNames(rel.Fields); !reflect.DeepEqual(got, []string{"id", "published"}) {
		t.Fatalf("fields = %v", got)
	}
	if qc.PKHidden {
		t.Fatal("requested pk must not be hidden")
	}
}

func TestCompileNestedCollectionDefers(t *testing.T) {
	qc := compile(t, Request{
		Table:  "user",
		Fields: []string{"id", "posts.id", "posts.author.name"},
	})

	rel := qc.Rels[0]
	if rel.Strategy != StratPostFetch {
		t.Fatalf("one-to-many with nested relations must post-fetch, got %d", rel.Strategy)
	}
	if len(rel.Rels) != 1 || rel.Rels[0].Name != "author" {
		t.Fatalf("nested rels = %+v", rel.Rels)
	}
	if rel.Rels[0].Strategy != StratObject {
		t.Fatalf("nested owner with fields must be an object subquery, got %d", rel.Rels[0].Strategy)
	}
}

func TestCompileManyToMany(t *testing.T) {
	qc := compile(t, Request{Table: "article", Fields: []string{"title", "tags.name"}})

	rel := qc.Rels[0]
	if rel.Strategy != StratPostFetch {
		t.Fatalf("many-to-many must post-fetch, got %d", rel.Strategy)
	}
	j := rel.Junction
	if j == nil || j.Table != "article_tags" || j.SourceColumn != "articleId" || j.TargetColumn != "tagId" {
		t.Fatalf("junction = %+v", j)
	}
	if rel.JunctionAlias != "j_tags_1" {
		t.Fatalf("junction alias = %s", rel.JunctionAlias)
	}

	// The root pk was not requested but post-fetch grouping needs it.
	if !qc.PKHidden {
		t.Fatal("root pk must be added hidden")
	}
	if got := fieldNames(qc.Fields); !reflect.DeepEqual(got, []string{"title", "id"}) {
		t.Fatalf("fields = %v", got)
	}
}

func TestCompileBareCollection(t *testing.T) {
	qc := compile(t, Request{Table: "user", Fields: []string{"id", "posts"}})

	rel := qc.Rels[0]
	if rel.Strategy != StratArray {
		t.Fatalf("bare collection inlines ids, got %d", rel.Strategy)
	}
	if got := fieldNames(rel.Fields); !reflect.DeepEqual(got, []string{"id"}) {
		t.Fatalf("fields = %v", got)
	}
}

func TestCompileInverseSingle(t *testing.T) {
	qc := compile(t, Request{Table: "user", Fields: []string{"id", "profile.bio"}})

	rel := qc.Rels[0]
	if rel.Strategy != StratObject {
		t.Fatalf("inverse one-to-one must be an object subquery, got %d", rel.Strategy)
	}
	if rel.LocalCol != "id" || rel.TargetCol != "userId" {
		t.Fatalf("correlation = %s/%s", rel.LocalCol, rel.TargetCol)
	}
	if !rel.Singular {
		t.Fatal("inverse one-to-one is singular")
	}
}

func TestCompileSort(t *testing.T) {
	qc := compile(t, Request{Table: "user", Sort: []string{"-name,createdAt"}})

	if len(qc.Sort) != 2 {
		t.Fatalf("sort terms = %d", len(qc.Sort))
	}
	if qc.Sort[0].Col.Name != "name" || qc.Sort[0].Order != OrderDesc {
		t.Fatalf("first term = %+v", qc.Sort[0])
	}
	if qc.Sort[1].Col.Name != "createdAt" || qc.Sort[1].Order != OrderAsc {
		t.Fatalf("second term = %+v", qc.Sort[1])
	}
	if qc.Sort[0].Table != "u" {
		t.Fatalf("qualifier = %s", qc.Sort[0].Table)
	}
}

func TestCompileSortThroughOwner(t *testing.T) {
	qc := compile(t, Request{Table: "user", Sort: []string{"company.name"}})

	if len(qc.Joins) != 1 {
		t.Fatalf("joins = %d", len(qc.Joins))
	}
	j := qc.Joins[0]
	if j.Alias != "user_company" || j.LocalTable != "u" || j.LocalCol != "companyId" || j.TargetCol != "id" {
		t.Fatalf("join = %+v", j)
	}
	if qc.Sort[0].Table != "user_company" {
		t.Fatalf("sort qualifier = %s", qc.Sort[0].Table)
	}

	// The same hop twice shares one join.
	qc = compile(t, Request{Table: "user", Sort: []string{"company.name", "-company.id"}})
	if len(qc.Joins) != 1 {
		t.Fatalf("joins = %d, want shared", len(qc.Joins))
	}
}

func TestCompileSortIntoCollection(t *testing.T) {
	qc := compile(t, Request{
		Table:  "user",
		Fields: []string{"id", "posts.id"},
		Sort:   []string{"posts.createdAt"},
	})

	rel := qc.Rels[0]
	if len(rel.Sort) != 1 || rel.Sort[0].Col.Name != "createdAt" {
		t.Fatalf("relation sort = %+v", rel.Sort)
	}
	if len(qc.Sort) != 0 {
		t.Fatalf("collection sort must not stay at the root: %+v", qc.Sort)
	}

	_, err := NewCompiler(testSchema(t)).Compile(Request{
		Table: "user", Page: 1, Sort: []string{"posts.createdAt"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("sorting by an unrequested collection must fail, got %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	co := NewCompiler(testSchema(t))

	_, err := co.Compile(Request{Table: "ghost", Page: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown table: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 0})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("page 0: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 1, Limit: -1})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("negative limit: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 1, Fields: []string{"nope"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown field: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 1, Fields: []string{"secret"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("hidden field: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 1, Fields: []string{"name.first"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("descending into a scalar: %v", err)
	}
	_, err = co.Compile(Request{Table: "user", Page: 1, Meta: "rowCount"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown meta field: %v", err)
	}
}

func TestCompileMetaSpec(t *testing.T) {
	qc := compile(t, Request{Table: "user", Meta: "totalCount"})
	if !qc.Meta.Total || qc.Meta.Filter {
		t.Fatalf("meta = %+v", qc.Meta)
	}
	qc = compile(t, Request{Table: "user", Meta: "*"})
	if !qc.Meta.Total || !qc.Meta.Filter {
		t.Fatalf("meta = %+v", qc.Meta)
	}
}

func TestCompileNeedPK(t *testing.T) {
	qc := compile(t, Request{Table: "user", Fields: []string{"name"}, NeedPK: true})
	if !qc.PKHidden {
		t.Fatal("pk must be added hidden")
	}
	if got := fieldNames(qc.Fields); !reflect.DeepEqual(got, []string{"name", "id"}) {
		t.Fatalf("fields = %v", got)
	}

	qc = compile(t, Request{Table: "user", Fields: []string{"id", "name"}, NeedPK: true})
	if qc.PKHidden {
		t.Fatal("requested pk must not be flagged hidden")
	}
}

func TestCompileDeterministic(t *testing.T) {
	req := Request{
		Table:  "user",
		Fields: []string{"id", "name", "posts.id", "company.name", "profile.bio"},
		Filter: map[string]any{
			"active": map[string]any{"_eq": true},
			"name":   map[string]any{"_contains": "a"},
		},
		Sort: []string{"-createdAt"},
		Page: 1,
	}
	a := compile(t, req)
	b := compile(t, req)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical requests must compile to identical plans")
	}
}
