package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/enfyra/server-sub006/core"
)

// seedCmd creates the seed command
func seedCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "seed [table...]",
		Short: "Insert generated rows into the configured database",
		Long: `Insert generated rows into the configured database. Values are
generated from the table metadata: enum columns pick one of their
options, owner relations point at previously seeded parent rows and
many-to-many relations link a few of them.

With no arguments every non-system table is seeded. Tables are ordered
so that relation targets are filled before the tables that reference
them.

Examples:
  enfyra seed
  enfyra seed users posts --count 25
  enfyra seed posts --rand-seed 42`,
		Run: cmdSeed,
	}
	c.Flags().Int("count", 10, "rows to insert per table")
	c.Flags().Int64("rand-seed", 0, "seed for the value generator, 0 for random")
	return c
}

// cmdSeed is the handler for the seed command
func cmdSeed(cmd *cobra.Command, args []string) {
	initService()

	count, _ := cmd.Flags().GetInt("count")
	randSeed, _ := cmd.Flags().GetInt64("rand-seed")

	ctx := context.Background()
	tables, err := svc.Engine().GetTables(ctx)
	if err != nil {
		log.Fatalf("%s", err)
	}

	picked, err := pickTables(tables, args)
	if err != nil {
		log.Fatalf("%s", err)
	}

	faker := gofakeit.New(randSeed)
	seeded := make(map[string][]any, len(picked))

	for _, t := range orderTables(picked) {
		for i := 0; i < count; i++ {
			values := seedValues(faker, t, seeded)
			row, err := svc.Engine().Insert(ctx, t.Name, values)
			if err != nil {
				log.Fatalf("seed %s: %s", t.Name, err)
			}
			if pk := t.PrimaryKey(); pk != nil {
				seeded[t.Name] = append(seeded[t.Name], row[pk.Name])
			}
		}
		log.Infof("seeded %d rows into %s", count, t.Name)
	}
}

// pickTables filters the metadata down to the requested tables, or all
// non-system tables when none were named.
func pickTables(tables []*core.Table, names []string) ([]*core.Table, error) {
	if len(names) == 0 {
		var out []*core.Table
		for _, t := range tables {
			if !t.System {
				out = append(out, t)
			}
		}
		return out, nil
	}

	byName := make(map[string]*core.Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	out := make([]*core.Table, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// orderTables sorts tables so that the targets of owner relations come
// before the tables that hold the foreign key. Cycles are broken by
// emitting whatever is left in the given order; their foreign keys stay
// null on the first pass.
func orderTables(tables []*core.Table) []*core.Table {
	picked := make(map[string]bool, len(tables))
	for _, t := range tables {
		picked[t.Name] = true
	}

	placed := make(map[string]bool, len(tables))
	out := make([]*core.Table, 0, len(tables))
	remaining := append([]*core.Table(nil), tables...)

	for len(remaining) > 0 {
		var next []*core.Table
		progressed := false

		for _, t := range remaining {
			ready := true
			for i := range t.Relations {
				rel := &t.Relations[i]
				if !rel.IsOwner() || rel.TargetTable == t.Name {
					continue
				}
				if picked[rel.TargetTable] && !placed[rel.TargetTable] {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, t)
				placed[t.Name] = true
				progressed = true
			} else {
				next = append(next, t)
			}
		}

		if !progressed {
			// cycle between the remaining tables
			out = append(out, next...)
			break
		}
		remaining = next
	}
	return out
}

// seedValues generates one row's payload from the column metadata. Owner
// relations point at a random already-seeded parent; many-to-many links
// up to three seeded targets.
func seedValues(faker *gofakeit.Faker, t *core.Table, seeded map[string][]any) map[string]any {
	values := make(map[string]any)

	for i := range t.Columns {
		col := &t.Columns[i]
		if col.Primary || col.Generated || col.System || col.Hidden {
			continue
		}
		if t.RelationForColumn(col.Name) != nil {
			continue
		}
		values[col.Name] = seedColumnValue(faker, col)
	}

	for i := range t.Relations {
		rel := &t.Relations[i]
		ids := seeded[rel.TargetTable]
		if len(ids) == 0 {
			continue
		}
		switch {
		case rel.IsOwner():
			values[rel.PropertyName] = ids[faker.Number(0, len(ids)-1)]
		case rel.Type == core.ManyToMany:
			n := faker.Number(1, 3)
			if n > len(ids) {
				n = len(ids)
			}
			order := seq(len(ids))
			faker.ShuffleInts(order)
			links := make([]any, 0, n)
			for _, j := range order[:n] {
				links = append(links, ids[j])
			}
			values[rel.PropertyName] = links
		}
	}
	return values
}

func seedColumnValue(faker *gofakeit.Faker, col *core.Column) any {
	// a few conventional names get plausible values
	switch strings.ToLower(col.Name) {
	case "email":
		return faker.Email()
	case "name", "username":
		return faker.Name()
	case "url", "website":
		return faker.URL()
	case "phone":
		return faker.Phone()
	}

	switch col.Type {
	case core.TypeInteger, core.TypeBigInt:
		return int64(faker.Number(1, 10000))
	case core.TypeDecimal, core.TypeFloat:
		return faker.Float64Range(0, 1000)
	case core.TypeBoolean:
		return faker.Bool()
	case core.TypeUUID:
		return faker.UUID()
	case core.TypeDate:
		return faker.Date().Format("2006-01-02")
	case core.TypeDateTime, core.TypeTimestamp:
		return faker.Date().UTC().Format(time.RFC3339)
	case core.TypeEnum:
		if len(col.Options) > 0 {
			return col.Options[faker.Number(0, len(col.Options)-1)]
		}
		return faker.Word()
	case core.TypeJSON:
		return map[string]any{faker.Word(): faker.Word()}
	case core.TypeVarchar:
		return faker.Word()
	default:
		return faker.Sentence(4)
	}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
