package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/enfyra/server-sub006/core"
)

// schemaCmd creates the schema command
func schemaCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "schema [table]",
		Short: "Print the table metadata the engine is running with",
		Args:  cobra.MaximumNArgs(1),
		Run:   cmdSchema,
	}
	c.Flags().String("format", "text", "output format: text or json")
	return c
}

// cmdSchema is the handler for the schema command
func cmdSchema(cmd *cobra.Command, args []string) {
	initService()

	ctx := context.Background()
	var tables []*core.Table

	if len(args) == 1 {
		tbl, err := svc.Engine().GetTableSchema(ctx, args[0])
		if err != nil {
			log.Fatalf("%s", err)
		}
		tables = []*core.Table{tbl}
	} else {
		var err error
		if tables, err = svc.Engine().GetTables(ctx); err != nil {
			log.Fatalf("%s", err)
		}
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		out, err := json.MarshalIndent(tables, "", "  ")
		if err != nil {
			log.Fatalf("encode schema: %s", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
	case "text":
		fmt.Fprint(os.Stdout, formatTables(tables))
	default:
		log.Fatalf("unknown format %q: use text or json", format)
	}
}

// formatTables renders the metadata as an aligned text listing.
func formatTables(tables []*core.Table) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	for i, t := range tables {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", t.Name)

		for _, col := range t.Columns {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", col.Name, col.Type, columnFlags(&col))
		}
		for i := range t.Relations {
			rel := &t.Relations[i]
			fmt.Fprintf(w, "  %s\t-> %s\t%s\n", rel.PropertyName, rel.TargetTable, relationDetail(rel))
		}
	}

	w.Flush() //nolint:errcheck
	return sb.String()
}

func columnFlags(col *core.Column) string {
	var flags []string
	if col.Primary {
		flags = append(flags, "primary")
	}
	if col.Generated {
		flags = append(flags, "generated")
	}
	if col.Nullable {
		flags = append(flags, "nullable")
	}
	if col.Hidden {
		flags = append(flags, "hidden")
	}
	if col.System {
		flags = append(flags, "system")
	}
	if !col.Updatable && !col.Primary && !col.Generated {
		flags = append(flags, "read-only")
	}
	if len(col.Options) > 0 {
		flags = append(flags, "("+strings.Join(col.Options, "|")+")")
	}
	return strings.Join(flags, " ")
}

func relationDetail(rel *core.Relation) string {
	parts := []string{string(rel.Type)}
	if rel.ForeignKeyColumn != "" {
		parts = append(parts, "fk "+rel.ForeignKeyColumn)
	}
	if rel.JunctionTable != "" {
		parts = append(parts, "via "+rel.JunctionTable)
	}
	if rel.OnDelete != "" {
		parts = append(parts, "onDelete "+rel.OnDelete)
	}
	return strings.Join(parts, ", ")
}
