package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/enfyra/server-sub006/core"
)

// queryCmd creates the query command
func queryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "query <table>",
		Short: "Run a query request against the configured database",
		Long: `Run a declarative query request against the configured database and
print the result as JSON.

Examples:
  enfyra query posts --fields id,title --limit 5
  enfyra query posts --filter '{"published":{"_eq":true}}' --sort -createdAt
  enfyra query users --fields id,name --deep '{"posts":{"fields":"id,title","limit":3}}'
  enfyra query posts --meta totalCount,filterCount --debug`,
		Args: cobra.ExactArgs(1),
		Run:  cmdQuery,
	}

	c.Flags().String("fields", "", "comma-separated list of fields")
	c.Flags().String("filter", "", "filter as a JSON object")
	c.Flags().String("sort", "", "comma-separated sort fields, prefix with - for descending")
	c.Flags().Int("page", 0, "page number, starting at 1")
	c.Flags().Int("limit", -1, "page size, 0 for unbounded")
	c.Flags().String("meta", "", "meta counters: totalCount, filterCount or *")
	c.Flags().String("deep", "", "deep relation options as a JSON object")
	c.Flags().Bool("debug", false, "attach executed statements and timings")
	return c
}

// cmdQuery is the handler for the query command
func cmdQuery(cmd *cobra.Command, args []string) {
	initService()

	req, err := requestFromFlags(cmd, args[0])
	if err != nil {
		log.Fatalf("invalid request: %s", err)
	}

	res, err := svc.Engine().Find(context.Background(), req)
	if err != nil {
		log.Fatalf("query failed: %s", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("encode result: %s", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
}

// requestFromFlags assembles the request map from the command flags and
// decodes it the same way service callers do.
func requestFromFlags(cmd *cobra.Command, table string) (core.Request, error) {
	m := map[string]any{"tableName": table}

	if v, _ := cmd.Flags().GetString("fields"); v != "" {
		m["fields"] = v
	}
	if v, _ := cmd.Flags().GetString("sort"); v != "" {
		m["sort"] = v
	}
	if v, _ := cmd.Flags().GetString("meta"); v != "" {
		m["meta"] = v
	}
	if v, _ := cmd.Flags().GetInt("page"); v != 0 {
		m["page"] = v
	}
	if v, _ := cmd.Flags().GetInt("limit"); v >= 0 {
		m["limit"] = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		m["debugMode"] = true
	}

	if v, _ := cmd.Flags().GetString("filter"); v != "" {
		var filter map[string]any
		if err := json.Unmarshal([]byte(v), &filter); err != nil {
			return core.Request{}, fmt.Errorf("filter: %w", err)
		}
		m["filter"] = filter
	}
	if v, _ := cmd.Flags().GetString("deep"); v != "" {
		var deep map[string]any
		if err := json.Unmarshal([]byte(v), &deep); err != nil {
			return core.Request{}, fmt.Errorf("deep: %w", err)
		}
		m["deep"] = deep
	}

	return core.DecodeRequest(m)
}
