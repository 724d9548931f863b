package mongodriver

import (
	"encoding/json"
	"fmt"
)

// Operation names carried in the "op" field of the envelope.
const (
	OpAggregate  = "aggregate"
	OpFind       = "find"
	OpCount      = "count"
	OpInsertOne  = "insertOne"
	OpInsertMany = "insertMany"
	OpUpdateOne  = "updateOne"
	OpDeleteOne  = "deleteOne"
	OpDeleteMany = "deleteMany"
)

// QueryDSL is one decoded operation envelope. Values travel inside the
// envelope itself; the statement carries no parameter slots.
type QueryDSL struct {
	Collection string           `json:"collection"`
	Operation  string           `json:"op"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Projection map[string]any   `json:"projection,omitempty"`
	Document   map[string]any   `json:"document,omitempty"`
	Documents  []map[string]any `json:"documents,omitempty"`
	Set        map[string]any   `json:"set,omitempty"`
}

// ParseQuery decodes a JSON operation envelope.
func ParseQuery(query string) (*QueryDSL, error) {
	var q QueryDSL
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return nil, fmt.Errorf("mongodriver: parse query: %w", err)
	}
	if q.Operation == "" {
		return nil, fmt.Errorf("mongodriver: query is missing the op field")
	}
	if q.Collection == "" {
		return nil, fmt.Errorf("mongodriver: query is missing the collection field")
	}
	return &q, nil
}
