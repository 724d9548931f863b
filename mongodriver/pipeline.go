package mongodriver

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// encodeStage converts one decoded pipeline stage into a BSON document.
// $sort_ordered stages carry their fields as [field, direction] pairs
// because JSON objects cannot hold order; they become ordered $sort
// documents here.
func encodeStage(stage map[string]any) bson.M {
	if raw, ok := stage["$sort_ordered"]; ok && len(stage) == 1 {
		if s, ok := sortStage(raw); ok {
			return s
		}
	}
	return encodeDoc(stage)
}

// sortStage builds an ordered $sort document from [field, direction] pairs.
func sortStage(v any) (bson.M, bool) {
	pairs, ok := v.([]any)
	if !ok {
		return nil, false
	}

	d := make(bson.D, 0, len(pairs))
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		field, ok := pair[0].(string)
		if !ok {
			return nil, false
		}
		dir := 1
		switch n := pair[1].(type) {
		case float64:
			if n < 0 {
				dir = -1
			}
		case int:
			if n < 0 {
				dir = -1
			}
		}
		d = append(d, bson.E{Key: field, Value: dir})
	}

	return bson.M{"$sort": d}, true
}

// encodeDoc converts a decoded JSON document into BSON driver types.
func encodeDoc(doc map[string]any) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = encodeValue(k, v)
	}
	return out
}

// encodeValue rewrites JSON values for the server: extended JSON dates
// become time.Time, hex strings under id fields become ObjectIDs, and
// nested $lookup pipelines get the stage treatment. Operator keys keep
// the enclosing field's context so {"authorId":{"$in":[…]}} converts its
// list members.
func encodeValue(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		if ts, ok := extJSONDate(t); ok {
			return ts
		}
		out := make(bson.M, len(t))
		for k, iv := range t {
			if k == "pipeline" {
				if stages, ok := iv.([]any); ok {
					conv := make(bson.A, len(stages))
					for i, s := range stages {
						if m, ok := s.(map[string]any); ok {
							conv[i] = encodeStage(m)
						} else {
							conv[i] = encodeValue(k, s)
						}
					}
					out[k] = conv
					continue
				}
			}
			if strings.HasPrefix(k, "$") {
				out[k] = encodeValue(key, iv)
			} else {
				out[k] = encodeValue(k, iv)
			}
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = encodeValue(key, e)
		}
		return out
	case string:
		if isIDKey(key) {
			if oid, err := bson.ObjectIDFromHex(t); err == nil {
				return oid
			}
		}
		return t
	default:
		return v
	}
}

// extJSONDate unwraps the {"$date": RFC 3339} extended JSON form.
func extJSONDate(doc map[string]any) (time.Time, bool) {
	if len(doc) != 1 {
		return time.Time{}, false
	}
	raw, ok := doc["$date"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// isIDKey reports whether a field holds document ids. _id and foreign key
// columns named with the Id suffix store ObjectIDs, so hex strings aimed
// at them convert before the server compares types.
func isIDKey(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	return key == "_id" || (len(key) > 2 && strings.HasSuffix(key, "Id"))
}

// decodeValue rewrites driver types into plain JSON values: ObjectIDs to
// hex, BSON datetimes to RFC 3339 UTC, ordered documents to maps.
func decodeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		for k, iv := range t {
			t[k] = decodeValue(iv)
		}
		return t
	case map[string]any:
		for k, iv := range t {
			t[k] = decodeValue(iv)
		}
		return t
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = decodeValue(e.Value)
		}
		return out
	case bson.A:
		for i, e := range t {
			t[i] = decodeValue(e)
		}
		return []any(t)
	case []any:
		for i, e := range t {
			t[i] = decodeValue(e)
		}
		return t
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// executeAggregate runs an aggregation pipeline and returns the documents
// as one JSON array value.
func (c *Conn) executeAggregate(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	pipeline := make(bson.A, len(q.Pipeline))
	for i, stage := range q.Pipeline {
		pipeline[i] = encodeStage(stage)
	}

	coll := c.db.Collection(q.Collection)
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: aggregate on %s: %w", q.Collection, err)
	}

	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		cursor.Close(ctx)
		return nil, fmt.Errorf("mongodriver: aggregate results on %s: %w", q.Collection, err)
	}
	cursor.Close(ctx)

	return marshalDocs(results)
}

// executeFind runs a plain find with an optional projection.
func (c *Conn) executeFind(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	filter := bson.M{}
	if q.Filter != nil {
		filter = encodeDoc(q.Filter)
	}

	findOpts := options.Find()
	if q.Projection != nil {
		findOpts.SetProjection(encodeDoc(q.Projection))
	}

	coll := c.db.Collection(q.Collection)
	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: find on %s: %w", q.Collection, err)
	}

	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		cursor.Close(ctx)
		return nil, fmt.Errorf("mongodriver: find results on %s: %w", q.Collection, err)
	}
	cursor.Close(ctx)

	return marshalDocs(results)
}

// executeCount counts matching documents and returns the number as a
// single scannable value.
func (c *Conn) executeCount(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	filter := bson.M{}
	if q.Filter != nil {
		filter = encodeDoc(q.Filter)
	}

	n, err := c.db.Collection(q.Collection).CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: count on %s: %w", q.Collection, err)
	}

	return NewSingleValueRows([]byte(strconv.FormatInt(n, 10)), []string{"count"}), nil
}

// marshalDocs decodes driver values and wraps the documents as one JSON
// array row. An empty result set marshals to [] rather than null.
func marshalDocs(results []bson.M) (driver.Rows, error) {
	out := make([]any, len(results))
	for i, doc := range results {
		out[i] = decodeValue(doc)
	}

	jsonBytes, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: marshal results: %w", err)
	}

	return NewSingleValueRows(jsonBytes, []string{"__root"}), nil
}

// marshalDoc wraps a single document as one JSON object row.
func marshalDoc(doc bson.M) (driver.Rows, error) {
	jsonBytes, err := json.Marshal(decodeValue(doc))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: marshal result: %w", err)
	}

	return NewSingleValueRows(jsonBytes, []string{"__root"}), nil
}
