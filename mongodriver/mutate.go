package mongodriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// executeInsertOne inserts a single document.
func (c *Conn) executeInsertOne(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	if q.Document == nil {
		return nil, fmt.Errorf("mongodriver: insertOne requires document")
	}

	res, err := c.db.Collection(q.Collection).InsertOne(ctx, encodeDoc(q.Document))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: insertOne on %s: %w", q.Collection, err)
	}

	return &Result{lastInsertID: formatID(res.InsertedID), rowsAffected: 1}, nil
}

// executeInsertOneAsQuery inserts a document and returns the stored form,
// mirroring INSERT … RETURNING on the SQL side.
func (c *Conn) executeInsertOneAsQuery(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	if q.Document == nil {
		return nil, fmt.Errorf("mongodriver: insertOne requires document")
	}

	coll := c.db.Collection(q.Collection)
	res, err := coll.InsertOne(ctx, encodeDoc(q.Document))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: insertOne on %s: %w", q.Collection, err)
	}

	var doc bson.M
	if err := coll.FindOne(ctx, bson.M{"_id": res.InsertedID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return NewSingleValueRows([]byte("null"), []string{"__root"}), nil
		}
		return nil, fmt.Errorf("mongodriver: find after insert on %s: %w", q.Collection, err)
	}

	return marshalDoc(doc)
}

// executeInsertMany inserts multiple documents.
func (c *Conn) executeInsertMany(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	if len(q.Documents) == 0 {
		return nil, fmt.Errorf("mongodriver: insertMany requires documents")
	}

	docs := make([]any, len(q.Documents))
	for i, d := range q.Documents {
		docs[i] = encodeDoc(d)
	}

	res, err := c.db.Collection(q.Collection).InsertMany(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: insertMany on %s: %w", q.Collection, err)
	}

	return &Result{rowsAffected: int64(len(res.InsertedIDs))}, nil
}

// executeUpdateOne applies a $set to a single document.
func (c *Conn) executeUpdateOne(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	if q.Filter == nil || q.Set == nil {
		return nil, fmt.Errorf("mongodriver: updateOne requires filter and set")
	}

	res, err := c.db.Collection(q.Collection).UpdateOne(ctx, encodeDoc(q.Filter), bson.M{"$set": encodeDoc(q.Set)})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: updateOne on %s: %w", q.Collection, err)
	}

	return &Result{rowsAffected: res.MatchedCount}, nil
}

// executeUpdateOneAsQuery applies a $set and returns the updated document,
// or a null row when nothing matched.
func (c *Conn) executeUpdateOneAsQuery(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	if q.Filter == nil || q.Set == nil {
		return nil, fmt.Errorf("mongodriver: updateOne requires filter and set")
	}

	filter := encodeDoc(q.Filter)
	coll := c.db.Collection(q.Collection)

	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": encodeDoc(q.Set)})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: updateOne on %s: %w", q.Collection, err)
	}
	if res.MatchedCount == 0 {
		return NewSingleValueRows([]byte("null"), []string{"__root"}), nil
	}

	var doc bson.M
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return NewSingleValueRows([]byte("null"), []string{"__root"}), nil
		}
		return nil, fmt.Errorf("mongodriver: find after update on %s: %w", q.Collection, err)
	}

	return marshalDoc(doc)
}

// executeDeleteOne deletes a single document.
func (c *Conn) executeDeleteOne(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	if q.Filter == nil {
		return nil, fmt.Errorf("mongodriver: deleteOne requires filter")
	}

	res, err := c.db.Collection(q.Collection).DeleteOne(ctx, encodeDoc(q.Filter))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: deleteOne on %s: %w", q.Collection, err)
	}

	return &Result{rowsAffected: res.DeletedCount}, nil
}

// executeDeleteOneAsQuery reads the document, deletes it, and returns the
// prior form, or a null row when nothing matched.
func (c *Conn) executeDeleteOneAsQuery(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	if q.Filter == nil {
		return nil, fmt.Errorf("mongodriver: deleteOne requires filter")
	}

	filter := encodeDoc(q.Filter)
	coll := c.db.Collection(q.Collection)

	var doc bson.M
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return NewSingleValueRows([]byte("null"), []string{"__root"}), nil
		}
		return nil, fmt.Errorf("mongodriver: find before delete on %s: %w", q.Collection, err)
	}

	if _, err := coll.DeleteOne(ctx, filter); err != nil {
		return nil, fmt.Errorf("mongodriver: deleteOne on %s: %w", q.Collection, err)
	}

	return marshalDoc(doc)
}

// executeDeleteMany deletes all matching documents.
func (c *Conn) executeDeleteMany(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	if q.Filter == nil {
		return nil, fmt.Errorf("mongodriver: deleteMany requires filter")
	}

	res, err := c.db.Collection(q.Collection).DeleteMany(ctx, encodeDoc(q.Filter))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: deleteMany on %s: %w", q.Collection, err)
	}

	return &Result{rowsAffected: res.DeletedCount}, nil
}

// formatID renders an inserted id for Result. MongoDB ids are ObjectIDs or
// caller-chosen scalars, never integers.
func formatID(id any) string {
	switch v := id.(type) {
	case bson.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Result implements driver.Result.
type Result struct {
	lastInsertID string
	rowsAffected int64
}

// LastInsertId is unsupported; document ids are not integers.
func (r *Result) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("mongodriver: LastInsertId not supported, use string ID")
}

// RowsAffected returns the number of affected documents.
func (r *Result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// InsertedID returns the inserted document id as a string.
func (r *Result) InsertedID() string {
	return r.lastInsertID
}
