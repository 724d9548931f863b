package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttachOne(t *testing.T) {
	row := Record{}
	attachOne(row, "author", []Record{{"id": 1}, {"id": 2}}, true)
	assert.Equal(t, Record{"id": 1}, row["author"])

	attachOne(row, "author", nil, true)
	v, present := row["author"]
	assert.True(t, present)
	assert.Nil(t, v)

	attachOne(row, "posts", []Record{{"id": 1}}, false)
	assert.Equal(t, []Record{{"id": 1}}, row["posts"])

	// A plural relation never attaches nil, always the empty set.
	attachOne(row, "posts", nil, false)
	assert.Equal(t, []Record{}, row["posts"])
}

func TestAttachEmpty(t *testing.T) {
	rows := []Record{{"id": 1}, {"id": 2}}
	attachEmpty(rows, "tags", false)
	for _, row := range rows {
		assert.Equal(t, []Record{}, row["tags"])
	}

	attachEmpty(rows, "profile", true)
	for _, row := range rows {
		v, present := row["profile"]
		assert.True(t, present)
		assert.Nil(t, v)
	}
}

func TestZeroMeta(t *testing.T) {
	m := zeroMeta("totalCount, filterCount", "id", int64(4))
	assert.Equal(t, Meta{"id": int64(4), "totalCount": int64(0), "filterCount": int64(0)}, m)

	m = zeroMeta("*", "id", 9)
	assert.Equal(t, Meta{"id": 9, "totalCount": int64(0), "filterCount": int64(0)}, m)

	m = zeroMeta("filterCount", "uuid", "a")
	assert.Equal(t, Meta{"uuid": "a", "filterCount": int64(0)}, m)
}
