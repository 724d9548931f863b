package core

import (
	"fmt"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// mockRecords fabricates a page shaped exactly like the plan would
// return: every projected column typed per the metadata, inline
// relations included. Mock pages hold two rows so the grouping and
// attachment paths stay exercised.
func mockRecords(qc *qcode.QCode) []Record {
	n := 2
	if qc.Limit > 0 && qc.Limit < n {
		n = qc.Limit
	}
	rows := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, mockItem(qc.Fields, qc.Rels, i))
	}
	return rows
}

func mockItem(fields []qcode.Field, rels []*qcode.SelectRel, idx int) Record {
	item := make(Record, len(fields)+len(rels))
	for _, f := range fields {
		item[f.Col.Name] = mockColumnValue(f.Col, idx)
	}
	for _, sr := range rels {
		if sr.Strategy == qcode.StratPostFetch {
			continue
		}
		if sr.Singular {
			item[sr.Name] = map[string]any(mockItem(sr.Fields, sr.Rels, idx))
		} else {
			item[sr.Name] = []any{
				map[string]any(mockItem(sr.Fields, sr.Rels, 0)),
				map[string]any(mockItem(sr.Fields, sr.Rels, 1)),
			}
		}
	}
	return item
}

// mockChildren fabricates the deferred fetch: two children per parent,
// each carrying the parent key for grouping.
func mockChildren(sr *qcode.SelectRel, parents []any) []Record {
	out := make([]Record, 0, len(parents)*2)
	for _, p := range parents {
		for i := 0; i < 2; i++ {
			child := mockItem(sr.Fields, sr.Rels, i)
			child[qcode.ParentID] = p
			out = append(out, child)
		}
	}
	return out
}

// mockLinks fabricates junction links: targets 1 and 2 for every
// parent.
func mockLinks(j meta.Junction, parents []any) []Record {
	out := make([]Record, 0, len(parents)*2)
	for _, p := range parents {
		for i := 0; i < 2; i++ {
			out = append(out, Record{j.SourceColumn: p, j.TargetColumn: int64(i + 1)})
		}
	}
	return out
}

func mockColumnValue(col *meta.Column, idx int) any {
	switch col.Type {
	case meta.TypeInteger, meta.TypeBigInt:
		return int64(idx + 1)
	case meta.TypeDecimal, meta.TypeFloat:
		return 12.34 + float64(idx)
	case meta.TypeBoolean:
		return idx%2 == 0
	case meta.TypeJSON:
		return map[string]any{"mock_key": "mock_value"}
	case meta.TypeDate:
		return time.Now().UTC().Format("2006-01-02")
	case meta.TypeDateTime, meta.TypeTimestamp:
		return time.Now().UTC().Format(time.RFC3339)
	case meta.TypeUUID:
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", idx+1)
	case meta.TypeEnum:
		if len(col.Options) > 0 {
			return col.Options[idx%len(col.Options)]
		}
	}
	return fmt.Sprintf("mock_%s_%d", col.Name, idx+1)
}
