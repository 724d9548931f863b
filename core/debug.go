package core

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Debug carries the per-request trace returned when debugMode is set.
type Debug struct {
	TraceID string       `json:"traceId"`
	Queries []DebugQuery `json:"queries"`

	mu sync.Mutex
}

// DebugQuery is one executed statement. Bindings is the number of bound
// values; the values themselves stay out of the trace.
type DebugQuery struct {
	Purpose  string        `json:"purpose"`
	Query    string        `json:"query"`
	Bindings int           `json:"bindings"`
	Elapsed  time.Duration `json:"elapsedNs"`
}

func newDebug() *Debug {
	return &Debug{TraceID: xid.New().String()}
}

// record appends one statement to the trace. Deep resolution records
// from several goroutines at once.
func (d *Debug) record(purpose, query string, bindings int, start time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.Queries = append(d.Queries, DebugQuery{
		Purpose:  purpose,
		Query:    query,
		Bindings: bindings,
		Elapsed:  time.Since(start),
	})
	d.mu.Unlock()
}
