package mongodriver

import (
	"database/sql/driver"
	"io"
)

// Rows hands one pre-encoded value back through database/sql.
type Rows struct {
	columns []string
	value   []byte
	done    bool
}

// NewSingleValueRows returns a one-row, one-column result set.
func NewSingleValueRows(value []byte, columns []string) *Rows {
	return &Rows{columns: columns, value: value}
}

// Columns returns the column names.
func (r *Rows) Columns() []string {
	return r.columns
}

// Close closes the rows iterator.
func (r *Rows) Close() error {
	return nil
}

// Next copies the value into dest on the first call and reports io.EOF
// afterwards.
func (r *Rows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.value
	return nil
}
