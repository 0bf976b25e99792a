package staging

import (
	"database/sql"
	"fmt"
	"iter"
)

// RowStream is a forward-only cursor over a store's rows. It is not safe for
// concurrent use and cannot be restarted.
type RowStream struct {
	rows   *sql.Rows
	cols   []string
	cur    Record
	err    error
	closed bool
}

// Next advances to the next row. It returns false once the rows are
// exhausted or an error occurs, releasing the cursor in both cases.
func (r *RowStream) Next() bool {
	if r.closed {
		return false
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.err = fmt.Errorf("staging: stream: %w", err)
		}
		r.Close()
		return false
	}

	rec, err := scanRecord(r.rows, r.cols)
	if err != nil {
		r.err = err
		r.Close()
		return false
	}
	r.cur = rec
	return true
}

// Record returns the row loaded by the last call to Next.
func (r *RowStream) Record() Record {
	return r.cur
}

// Err returns the error that stopped the stream, if any.
func (r *RowStream) Err() error {
	return r.err
}

// Close releases the cursor. It is safe to call more than once.
func (r *RowStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur = nil
	return r.rows.Close()
}

// All yields every remaining row. A read error is yielded once as the final
// pair. The stream is closed when the loop ends, including on break.
func (r *RowStream) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		defer r.Close()
		for r.Next() {
			if !yield(r.cur, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}
