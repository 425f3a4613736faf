package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
)

// Tx is the view of the backend a single call works against. Writes made
// through it are rolled back when the call fails.
type Tx struct {
	b       *Backend
	events  []backend.Event
	backups map[string][]backend.Row

	caller  uuid.UUID
	secured bool
}

func (tx *Tx) Now() time.Time {
	return tx.b.now()
}

func (tx *Tx) touch(table string) {
	if tx.backups == nil {
		tx.backups = make(map[string][]backend.Row)
	}
	if _, ok := tx.backups[table]; ok {
		return
	}
	tx.backups[table] = append([]backend.Row(nil), tx.b.tables[table]...)
}

func (tx *Tx) rollback() {
	for table, rows := range tx.backups {
		tx.b.tables[table] = rows
	}
	tx.events = nil
}

func (tx *Tx) Select(q backend.Query) []backend.Row {
	var out []backend.Row
	for _, row := range tx.b.tables[q.Table] {
		if matchAll(row, q.Filters) && tx.visible(q.Table, row) {
			out = append(out, row)
		}
	}

	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				a, b := out[i][o.Column], out[j][o.Column]
				if (a == nil) != (b == nil) {
					return b == nil
				}
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	result := make([]backend.Row, 0, len(out))
	for _, row := range out {
		result = append(result, project(row, q.Columns))
	}
	return result
}

// Get returns the first row matching filters.
func (tx *Tx) Get(table string, filters ...backend.Filter) (backend.Row, bool) {
	rows := tx.Select(backend.Query{Table: table, Filters: filters, Limit: 1})
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

func (tx *Tx) Insert(table string, row backend.Row) backend.Row {
	tx.touch(table)
	rec := normalizeRow(row)
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.NewString()
	}
	if _, ok := rec["created_at"]; !ok {
		rec["created_at"] = backend.Normalize(tx.Now())
	}
	tx.b.tables[table] = append(tx.b.tables[table], rec)
	tx.events = append(tx.events, backend.Event{Type: backend.EventInsert, Table: table, New: copyRow(rec)})
	return copyRow(rec)
}

func (tx *Tx) Update(table string, patch backend.Row, filters ...backend.Filter) []backend.Row {
	tx.touch(table)
	var out []backend.Row
	rows := tx.b.tables[table]
	for i, row := range rows {
		if !matchAll(row, filters) || !tx.visible(table, row) {
			continue
		}
		next := copyRow(row)
		for k, v := range patch {
			next[k] = backend.Normalize(v)
		}
		rows[i] = next
		tx.events = append(tx.events, backend.Event{Type: backend.EventUpdate, Table: table, Old: copyRow(row), New: copyRow(next)})
		out = append(out, copyRow(next))
	}
	return out
}

func (tx *Tx) Delete(table string, filters ...backend.Filter) {
	tx.touch(table)
	rows := tx.b.tables[table]
	kept := make([]backend.Row, 0, len(rows))
	for _, row := range rows {
		if matchAll(row, filters) && tx.visible(table, row) {
			tx.events = append(tx.events, backend.Event{Type: backend.EventDelete, Table: table, Old: copyRow(row)})
			continue
		}
		kept = append(kept, row)
	}
	tx.b.tables[table] = kept
}

func matchAll(row backend.Row, filters []backend.Filter) bool {
	for _, f := range filters {
		if !backend.MatchFilter(row, f) {
			return false
		}
	}
	return true
}

func project(row backend.Row, columns []string) backend.Row {
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		return copyRow(row)
	}
	out := make(backend.Row, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

// compareValues orders two non-nil JSON values. Nil values are placed last
// by the caller regardless of direction, matching NULLS LAST.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		return strings.Compare(av, bv)
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv, ok := b.(bool)
		if !ok || av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	}
	return 0
}
