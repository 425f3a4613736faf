// Package backend describes the hosted data service the realtime core runs
// against: relational queries, named procedures, row change feeds and the
// identity of the calling user.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client is the query and procedure surface. Row-level authorization happens
// behind it and is opaque to callers.
type Client interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filters ...Filter) error
	RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

// Realtime delivers row change events. The returned cancel func releases the
// registration; it is safe to call more than once.
type Realtime interface {
	Subscribe(ctx context.Context, sub Subscription, fn func(Event)) (cancel func(), err error)
}

// Caller answers "who is the current user".
type Caller interface {
	CurrentUserID(ctx context.Context) (uuid.UUID, error)
}

// StaticCaller is a Caller bound to one user id.
type StaticCaller uuid.UUID

func (c StaticCaller) CurrentUserID(context.Context) (uuid.UUID, error) {
	return uuid.UUID(c), nil
}

type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter  { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }
func IsNull(column string) Filter         { return Filter{Column: column, Op: OpIsNull} }

// In matches rows whose column equals any of values. An empty list matches nothing.
func In[T any](column string, values []T) Filter {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Filter{Column: column, Op: OpIn, Value: vals}
}

type Order struct {
	Column string
	Desc   bool
}

func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Desc: true} }

type Query struct {
	Table   string
	Columns []string // empty selects every column
	Filters []Filter
	Order   []Order
	Limit   int
}

// From starts a query against table.
func From(table string) Query {
	return Query{Table: table}
}

func (q Query) Select(columns ...string) Query {
	q.Columns = columns
	return q
}

func (q Query) Where(filters ...Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), filters...)
	return q
}

func (q Query) OrderBy(orders ...Order) Query {
	q.Order = append(append([]Order(nil), q.Order...), orders...)
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Row is a loosely typed record as returned by the backend. Values use the
// JSON data model (string, float64, bool, nil, []any, map[string]any).
type Row map[string]any

// Decode transcodes the row into a typed struct using its json tags.
func (r Row) Decode(dst any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}
	return nil
}

// ToRow transcodes a typed struct into a Row.
func ToRow(v any) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	return row, nil
}

// DecodeRows decodes every row into T.
func DecodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := row.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Normalize converts a Go value into the JSON data model so values coming
// from callers compare equal to values stored in rows.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case uuid.UUID:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
