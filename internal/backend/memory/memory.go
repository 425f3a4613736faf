// Package memory is an in-process implementation of the backend used for
// local development and tests. It runs the same named procedures as the
// Postgres schema and delivers change events synchronously after each write.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
)

// Procedure is a named server-side operation. It runs atomically while the
// backend is locked.
type Procedure func(ctx context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error)

type subscriber struct {
	sub backend.Subscription
	fn  func(backend.Event)
}

type Backend struct {
	mu       sync.Mutex
	tables   map[string][]backend.Row
	procs    map[string]Procedure
	subs     map[int]*subscriber
	nextSub  int
	calls    map[string]int
	failures map[string]error
	now      func() time.Time
}

var _ backend.Realtime = (*Backend)(nil)

func New() *Backend {
	b := &Backend{
		tables:   make(map[string][]backend.Row),
		procs:    make(map[string]Procedure),
		subs:     make(map[int]*subscriber),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		now:      func() time.Time { return time.Now().UTC() },
	}
	registerProcedures(b)
	return b
}

// As returns a client acting as userID.
func (b *Backend) As(userID uuid.UUID) *Client {
	return &Client{b: b, caller: userID}
}

// SetClock replaces the time source used for generated timestamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Register adds or replaces a named procedure.
func (b *Backend) Register(name string, p Procedure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.procs[name] = p
}

// Seed stores records without emitting change events. Records may be Rows
// or any json-encodable struct.
func (b *Backend) Seed(table string, records ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		row, err := toRow(rec)
		if err != nil {
			return err
		}
		b.tables[table] = append(b.tables[table], row)
	}
	return nil
}

// Rows returns a copy of every row in table.
func (b *Backend) Rows(table string) []backend.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Row, 0, len(b.tables[table]))
	for _, row := range b.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

// Calls returns how many times op ran, e.g. "rpc:send_dm_message" or
// "select:channels".
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls counts every query, write and procedure call.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// Fail makes op return err until cleared with a nil err.
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Subscriptions returns the number of live realtime registrations.
func (b *Backend) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Backend) Subscribe(_ context.Context, sub backend.Subscription, fn func(backend.Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failures["subscribe:"+sub.Table]; err != nil {
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{sub: sub, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Emit delivers ev to matching subscribers without touching stored rows.
// Tests use it to replay or duplicate events.
func (b *Backend) Emit(ev backend.Event) {
	b.dispatch([]backend.Event{ev})
}

func (b *Backend) dispatch(events []backend.Event) {
	for _, ev := range events {
		b.mu.Lock()
		ids := make([]int, 0, len(b.subs))
		for id := range b.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		targets := make([]*subscriber, 0, len(ids))
		for _, id := range ids {
			if s := b.subs[id]; s.sub.Matches(ev) {
				targets = append(targets, s)
			}
		}
		b.mu.Unlock()

		for _, s := range targets {
			s.fn(ev)
		}
	}
}

// run executes fn as one atomic unit and dispatches the events it produced
// once the lock is released.
func (b *Backend) run(op string, fn func(tx *Tx) error) error {
	b.mu.Lock()
	b.calls[op]++
	if err := b.failures[op]; err != nil {
		b.mu.Unlock()
		return err
	}
	tx := &Tx{b: b}
	err := fn(tx)
	if err != nil {
		tx.rollback()
		b.mu.Unlock()
		return err
	}
	events := tx.events
	b.mu.Unlock()

	b.dispatch(events)
	return nil
}

func toRow(rec any) (backend.Row, error) {
	if row, ok := rec.(backend.Row); ok {
		return normalizeRow(row), nil
	}
	return backend.ToRow(rec)
}

func normalizeRow(row backend.Row) backend.Row {
	out := make(backend.Row, len(row))
	for k, v := range row {
		out[k] = backend.Normalize(v)
	}
	return out
}

func copyRow(row backend.Row) backend.Row {
	if row == nil {
		return nil
	}
	out := make(backend.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Client is a backend.Client acting as one user. Its reads and writes are
// subject to the same row-level policies as the Postgres schema.
type Client struct {
	b      *Backend
	caller uuid.UUID
}

var _ backend.Client = (*Client)(nil)

func (c *Client) Select(_ context.Context, q backend.Query) ([]backend.Row, error) {
	var rows []backend.Row
	err := c.b.run("select:"+q.Table, func(tx *Tx) error {
		rows = tx.restrict(c.caller).Select(q)
		return nil
	})
	return rows, err
}

func (c *Client) Insert(_ context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	var out []backend.Row
	err := c.b.run("insert:"+table, func(tx *Tx) error {
		tx.restrict(c.caller)
		for _, row := range rows {
			if !tx.insertable(table, normalizeRow(row)) {
				return denied(table)
			}
			out = append(out, tx.Insert(table, row))
		}
		return nil
	})
	return out, err
}

func (c *Client) Update(_ context.Context, table string, patch backend.Row, filters ...backend.Filter) ([]backend.Row, error) {
	var out []backend.Row
	err := c.b.run("update:"+table, func(tx *Tx) error {
		out = tx.restrict(c.caller).Update(table, patch, filters...)
		return nil
	})
	return out, err
}

func (c *Client) Delete(_ context.Context, table string, filters ...backend.Filter) error {
	return c.b.run("delete:"+table, func(tx *Tx) error {
		tx.restrict(c.caller).Delete(table, filters...)
		return nil
	})
}

func (c *Client) RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	var result any
	err := c.b.run("rpc:"+fn, func(tx *Tx) error {
		proc, ok := c.b.procs[fn]
		if !ok {
			return &backend.Error{Code: backend.CodeUndefinedFunction, Message: fmt.Sprintf("function %s does not exist", fn)}
		}
		normalized := make(map[string]any, len(args))
		for k, v := range args {
			normalized[k] = backend.Normalize(v)
		}
		var err error
		result, err = proc(ctx, tx, c.caller, normalized)
		return err
	})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(backend.Normalize(result))
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", fn, err)
	}
	return data, nil
}
