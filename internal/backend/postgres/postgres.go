// Package postgres implements the backend on top of a Postgres database
// using pgx. Every call runs in its own transaction with the caller's id
// exposed to row-level policies and procedures as portal.user_id.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/backend"
)

// Connect opens a pool and verifies the database is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

type Backend struct {
	pool     *pgxpool.Pool
	listener *Listener
	log      zerolog.Logger
}

var _ backend.Realtime = (*Backend)(nil)

func New(pool *pgxpool.Pool, log zerolog.Logger) *Backend {
	return &Backend{
		pool:     pool,
		listener: NewListener(pool, log),
		log:      log,
	}
}

// Listener returns the change-feed listener. Its Run loop must be started
// for subscriptions to receive events.
func (b *Backend) Listener() *Listener {
	return b.listener
}

func (b *Backend) Subscribe(ctx context.Context, sub backend.Subscription, fn func(backend.Event)) (func(), error) {
	return b.listener.Subscribe(ctx, sub, fn)
}

// As returns a client acting as userID.
func (b *Backend) As(userID uuid.UUID) *Client {
	return &Client{pool: b.pool, caller: userID}
}

type Client struct {
	pool   *pgxpool.Pool
	caller uuid.UUID
}

var _ backend.Client = (*Client)(nil)

func (c *Client) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('portal.user_id', $1, true)", c.caller.String()); err != nil {
			return err
		}
		return fn(tx)
	})
	return translate(err)
}

func (c *Client) Select(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}

	var rows []backend.Row
	err = c.inTx(ctx, func(tx pgx.Tx) error {
		rows, err = queryRows(ctx, tx, sql, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", q.Table, err)
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	var out []backend.Row
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		for _, row := range rows {
			sql, args := buildInsert(table, row)
			inserted, err := queryRows(ctx, tx, sql, args...)
			if err != nil {
				return err
			}
			out = append(out, inserted...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", table, err)
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, table string, patch backend.Row, filters ...backend.Filter) ([]backend.Row, error) {
	sql, args, err := buildUpdate(table, patch, filters)
	if err != nil {
		return nil, err
	}

	var rows []backend.Row
	err = c.inTx(ctx, func(tx pgx.Tx) error {
		rows, err = queryRows(ctx, tx, sql, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", table, err)
	}
	return rows, nil
}

func (c *Client) Delete(ctx context.Context, table string, filters ...backend.Filter) error {
	sql, args, err := buildDelete(table, filters)
	if err != nil {
		return err
	}

	err = c.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

// RPC calls fn with its arguments packed into a single jsonb parameter.
func (c *Client) RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(normalizeArgs(args))
	if err != nil {
		return nil, fmt.Errorf("encoding %s args: %w", fn, err)
	}

	sql := fmt.Sprintf("SELECT to_jsonb(%s($1::jsonb))", pgx.Identifier{fn}.Sanitize())
	var result []byte
	err = c.inTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, sql, string(payload)).Scan(&result)
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", fn, err)
	}
	if result == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result), nil
}

func queryRows(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]backend.Row, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	out := make([]backend.Row, 0, len(raw))
	for _, data := range raw {
		var row backend.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// translate converts Postgres errors into backend errors carrying the
// SQLSTATE code.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &backend.Error{Code: pgErr.Code, Message: pgErr.Message}
	}
	return err
}
