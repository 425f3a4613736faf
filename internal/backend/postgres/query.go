package postgres

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vedran77/portal/internal/backend"
)

var ErrEmptyPatch = errors.New("update patch is empty")

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sqlValue converts values pgx cannot encode for arbitrary column types.
func sqlValue(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case *uuid.UUID:
		if t == nil {
			return nil
		}
		return t.String()
	case map[string]any, []any:
		return backend.Normalize(t)
	}
	return v
}

func normalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = backend.Normalize(v)
	}
	return out
}

func sortedKeys(row backend.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type builder struct {
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, sqlValue(v))
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) where(filters []backend.Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		col := ident(f.Column)
		switch f.Op {
		case backend.OpEq:
			if f.Value == nil {
				parts = append(parts, col+" IS NULL")
				continue
			}
			parts = append(parts, col+" = "+b.bind(f.Value))
		case backend.OpNeq:
			parts = append(parts, col+" IS DISTINCT FROM "+b.bind(f.Value))
		case backend.OpIsNull:
			parts = append(parts, col+" IS NULL")
		case backend.OpIn:
			values, _ := f.Value.([]any)
			texts := make([]string, 0, len(values))
			for _, v := range values {
				texts = append(texts, fmt.Sprint(sqlValue(v)))
			}
			parts = append(parts, col+"::text = ANY("+b.bind(texts)+"::text[])")
		default:
			return "", fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func buildSelect(q backend.Query) (string, []any, error) {
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = ident(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var b builder
	where, err := b.where(q.Filters)
	if err != nil {
		return "", nil, err
	}

	var order string
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "ASC NULLS LAST"
			if o.Desc {
				dir = "DESC NULLS LAST"
			}
			parts[i] = ident(o.Column) + " " + dir
		}
		order = " ORDER BY " + strings.Join(parts, ", ")
	}

	var limit string
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	sql := fmt.Sprintf("SELECT to_jsonb(t) FROM (SELECT %s FROM %s%s%s%s) t", cols, ident(q.Table), where, order, limit)
	return sql, b.args, nil
}

func buildInsert(table string, row backend.Row) (string, []any) {
	keys := sortedKeys(row)
	if len(keys) == 0 {
		return fmt.Sprintf("INSERT INTO %s AS t DEFAULT VALUES RETURNING to_jsonb(t)", ident(table)), nil
	}

	var b builder
	cols := make([]string, len(keys))
	vals := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = ident(k)
		vals[i] = b.bind(row[k])
	}
	sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		ident(table), strings.Join(cols, ", "), strings.Join(vals, ", "))
	return sql, b.args
}

func buildUpdate(table string, patch backend.Row, filters []backend.Filter) (string, []any, error) {
	keys := sortedKeys(patch)
	if len(keys) == 0 {
		return "", nil, ErrEmptyPatch
	}

	var b builder
	sets := make([]string, len(keys))
	for i, k := range keys {
		sets[i] = ident(k) + " = " + b.bind(patch[k])
	}
	where, err := b.where(filters)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("UPDATE %s AS t SET %s%s RETURNING to_jsonb(t)", ident(table), strings.Join(sets, ", "), where)
	return sql, b.args, nil
}

func buildDelete(table string, filters []backend.Filter) (string, []any, error) {
	var b builder
	where, err := b.where(filters)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s%s", ident(table), where), b.args, nil
}
