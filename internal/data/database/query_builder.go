// Package database builds parameterised SQL for list queries with sanitised identifiers.
package database

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType is a comparison operator allowed in a WHERE clause.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	GreaterThanOrEqual ConditionType = ">="
	LessThanOrEqual    ConditionType = "<="
	In                 ConditionType = "IN"

	defaultLimit  = -1
	defaultOffset = -1
)

// Condition is one predicate of a WHERE clause. Conditions are joined with AND.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

// WhereCond builds a Condition.
func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

// ListQueryOptions describes a SELECT over a single table.
type ListQueryOptions struct {
	Table      string
	Columns    []string
	CountOnly  bool
	Conditions []Condition
	OrderBy    string
	OrderDir   string
	Limit      int
	Offset     int
}

// ListQueryOption mutates ListQueryOptions.
type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions returns options for table with no limit or offset.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{
		Table:  table,
		Limit:  defaultLimit,
		Offset: defaultOffset,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

// WithCondition adds a condition. Conditions with an empty string value are skipped, which lets
// callers pass optional filters straight through.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		if s, ok := cond.Value.(string); ok && s == "" {
			return
		}
		o.Conditions = append(o.Conditions, cond)
	}
}

// WithOrderBy sets the ordering column and direction.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = column
		o.OrderDir = direction
	}
}

// WithLimit sets the limit. Accepts 0.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Accepts 0.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

// WithCountOnly turns the query into a COUNT(*).
func WithCountOnly() ListQueryOption {
	return func(o *ListQueryOptions) { o.CountOnly = true }
}

func sanitizeIdentifier(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

// BuildListQuery renders the SELECT statement and its positional arguments.
//
//	query, args := BuildListQuery(NewListQueryOptions("job_archive",
//		WithColumns("id", "snapshot"),
//		WithCondition(WhereCond("state", Equal, "failed")),
//		WithOrderBy("completed_at", "DESC"),
//		WithLimit(50),
//	))
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var q strings.Builder
	switch {
	case options.CountOnly:
		q.WriteString("SELECT COUNT(*)")
	case len(options.Columns) == 0:
		q.WriteString("SELECT *")
	default:
		cols := make([]string, len(options.Columns))
		for i, c := range options.Columns {
			cols[i] = sanitizeIdentifier(c)
		}
		q.WriteString("SELECT " + strings.Join(cols, ", "))
	}
	q.WriteString(" FROM " + sanitizeIdentifier(options.Table))

	var args []any
	var where []string
	for _, cond := range options.Conditions {
		clause, condArgs := buildCondition(cond, len(args)+1)
		if clause == "" {
			continue
		}
		where = append(where, clause)
		args = append(args, condArgs...)
	}
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if options.CountOnly {
		return q.String(), args
	}

	if options.OrderBy != "" {
		q.WriteString(" ORDER BY " + sanitizeIdentifier(options.OrderBy))
		if dir := strings.ToUpper(options.OrderDir); dir == "ASC" || dir == "DESC" {
			q.WriteString(" " + dir)
		}
	}
	if options.Limit != defaultLimit {
		args = append(args, options.Limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}
	if options.Offset != defaultOffset {
		args = append(args, options.Offset)
		fmt.Fprintf(&q, " OFFSET $%d", len(args))
	}
	return q.String(), args
}

func buildCondition(cond Condition, next int) (string, []any) {
	if cond.Field == "" {
		return "", nil
	}
	field := sanitizeIdentifier(cond.Field)
	switch cond.Type {
	case Equal, NotEqual, GreaterThan, LessThan, GreaterThanOrEqual, LessThanOrEqual:
		return fmt.Sprintf("%s %s $%d", field, cond.Type, next), []any{cond.Value}
	case In:
		values, ok := cond.Value.([]string)
		if !ok || len(values) == 0 {
			return "", nil
		}
		placeholders := make([]string, len(values))
		args := make([]any, len(values))
		for i, v := range values {
			placeholders[i] = fmt.Sprintf("$%d", next+i)
			args[i] = v
		}
		return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", ")), args
	}
	return "", nil
}
