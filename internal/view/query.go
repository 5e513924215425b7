// Package view derives filtered, sorted, read-only record lists from record
// store snapshots. Projecting never writes to the store or the network.
package view

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// All is the filter value that matches every record.
const All = "ALL"

// SortKey selects the order of a projection.
type SortKey string

// Supported orders. SortNone keeps snapshot order.
const (
	SortNone     SortKey = ""
	SortDueDate  SortKey = "due"
	SortPriority SortKey = "priority"
	SortCreated  SortKey = "created"
)

// ErrInvalidQuery is matched by every query compilation and evaluation
// error.
var ErrInvalidQuery = errors.New("invalid query")

// ParseSort resolves a sort name. "dueDate" and "createdAt" are accepted as
// aliases.
func ParseSort(name string) (SortKey, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return SortNone, nil
	case "due", "duedate":
		return SortDueDate, nil
	case "priority":
		return SortPriority, nil
	case "created", "createdat":
		return SortCreated, nil
	}
	return SortNone, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, name)
}

// Filter is a field equality test. Value ALL or "" disables it.
type Filter struct {
	Field string
	Value string
}

// Query describes a projection.
type Query struct {
	Filters []Filter

	// Where is an optional boolean expression over the record's fields and
	// id, createdAt and updatedAt, for example
	// `priority in ["HIGH", "URGENT"] && !isRecurring`. Absent fields are nil.
	Where string

	Sort SortKey
}

// QueryError reports a Where expression that failed to compile or run.
type QueryError struct {
	Expression string
	RecordID   string
	Err        error
}

func (e *QueryError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: %q on record %s: %v", ErrInvalidQuery, e.Expression, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s: %q: %v", ErrInvalidQuery, e.Expression, e.Err)
}

// Unwrap returns the underlying cause.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvalidQuery.
func (e *QueryError) Is(target error) bool {
	return target == ErrInvalidQuery
}

// Compiled is a query ready to apply to many snapshots.
type Compiled struct {
	query   Query
	program *vm.Program
}

// Compile checks the query and compiles its Where expression.
func Compile(q Query) (*Compiled, error) {
	switch q.Sort {
	case SortNone, SortDueDate, SortPriority, SortCreated:
	default:
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, q.Sort)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return nil, fmt.Errorf("%w: filter without a field", ErrInvalidQuery)
		}
	}
	c := &Compiled{query: q}
	if strings.TrimSpace(q.Where) != "" {
		program, err := expr.Compile(q.Where,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, &QueryError{Expression: q.Where, Err: err}
		}
		c.program = program
	}
	return c, nil
}

// Project is Compile followed by Apply.
func Project(snapshot []types.Record, q Query) ([]types.Record, error) {
	c, err := Compile(q)
	if err != nil {
		return nil, err
	}
	return c.Apply(snapshot)
}

// Apply filters and sorts a copy of snapshot. Sorting is stable: ties keep
// snapshot order.
func (c *Compiled) Apply(snapshot []types.Record) ([]types.Record, error) {
	out := make([]types.Record, 0, len(snapshot))
	for _, rec := range snapshot {
		if !c.matchFilters(rec) {
			continue
		}
		if c.program != nil {
			ok, err := c.eval(rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, rec.Clone())
	}

	switch c.query.Sort {
	case SortDueDate:
		sort.SliceStable(out, func(i, j int) bool {
			a, aok := DueDate(out[i])
			b, bok := DueDate(out[j])
			switch {
			case aok && bok:
				return a.Before(b)
			case aok:
				return true
			default:
				return false
			}
		})
	case SortPriority:
		sort.SliceStable(out, func(i, j int) bool {
			return PriorityWeight(out[i]) > PriorityWeight(out[j])
		})
	case SortCreated:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	return out, nil
}

func (c *Compiled) matchFilters(rec types.Record) bool {
	for _, f := range c.query.Filters {
		if f.Value == "" || f.Value == All {
			continue
		}
		v, ok := rec.Get(f.Field)
		if !ok || formatValue(v) != f.Value {
			return false
		}
	}
	return true
}

func (c *Compiled) eval(rec types.Record) (bool, error) {
	env := make(map[string]any, len(rec.Fields)+3)
	for k, v := range rec.Fields {
		if list, ok := v.([]string); ok {
			items := make([]any, len(list))
			for i, s := range list {
				items[i] = s
			}
			v = items
		}
		env[k] = v
	}
	// Unset schema fields read as their zero value so `!isRecurring` and
	// `"home" in tags` work on sparse records.
	if schema, err := types.SchemaFor(rec.Kind); err == nil {
		for _, f := range schema.Fields {
			if _, ok := env[f.Name]; ok {
				continue
			}
			switch f.Type {
			case types.FieldBool:
				env[f.Name] = false
			case types.FieldStringList:
				env[f.Name] = []any{}
			default:
				env[f.Name] = nil
			}
		}
	}
	env[types.FieldNameID] = rec.ID
	env[types.FieldNameCreatedAt] = rec.CreatedAt
	env[types.FieldNameUpdatedAt] = rec.UpdatedAt

	result, err := expr.Run(c.program, env)
	if err != nil {
		return false, &QueryError{Expression: c.query.Where, RecordID: rec.ID, Err: err}
	}
	ok, _ := result.(bool)
	return ok, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}

// priorityWeights orders priorities for SortPriority. Unknown or missing
// priorities weigh 0.
var priorityWeights = map[string]int{
	types.PriorityUrgent: 4,
	types.PriorityHigh:   3,
	types.PriorityMedium: 2,
	types.PriorityLow:    1,
}

// PriorityWeight returns the sort weight of the record's priority.
func PriorityWeight(rec types.Record) int {
	return priorityWeights[rec.Fields.Text("priority")]
}

// dueFields names the field each kind sorts on for SortDueDate.
var dueFields = map[types.Kind]string{
	types.KindTask:        "dueDate",
	types.KindGoal:        "targetDate",
	types.KindEvent:       "startDate",
	types.KindHabitEntry:  "date",
	types.KindHealthEntry: "date",
	types.KindExpense:     "date",
	types.KindBudget:      "month",
}

// DueDate returns the date the record sorts on for SortDueDate.
func DueDate(rec types.Record) (time.Time, bool) {
	name, ok := dueFields[rec.Kind]
	if !ok {
		return time.Time{}, false
	}
	switch v := rec.Fields[name].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, types.DateLayout, types.MonthLayout} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
