package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// headlines names the field shown first for each kind.
var headlines = map[types.Kind]string{
	types.KindTask:           "title",
	types.KindEvent:          "title",
	types.KindGoal:           "title",
	types.KindHabit:          "name",
	types.KindHabitEntry:     "date",
	types.KindNote:           "title",
	types.KindHealthEntry:    "type",
	types.KindExpense:        "description",
	types.KindBudget:         "category",
	types.KindCategory:       "name",
	types.KindUserPreference: "key",
}

func (a *app) printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return sysError(fmt.Errorf("marshal JSON: %w", err))
	}
	fmt.Fprintln(a.out, string(out))
	return nil
}

// printRecords writes records as a JSON array or as an aligned table.
func (a *app) printRecords(kind types.Kind, records []types.Record) error {
	if a.jsonMode {
		return a.printJSON(records)
	}
	if len(records) == 0 {
		fmt.Fprintf(a.out, "No %s records\n", kind)
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, headline(rec), details(rec))
	}
	return w.Flush()
}

func headline(rec types.Record) string {
	name := headlines[rec.Kind]
	if v, ok := rec.Fields[name]; ok && v != nil {
		return formatValue(v)
	}
	return "-"
}

// details renders the remaining fields. Tasks get a fixed summary built
// from the typed struct.
func details(rec types.Record) string {
	if rec.Kind == types.KindTask {
		var task types.Task
		if err := types.DecodeRecord(rec, &task); err == nil {
			return taskSummary(task)
		}
	}
	skip := headlines[rec.Kind]
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		if name != skip {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+formatValue(rec.Fields[name]))
	}
	return strings.Join(parts, " ")
}

func taskSummary(t types.Task) string {
	parts := []string{"[" + t.Status + "]"}
	if t.Priority != "" {
		parts = append(parts, t.Priority)
	}
	if t.DueDate != nil {
		parts = append(parts, "due "+t.DueDate.Format(types.DateLayout))
	}
	if t.Category != "" {
		parts = append(parts, "#"+t.Category)
	}
	if len(t.Tags) > 0 {
		parts = append(parts, "tags="+strings.Join(t.Tags, ","))
	}
	if t.ParentTaskID != "" {
		parts = append(parts, "parent="+t.ParentTaskID)
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
