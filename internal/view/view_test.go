package view

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

func day(s string) time.Time {
	t, err := time.Parse(types.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func taskRec(id string, fields types.Fields) types.Record {
	return types.Record{ID: id, Kind: types.KindTask, Fields: fields}
}

func ids(records []types.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestSortByDueDate(t *testing.T) {
	snapshot := []types.Record{
		taskRec("march", types.Fields{"title": "a", "dueDate": day("2024-03-01")}),
		taskRec("none", types.Fields{"title": "b"}),
		taskRec("january", types.Fields{"title": "c", "dueDate": day("2024-01-01")}),
	}
	got, err := Project(snapshot, Query{Sort: SortDueDate})
	require.NoError(t, err)
	assert.Equal(t, []string{"january", "march", "none"}, ids(got))
}

func TestSortByPriority(t *testing.T) {
	snapshot := []types.Record{
		taskRec("low", types.Fields{"priority": "LOW"}),
		taskRec("urgent", types.Fields{"priority": "URGENT"}),
		taskRec("medium", types.Fields{"priority": "MEDIUM"}),
	}
	got, err := Project(snapshot, Query{Sort: SortPriority})
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "medium", "low"}, ids(got))
}

func TestSortsAreStable(t *testing.T) {
	tests := []struct {
		name     string
		sort     SortKey
		snapshot []types.Record
		want     []string
	}{
		{
			name: "priority ties and unknowns",
			sort: SortPriority,
			snapshot: []types.Record{
				taskRec("none1", types.Fields{}),
				taskRec("high1", types.Fields{"priority": "HIGH"}),
				taskRec("bogus", types.Fields{"priority": "SOMEDAY"}),
				taskRec("high2", types.Fields{"priority": "HIGH"}),
				taskRec("none2", types.Fields{}),
			},
			want: []string{"high1", "high2", "none1", "bogus", "none2"},
		},
		{
			name: "due date ties and missing",
			sort: SortDueDate,
			snapshot: []types.Record{
				taskRec("m1", types.Fields{}),
				taskRec("d1", types.Fields{"dueDate": day("2024-02-02")}),
				taskRec("m2", types.Fields{}),
				taskRec("d2", types.Fields{"dueDate": day("2024-02-02")}),
			},
			want: []string{"d1", "d2", "m1", "m2"},
		},
		{
			name: "created descending",
			sort: SortCreated,
			snapshot: []types.Record{
				{ID: "old", Kind: types.KindNote, CreatedAt: day("2024-01-01")},
				{ID: "new", Kind: types.KindNote, CreatedAt: day("2024-06-01")},
				{ID: "old2", Kind: types.KindNote, CreatedAt: day("2024-01-01")},
			},
			want: []string{"new", "old", "old2"},
		},
		{
			name: "no sort keeps snapshot order",
			sort: SortNone,
			snapshot: []types.Record{
				taskRec("b", types.Fields{}),
				taskRec("a", types.Fields{}),
			},
			want: []string{"b", "a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Project(tt.snapshot, Query{Sort: tt.sort})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestDueDateByKind(t *testing.T) {
	tests := []struct {
		rec  types.Record
		want time.Time
		ok   bool
	}{
		{types.Record{Kind: types.KindGoal, Fields: types.Fields{"targetDate": day("2025-01-01")}}, day("2025-01-01"), true},
		{types.Record{Kind: types.KindEvent, Fields: types.Fields{"startDate": day("2025-02-01")}}, day("2025-02-01"), true},
		{types.Record{Kind: types.KindExpense, Fields: types.Fields{"date": "2025-03-04"}}, day("2025-03-04"), true},
		{types.Record{Kind: types.KindBudget, Fields: types.Fields{"month": "2025-04"}}, day("2025-04-01"), true},
		{types.Record{Kind: types.KindTask, Fields: types.Fields{"dueDate": "2025-05-01T00:00:00Z"}}, day("2025-05-01"), true},
		{types.Record{Kind: types.KindNote, Fields: types.Fields{"date": "2025-01-01"}}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.rec.Kind), func(t *testing.T) {
			got, ok := DueDate(tt.rec)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	snapshot := []types.Record{
		taskRec("todo", types.Fields{"status": "TODO", "isRecurring": true}),
		taskRec("done", types.Fields{"status": "COMPLETED"}),
		taskRec("todo2", types.Fields{"status": "TODO", "estimatedHours": 1.5}),
		taskRec("nostatus", types.Fields{}),
	}
	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{"status TODO", []Filter{{"status", "TODO"}}, []string{"todo", "todo2"}},
		{"status ALL", []Filter{{"status", All}}, []string{"todo", "done", "todo2", "nostatus"}},
		{"empty value", []Filter{{"status", ""}}, []string{"todo", "done", "todo2", "nostatus"}},
		{"bool field", []Filter{{"isRecurring", "true"}}, []string{"todo"}},
		{"float field", []Filter{{"estimatedHours", "1.5"}}, []string{"todo2"}},
		{"by id", []Filter{{"id", "done"}}, []string{"done"}},
		{"conjunction", []Filter{{"status", "TODO"}, {"isRecurring", "true"}}, []string{"todo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Project(snapshot, Query{Filters: tt.filters})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestWhereExpression(t *testing.T) {
	snapshot := []types.Record{
		taskRec("a", types.Fields{"priority": "HIGH", "tags": []string{"home"}}),
		taskRec("b", types.Fields{"priority": "URGENT", "isRecurring": true}),
		taskRec("c", types.Fields{"priority": "LOW", "estimatedHours": 4.0}),
		taskRec("d", types.Fields{"dueDate": day("2024-01-01")}),
	}
	tests := []struct {
		where string
		want  []string
	}{
		{`priority in ["HIGH", "URGENT"] && !isRecurring`, []string{"a"}},
		{`"home" in tags`, []string{"a"}},
		{`estimatedHours != nil && estimatedHours > 2`, []string{"c"}},
		{`dueDate != nil && dueDate < date("2024-06-01")`, []string{"d"}},
		{`id == "b"`, []string{"b"}},
		{`undefinedField == nil`, []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			got, err := Project(snapshot, Query{Where: tt.where})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestInvalidQueries(t *testing.T) {
	_, err := Project(nil, Query{Where: `priority ==`})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	var qe *QueryError
	assert.True(t, errors.As(err, &qe))

	_, err = Project(nil, Query{Sort: SortKey("alphabetical")})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = Project(nil, Query{Filters: []Filter{{Field: "", Value: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = ParseSort("sideways")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestParseSort(t *testing.T) {
	tests := map[string]SortKey{
		"":          SortNone,
		"due":       SortDueDate,
		"dueDate":   SortDueDate,
		"PRIORITY":  SortPriority,
		"created":   SortCreated,
		"createdAt": SortCreated,
	}
	for in, want := range tests {
		got, err := ParseSort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestProjectDoesNotMutateSnapshot(t *testing.T) {
	snapshot := []types.Record{
		taskRec("low", types.Fields{"priority": "LOW"}),
		taskRec("high", types.Fields{"priority": "HIGH"}),
	}
	got, err := Project(snapshot, Query{Sort: SortPriority})
	require.NoError(t, err)
	got[0].Fields["priority"] = "changed"

	assert.Equal(t, []string{"low", "high"}, ids(snapshot))
	assert.Equal(t, "HIGH", snapshot[1].Fields.Text("priority"))
}

func TestProjectionFollowsStore(t *testing.T) {
	st := store.New()
	st.Upsert(types.KindTask, taskRec("a", types.Fields{"status": "TODO", "priority": "LOW"}))

	p, err := NewProjection(st, types.KindTask, Query{
		Filters: []Filter{{"status", "TODO"}},
		Sort:    SortPriority,
	})
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	var pushed [][]string
	p.OnChange(func(records []types.Record, err error) {
		require.NoError(t, err)
		pushed = append(pushed, ids(records))
	})

	st.Upsert(types.KindTask, taskRec("b", types.Fields{"status": "TODO", "priority": "URGENT"}))
	st.Upsert(types.KindTask, taskRec("c", types.Fields{"status": "COMPLETED"}))
	st.Remove(types.KindTask, "a")

	assert.Equal(t, [][]string{{"b", "a"}, {"b", "a"}, {"b"}}, pushed)
	got, err = p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	p.Close()
	p.Close()
	st.Upsert(types.KindTask, taskRec("d", types.Fields{"status": "TODO"}))
	assert.Len(t, pushed, 3)
}

func TestProjectionMemoizes(t *testing.T) {
	st := store.New()
	st.Upsert(types.KindTask, taskRec("a", types.Fields{}))

	p, err := NewProjection(st, types.KindTask, Query{})
	require.NoError(t, err)
	defer p.Close()

	first, err := p.Records()
	require.NoError(t, err)
	first[0].ID = "mutated by caller"

	p.mu.Lock()
	version := p.version
	p.mu.Unlock()

	second, err := p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(second))

	p.mu.Lock()
	assert.Equal(t, version, p.version)
	p.mu.Unlock()
}

func TestDedupHabitEntries(t *testing.T) {
	t1 := day("2024-01-01")
	t2 := day("2024-01-02")
	entry := func(id, habit, date string, updated time.Time) types.Record {
		return types.Record{
			ID:        id,
			Kind:      types.KindHabitEntry,
			UpdatedAt: updated,
			CreatedAt: updated,
			Fields:    types.Fields{"habitId": habit, "date": date},
		}
	}
	records := []types.Record{
		entry("old", "h1", "2024-03-01", t1),
		entry("other-day", "h1", "2024-03-02", t1),
		entry("new", "h1", "2024-03-01", t2),
		entry("other-habit", "h2", "2024-03-01", t1),
		{ID: "keyless", Kind: types.KindHabitEntry, Fields: types.Fields{"date": "2024-03-01"}},
		entry("tie", "h2", "2024-03-01", t1),
	}
	got := DedupHabitEntries(records)
	assert.Equal(t, []string{"other-day", "new", "keyless", "tie"}, ids(got))
}
