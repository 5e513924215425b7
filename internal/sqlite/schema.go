package sqlite

import "github.com/mesh-intelligence/almanac/pkg/types"

// Schema DDL. Records of every kind share one table; field values are kept
// as a JSON object so the table does not change when a kind gains fields.
const (
	createRecords = `CREATE TABLE records (
    record_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    owner TEXT NOT NULL,
    fields TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	idxRecordsOwnerKind = `CREATE INDEX idx_records_owner_kind ON records(owner, kind, created_at);`
)

// schemaDDL lists all statements run on attach.
var schemaDDL = []string{
	createRecords,
	idxRecordsOwnerKind,
}

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// jsonlFiles maps each kind to its JSONL file in the data directory.
var jsonlFiles = map[types.Kind]string{
	types.KindTask:           "tasks.jsonl",
	types.KindEvent:          "events.jsonl",
	types.KindGoal:           "goals.jsonl",
	types.KindHabit:          "habits.jsonl",
	types.KindHabitEntry:     "habit_entries.jsonl",
	types.KindNote:           "notes.jsonl",
	types.KindHealthEntry:    "health_entries.jsonl",
	types.KindExpense:        "expenses.jsonl",
	types.KindBudget:         "budgets.jsonl",
	types.KindCategory:       "categories.jsonl",
	types.KindUserPreference: "user_preferences.jsonl",
}
