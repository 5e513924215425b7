package types

import "strings"

// Kind names one of the record types held by the data service.
type Kind string

// Record kinds. Values match the data service's model names exactly.
const (
	KindTask           Kind = "Task"
	KindEvent          Kind = "Event"
	KindGoal           Kind = "Goal"
	KindHabit          Kind = "Habit"
	KindHabitEntry     Kind = "HabitEntry"
	KindNote           Kind = "Note"
	KindHealthEntry    Kind = "HealthEntry"
	KindExpense        Kind = "Expense"
	KindBudget         Kind = "Budget"
	KindCategory       Kind = "Category"
	KindUserPreference Kind = "UserPreference"
)

// Kinds lists all record kinds for enumeration.
var Kinds = []Kind{
	KindTask,
	KindEvent,
	KindGoal,
	KindHabit,
	KindHabitEntry,
	KindNote,
	KindHealthEntry,
	KindExpense,
	KindBudget,
	KindCategory,
	KindUserPreference,
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	_, ok := schemas[k]
	return ok
}

// ParseKind resolves a kind name case-insensitively ("task", "Task",
// "habitentry"). Returns ErrUnknownKind for anything else.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), name) {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}
