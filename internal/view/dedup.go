package view

import "github.com/mesh-intelligence/almanac/pkg/types"

// DedupHabitEntries keeps one habit entry per (habitId, date): the most
// recently updated, then most recently created, then last in the input.
// Survivors keep their input positions. Entries missing either key pass
// through.
func DedupHabitEntries(records []types.Record) []types.Record {
	type key struct{ habitID, date string }
	winners := make(map[key]int)
	for i, rec := range records {
		k := key{rec.Fields.Text("habitId"), rec.Fields.Text("date")}
		if k.habitID == "" || k.date == "" {
			continue
		}
		j, ok := winners[k]
		if !ok || !newer(records[j], rec) {
			winners[k] = i
		}
	}

	out := make([]types.Record, 0, len(records))
	for i, rec := range records {
		k := key{rec.Fields.Text("habitId"), rec.Fields.Text("date")}
		if k.habitID != "" && k.date != "" && winners[k] != i {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// newer reports whether a is strictly newer than b.
func newer(a, b types.Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.CreatedAt.After(b.CreatedAt)
}
