package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldType is the value type of a record field.
type FieldType int

// Field value types. Normalized Go representations are noted per type.
const (
	FieldString     FieldType = iota // string
	FieldID                          // string, a record ID of some kind
	FieldFloat                       // float64
	FieldInt                         // int64
	FieldBool                        // bool
	FieldDateTime                    // time.Time in UTC
	FieldDate                        // string, DateLayout
	FieldMonth                       // string, MonthLayout
	FieldEnum                        // string, one of FieldSpec.Values
	FieldStringList                  // []string
)

// Layouts for date-only fields.
const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// System fields maintained by the data service. Clients never set them.
const (
	FieldNameID        = "id"
	FieldNameOwner     = "owner"
	FieldNameCreatedAt = "createdAt"
	FieldNameUpdatedAt = "updatedAt"
)

var systemFields = map[string]bool{
	FieldNameID:        true,
	FieldNameOwner:     true,
	FieldNameCreatedAt: true,
	FieldNameUpdatedAt: true,
}

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldID:
		return "id"
	case FieldFloat:
		return "float"
	case FieldInt:
		return "integer"
	case FieldBool:
		return "boolean"
	case FieldDateTime:
		return "datetime"
	case FieldDate:
		return "date"
	case FieldMonth:
		return "month"
	case FieldEnum:
		return "enum"
	case FieldStringList:
		return "string list"
	default:
		return "unknown"
	}
}

// FieldSpec describes one field of a record kind.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Values   []string // allowed values for FieldEnum
	Default  any      // applied on create when the field is absent
}

// Allows reports whether v is in the field's enumerated value set.
func (f FieldSpec) Allows(v string) bool {
	for _, allowed := range f.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

// EntitySchema is the static field table for one record kind.
type EntitySchema struct {
	Kind   Kind
	Fields []FieldSpec
	byName map[string]int
}

func newSchema(kind Kind, fields ...FieldSpec) *EntitySchema {
	s := &EntitySchema{Kind: kind, Fields: fields, byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		s.byName[f.Name] = i
	}
	return s
}

func required(f FieldSpec) FieldSpec {
	f.Required = true
	return f
}

func withDefault(f FieldSpec, v any) FieldSpec {
	f.Default = v
	return f
}

func field(name string, t FieldType) FieldSpec {
	return FieldSpec{Name: name, Type: t}
}

func enum(name string, values ...string) FieldSpec {
	return FieldSpec{Name: name, Type: FieldEnum, Values: values}
}

// schemas is the fixed record contract shared with the data service.
var schemas = map[Kind]*EntitySchema{
	KindTask: newSchema(KindTask,
		required(field("title", FieldString)),
		field("description", FieldString),
		enum("priority", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent),
		withDefault(enum("status", TaskStatusTodo, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled), TaskStatusTodo),
		field("dueDate", FieldDateTime),
		field("reminderDate", FieldDateTime),
		field("category", FieldString),
		field("tags", FieldStringList),
		field("estimatedHours", FieldFloat),
		field("actualHours", FieldFloat),
		field("isRecurring", FieldBool),
		field("recurringPattern", FieldString),
		field("completedAt", FieldDateTime),
		field("parentTaskId", FieldID),
	),
	KindEvent: newSchema(KindEvent,
		required(field("title", FieldString)),
		field("description", FieldString),
		required(field("startDate", FieldDateTime)),
		required(field("endDate", FieldDateTime)),
		field("location", FieldString),
		field("category", FieldString),
		field("color", FieldString),
		field("isAllDay", FieldBool),
		field("isRecurring", FieldBool),
		field("recurringPattern", FieldString),
		field("reminderMinutes", FieldInt),
	),
	KindGoal: newSchema(KindGoal,
		required(field("title", FieldString)),
		field("description", FieldString),
		enum("type", GoalShortTerm, GoalLongTerm),
		field("targetDate", FieldDateTime),
		field("currentProgress", FieldFloat),
		field("targetValue", FieldFloat),
		field("unit", FieldString),
		field("category", FieldString),
		withDefault(field("isCompleted", FieldBool), false),
	),
	KindHabit: newSchema(KindHabit,
		required(field("name", FieldString)),
		field("description", FieldString),
		enum("frequency", FrequencyDaily, FrequencyWeekly, FrequencyMonthly),
		field("targetCount", FieldInt),
		field("category", FieldString),
		field("color", FieldString),
		field("icon", FieldString),
		withDefault(field("isActive", FieldBool), true),
	),
	KindHabitEntry: newSchema(KindHabitEntry,
		required(field("habitId", FieldID)),
		required(field("date", FieldDate)),
		field("completed", FieldBool),
		field("notes", FieldString),
	),
	KindNote: newSchema(KindNote,
		field("title", FieldString),
		required(field("content", FieldString)),
		enum("type", NoteTypeNote, NoteTypeJournal, NoteTypeVoice, NoteTypeImage),
		field("tags", FieldStringList),
		field("category", FieldString),
		enum("mood", MoodVeryHappy, MoodHappy, MoodNeutral, MoodSad, MoodVerySad),
		field("isPrivate", FieldBool),
	),
	KindHealthEntry: newSchema(KindHealthEntry,
		enum("type", HealthSleep, HealthWater, HealthExercise, HealthMeal, HealthWeight),
		field("value", FieldFloat),
		field("unit", FieldString),
		required(field("date", FieldDate)),
		field("notes", FieldString),
	),
	KindExpense: newSchema(KindExpense,
		required(field("amount", FieldFloat)),
		required(field("description", FieldString)),
		field("category", FieldString),
		required(field("date", FieldDate)),
		withDefault(enum("type", ExpenseIncome, ExpenseExpense), ExpenseExpense),
		field("isRecurring", FieldBool),
		field("recurringPattern", FieldString),
	),
	KindBudget: newSchema(KindBudget,
		required(field("category", FieldString)),
		required(field("monthlyLimit", FieldFloat)),
		field("currentSpent", FieldFloat),
		required(field("month", FieldMonth)),
	),
	KindCategory: newSchema(KindCategory,
		required(field("name", FieldString)),
		enum("type", CategoryTask, CategoryEvent, CategoryGoal, CategoryHabit, CategoryNote, CategoryExpense),
		field("color", FieldString),
		field("icon", FieldString),
	),
	KindUserPreference: newSchema(KindUserPreference,
		required(field("key", FieldString)),
		required(field("value", FieldString)),
		enum("type", PreferenceTheme, PreferenceNotification, PreferencePrivacy, PreferenceGeneral),
	),
}

// SchemaFor returns the field table for kind.
// Returns ErrUnknownKind if kind is not a record kind.
func SchemaFor(kind Kind) (*EntitySchema, error) {
	s, ok := schemas[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return s, nil
}

// Field returns the spec for the named field.
func (s *EntitySchema) Field(name string) (FieldSpec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.Fields[i], true
}

func (s *EntitySchema) invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: s.Kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize checks client-supplied fields against the table and converts
// every value to its normalized Go representation. A nil value means "clear
// this field" and is kept. System fields and unknown fields are rejected.
// Required-ness is not checked here; see ValidateCreate and ValidateUpdate.
func (s *EntitySchema) Normalize(fields Fields) (Fields, error) {
	out := make(Fields, len(fields))
	for _, name := range fields.Names() {
		if systemFields[name] {
			return nil, s.invalid(name, "set by the data service")
		}
		spec, ok := s.Field(name)
		if !ok {
			return nil, s.invalid(name, "unknown field")
		}
		v, err := normalizeValue(spec, fields[name])
		if err != nil {
			return nil, s.invalid(name, "%v", err)
		}
		out[name] = v
	}
	return out, nil
}

// ValidateCreate normalizes fields for a create and checks that every
// required field is present and non-empty.
func (s *EntitySchema) ValidateCreate(fields Fields) (Fields, error) {
	out, err := s.Normalize(fields)
	if err != nil {
		return nil, err
	}
	for _, spec := range s.Fields {
		if spec.Required && isEmpty(out[spec.Name]) {
			return nil, s.invalid(spec.Name, "required")
		}
	}
	return out, nil
}

// ValidateUpdate normalizes a partial update. Absent fields are left alone;
// a required field may be replaced but not cleared.
func (s *EntitySchema) ValidateUpdate(fields Fields) (Fields, error) {
	if len(fields) == 0 {
		return nil, s.invalid("", "update has no fields")
	}
	out, err := s.Normalize(fields)
	if err != nil {
		return nil, err
	}
	for name, v := range out {
		spec, _ := s.Field(name)
		if spec.Required && isEmpty(v) {
			return nil, s.invalid(name, "required field cannot be cleared")
		}
	}
	return out, nil
}

// ApplyDefaults sets declared defaults for fields absent from fields.
// The map is modified in place and returned.
func (s *EntitySchema) ApplyDefaults(fields Fields) Fields {
	if fields == nil {
		fields = Fields{}
	}
	for _, spec := range s.Fields {
		if spec.Default == nil {
			continue
		}
		if _, ok := fields[spec.Name]; !ok {
			fields[spec.Name] = spec.Default
		}
	}
	return fields
}

// Hydrate normalizes fields read from the data service. Unlike Normalize it
// never fails: values that do not convert and fields this client does not
// know are kept as received, so newer service schemas do not break older
// clients. System fields are dropped from the map.
func (s *EntitySchema) Hydrate(fields Fields) Fields {
	out := make(Fields, len(fields))
	for name, raw := range fields {
		if systemFields[name] {
			continue
		}
		spec, ok := s.Field(name)
		if !ok {
			out[name] = raw
			continue
		}
		v, err := normalizeValue(spec, raw)
		if err != nil {
			out[name] = raw
			continue
		}
		out[name] = v
	}
	return out
}

// ParseValue converts a command-line string into a value for the named
// field. The empty string and "null" clear the field. Lists are
// comma-separated.
func (s *EntitySchema) ParseValue(name, raw string) (any, error) {
	spec, ok := s.Field(name)
	if !ok {
		return nil, s.invalid(name, "unknown field")
	}
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var v any
	switch spec.Type {
	case FieldFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, s.invalid(name, "expected a number")
		}
		v = f
	case FieldInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, s.invalid(name, "expected an integer")
		}
		v = n
	case FieldBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, s.invalid(name, "expected true or false")
		}
		v = b
	case FieldStringList:
		parts := strings.Split(raw, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		v = list
	case FieldEnum:
		v = strings.ToUpper(raw)
	case FieldDateTime:
		// Date-only input means midnight UTC.
		if d, err := time.Parse(DateLayout, raw); err == nil {
			v = d
		} else {
			v = raw
		}
	default:
		v = raw
	}
	out, err := normalizeValue(spec, v)
	if err != nil {
		return nil, s.invalid(name, "%v", err)
	}
	return out, nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func normalizeValue(spec FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch spec.Type {
	case FieldString, FieldID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)
		}
		return s, nil

	case FieldEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)
		}
		if !spec.Allows(s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(spec.Values, ", "))
		}
		return s, nil

	case FieldFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected a finite number")
		}
		return f, nil

	case FieldInt:
		return toInt(v)

	case FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)
		}
		return b, nil

	case FieldDateTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("expected an RFC 3339 timestamp")
			}
			return parsed.UTC(), nil
		}
		return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)

	case FieldDate:
		switch t := v.(type) {
		case time.Time:
			return t.Format(DateLayout), nil
		case string:
			if _, err := time.Parse(DateLayout, t); err != nil {
				return nil, fmt.Errorf("expected a date as YYYY-MM-DD")
			}
			return t, nil
		}
		return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)

	case FieldMonth:
		switch t := v.(type) {
		case time.Time:
			return t.Format(MonthLayout), nil
		case string:
			if _, err := time.Parse(MonthLayout, t); err != nil {
				return nil, fmt.Errorf("expected a month as YYYY-MM")
			}
			return t, nil
		}
		return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)

	case FieldStringList:
		switch list := v.(type) {
		case []string:
			out := make([]string, len(list))
			copy(out, list)
			return out, nil
		case []any:
			out := make([]string, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected %s, element %d is %T", spec.Type, i, item)
				}
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected %s, got %T", spec.Type, v)
	}
	return nil, fmt.Errorf("unsupported field type %d", spec.Type)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("integer %v out of range", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

// FieldNames returns the field names of s in declaration order.
func (s *EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Names returns the keys of f in lexical order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
