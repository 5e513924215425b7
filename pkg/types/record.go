package types

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Fields holds record field values keyed by field name. Values use the
// normalized representations listed on FieldType; nil clears a field.
type Fields map[string]any

// Clone returns a copy of f. String lists are copied; other values are
// immutable.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Text returns the named value as a string, or "" when absent or not a
// string.
func (f Fields) Text(name string) string {
	s, _ := f[name].(string)
	return s
}

// Time returns the named datetime value.
func (f Fields) Time(name string) (time.Time, bool) {
	t, ok := f[name].(time.Time)
	return t, ok
}

// Record is one owned record as held by the data service and mirrored in
// the client's record store.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Fields    Fields    `json:"fields"`

	// ProvisionalID tags a local optimistic copy that has not been confirmed
	// by the data service. Authoritative snapshots always replace it.
	ProvisionalID string `json:"-"`
}

// Provisional reports whether r is an unconfirmed local copy.
func (r Record) Provisional() bool {
	return r.ProvisionalID != ""
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// Merge returns a copy of r with the given fields replaced. Nil values
// remove the field.
func (r Record) Merge(fields Fields) Record {
	out := r.Clone()
	if out.Fields == nil {
		out.Fields = Fields{}
	}
	for k, v := range fields {
		if v == nil {
			delete(out.Fields, k)
			continue
		}
		out.Fields[k] = v
	}
	return out
}

// Get returns a field or system value by name. System names ("id",
// "createdAt", ...) resolve to the record's own attributes.
func (r Record) Get(name string) (any, bool) {
	switch name {
	case FieldNameID:
		return r.ID, true
	case FieldNameOwner:
		return r.Owner, true
	case FieldNameCreatedAt:
		return r.CreatedAt, true
	case FieldNameUpdatedAt:
		return r.UpdatedAt, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// DecodeRecord fills out, a pointer to one of the per-kind structs (Task,
// Event, ...), from r. System attributes map onto the struct's id,
// createdAt and updatedAt fields.
func DecodeRecord(r Record, out any) error {
	input := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		input[k] = v
	}
	input[FieldNameID] = r.ID
	input[FieldNameCreatedAt] = r.CreatedAt
	input[FieldNameUpdatedAt] = r.UpdatedAt

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decoding %s %s: %w", r.Kind, r.ID, err)
	}
	return nil
}
