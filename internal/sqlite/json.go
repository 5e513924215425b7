package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// A JSONL line is one flat object: the record's fields plus the system keys
// id, owner, createdAt and updatedAt. Unknown keys are kept as fields.

// encodeRecord renders rec as one JSONL line.
func encodeRecord(rec types.Record) (json.RawMessage, error) {
	obj := make(map[string]any, len(rec.Fields)+4)
	for k, v := range rec.Fields {
		obj[k] = encodeValue(v)
	}
	obj[types.FieldNameID] = rec.ID
	obj[types.FieldNameOwner] = rec.Owner
	obj[types.FieldNameCreatedAt] = rec.CreatedAt.UTC().Format(timeLayout)
	obj[types.FieldNameUpdatedAt] = rec.UpdatedAt.UTC().Format(timeLayout)
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding %s %s: %w", rec.Kind, rec.ID, err)
	}
	return b, nil
}

// decodeRecord parses one JSONL line. Lines without an id or owner are
// rejected.
func decodeRecord(kind types.Kind, raw json.RawMessage) (types.Record, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.Record{}, err
	}
	id, _ := obj[types.FieldNameID].(string)
	owner, _ := obj[types.FieldNameOwner].(string)
	if id == "" || owner == "" {
		return types.Record{}, fmt.Errorf("%s record without id or owner", kind)
	}
	rec := types.Record{
		ID:        id,
		Kind:      kind,
		Owner:     owner,
		CreatedAt: parseTime(obj[types.FieldNameCreatedAt]),
		UpdatedAt: parseTime(obj[types.FieldNameUpdatedAt]),
	}
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return types.Record{}, err
	}
	rec.Fields = schema.Hydrate(obj)
	return rec, nil
}

// encodeFields renders field values for the fields column.
func encodeFields(fields types.Fields) (string, error) {
	obj := make(map[string]any, len(fields))
	for k, v := range fields {
		obj[k] = encodeValue(v)
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFields(kind types.Kind, raw string) (types.Fields, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("decoding %s fields: %w", kind, err)
	}
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	return schema.Hydrate(obj), nil
}

func encodeValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
