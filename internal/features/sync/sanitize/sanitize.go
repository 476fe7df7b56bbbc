// Package sanitize is the single choke point in front of every store write.
// It bridges "a field was never provided" to the store's representation of
// absence, so partial updates can never corrupt the stored document schema.
package sanitize

import (
	"encoding/json"
	"reflect"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/sync/models"
)

// FieldDeleted is the explicit wire marker for "remove this field".
// A nil value in a partial means "never set" and is stripped; deletion
// has to be asked for explicitly.
var FieldDeleted = deletedMarker{}

type deletedMarker struct{}

// Wire format for timestamps: RFC3339 in UTC, single canonical representation.
const timeWireFormat = time.RFC3339Nano

// Prepare cleans a partial field map before a store patch. Absent values are
// stripped recursively, timestamps are canonicalized, and writes that would
// leave the record schema inconsistent fail with MalformedWrite.
func Prepare(fields map[string]any) (map[string]any, error) {
	clean := cleanMap(fields)
	if len(clean) == 0 {
		return nil, apperrors.NewMalformedWriteError("no representable fields left after sanitization")
	}
	if _, ok := clean["external_id"]; ok {
		if s, isString := clean["external_id"].(string); !isString || s == "" {
			return nil, apperrors.NewMalformedWriteError("external_id must be a non-empty string")
		}
	}

	// Окно фарминга меняется только парой: start и end вместе
	_, hasStart := clean["farming_window_start"]
	_, hasEnd := clean["farming_window_end"]
	if hasStart != hasEnd {
		return nil, apperrors.NewMalformedWriteError("farming window start and end must be written together")
	}
	if hasStart {
		startDeleted := clean["farming_window_start"] == any(FieldDeleted)
		endDeleted := clean["farming_window_end"] == any(FieldDeleted)
		if startDeleted != endDeleted {
			return nil, apperrors.NewMalformedWriteError("farming window must be cleared as a pair")
		}
	}
	return clean, nil
}

// PrepareRecord validates and canonicalizes a full record before an initial
// write. Full overwrites are reserved for record creation; everything else
// goes through Prepare as a patch.
func PrepareRecord(record *models.UserRecord) (*models.UserRecord, error) {
	if record == nil {
		return nil, apperrors.NewMalformedWriteError("nil record")
	}
	if record.ExternalID == "" {
		return nil, apperrors.NewMalformedWriteError("record is missing external_id")
	}
	out := record.Clone()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	if out.TierExpiry != nil {
		t := out.TierExpiry.UTC()
		out.TierExpiry = &t
	}
	if out.FarmingWindowStart != nil {
		t := out.FarmingWindowStart.UTC()
		out.FarmingWindowStart = &t
	}
	if out.FarmingWindowEnd != nil {
		t := out.FarmingWindowEnd.UTC()
		out.FarmingWindowEnd = &t
	}
	if (out.FarmingWindowStart == nil) != (out.FarmingWindowEnd == nil) {
		return nil, apperrors.NewMalformedWriteError("farming window start and end must be set together")
	}
	return out, nil
}

// Diff computes the minimal patch that turns prev into next, expressed as
// wire fields. Fields present in prev but gone in next come back as
// FieldDeleted. The coordinator patches only what changed; it never rewrites
// full records.
func Diff(prev, next *models.UserRecord) (map[string]any, error) {
	oldFields, err := recordFields(prev)
	if err != nil {
		return nil, err
	}
	newFields, err := recordFields(next)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for k, v := range newFields {
		if prev, ok := oldFields[k]; !ok || !reflect.DeepEqual(prev, v) {
			out[k] = v
		}
	}
	for k := range oldFields {
		if _, ok := newFields[k]; !ok {
			out[k] = FieldDeleted
		}
	}
	return out, nil
}

// recordFields flattens a record into its wire field map via its JSON form,
// so the diff sees exactly what the store would.
func recordFields(record *models.UserRecord) (map[string]any, error) {
	if record == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedWrite, "record not representable as a document")
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedWrite, "record not representable as a document")
	}
	return fields, nil
}

func cleanMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		cleaned, keep := cleanValue(v)
		if keep {
			out[k] = cleaned
		}
	}
	return out
}

func cleanValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case deletedMarker:
		return FieldDeleted, true
	case time.Time:
		return val.UTC().Format(timeWireFormat), true
	case *time.Time:
		if val == nil {
			return nil, false
		}
		return val.UTC().Format(timeWireFormat), true
	case map[string]any:
		return cleanMap(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if cleaned, keep := cleanValue(item); keep {
				out = append(out, cleaned)
			}
		}
		return out, true
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil, false
			}
			return cleanValue(rv.Elem().Interface())
		}
		return v, true
	}
}
