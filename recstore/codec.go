// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// StorageTimeLayout is the canonical text format date columns are stored
// in, always in UTC. Watermark comparisons rely on it sorting
// lexicographically.
const StorageTimeLayout = "2006-01-02 15:04:05"

// dateLayouts are the inbound formats the codec accepts for date fields,
// tried in order.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	StorageTimeLayout,
	"2006-01-02T15:04:05.000",
	"2006-01-02",
}

// DecodeError reports a document that cannot be encoded for its table:
// a missing required field or a field value that does not coerce to its
// column type. It is local to a single record and never aborts a batch.
type DecodeError struct {
	Table  string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("document for table %s: field %q: %s", e.Table, e.Field, e.Reason)
}

// parseDate accepts a date as formatted text or as epoch milliseconds.
func parseDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date format %q", t)
	case time.Time:
		return t, nil
	default:
		millis, err := toInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized date value %v", v)
		}
		return time.UnixMilli(millis).UTC(), nil
	}
}

// encodeDocument converts a document into one binding per column of the
// table, in schema order. Columns whose field is absent bind NULL. Four
// administrative columns are always forced regardless of document content:
// the serialized json, updatedAt, syncStatus and the natural key. The
// validation argument, when non-empty, forces validationStatus as well
// (the batch ingest path forces Valid; the local-authorship path leaves it
// NULL).
//
// The natural key must be present in the document, with one exception: an
// event document without a formSubmissionId is legal and encodes with a
// NULL natural key (see Store.upsertInTx for the matching blind insert).
func encodeDocument(spec TableSpec, doc Document, status SyncStatus, validation ValidationStatus, now time.Time) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &DecodeError{Table: spec.Name, Field: "json", Reason: err.Error()}
	}

	bindings := make(map[string]any, len(spec.Columns))
	bindings["json"] = string(raw)
	bindings["updatedAt"] = now.UTC().Format(StorageTimeLayout)
	bindings["syncStatus"] = string(status)
	if validation != "" {
		bindings["validationStatus"] = string(validation)
	} else {
		bindings["validationStatus"] = nil
	}

	key, ok := doc.String(spec.NaturalKey)
	switch {
	case ok:
		bindings[spec.NaturalKey] = key
	case spec.Name == EventTable.Name:
		bindings[spec.NaturalKey] = nil
	default:
		return nil, &DecodeError{Table: spec.Name, Field: spec.NaturalKey, Reason: "missing natural key"}
	}

	if _, ok := spec.Column("baseEntityId"); ok {
		id, ok := doc.String("baseEntityId")
		if !ok {
			return nil, &DecodeError{Table: spec.Name, Field: "baseEntityId", Reason: "missing required field"}
		}
		bindings["baseEntityId"] = id
	}

	// Server-assigned event identity travels under "id" in the document
	if spec.Name == EventTable.Name {
		if id, ok := doc.String(docFieldEventID); ok {
			bindings["eventId"] = id
		} else {
			bindings["eventId"] = nil
		}
	}

	for _, col := range spec.Columns {
		if _, done := bindings[col.Name]; done {
			continue
		}
		v, ok := doc[col.Name]
		if !ok || v == nil {
			bindings[col.Name] = nil
			continue
		}
		bound, err := coerceValue(col, v)
		if err != nil {
			return nil, &DecodeError{Table: spec.Name, Field: col.Name, Reason: err.Error()}
		}
		bindings[col.Name] = bound
	}

	return bindings, nil
}

// coerceValue converts a document field to its column's storage
// representation.
func coerceValue(col Column, v any) (any, error) {
	switch col.Type {
	case TypeDate:
		ts, err := parseDate(v)
		if err != nil {
			return nil, err
		}
		return ts.Format(StorageTimeLayout), nil
	case TypeLongnum:
		return toInt64(v)
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("not a boolean: %T", v)
		}
		return b, nil
	case TypeList, TypeMap:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
}
