// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is a parsed JSON object as received from the form layer or from
// a server pull. The store treats its contents as opaque apart from the
// fields promoted into table columns.
type Document map[string]any

// Field name the server-assigned event identity travels under in event
// documents; it is bound to the eventId column.
const docFieldEventID = "id"

// ParseDocument decodes a raw JSON object.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

// Has reports whether the field is present and non-nil.
func (d Document) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// String returns the field stringified, or false if absent.
func (d Document) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Int64 returns the field as a 64-bit integer, or false if absent or not a
// number.
func (d Document) Int64(key string) (int64, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// isBlankJSON reports whether a stored document string is the blank or
// empty-object sentinel left by placeholder/corrupted rows. Rows matching
// this are never surfaced by list queries.
func isBlankJSON(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return trimmed == "" || trimmed == "{}"
}

// MinMaxServerVersions scans an event payload for the smallest and largest
// serverVersion it carries. The result reflects what the server sent, not
// what was persisted, and is used by callers to advance their pull cursor.
// Documents without a serverVersion count as zero; an empty payload yields
// (0, 0).
func MinMaxServerVersions(docs []Document) (minVersion, maxVersion int64) {
	if len(docs) == 0 {
		return 0, 0
	}
	first := true
	for _, doc := range docs {
		v, _ := doc.Int64("serverVersion")
		if first {
			minVersion, maxVersion = v, v
			first = false
			continue
		}
		if v < minVersion {
			minVersion = v
		}
		if v > maxVersion {
			maxVersion = v
		}
	}
	return minVersion, maxVersion
}
