// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result represents a normalized SQL result for JSON marshaling.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for Result to handle driver types properly.
func (r Result) MarshalJSON() ([]byte, error) {
	type Alias Result
	a := Alias(r)

	if a.Columns == nil {
		a.Columns = []string{}
	}
	serializableRows := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		serializableRows[i] = make([]any, len(row))
		for j, val := range row {
			serializableRows[i][j] = jsonValue(val)
		}
	}
	a.Rows = serializableRows

	return json.Marshal(a)
}

func jsonValue(val any) any {
	switch v := val.(type) {
	case []byte:
		// 16-byte values are UUIDs on PostgreSQL
		if len(v) == 16 {
			return formatUUID(v)
		}
		return fmt.Sprintf("\\x%x", v)
	case [16]byte:
		return formatUUID(v[:])
	default:
		return v
	}
}

func formatUUID(v []byte) string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		v[0], v[1], v[2], v[3], v[4], v[5], v[6], v[7],
		v[8], v[9], v[10], v[11], v[12], v[13], v[14], v[15])
}

// FormatValue renders a single cell as text, the way it appears in JSON
// output. ok is false for SQL NULL.
func FormatValue(val any) (s string, ok bool) {
	switch v := val.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []byte, [16]byte:
		return jsonValue(v).(string), true
	case time.Time:
		return v.Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return v.String(), true
	}
	b, err := json.Marshal(jsonValue(val))
	if err != nil {
		return fmt.Sprint(val), true
	}
	var str string
	if json.Unmarshal(b, &str) == nil {
		return str, true
	}
	return string(b), true
}
