// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"bytes"
	"encoding/json"
	"strings"

	"querygate/server/internal/errors"
)

// Document is a query submission as sent by clients.
type Document struct {
	// Query is the SQL text to run.
	Query string `json:"query"`
	// Variables are bound positionally ($1, $2 ... on PostgreSQL, ? on SQLite).
	Variables []any `json:"variables,omitempty"`
	// Schema, when set, becomes the search_path for this query only.
	Schema string `json:"schema,omitempty"`
	// Write runs the query in a read-write transaction. Queries run read-only otherwise.
	Write bool `json:"write,omitempty"`
}

// ParseDocument decodes and validates a JSON query document.
func ParseDocument(b []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest, "malformed query document", err)
	}
	if dec.More() {
		return nil, errors.New(errors.KindInvalidRequest, "trailing data after query document")
	}
	if strings.TrimSpace(d.Query) == "" {
		return nil, errors.New(errors.KindInvalidRequest, "query document has no query")
	}
	for i, v := range d.Variables {
		d.Variables[i] = normalizeVariable(v)
	}
	return &d, nil
}

// Encode returns the canonical JSON form of d.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// normalizeVariable turns json.Number into int64 or float64 so drivers can bind it.
func normalizeVariable(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalizeVariable(x[i])
		}
		return x
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return x
		}
		return string(b)
	default:
		return v
	}
}
