// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net/url"
	"sort"
	"strings"
)

// SQLiteResolver handles SQLite DSNs of the form sqlite:///path/to/file.db,
// sqlite://relative.db or file:path.db, each with optional ?params.
type SQLiteResolver struct{}

// NewSQLiteResolver creates a new SQLite resolver
func NewSQLiteResolver() *SQLiteResolver {
	return &SQLiteResolver{}
}

// Parse parses a SQLite DSN string
func (r *SQLiteResolver) Parse(dsn string) (*DSNInfo, error) {
	rest := strings.TrimSpace(dsn)
	lower := strings.ToLower(rest)
	switch {
	case strings.HasPrefix(lower, "sqlite3://"):
		rest = rest[len("sqlite3://"):]
	case strings.HasPrefix(lower, "sqlite://"):
		rest = rest[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		rest = rest[len("file:"):]
	default:
		return nil, NewParseError(dsn, "missing or invalid scheme", "use sqlite:///path/to/file.db")
	}

	info := &DSNInfo{
		Type:     DBTypeSQLite,
		Params:   make(map[string]string),
		Original: dsn,
	}

	path, query, _ := strings.Cut(rest, "?")
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, NewParseError(dsn, "invalid query parameters", "use key=value pairs separated by &")
		}
		for key, vals := range values {
			if len(vals) > 0 {
				info.Params[key] = vals[len(vals)-1]
			}
		}
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, NewParseError(dsn, "missing database file", "use sqlite:///path/to/file.db or sqlite://:memory:")
	}
	info.Database = path
	return info, nil
}

// InMemory reports whether info names an in-memory SQLite database rather
// than a file.
func (info *DSNInfo) InMemory() bool {
	return info.Database == ":memory:" || info.Params["mode"] == "memory"
}

// Normalize converts DSN info to a sqlite:// connection string
func (r *SQLiteResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("", "nil DSN info", "")
	}

	var builder strings.Builder
	builder.WriteString("sqlite://")
	builder.WriteString(info.Database)
	writeParams(&builder, info.Params)
	return builder.String(), nil
}

// Validate checks if the DSN is a usable SQLite DSN
func (r *SQLiteResolver) Validate(dsn string) error {
	_, err := r.Parse(dsn)
	return err
}

// FileDSN returns the driver connection string for info: a file: URI with
// the given pragmas appended to info's own parameters.
func (info *DSNInfo) FileDSN(pragmas ...string) string {
	values := url.Values{}
	for k, v := range info.Params {
		values.Set(k, v)
	}
	for _, p := range pragmas {
		values.Add("_pragma", p)
	}
	var builder strings.Builder
	builder.WriteString("file:")
	builder.WriteString(info.Database)
	if len(values) > 0 {
		builder.WriteString("?")
		builder.WriteString(values.Encode())
	}
	return builder.String()
}

func writeParams(builder *strings.Builder, params map[string]string) {
	if len(params) == 0 {
		return
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteString("?")
	for i, key := range keys {
		if i > 0 {
			builder.WriteString("&")
		}
		builder.WriteString(url.QueryEscape(key))
		builder.WriteString("=")
		builder.WriteString(url.QueryEscape(params[key]))
	}
}
