// Package codec serializes query results for the wire.
//
// JSON is the default. Arrow IPC streams carry every column as a nullable
// utf8 field with the cell rendered as in JSON output; rows_affected and
// truncated travel as schema metadata.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"querygate/server/internal/sqlexec"
)

const (
	FormatJSON  = "json"
	FormatArrow = "arrow"

	ContentTypeJSON  = "application/json"
	ContentTypeArrow = "application/vnd.apache.arrow.stream"
)

// Normalize maps a user-supplied format name to a known format.
func Normalize(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatArrow, "ipc":
		return FormatArrow, nil
	default:
		return "", fmt.Errorf("unknown result format %q", format)
	}
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	if format == FormatArrow {
		return ContentTypeArrow
	}
	return ContentTypeJSON
}

// FromAccept picks a format from an HTTP Accept header. Anything that is not
// explicitly Arrow gets JSON.
func FromAccept(header string) string {
	for _, part := range strings.Split(header, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == ContentTypeArrow {
			return FormatArrow
		}
	}
	return FormatJSON
}

// Encode serializes v in format.
func Encode(format string, v any) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		return json.Marshal(v)
	case FormatArrow:
		res, ok := v.(*sqlexec.Result)
		if !ok {
			return nil, fmt.Errorf("arrow encoding needs a query result, got %T", v)
		}
		return EncodeArrow(res, memory.DefaultAllocator)
	default:
		return nil, fmt.Errorf("unknown result format %q", format)
	}
}

// EncodeArrow writes res as a single-batch Arrow IPC stream.
func EncodeArrow(res *sqlexec.Result, alloc memory.Allocator) ([]byte, error) {
	fields := make([]arrow.Field, len(res.Columns))
	for i, name := range res.Columns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	md := arrow.NewMetadata(
		[]string{"rows_affected", "truncated"},
		[]string{strconv.FormatInt(res.RowsAffected, 10), strconv.FormatBool(res.Truncated)},
	)
	schema := arrow.NewSchema(fields, &md)

	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	for r, row := range res.Rows {
		if len(row) != len(fields) {
			return nil, fmt.Errorf("row %d has %d values, want %d", r, len(row), len(fields))
		}
		for c, val := range row {
			sb := builder.Field(c).(*array.StringBuilder)
			if s, ok := sqlexec.FormatValue(val); ok {
				sb.Append(s)
			} else {
				sb.AppendNull()
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}
