// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"strings"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RPCErrorType represents the category of a failed query call.
type RPCErrorType int

const (
	RPCErrorUnknown RPCErrorType = iota
	RPCErrorNetwork
	RPCErrorQuery
	RPCErrorTimeout
	RPCErrorInternal
	RPCErrorUnavailable
	RPCErrorOverloaded
)

// ParseRPCError categorizes an error returned by the query client.
func ParseRPCError(err error) RPCErrorType {
	if err == nil {
		return RPCErrorUnknown
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument:
			return RPCErrorQuery
		case codes.DeadlineExceeded:
			return RPCErrorTimeout
		case codes.ResourceExhausted:
			return RPCErrorOverloaded
		case codes.Internal:
			return RPCErrorInternal
		case codes.Unavailable:
			if isTransport(st.Message()) {
				return RPCErrorNetwork
			}
			return RPCErrorUnavailable
		}
	}
	if isTransport(err.Error()) {
		return RPCErrorNetwork
	}
	return RPCErrorUnknown
}

func isTransport(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "rst_stream") ||
		strings.Contains(lower, "error while dialing")
}

// FormatRPCError formats a failed query call in a user-friendly way.
func FormatRPCError(addr string, err error) string {
	errType := ParseRPCError(err)

	var builder strings.Builder

	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Query failed"))
	builder.WriteString("\n\n")

	switch errType {
	case RPCErrorNetwork:
		builder.WriteString("Could not reach the querygate server at " + addr + ".\n")
		builder.WriteString("Check that 'querygate serve' is running and the address is right.\n")
	case RPCErrorQuery:
		builder.WriteString("The server rejected the query document.\n")
	case RPCErrorTimeout:
		builder.WriteString("The query did not start before its deadline.\n")
		builder.WriteString("Retry with a longer --timeout or when the server is less busy.\n")
	case RPCErrorOverloaded:
		builder.WriteString("The server queue is full. Retry shortly.\n")
	case RPCErrorUnavailable:
		builder.WriteString("The server could not run the query right now.\n")
		builder.WriteString("The database may be unreachable or the server is shutting down.\n")
	case RPCErrorInternal:
		builder.WriteString("The query ran but failed on the server.\n")
	default:
		builder.WriteString("The call to the querygate server failed.\n")
	}

	if st, ok := status.FromError(err); ok && strings.TrimSpace(st.Message()) != "" {
		builder.WriteString("\n")
		builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Details: " + Mask(st.Message())))
	}
	return builder.String()
}
