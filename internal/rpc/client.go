// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"querygate/server/internal/errors"
)

// Client calls the query service.
type Client struct {
	conn *grpc.ClientConn
}

// CallOptions are the per-call settings sent as metadata.
type CallOptions struct {
	Format    string
	Timeout   time.Duration
	RequestID string
}

// Reply is a successful Execute call.
type Reply struct {
	Payload   []byte
	RequestID string
}

// Dial creates a client for addr. With useTLS the server name is derived
// from addr; otherwise the connection is plaintext, which is what
// 'querygate serve' listens with.
func Dial(addr string, useTLS bool, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if useTLS {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		creds = credentials.NewTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Execute sends doc and returns the serialized result. Server-side failures
// come back as status errors wrapped in an error carrying their kind, so both
// errors.KindOf and status.FromError work on them.
func (c *Client) Execute(ctx context.Context, doc []byte, opts CallOptions) (Reply, error) {
	var pairs []string
	if opts.Format != "" {
		pairs = append(pairs, FormatKey, opts.Format)
	}
	if opts.Timeout > 0 {
		pairs = append(pairs, TimeoutKey, opts.Timeout.String())
	}
	if opts.RequestID != "" {
		pairs = append(pairs, RequestIDKey, opts.RequestID)
	}
	if len(pairs) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}

	var header, trailer metadata.MD
	out := new(wrapperspb.BytesValue)
	err := c.conn.Invoke(ctx, ExecuteMethod, wrapperspb.Bytes(doc), out,
		grpc.Header(&header), grpc.Trailer(&trailer))
	reply := Reply{RequestID: first(header, RequestIDKey)}
	if err != nil {
		if kind := first(trailer, ErrorKindKey); kind != "" {
			return reply, errors.Wrap(errors.Kind(kind), status.Convert(err).Message(), err)
		}
		return reply, err
	}
	reply.Payload = out.GetValue()
	return reply, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
