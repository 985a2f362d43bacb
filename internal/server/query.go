// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"querygate/server/internal/codec"
	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
	"querygate/server/internal/sqlexec"
)

const (
	timeoutHeader = "X-Query-Timeout"
	workerHeader  = "X-Query-Worker"

	// statusClientClosed is recorded when the caller went away before its result.
	statusClientClosed = 499
)

func (s *Server) postQuery(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes))
	if err != nil {
		abortWithError(c, errors.Wrap(errors.KindInvalidRequest, "could not read request body", err))
		return
	}
	s.run(c, body)
}

func (s *Server) getQuery(c *gin.Context) {
	doc, err := documentFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.run(c, doc)
}

// documentFromQuery builds a query document from ?query=&variables=&schema=&write=.
func documentFromQuery(c *gin.Context) ([]byte, error) {
	d := sqlexec.Document{
		Query:  c.Query("query"),
		Schema: c.Query("schema"),
	}
	if v := c.Query("variables"); v != "" {
		if err := json.Unmarshal([]byte(v), &d.Variables); err != nil {
			return nil, errors.Wrap(errors.KindInvalidRequest, "variables must be a JSON array", err)
		}
	}
	if w := c.Query("write"); w != "" {
		write, err := strconv.ParseBool(w)
		if err != nil {
			return nil, errors.Wrap(errors.KindInvalidRequest, "write must be true or false", err)
		}
		d.Write = write
	}
	return d.Encode()
}

// newRequest validates doc and reads format and deadline from the request.
func newRequest(c *gin.Context, doc []byte) (*job.Request, error) {
	if _, err := sqlexec.ParseDocument(doc); err != nil {
		return nil, err
	}
	format, err := requestFormat(c)
	if err != nil {
		return nil, err
	}

	req := &job.Request{
		ID:       c.GetString(requestIDKey),
		Document: doc,
		Format:   format,
		Received: time.Now(),
	}
	if v := strings.TrimSpace(c.GetHeader(timeoutHeader)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.New(errors.KindInvalidRequest, timeoutHeader+" must be a positive duration such as 2s")
		}
		req.Deadline = req.Received.Add(d)
	}
	return req, nil
}

func requestFormat(c *gin.Context) (string, error) {
	if f := c.Query("format"); f != "" {
		format, err := codec.Normalize(f)
		if err != nil {
			return "", errors.Wrap(errors.KindInvalidRequest, "unsupported format", err)
		}
		return format, nil
	}
	return codec.FromAccept(c.GetHeader("Accept")), nil
}

// run submits doc and writes the result once it is ready.
func (s *Server) run(c *gin.Context, doc []byte) {
	req, err := newRequest(c, doc)
	if err != nil {
		abortWithError(c, err)
		return
	}

	pending, err := s.disp.Submit(req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	res, err := pending.Wait(c.Request.Context())
	if err != nil {
		logging.FromContext(c.Request.Context()).Info("client went away before result")
		c.AbortWithStatus(statusClientClosed)
		return
	}
	if res.Err != nil {
		abortWithError(c, res.Err)
		return
	}

	c.Header(workerHeader, strconv.Itoa(res.WorkerID))
	c.Data(http.StatusOK, codec.ContentType(res.Format), res.Payload)
}

// answer runs one document to completion for transports without a request
// per query. It returns the payload and its format, or an error.
func (s *Server) answer(ctx context.Context, req *job.Request) (job.Result, error) {
	pending, err := s.disp.Submit(req)
	if err != nil {
		return job.Result{}, err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return job.Result{}, errors.Wrap(errors.KindCanceled, "connection closed before result", err)
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
