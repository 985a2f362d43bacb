// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"querygate/server/internal/codec"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
	"querygate/server/internal/sqlexec"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// websocket answers one query document per frame, in order. Results are text
// frames for JSON and binary frames for Arrow; failures are text frames
// holding the usual error object.
func (s *Server) websocket(c *gin.Context) {
	format, err := requestFormat(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxDocumentBytes)

	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("websocket opened")

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		replyType, reply := s.frameReply(c, msg, format)
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(replyType, reply); err != nil {
			logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) frameReply(c *gin.Context, msg []byte, format string) (int, []byte) {
	id := uuid.NewString()
	fail := func(err error) (int, []byte) {
		b, _ := json.Marshal(newErrorBody(err, id))
		return websocket.TextMessage, b
	}

	if _, err := sqlexec.ParseDocument(msg); err != nil {
		return fail(err)
	}
	req := &job.Request{ID: id, Document: msg, Format: format, Received: time.Now()}

	res, err := s.answer(c.Request.Context(), req)
	if err != nil {
		return fail(err)
	}
	if res.Format == codec.FormatArrow {
		return websocket.BinaryMessage, res.Payload
	}
	return websocket.TextMessage, res.Payload
}
