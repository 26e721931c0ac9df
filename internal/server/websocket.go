// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jeranaias/modelmux/internal/session"
)

// writeTimeout bounds a single websocket frame write.
const writeTimeout = 5 * time.Second

// ChatRequest is the JSON form of an inbound chat frame. A frame that is not
// a JSON object is taken as the query text itself.
type ChatRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// StatusFrame is sent before a query is answered.
type StatusFrame struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// ErrorFrame reports a failed query. The connection stays open.
type ErrorFrame struct {
	Error               string   `json:"error"`
	Message             string   `json:"message"`
	Model               string   `json:"model"`
	ResponseTimeMs      int64    `json:"response_time_ms"`
	SpecializationsUsed []string `json:"specializations_used"`
}

var processingFrame = StatusFrame{
	Status:  "processing",
	Message: "Analyzing query and selecting optimal model...",
	Model:   "system",
}

func newErrorFrame(err error) ErrorFrame {
	return ErrorFrame{
		Error:               err.Error(),
		Message:             "Sorry, I encountered an error: " + err.Error() + ". Please try again.",
		Model:               "error-handler",
		SpecializationsUsed: []string{},
	}
}

// parseChatFrame extracts the query and optional model from a frame.
func parseChatFrame(data []byte) ChatRequest {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var req ChatRequest
		if err := json.Unmarshal(data, &req); err == nil {
			req.Query = strings.TrimSpace(req.Query)
			return req
		}
	}
	return ChatRequest{Query: trimmed}
}

// handleWS handles GET /ws. Each connection owns one session; frames are
// answered in order, one at a time.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Create()
	if err != nil {
		log.Printf("WS_REJECTED | client_ip=%s error=%v", GetClientIP(r), err)
		writeAPIError(w, http.StatusServiceUnavailable, "Too many active sessions, please try again later.")
		return
	}
	defer s.deps.Sessions.End(sess.ID())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("WS_ACCEPT_FAILED | client_ip=%s error=%v", GetClientIP(r), err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxRequestBodySize)

	log.Printf("WS_CONNECTED | session=%s client_ip=%s", sess.ID(), GetClientIP(r))
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway {
				log.Printf("WS_READ_FAILED | session=%s error=%v", sess.ID(), err)
			}
			return
		}

		req := parseChatFrame(data)
		if req.Query == "" {
			continue
		}
		if len(req.Query) > MaxQueryLength {
			if writeFrame(ctx, conn, newErrorFrame(errors.New("query too long"))) != nil {
				return
			}
			continue
		}
		if err := s.answer(ctx, conn, sess, req); err != nil {
			log.Printf("WS_WRITE_FAILED | session=%s error=%v", sess.ID(), err)
			return
		}
	}
}

// answer sends the processing frame followed by the reply or error frame.
func (s *Server) answer(ctx context.Context, conn *websocket.Conn, sess *session.Session, req ChatRequest) error {
	if err := writeFrame(ctx, conn, processingFrame); err != nil {
		return err
	}
	reply, err := s.deps.Sessions.Ask(ctx, sess, req.Query, req.Model)
	if err != nil {
		log.Printf("WS_QUERY_FAILED | session=%s error=%v", sess.ID(), err)
		return writeFrame(ctx, conn, newErrorFrame(err))
	}
	return writeFrame(ctx, conn, reply)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
