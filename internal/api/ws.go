// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"collab/internal/engine/kvc"
)

// Maximum time we'll wait for a write we initiate to complete.
// We don't use websocket's ping-pong mechanism; any inbound frame counts as
// a heartbeat and TCP keep-alive covers the rest.
const wsWriteTimeout = 10 * time.Second

// wsInit is the first frame a client sends after the upgrade. The file id
// may come from the frame or from the x-file-id request header.
type wsInit struct {
	Action   string `json:"action"`
	FileID   string `json:"fileId"`
	UserName string `json:"userName"`
}

// wsFrame is every server-to-client frame: the init acknowledgement and the
// fan-out events.
type wsFrame struct {
	Action       string        `json:"action"`
	FileID       string        `json:"fileId,omitempty"`
	ConnectionID string        `json:"connectionId,omitempty"`
	Users        []kvc.Session `json:"users,omitempty"`
	Payload      interface{}   `json:"payload,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by the upgrader.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade collaboration request to websocket")
		return
	}
	defer conn.Close()

	var init wsInit
	if err := conn.ReadJSON(&init); err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).Warn("reading init frame failed")
		return
	}
	if init.FileID == "" {
		init.FileID = r.Header.Get("x-file-id")
	}
	if init.Action != "init" || init.FileID == "" {
		s.wsClose(conn, websocket.CloseProtocolError, "expected init frame with a file id")
		return
	}

	connectionID := uuid.NewString()
	docID := init.FileID

	// Subscribe before registering so this connection cannot miss its own
	// join broadcast.
	sub := s.fanout.Subscribe(docID)
	defer sub.Cancel()

	users, err := s.presence.AddSession(r.Context(), docID, connectionID, init.UserName)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": docID}).Error("failed to register session")
		s.wsClose(conn, websocket.CloseInternalServerErr, "session registration failed")
		return
	}
	defer func() {
		// The request context is gone once the handler unwinds.
		if _, err := s.presence.RemoveSession(context.WithoutCancel(r.Context()), docID, connectionID); err != nil {
			log.WithFields(log.Fields{"err": err, "doc": docID, "session": connectionID}).
				Warn("failed to remove session")
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsFrame{
		Action:       "init",
		FileID:       docID,
		ConnectionID: connectionID,
		Users:        users,
	}); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": docID}).Warn("failed to send init reply")
		return
	}

	done := make(chan struct{})
	go s.wsReadPump(conn, docID, init.UserName, done)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped for lagging; the client recovers via the sync API
				// after its next reconnect.
				s.wsClose(conn, websocket.CloseTryAgainLater, "subscriber lagged")
				return
			}
			// This connection's own join broadcast is redundant with the
			// init reply but harmless; clients treat the roster as
			// authoritative state, not a diff.
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsFrame{Action: ev.Action, FileID: ev.DocumentID, Payload: ev.Payload}); err != nil {
				log.WithFields(log.Fields{"err": err, "doc": docID, "session": connectionID}).
					Debug("event write failed; dropping connection")
				return
			}
		case <-done:
			return
		}
	}
}

// wsReadPump drains inbound frames until the connection dies. Every inbound
// frame refreshes the session heartbeat; the frames themselves carry no
// commands (operations travel over the HTTP API).
func (s *Server) wsReadPump(conn *websocket.Conn, docID, userName string, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(log.Fields{"err": err, "doc": docID}).Debug("websocket read failed")
			}
			return
		}
		if userName == "" {
			continue
		}
		if err := s.presence.Touch(context.Background(), docID, userName, kvc.Touch{Heartbeat: true}); err != nil {
			log.WithFields(log.Fields{"err": err, "doc": docID}).Warn("heartbeat touch failed")
		}
	}
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.WithError(err).Debug("failed to write websocket close")
	}
}
