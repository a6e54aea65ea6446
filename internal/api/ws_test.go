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
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"collab/internal/engine/hub"
)

func dialWS(t *testing.T, s *testStack, fileID, userName string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(s.server.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(wsInit{Action: "init", FileID: fileID, UserName: userName}))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketInitReply(t *testing.T) {
	s := newTestStack(t)
	conn := dialWS(t, s, "doc-1", "ana")

	f := readFrame(t, conn)
	require.Equal(t, "init", f.Action)
	require.NotEmpty(t, f.ConnectionID)
	require.Len(t, f.Users, 1)
	require.Equal(t, "ana", f.Users[0].UserName)
	require.Equal(t, f.ConnectionID, f.Users[0].SessionID)
}

func TestWebSocketRejectsMissingFileID(t *testing.T) {
	s := newTestStack(t)
	url := strings.Replace(s.server.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsInit{Action: "init"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError))
}

func TestWebSocketJoinAndLeaveBroadcasts(t *testing.T) {
	s := newTestStack(t)
	connA := dialWS(t, s, "doc-1", "ana")
	initA := readFrame(t, connA)
	require.Equal(t, "init", initA.Action)

	connB := dialWS(t, s, "doc-1", "bob")
	initB := readFrame(t, connB)
	require.Len(t, initB.Users, 2)

	// A sees its own join first (subscription precedes registration), then
	// B's.
	join := readFrame(t, connA)
	require.Equal(t, hub.ActionAddUser, join.Action)
	join = readFrame(t, connA)
	require.Equal(t, hub.ActionAddUser, join.Action)
	users, ok := join.Payload.([]interface{})
	require.True(t, ok, "payload %#v", join.Payload)
	require.Len(t, users, 2)

	require.NoError(t, connB.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.NoError(t, connB.Close())

	// Skip B's own-join echo frames until the departure arrives.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no removeUser frame")
		f := readFrame(t, connA)
		if f.Action != hub.ActionRemoveUser {
			continue
		}
		require.Equal(t, initB.ConnectionID, f.Payload)
		break
	}
}

func TestWebSocketReceivesCommittedOperations(t *testing.T) {
	s := newTestStack(t)
	conn := dialWS(t, s, "doc-1", "ana")
	init := readFrame(t, conn)
	require.Equal(t, "init", init.Action)
	_ = readFrame(t, conn) // own join broadcast

	resp, body := s.post(t, "/api/collab/UpdateAction", map[string]interface{}{
		"fileId": "doc-1", "version": 0, "currentUser": "ana",
		"connectionId": init.ConnectionID,
		"operations":   insertPayload(0, "x"),
	})
	require.Equal(t, 200, resp.StatusCode, string(body))

	f := readFrame(t, conn)
	require.Equal(t, hub.ActionUpdate, f.Action)
	require.Equal(t, "doc-1", f.FileID)
	op, ok := f.Payload.(map[string]interface{})
	require.True(t, ok, "payload %#v", f.Payload)
	require.EqualValues(t, 1, op["version"])
	require.Equal(t, true, op["isTransformed"])
}
