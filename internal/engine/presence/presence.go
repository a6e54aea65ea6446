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

// Package presence tracks the connected sessions of each document and
// drives join/leave broadcasts. Session state lives in the coordination
// store so every server instance sees the same roster.
package presence

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/hub"
	"collab/internal/engine/kvc"
)

// DefaultStaleThreshold marks a session stale when its last heartbeat is
// older than this.
const DefaultStaleThreshold = 2 * time.Minute

// Registry is the session and presence surface used by the transport and
// the reaper.
type Registry struct {
	coord  kvc.Coordinator
	fanout *hub.Hub
	stale  time.Duration
}

// New builds a registry. staleThreshold <= 0 selects the default.
func New(coord kvc.Coordinator, fanout *hub.Hub, staleThreshold time.Duration) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Registry{coord: coord, fanout: fanout, stale: staleThreshold}
}

// StaleThreshold returns the configured heartbeat expiry.
func (r *Registry) StaleThreshold() time.Duration { return r.stale }

// AddSession registers a connection, marks the document active, and
// broadcasts the updated user list. Returns the roster including the new
// session.
func (r *Registry) AddSession(ctx context.Context, docID, sessionID, userName string) ([]kvc.Session, error) {
	now := time.Now()
	s := kvc.Session{
		SessionID:     sessionID,
		UserName:      userName,
		JoinedAt:      now,
		LastHeartbeat: now,
		LastAction:    now,
	}
	if err := r.coord.AddSession(ctx, docID, s); err != nil {
		return nil, err
	}
	users, err := r.coord.ListSessions(ctx, docID)
	if err != nil {
		return nil, err
	}
	r.fanout.Publish(hub.Event{Action: hub.ActionAddUser, DocumentID: docID, Payload: users})
	log.WithFields(log.Fields{"doc": docID, "session": sessionID, "user": userName, "users": len(users)}).
		Info("session joined")
	return users, nil
}

// RemoveSession drops a connection and broadcasts the departure. Reports
// whether the session existed; removal of an unknown session broadcasts
// nothing.
func (r *Registry) RemoveSession(ctx context.Context, docID, sessionID string) (bool, error) {
	removed, err := r.coord.RemoveSession(ctx, docID, sessionID)
	if err != nil {
		return false, err
	}
	if removed {
		r.fanout.Publish(hub.Event{Action: hub.ActionRemoveUser, DocumentID: docID, Payload: sessionID})
		log.WithFields(log.Fields{"doc": docID, "session": sessionID}).Info("session left")
	}
	return removed, nil
}

// Touch advances the selected timestamps on every session of the user.
func (r *Registry) Touch(ctx context.Context, docID, userName string, t kvc.Touch) error {
	return r.coord.TouchSessions(ctx, docID, userName, time.Now(), t)
}

// ListSessions returns the roster in join order.
func (r *Registry) ListSessions(ctx context.Context, docID string) ([]kvc.Session, error) {
	return r.coord.ListSessions(ctx, docID)
}

// Stale reports whether a session's heartbeat has expired as of now.
func (r *Registry) Stale(s kvc.Session, now time.Time) bool {
	return now.Sub(s.LastHeartbeat) > r.stale
}
