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

// Package hub is the in-process fan-out of committed operations and
// presence changes, keyed by document id. There is no persistence of missed
// events: a subscriber that falls behind is dropped and recovers through the
// sync service's contiguous-suffix read.
package hub

import (
	"sync"
)

// Actions carried on fan-out events and on the wire to clients.
const (
	ActionUpdate     = "updateAction"
	ActionAddUser    = "addUser"
	ActionRemoveUser = "removeUser"
)

// Event is one fan-out message. Payload is a committed operation, the full
// user list, or the departing session id, depending on Action.
type Event struct {
	Action     string
	DocumentID string
	Payload    interface{}
}

// subscriberBuffer bounds the per-subscriber channel. A full buffer means
// the transport stopped draining; the subscription is closed rather than
// blocking publishers.
const subscriberBuffer = 64

// Subscription is one subscriber's view of a document topic. Closed either
// by Cancel or by the hub when the subscriber falls behind; in both cases
// the event channel is closed.
type Subscription struct {
	hub   *Hub
	docID string
	ch    chan Event
	once  sync.Once
}

// Events returns the receive channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.remove(s.docID, s)
}

// Hub routes events to subscribers. The subscriber map is guarded by a
// read-majority mutex: publishes take the read lock, connect/disconnect the
// write lock.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a new subscriber to a document topic.
func (h *Hub) Subscribe(docID string) *Subscription {
	sub := &Subscription{hub: h, docID: docID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	if h.subs[docID] == nil {
		h.subs[docID] = make(map[*Subscription]struct{})
	}
	h.subs[docID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber of the document, in arrival
// order per subscriber. Subscribers whose buffers are full are detached.
func (h *Hub) Publish(ev Event) {
	var lagging []*Subscription
	h.mu.RLock()
	for sub := range h.subs[ev.DocumentID] {
		select {
		case sub.ch <- ev:
		default:
			lagging = append(lagging, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range lagging {
		h.remove(ev.DocumentID, sub)
	}
}

// SubscriberCount reports the number of live subscribers on a document.
func (h *Hub) SubscriberCount(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[docID])
}

func (h *Hub) remove(docID string, sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[docID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, docID)
			}
		} else {
			sub = nil // already detached elsewhere
		}
	} else {
		sub = nil
	}
	h.mu.Unlock()
	if sub != nil {
		sub.once.Do(func() { close(sub.ch) })
	}
}
