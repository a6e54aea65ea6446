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

package hub

import (
	"testing"
)

func TestPublishReachesOnlyDocumentSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe("doc-a")
	b := h.Subscribe("doc-b")
	defer a.Cancel()
	defer b.Cancel()

	h.Publish(Event{Action: ActionUpdate, DocumentID: "doc-a", Payload: "op-1"})

	select {
	case ev := <-a.Events():
		if ev.Action != ActionUpdate || ev.Payload != "op-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("subscriber on doc-a received nothing")
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("subscriber on doc-b received %+v", ev)
	default:
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	h := New()
	sub := h.Subscribe("doc")
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		h.Publish(Event{Action: ActionUpdate, DocumentID: "doc", Payload: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		if ev.Payload != i {
			t.Fatalf("event %d arrived as %v", i, ev.Payload)
		}
	}
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	h := New()
	sub := h.Subscribe("doc")
	// Never drain: fill the buffer and one more.
	for i := 0; i <= subscriberBuffer; i++ {
		h.Publish(Event{Action: ActionUpdate, DocumentID: "doc", Payload: i})
	}
	if n := h.SubscriberCount("doc"); n != 0 {
		t.Fatalf("lagging subscriber still attached (count=%d)", n)
	}
	// The channel must be closed after the buffered events drain.
	drained := 0
	for range sub.Events() {
		drained++
	}
	if drained != subscriberBuffer {
		t.Fatalf("drained %d events, want %d", drained, subscriberBuffer)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe("doc")
	sub.Cancel()
	sub.Cancel() // must not panic or double-close
	if n := h.SubscriberCount("doc"); n != 0 {
		t.Fatalf("subscriber still attached (count=%d)", n)
	}
}
