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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"collab/internal/engine/docstore"
	"collab/internal/engine/hub"
	"collab/internal/engine/kvc"
	"collab/internal/engine/ot"
	"collab/internal/engine/persist"
	"collab/internal/engine/pipeline"
	"collab/internal/engine/presence"
	"collab/internal/engine/syncsvc"
)

type testStack struct {
	server  *httptest.Server
	coord   *kvc.Memory
	objects *docstore.Memory
	fanout  *hub.Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	coord := kvc.NewMemory()
	objects := docstore.NewMemory()
	fanout := hub.New()
	codec := docstore.TextCodec{}

	srv := NewServer(
		syncsvc.New(coord, objects, codec, ot.NewApplier()),
		pipeline.New(coord, ot.NewTransformer(), fanout, 0),
		persist.New(coord, objects, codec),
		presence.New(coord, fanout, 0),
		fanout,
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testStack{server: ts, coord: coord, objects: objects, fanout: fanout}
}

func (s *testStack) post(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func insertPayload(pos int, text string) json.RawMessage {
	b, _ := json.Marshal([]ot.Action{{Type: ot.ActionInsert, Position: pos, Text: text}})
	return b
}

func TestImportFileUnknown(t *testing.T) {
	s := newTestStack(t)
	resp, _ := s.post(t, "/api/collab/ImportFile", map[string]string{"fileId": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestImportThenUpdateThenSync(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	if err := s.objects.Store(ctx, "doc-1", []byte("hello")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	resp, body := s.post(t, "/api/collab/ImportFile", map[string]string{"fileId": "doc-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d: %s", resp.StatusCode, body)
	}
	var imported syncsvc.ImportResult
	if err := json.Unmarshal(body, &imported); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	if imported.SFDT != "hello" || imported.Version != 0 {
		t.Fatalf("import = %+v, want sfdt hello version 0", imported)
	}

	resp, body = s.post(t, "/api/collab/UpdateAction", map[string]interface{}{
		"fileId":      "doc-1",
		"version":     imported.Version,
		"currentUser": "ana",
		"operations":  insertPayload(5, "!"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d: %s", resp.StatusCode, body)
	}
	var committed pipeline.Operation
	if err := json.Unmarshal(body, &committed); err != nil {
		t.Fatalf("decode committed: %v", err)
	}
	if committed.Version != 1 || !committed.IsTransformed {
		t.Fatalf("committed = %+v, want version 1 transformed", committed)
	}

	resp, body = s.post(t, "/api/collab/GetActionsFromServer", map[string]interface{}{
		"fileId": "doc-1", "version": 0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d: %s", resp.StatusCode, body)
	}
	var sr syncsvc.SyncResult
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if sr.Resync || len(sr.Operations) != 1 || sr.Operations[0].Version != 1 {
		t.Fatalf("sync = %+v, want one operation at version 1", sr)
	}
}

func TestUpdateActionStaleClient(t *testing.T) {
	s := newTestStack(t)

	// Two commits by A, then a save through version 2.
	for base := 0; base < 2; base++ {
		resp, body := s.post(t, "/api/collab/UpdateAction", map[string]interface{}{
			"fileId": "doc-1", "version": base, "currentUser": "ana",
			"operations": insertPayload(0, "a"),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("seed update status = %d: %s", resp.StatusCode, body)
		}
	}
	resp, body := s.post(t, "/api/collab/SaveDocument", map[string]interface{}{
		"fileId": "doc-1", "sfdt": "aa", "latestAppliedVersion": 2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d: %s", resp.StatusCode, body)
	}

	// B still at version 1 submits; its base is below the persisted tip.
	resp, body = s.post(t, "/api/collab/UpdateAction", map[string]interface{}{
		"fileId": "doc-1", "version": 1, "currentUser": "bob",
		"operations": insertPayload(0, "b"),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", resp.StatusCode)
	}
	if !strings.HasPrefix(string(body), "RESYNC_REQUIRED: client at 1 < persisted 2") {
		t.Fatalf("stale body = %q, want RESYNC_REQUIRED prefix", body)
	}
}

func TestShouldSaveAndSaveDocument(t *testing.T) {
	s := newTestStack(t)

	resp, body := s.post(t, "/api/collab/UpdateAction", map[string]interface{}{
		"fileId": "doc-1", "version": 0, "currentUser": "ana",
		"operations": insertPayload(0, "x"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d: %s", resp.StatusCode, body)
	}

	resp, body = s.post(t, "/api/collab/ShouldSave", map[string]interface{}{
		"fileId": "doc-1", "latestAppliedVersion": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("should-save status = %d: %s", resp.StatusCode, body)
	}
	var check struct {
		ShouldSave              bool  `json:"shouldSave"`
		CurrentPersistedVersion int64 `json:"currentPersistedVersion"`
	}
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("decode should-save: %v", err)
	}
	if !check.ShouldSave || check.CurrentPersistedVersion != 0 {
		t.Fatalf("should-save = %+v, want shouldSave at tip 0", check)
	}

	resp, body = s.post(t, "/api/collab/SaveDocument", map[string]interface{}{
		"fileId": "doc-1", "sfdt": "x", "latestAppliedVersion": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d: %s", resp.StatusCode, body)
	}
	var saved struct {
		Success bool   `json:"success"`
		Skipped bool   `json:"skipped"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatalf("decode save: %v", err)
	}
	if !saved.Success || saved.Skipped {
		t.Fatalf("save = %+v, want performed", saved)
	}

	data, err := s.objects.Load(context.Background(), "doc-1")
	if err != nil || string(data) != "x" {
		t.Fatalf("stored binary = %q err=%v, want x", data, err)
	}

	// A second save at the same version is skipped.
	resp, body = s.post(t, "/api/collab/SaveDocument", map[string]interface{}{
		"fileId": "doc-1", "sfdt": "x", "latestAppliedVersion": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat save status = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatalf("decode repeat save: %v", err)
	}
	if !saved.Success || !saved.Skipped {
		t.Fatalf("repeat save = %+v, want skipped", saved)
	}
}

func TestSaveDocumentFailureMessage(t *testing.T) {
	coord := kvc.NewMemory()
	fanout := hub.New()
	srv := NewServer(
		syncsvc.New(coord, docstore.NewMemory(), docstore.TextCodec{}, ot.NewApplier()),
		pipeline.New(coord, ot.NewTransformer(), fanout, 0),
		persist.New(coord, brokenStore{}, docstore.TextCodec{}),
		presence.New(coord, fanout, 0),
		fanout,
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Seed one commit so the save is not skipped.
	res, err := coord.Reserve(context.Background(), "doc-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := coord.Commit(context.Background(), "doc-1", res.NewVersion, res.Sentinel, "op"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b, _ := json.Marshal(map[string]interface{}{"fileId": "doc-1", "sfdt": "x", "latestAppliedVersion": 1})
	resp, err := http.Post(ts.URL+"/api/collab/SaveDocument", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if !strings.HasPrefix(string(body), "Failed to save document: ") {
		t.Fatalf("body = %q, want Failed to save document prefix", body)
	}
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string) ([]byte, error) {
	return nil, docstore.ErrNotFound
}

func (brokenStore) Store(context.Context, string, []byte) error {
	return context.DeadlineExceeded
}
