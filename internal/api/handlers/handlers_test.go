package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/civicdocs/backend/internal/dispatch"
	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/internal/storage/blob"
	"github.com/civicdocs/backend/internal/storage/models"
	"github.com/civicdocs/backend/internal/storage/sqlite"
)

type nopRunner struct{}

func (nopRunner) Process(ctx context.Context, run *models.PipelineRun) {}

type testEnv struct {
	app   *fiber.App
	store *storage.DocumentStore
}

func newTestEnv(t *testing.T, queueDepth int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.NewClient(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	blobs, err := blob.NewFileStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	store := storage.NewDocumentStore(db, blobs)

	dispatcher := dispatch.New(nopRunner{}, store, nil, nil, dispatch.Config{
		MaxQueueDepth:   queueDepth,
		DefaultTemplate: "meeting-brief",
	})

	app := fiber.New()
	api := app.Group("/api/v1")

	ingest := NewIngestHandler(dispatcher)
	documents := NewDocumentHandler(store)
	runs := NewRunHandler(store)

	api.Post("/analyze", ingest.TriggerAnalyze)
	api.Get("/documents", documents.ListDocuments)
	api.Get("/documents/:fingerprint", documents.GetDocument)
	api.Get("/documents/:fingerprint/analyses", documents.ListAnalyses)
	api.Get("/runs/:id", runs.GetRun)

	return &testEnv{app: app, store: store}
}

func (env *testEnv) seedDocument(t *testing.T, raw []byte) string {
	t.Helper()
	fingerprint, _, err := env.store.Put(raw, storage.DocumentMeta{
		OriginURL:   "https://example.org/minutes/1",
		Title:       "Board Meeting Minutes",
		ContentType: "text/html",
		Source:      "cityhall",
		RetrievedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return fingerprint
}

func (env *testEnv) get(t *testing.T, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := env.app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func (env *testEnv) postJSON(t *testing.T, path string, payload interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t, 8)

	status, body := env.get(t, "/api/v1/documents")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(body["count"]) != "0" {
		t.Errorf("count = %s, want 0", body["count"])
	}

	env.seedDocument(t, []byte("doc"))

	status, body = env.get(t, "/api/v1/documents")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(body["count"]) != "1" {
		t.Errorf("count = %s, want 1", body["count"])
	}
}

func TestGetDocument(t *testing.T) {
	env := newTestEnv(t, 8)
	fingerprint := env.seedDocument(t, []byte("doc"))

	status, body := env.get(t, "/api/v1/documents/"+fingerprint)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var got string
	json.Unmarshal(body["fingerprint"], &got)
	if got != fingerprint {
		t.Errorf("fingerprint = %s", got)
	}

	status, _ = env.get(t, "/api/v1/documents/deadbeef")
	if status != fiber.StatusNotFound {
		t.Errorf("missing document status = %d, want 404", status)
	}
}

func TestTriggerAnalyze(t *testing.T) {
	env := newTestEnv(t, 8)
	fingerprint := env.seedDocument(t, []byte("doc"))

	status, body := env.postJSON(t, "/api/v1/analyze", map[string]string{
		"fingerprint": fingerprint,
	})
	if status != fiber.StatusAccepted {
		t.Fatalf("status = %d", status)
	}

	var runID string
	json.Unmarshal(body["run_id"], &runID)
	if runID == "" {
		t.Fatal("no run_id returned")
	}

	status, runBody := env.get(t, "/api/v1/runs/"+runID)
	if status != fiber.StatusOK {
		t.Fatalf("run lookup status = %d", status)
	}
	var stage string
	json.Unmarshal(runBody["stage"], &stage)
	if stage != string(models.StageQueued) {
		t.Errorf("stage = %s, want queued", stage)
	}
}

func TestTriggerAnalyze_ValidationAndLimits(t *testing.T) {
	env := newTestEnv(t, 1)
	fingerprint := env.seedDocument(t, []byte("doc"))

	status, _ := env.postJSON(t, "/api/v1/analyze", map[string]string{})
	if status != fiber.StatusBadRequest {
		t.Errorf("empty fingerprint status = %d, want 400", status)
	}

	status, _ = env.postJSON(t, "/api/v1/analyze", map[string]string{"fingerprint": "deadbeef"})
	if status != fiber.StatusNotFound {
		t.Errorf("unknown document status = %d, want 404", status)
	}

	// Depth-1 queue: the second enqueue must be rejected with 503.
	status, _ = env.postJSON(t, "/api/v1/analyze", map[string]string{"fingerprint": fingerprint})
	if status != fiber.StatusAccepted {
		t.Fatalf("first analyze status = %d", status)
	}
	status, _ = env.postJSON(t, "/api/v1/analyze", map[string]string{"fingerprint": fingerprint})
	if status != fiber.StatusServiceUnavailable {
		t.Errorf("full queue status = %d, want 503", status)
	}
}

func TestListAnalyses(t *testing.T) {
	env := newTestEnv(t, 8)
	fingerprint := env.seedDocument(t, []byte("doc"))

	for i := 0; i < 2; i++ {
		err := env.store.RecordAnalysis(&models.AnalysisResult{
			RunID:       fmt.Sprintf("run-%d", i),
			Fingerprint: fingerprint,
			TemplateID:  "meeting-brief",
			StepName:    "summary",
			Content:     "text",
			Success:     true,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	status, body := env.get(t, "/api/v1/documents/"+fingerprint+"/analyses")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(body["count"]) != "2" {
		t.Errorf("count = %s, want 2", body["count"])
	}

	status, _ = env.get(t, "/api/v1/documents/deadbeef/analyses")
	if status != fiber.StatusNotFound {
		t.Errorf("missing document status = %d, want 404", status)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, 8)

	status, _ := env.get(t, "/api/v1/runs/no-such-run")
	if status != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}
