package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"videosummary/internal/bundle"
	"videosummary/internal/cache"
	"videosummary/internal/models"
	"videosummary/internal/pipeline"
	"videosummary/internal/storage"
	"videosummary/internal/testsupport/mediastub"
	"videosummary/internal/uploads"
)

const sampleSRT = "1\n00:00:00,000 --> 00:00:05,000\nHello world.\n"

type testRig struct {
	handler *Handler
	db      storage.Store
	stack   *mediastub.Stack
	workDir string
}

func newTestRig(t *testing.T, configure func(*uploads.Config)) *testRig {
	t.Helper()
	workDir := t.TempDir()

	db, err := storage.NewGORMStore(storage.Config{Path: filepath.Join(workDir, "metadata.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bundles, err := bundle.NewStore(workDir, nil)
	if err != nil {
		t.Fatalf("open bundle store: %v", err)
	}

	uploadCfg := uploads.Config{Root: workDir, MaxFileSize: 1 << 20}
	if configure != nil {
		configure(&uploadCfg)
	}
	uploadStore, err := uploads.NewStore(db, uploadCfg)
	if err != nil {
		t.Fatalf("open upload store: %v", err)
	}

	stack := &mediastub.Stack{}
	keys := cache.NewKeys(cache.KeysConfig{ProfileVersion: "v1", Prober: stack})

	executor := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Prober:    stack,
		Subtitles: stack,
		Videos:    stack,
		Audio:     stack,
		ASR:       stack,
		LLM:       stack,
		Uploads:   uploadStore,
	})
	pool := pipeline.NewPool(pipeline.PoolConfig{
		DB:            db,
		Bundles:       bundles,
		Executor:      executor,
		Workers:       1,
		DrainInterval: 20 * time.Millisecond,
	})
	coordinator := cache.NewCoordinator(cache.CoordinatorConfig{
		DB:      db,
		Bundles: bundles,
		Keys:    keys,
		Uploads: uploadStore,
		Enqueue: pool.Enqueue,
		Cancel:  pool.CancelKey,
	})

	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	handler := NewHandler(Config{
		Uploads:          uploadStore,
		Cache:            coordinator,
		DB:               db,
		Version:          "0.1.0",
		MaxDeclaredBytes: uploadCfg.MaxFileSize + uploadCfg.GraceBytes,
	})
	return &testRig{handler: handler, db: db, stack: stack, workDir: workDir}
}

func (rig *testRig) postJSON(t *testing.T, handlerFn http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handlerFn(recorder, req)
	return recorder
}

func (rig *testRig) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	rig.handler.Upload(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return out
}

// waitForJob polls the job endpoint until the job is terminal.
func (rig *testRig) waitForJob(t *testing.T, jobID string) JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID, nil)
		recorder := httptest.NewRecorder()
		rig.handler.JobByID(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Fatalf("job status returned %d: %s", recorder.Code, recorder.Body.String())
		}
		status := decodeBody[JobStatusResponse](t, recorder)
		if status.Status.Terminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
	return JobStatusResponse{}
}

func TestHealth(t *testing.T) {
	rig := newTestRig(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	rig.handler.Health(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("health returned %d", recorder.Code)
	}
	health := decodeBody[HealthResponse](t, recorder)
	if health.Status != "ok" || health.Version != "0.1.0" {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestUploadThenSummarizeLocalSubtitle(t *testing.T) {
	rig := newTestRig(t, nil)

	uploaded := rig.upload(t, "sample.srt", sampleSRT)
	if uploaded.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", uploaded.Code, uploaded.Body.String())
	}
	record := decodeBody[models.UploadRecord](t, uploaded)
	if !regexp.MustCompile(`^f_[0-9a-f]{32}$`).MatchString(record.FileID) {
		t.Fatalf("malformed file_id %q", record.FileID)
	}
	if record.FileType != models.FileTypeSubtitle {
		t.Fatalf("file_type = %q, want subtitle", record.FileType)
	}
	if record.Size != int64(len(sampleSRT)) {
		t.Fatalf("size = %d, want %d", record.Size, len(sampleSRT))
	}

	accepted := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{
		SourceRequest: SourceRequest{SourceType: "local", FileID: record.FileID},
	})
	if accepted.Code != http.StatusAccepted {
		t.Fatalf("summaries returned %d: %s", accepted.Code, accepted.Body.String())
	}
	response := decodeBody[SummaryResponse](t, accepted)
	if !regexp.MustCompile(`^j_[0-9a-f]{32}$`).MatchString(response.JobID) {
		t.Fatalf("malformed job_id %q", response.JobID)
	}

	final := rig.waitForJob(t, response.JobID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("job finished %q (%s), want completed", final.Status, final.Error)
	}

	entryReq := httptest.NewRequest(http.MethodGet, "/api/cache/"+response.CacheKey, nil)
	entryRec := httptest.NewRecorder()
	rig.handler.CacheByKey(entryRec, entryReq)
	if entryRec.Code != http.StatusOK {
		t.Fatalf("cache entry returned %d", entryRec.Code)
	}
	entry := decodeBody[models.CacheEntry](t, entryRec)
	if entry.SummaryText == "" {
		t.Fatal("summary_text is empty")
	}
	if entry.ProfileVersion != "v1" {
		t.Fatalf("profile_version = %q", entry.ProfileVersion)
	}
	if entry.SourceName != "sample.srt" {
		t.Fatalf("source_name = %q", entry.SourceName)
	}
}

func TestSummariesCacheHitShortCircuit(t *testing.T) {
	rig := newTestRig(t, nil)
	request := SummaryRequest{SourceRequest: SourceRequest{
		SourceType: "url",
		SourceURL:  "https://example.com/v/abc",
	}}

	first := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", request)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first request returned %d: %s", first.Code, first.Body.String())
	}
	firstResp := decodeBody[SummaryResponse](t, first)

	// While the job is in flight, an identical request adopts the same job.
	inflight := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", request)
	if inflight.Code == http.StatusAccepted {
		inflightResp := decodeBody[SummaryResponse](t, inflight)
		if inflightResp.JobID != firstResp.JobID {
			t.Fatalf("in-flight request got job %q, want %q", inflightResp.JobID, firstResp.JobID)
		}
	}

	rig.waitForJob(t, firstResp.JobID)

	second := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", request)
	if second.Code != http.StatusOK {
		t.Fatalf("second request returned %d: %s", second.Code, second.Body.String())
	}
	secondResp := decodeBody[SummaryResponse](t, second)
	if secondResp.CacheKey != firstResp.CacheKey {
		t.Fatalf("cache keys differ: %q vs %q", secondResp.CacheKey, firstResp.CacheKey)
	}
	if secondResp.Status != models.StatusCompleted {
		t.Fatalf("second status = %q", secondResp.Status)
	}
	if secondResp.JobID != "" {
		t.Fatalf("cache hit should not carry a job, got %q", secondResp.JobID)
	}
	if secondResp.SummaryText == "" {
		t.Fatal("cache hit without summary text")
	}
	if calls := rig.stack.SummarizeCalls(); calls != 1 {
		t.Fatalf("summarizer ran %d times, want 1", calls)
	}
}

func TestSummariesRefreshCreatesNewJob(t *testing.T) {
	rig := newTestRig(t, nil)
	request := SummaryRequest{SourceRequest: SourceRequest{
		SourceType: "url",
		SourceURL:  "https://example.com/v/refresh",
	}}

	first := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", request)
	firstResp := decodeBody[SummaryResponse](t, first)
	rig.waitForJob(t, firstResp.JobID)

	request.Refresh = true
	refreshed := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", request)
	if refreshed.Code != http.StatusAccepted {
		t.Fatalf("refresh returned %d: %s", refreshed.Code, refreshed.Body.String())
	}
	refreshResp := decodeBody[SummaryResponse](t, refreshed)
	if refreshResp.JobID == firstResp.JobID || refreshResp.JobID == "" {
		t.Fatalf("refresh job %q should differ from %q", refreshResp.JobID, firstResp.JobID)
	}
	if refreshResp.CacheKey != firstResp.CacheKey {
		t.Fatal("refresh must keep the cache key")
	}

	rig.waitForJob(t, refreshResp.JobID)

	// No orphan staging directories remain after the overwrite.
	entries, err := os.ReadDir(filepath.Join(rig.workDir, "tmp"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d staging directories left behind", len(entries))
	}
}

func TestSummariesInvalidCombination(t *testing.T) {
	rig := newTestRig(t, nil)
	cases := []SourceRequest{
		{SourceType: "url", SourceURL: "https://example.com/v/abc", FileID: "f_" + strings.Repeat("0", 32)},
		{SourceType: "url"},
		{SourceType: "local", SourceURL: "https://example.com/v/abc", FileID: "f_" + strings.Repeat("0", 32)},
		{SourceType: "local"},
		{SourceType: "local", FileID: "f_" + strings.Repeat("0", 32), FileHash: strings.Repeat("0", 64)},
	}
	for i, source := range cases {
		recorder := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
		if recorder.Code != http.StatusUnprocessableEntity {
			t.Fatalf("case %d returned %d, want 422: %s", i, recorder.Code, recorder.Body.String())
		}
		envelope := decodeBody[errorEnvelope](t, recorder)
		if envelope.Code != string(models.KindInvalidArgument) {
			t.Fatalf("case %d code = %q", i, envelope.Code)
		}
	}

	// No entry or job was created by any rejected request.
	entries, err := rig.db.ListEntriesByStatus(context.Background(),
		models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d entries created by invalid requests", len(entries))
	}
}

func TestSummariesMalformedFieldsRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	recorder := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{
		SourceRequest: SourceRequest{SourceType: "local", FileID: "not-a-file-id"},
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("returned %d, want 422", recorder.Code)
	}
	envelope := decodeBody[errorEnvelope](t, recorder)
	if len(envelope.Errors) == 0 {
		t.Fatal("expected field errors in the envelope")
	}
}

func TestUploadTooLargeLeavesNothingBehind(t *testing.T) {
	rig := newTestRig(t, func(cfg *uploads.Config) {
		cfg.MaxFileSize = 64
	})

	recorder := rig.upload(t, "big.mp4", strings.Repeat("x", 65))
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("upload returned %d, want 413: %s", recorder.Code, recorder.Body.String())
	}
	envelope := decodeBody[errorEnvelope](t, recorder)
	if envelope.Code != string(models.KindTooLarge) {
		t.Fatalf("code = %q", envelope.Code)
	}

	files, err := os.ReadDir(filepath.Join(rig.workDir, "uploads"))
	if err != nil {
		t.Fatalf("read uploads dir: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("%d files left in uploads dir", len(files))
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	rig := newTestRig(t, nil)
	recorder := rig.upload(t, "malware.exe", "MZ")
	if recorder.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("upload returned %d, want 415", recorder.Code)
	}
}

func TestUploadRejectsDeclaredLengthBeforeReading(t *testing.T) {
	rig := newTestRig(t, func(cfg *uploads.Config) {
		cfg.MaxFileSize = 64
		cfg.GraceBytes = 16
	})

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = 1 << 20
	recorder := httptest.NewRecorder()
	rig.handler.Upload(recorder, req)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("upload returned %d, want 413", recorder.Code)
	}
}

func TestJobNotFound(t *testing.T) {
	rig := newTestRig(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j_"+strings.Repeat("0", 32), nil)
	recorder := httptest.NewRecorder()
	rig.handler.JobByID(recorder, req)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("returned %d, want 404", recorder.Code)
	}
	envelope := decodeBody[errorEnvelope](t, recorder)
	if envelope.Code != string(models.KindNotFound) {
		t.Fatalf("code = %q", envelope.Code)
	}
}

func TestJobMalformedID(t *testing.T) {
	rig := newTestRig(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nonsense", nil)
	recorder := httptest.NewRecorder()
	rig.handler.JobByID(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("returned %d, want 400", recorder.Code)
	}
}

func TestLookupMissAndHit(t *testing.T) {
	rig := newTestRig(t, nil)
	source := SourceRequest{SourceType: "url", SourceURL: "https://example.com/v/lookup"}

	miss := rig.postJSON(t, rig.handler.Lookup, "/api/cache/lookup", source)
	if miss.Code != http.StatusOK {
		t.Fatalf("lookup returned %d", miss.Code)
	}
	missResp := decodeBody[LookupResponse](t, miss)
	if missResp.Hit {
		t.Fatal("lookup reported a hit for an unseen source")
	}
	if missResp.JobID != "" {
		t.Fatal("lookup must not schedule work")
	}

	accepted := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
	acceptedResp := decodeBody[SummaryResponse](t, accepted)
	rig.waitForJob(t, acceptedResp.JobID)

	hit := rig.postJSON(t, rig.handler.Lookup, "/api/cache/lookup", source)
	hitResp := decodeBody[LookupResponse](t, hit)
	if !hitResp.Hit {
		t.Fatalf("lookup missed a completed entry: %+v", hitResp)
	}
	if hitResp.CacheKey != acceptedResp.CacheKey {
		t.Fatal("lookup derived a different cache key")
	}
	if hitResp.SummaryText == "" {
		t.Fatal("lookup hit without summary text")
	}
}

func TestCacheDeleteThenRecreate(t *testing.T) {
	rig := newTestRig(t, nil)
	source := SourceRequest{SourceType: "url", SourceURL: "https://example.com/v/del"}

	accepted := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
	acceptedResp := decodeBody[SummaryResponse](t, accepted)
	rig.waitForJob(t, acceptedResp.JobID)

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/cache/"+acceptedResp.CacheKey, nil)
	deleteRec := httptest.NewRecorder()
	rig.handler.CacheByKey(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", deleteRec.Code, deleteRec.Body.String())
	}
	deleted := decodeBody[DeleteResponse](t, deleteRec)
	if !deleted.Deleted || deleted.CacheKey != acceptedResp.CacheKey {
		t.Fatalf("unexpected delete payload: %+v", deleted)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/cache/"+acceptedResp.CacheKey, nil)
	getRec := httptest.NewRecorder()
	rig.handler.CacheByKey(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("entry still present after delete: %d", getRec.Code)
	}

	// The same source can be summarized again from scratch.
	again := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
	if again.Code != http.StatusAccepted {
		t.Fatalf("re-request returned %d", again.Code)
	}
	againResp := decodeBody[SummaryResponse](t, again)
	if againResp.CacheKey != acceptedResp.CacheKey {
		t.Fatal("cache key changed after delete")
	}
	rig.waitForJob(t, againResp.JobID)
}

func TestFailedEntryIsTerminalUntilRefresh(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.stack.SummarizeFunc = func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}
	source := SourceRequest{SourceType: "url", SourceURL: "https://example.com/v/fail"}

	accepted := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
	acceptedResp := decodeBody[SummaryResponse](t, accepted)
	final := rig.waitForJob(t, acceptedResp.JobID)
	if final.Status != models.StatusFailed {
		t.Fatalf("job finished %q, want failed", final.Status)
	}

	// Without refresh the recorded failure is surfaced, no new job runs.
	repeat := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{SourceRequest: source})
	if repeat.Code != http.StatusOK {
		t.Fatalf("repeat returned %d, want 200 terminal result", repeat.Code)
	}
	repeatResp := decodeBody[SummaryResponse](t, repeat)
	if repeatResp.Status != models.StatusFailed || repeatResp.Error == "" {
		t.Fatalf("unexpected terminal payload: %+v", repeatResp)
	}

	// refresh retries with a healthy summarizer.
	rig.stack.SummarizeFunc = nil
	retry := rig.postJSON(t, rig.handler.Summaries, "/api/summaries", SummaryRequest{
		SourceRequest: source, Refresh: true,
	})
	if retry.Code != http.StatusAccepted {
		t.Fatalf("refresh returned %d", retry.Code)
	}
	retryResp := decodeBody[SummaryResponse](t, retry)
	if got := rig.waitForJob(t, retryResp.JobID); got.Status != models.StatusCompleted {
		t.Fatalf("retry finished %q (%s)", got.Status, got.Error)
	}
}
