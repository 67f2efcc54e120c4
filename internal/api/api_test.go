package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/eyemem/internal/audit"
	"github.com/kalambet/eyemem/internal/blob"
	"github.com/kalambet/eyemem/internal/engine"
	"github.com/kalambet/eyemem/internal/index"
	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/memory"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/retrieval"
	"github.com/kalambet/eyemem/internal/storage"
	"github.com/kalambet/eyemem/internal/worker"
)

const testToken = "test-token-12345"

type testApp struct {
	handler http.Handler
	store   *storage.Store
	queue   *jobs.Queue
	reg     *jobs.Registry
	index   *index.Index
	worker  *worker.Worker
	mr      *miniredis.Miniredis
}

func setupApp(t *testing.T, token string, tweak func(*Deps)) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := jobs.NewRegistry(rdb, "test")
	q := jobs.NewQueue(rdb, reg, "work", time.Minute)

	ix, err := index.New(16)
	if err != nil {
		t.Fatal(err)
	}
	blobs := blob.NewMemoryStore()
	m := metrics.New()
	embedder := retrieval.NewHashEmbedder(16)

	svc := memory.NewService(store, blobs, q, reg, memory.Options{MaxImageSize: 1 << 20, Metrics: m})
	searcher, err := retrieval.NewSearcher(embedder, ix, store, retrieval.Options{Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	proc := memory.NewProcessor(store, blobs, memory.SizeDescriber{}, embedder, ix, m)
	mux := worker.NewMux()
	mux.Register(memory.JobType, worker.Typed(proc.Process))

	deps := Deps{
		Queue:         q,
		Jobs:          reg,
		Memories:      svc,
		Search:        searcher,
		Chat:          retrieval.NewChatter(searcher, nil, ""),
		Audit:         audit.New(store, reg, ix, audit.Options{Metrics: m}),
		Metrics:       m,
		JobTypes:      mux.Types(),
		Token:         token,
		MaxUploadSize: 1 << 20,
	}
	if tweak != nil {
		tweak(&deps)
	}
	return &testApp{
		handler: NewHandler(deps),
		store:   store,
		queue:   q,
		reg:     reg,
		index:   ix,
		worker:  worker.New("w1", q, reg, mux, worker.Options{DequeueTimeout: time.Second, Metrics: m}),
		mr:      mr,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadReq(t *testing.T, data []byte, fields map[string]string, user string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := authReq(http.MethodPost, "/v1/memory/upload", "", testToken)
	req.Body = io.NopCloser(&body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	app := setupApp(t, testToken, nil)

	rr := app.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}
	rr = app.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("metrics = %d", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	app := setupApp(t, testToken, nil)

	for _, token := range []string{"", "wrong"} {
		rr := app.do(t, authReq(http.MethodGet, "/v1/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
	rr := app.do(t, authReq(http.MethodGet, "/v1/jobs", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", rr.Code)
	}
}

func TestNoTokenDisablesAuth(t *testing.T) {
	app := setupApp(t, "", nil)
	rr := app.do(t, authReq(http.MethodGet, "/v1/queue", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestEnqueueAndGetJob(t *testing.T) {
	app := setupApp(t, testToken, func(d *Deps) { d.JobTypes = nil })

	rr := app.do(t, authReq(http.MethodPost, "/v1/jobs", `{"type":"reindex","payload":{"n":1}}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]string](t, rr)["id"]
	if id == "" {
		t.Fatal("no id returned")
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/jobs/"+id, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	rec := decode[jobs.Record](t, rr)
	if rec.Status != jobs.StatusQueued || rec.Type != "reindex" {
		t.Errorf("record = %+v", rec)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/queue", "", testToken))
	qs := decode[QueueStats](t, rr)
	if qs.Waiting != 1 || qs.Name != "work" {
		t.Errorf("queue stats = %+v", qs)
	}
}

func TestEnqueueValidation(t *testing.T) {
	app := setupApp(t, testToken, nil)

	cases := []string{`not json`, `{"payload":{}}`, `{"type":"nobody_handles_this"}`}
	for _, body := range cases {
		rr := app.do(t, authReq(http.MethodPost, "/v1/jobs", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
		var env struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		json.Unmarshal(rr.Body.Bytes(), &env)
		if env.Error.Type != "invalid_request_error" {
			t.Errorf("%s: error type = %q", body, env.Error.Type)
		}
	}
}

func TestGetJob_NotFound(t *testing.T) {
	app := setupApp(t, testToken, nil)
	rr := app.do(t, authReq(http.MethodGet, "/v1/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("memory job status = %d, want 404", rr.Code)
	}
}

func TestListJobs_NewestFirst(t *testing.T) {
	app := setupApp(t, testToken, func(d *Deps) { d.JobTypes = nil })
	var ids []string
	for i := 0; i < 3; i++ {
		rr := app.do(t, authReq(http.MethodPost, "/v1/jobs", `{"type":"t"}`, testToken))
		ids = append(ids, decode[map[string]string](t, rr)["id"])
	}

	rr := app.do(t, authReq(http.MethodGet, "/v1/jobs?limit=2", "", testToken))
	list := decode[JobList](t, rr)
	if list.Total != 3 || len(list.Jobs) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Jobs[0].ID != ids[2] || list.Jobs[1].ID != ids[1] {
		t.Errorf("order = %s, %s; want %s, %s", list.Jobs[0].ID, list.Jobs[1].ID, ids[2], ids[1])
	}
}

func TestQueueUnavailable(t *testing.T) {
	app := setupApp(t, testToken, func(d *Deps) { d.JobTypes = nil })
	app.mr.Close()

	rr := app.do(t, authReq(http.MethodPost, "/v1/jobs", `{"type":"t"}`, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503; body = %s", rr.Code, rr.Body.String())
	}
}

func TestUploadProcessSearchDelete(t *testing.T) {
	app := setupApp(t, testToken, nil)
	ctx := context.Background()

	rr := app.do(t, uploadReq(t, pngBytes(t), map[string]string{
		"user_tags":  "beach, family ,",
		"user_notes": "first trip",
	}, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rr.Code, rr.Body.String())
	}
	up := decode[memory.UploadResult](t, rr)
	if up.Status != "queued" || up.JobID == "" {
		t.Fatalf("upload = %+v", up)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/jobs/"+up.JobID, "", testToken))
	if st := decode[memory.JobStatus](t, rr); st.Progress != 10 {
		t.Errorf("before processing: %+v", st)
	}

	if ok, err := app.worker.RunOnce(ctx); !ok || err != nil {
		t.Fatalf("RunOnce = %v, %v", ok, err)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/jobs/"+up.JobID, "", testToken))
	if st := decode[memory.JobStatus](t, rr); st.Status != "completed" || st.Progress != 100 {
		t.Errorf("after processing: %+v", st)
	}

	req := authReq(http.MethodGet, "/v1/memory/memories/"+up.MemoryID, "", testToken)
	req.Header.Set("X-User-ID", "alice")
	rr = app.do(t, req)
	m := decode[MemoryResponse](t, rr)
	if m.ProcessingStatus != storage.StatusCompleted || len(m.UserTags) != 2 || m.ImageURL != "/v1/memory/image/"+up.ImageUUID {
		t.Errorf("memory = %+v", m)
	}

	search := func(user string) SearchResponse {
		req := authReq(http.MethodPost, "/v1/memory/search", `{"query":"Small image with basic content","filter_tags":["beach"]}`, testToken)
		req.Header.Set("X-User-ID", user)
		rr := app.do(t, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("search status = %d, body = %s", rr.Code, rr.Body.String())
		}
		return decode[SearchResponse](t, rr)
	}
	if res := search("alice"); res.TotalFound != 1 || res.Memories[0].SimilarityScore == nil {
		t.Errorf("alice search = %+v", res)
	}
	if res := search("bob"); res.TotalFound != 0 {
		t.Errorf("bob sees %d of alice's memories", res.TotalFound)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/image/"+up.ImageUUID, "", testToken))
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Errorf("image = %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}

	req = authReq(http.MethodDelete, "/v1/memory/memories/"+up.MemoryID, "", testToken)
	req.Header.Set("X-User-ID", "alice")
	if rr = app.do(t, req); rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if res := search("alice"); res.TotalFound != 0 {
		t.Errorf("deleted memory still found: %+v", res)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/audit", "", testToken))
	rep := decode[audit.Report](t, rr)
	if rep.IndexSize != 1 || rep.OrphanedVectors != 1 {
		t.Errorf("audit = %+v", rep)
	}
}

func TestUpload_Rejections(t *testing.T) {
	app := setupApp(t, testToken, nil)

	rr := app.do(t, uploadReq(t, []byte("not an image"), nil, ""))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("garbage: status = %d, want 400", rr.Code)
	}

	req := authReq(http.MethodPost, "/v1/memory/upload", "x", testToken)
	req.Header.Set("Content-Type", "text/plain")
	if rr = app.do(t, req); rr.Code != http.StatusBadRequest {
		t.Errorf("not multipart: status = %d, want 400", rr.Code)
	}

	big := make([]byte, 3<<20)
	if rr = app.do(t, uploadReq(t, big, nil, "")); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("too large: status = %d, want 413", rr.Code)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	app := setupApp(t, testToken, nil)
	rr := app.do(t, authReq(http.MethodPost, "/v1/memory/search", `{"query":"  "}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

type failingChatModel struct{}

func (failingChatModel) Chat(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
	return "", errors.New("model not found")
}

func TestChatWithMemories(t *testing.T) {
	app := setupApp(t, testToken, nil)
	ctx := context.Background()

	public := decode[memory.UploadResult](t, app.do(t, uploadReq(t, pngBytes(t), map[string]string{"user_notes": "first trip"}, "alice")))
	app.do(t, uploadReq(t, pngBytes(t), map[string]string{"is_private": "true"}, "alice"))
	for i := 0; i < 2; i++ {
		if ok, err := app.worker.RunOnce(ctx); !ok || err != nil {
			t.Fatalf("RunOnce = %v, %v", ok, err)
		}
	}

	chat := func(body, contentType string) *httptest.ResponseRecorder {
		req := authReq(http.MethodPost, "/v1/memory/chat-with-memories", body, testToken)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-User-ID", "alice")
		return app.do(t, req)
	}

	rr := chat("message=Small+image+with+basic+content", "application/x-www-form-urlencoded")
	if rr.Code != http.StatusOK {
		t.Fatalf("form chat status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[ChatResponse](t, rr)
	if resp.Message != "Based on your memories: Small image with basic content" {
		t.Errorf("message = %q", resp.Message)
	}
	if len(resp.RelevantMemories) != 1 || resp.RelevantMemories[0].ID != public.MemoryID {
		t.Fatalf("relevant memories = %+v, want only the public one", resp.RelevantMemories)
	}
	if got := resp.RelevantMemories[0]; got.ImageURL != "/v1/memory/image/"+public.ImageUUID || got.Description == "" {
		t.Errorf("relevant memory = %+v", got)
	}
	if !strings.HasPrefix(resp.Context, "Relevant memories:\n- ") || !strings.Contains(resp.Context, "User notes: first trip") {
		t.Errorf("context = %q", resp.Context)
	}

	rr = chat(`{"message":"Small image with basic content"}`, "application/json")
	if rr.Code != http.StatusOK || len(decode[ChatResponse](t, rr).RelevantMemories) != 1 {
		t.Errorf("json chat status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if rr = chat(`{"message":"  "}`, "application/json"); rr.Code != http.StatusBadRequest {
		t.Errorf("blank message: status = %d, want 400", rr.Code)
	}
}

func TestChatWithMemories_ModelFailure(t *testing.T) {
	app := setupApp(t, testToken, func(d *Deps) {
		d.Chat = retrieval.NewChatter(d.Search, failingChatModel{}, "llava")
	})
	req := authReq(http.MethodPost, "/v1/memory/chat-with-memories", `{"message":"hello"}`, testToken)
	req.Header.Set("Content-Type", "application/json")
	if rr := app.do(t, req); rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestUpdateAndStats(t *testing.T) {
	app := setupApp(t, testToken, nil)
	rr := app.do(t, uploadReq(t, pngBytes(t), nil, ""))
	up := decode[memory.UploadResult](t, rr)

	rr = app.do(t, authReq(http.MethodPatch, "/v1/memory/memories/"+up.MemoryID, `{"user_notes":"edited","is_favorite":true}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if m := decode[MemoryResponse](t, rr); m.UserNotes != "edited" || !m.IsFavorite {
		t.Errorf("memory = %+v", m)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/stats", "", testToken))
	st := decode[storage.MemoryStats](t, rr)
	if st.TotalMemories != 1 || st.ProcessingPending != 1 {
		t.Errorf("stats = %+v", st)
	}

	rr = app.do(t, authReq(http.MethodGet, "/v1/memory/memories", "", testToken))
	if list := decode[[]MemoryResponse](t, rr); len(list) != 1 {
		t.Errorf("list length = %d", len(list))
	}
}

func TestRateLimit(t *testing.T) {
	app := setupApp(t, testToken, func(d *Deps) {
		d.JobTypes = nil
		d.RateLimit = 0.001
		d.RateBurst = 1
	})

	rr := app.do(t, authReq(http.MethodPost, "/v1/jobs", `{"type":"t"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d", rr.Code)
	}
	rr = app.do(t, uploadReq(t, pngBytes(t), nil, ""))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	// Reads are not throttled.
	if rr = app.do(t, authReq(http.MethodGet, "/v1/jobs", "", testToken)); rr.Code != http.StatusOK {
		t.Errorf("read: status = %d", rr.Code)
	}
}
