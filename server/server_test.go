package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/ticdso/depthserve/auth"
	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/depthsvc"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/jobqueue"
	"github.com/ticdso/depthserve/metrics"
	"github.com/ticdso/depthserve/onnxdepth"
	"github.com/ticdso/depthserve/tasks"
)

type rampEstimator struct {
	err error
}

func (e *rampEstimator) Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	if e.err != nil {
		return nil, e.err
	}
	b := img.Bounds()
	dm := depthmap.New(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dm.Set(x, y, float32(x+1))
		}
	}
	return dm, nil
}

func (e *rampEstimator) Info() onnxdepth.ModelInfo {
	return onnxdepth.ModelInfo{Name: "PixelFormer", Version: "large07", MaxDepth: 10, InputWidth: 640, InputHeight: 480}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.SetRGBA(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newDeps(t *testing.T, est depthsvc.Estimator) Dependencies {
	t.Helper()
	svc, err := depthsvc.New(est, depthsvc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return Dependencies{Service: svc}
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "error" {
		t.Errorf("status = %q; want error", resp.Status)
	}
	return resp.Error.Code
}

func multipartRequest(t *testing.T, path, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthAndInfo(t *testing.T) {
	h := New(newDeps(t, &rampEstimator{}))

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health code = %d", rec.Code)
	}
	var health depthsvc.Health
	decodeBody(t, rec, &health)
	want := depthsvc.Health{Status: "healthy", Model: "PixelFormer large07", Ready: true}
	if diff := cmp.Diff(want, health); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	var info map[string]any
	decodeBody(t, rec, &info)
	model, _ := info["model"].(map[string]any)
	if model["name"] != "PixelFormer" || model["max_depth"] != 10.0 {
		t.Errorf("unexpected model info: %v", model)
	}
	if _, ok := info["endpoints"]; !ok {
		t.Error("endpoints missing from info")
	}

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health code = %d", rec.Code)
	}
}

func TestPredictInputs(t *testing.T) {
	h := New(newDeps(t, &rampEstimator{}))
	img := pngBytes(t, 8, 6)

	raw := httptest.NewRequest(http.MethodPost, "/api/v1/predict", bytes.NewReader(img))
	raw.Header.Set("Content-Type", "image/png")

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"multipart", multipartRequest(t, "/api/v1/predict", "image", img)},
		{"base64", jsonRequest(http.MethodPost, "/api/v1/predict", `{"image_base64":"`+base64.StdEncoding.EncodeToString(img)+`"}`)},
		{"data url", jsonRequest(http.MethodPost, "/api/v1/predict", `{"image_base64":"data:image/png;base64,`+base64.StdEncoding.EncodeToString(img)+`"}`)},
		{"raw body", raw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.req)
			if rec.Code != http.StatusOK {
				t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
			}
			var p depthsvc.Prediction
			decodeBody(t, rec, &p)
			if p.Status != "success" || p.DepthData.Format != "base64_png" || p.DepthData.Encoding != "grayscale" {
				t.Errorf("unexpected prediction: %+v", p)
			}
			if p.ImageInfo.OriginalWidth != 8 || p.ImageInfo.OriginalHeight != 6 {
				t.Errorf("image info = %+v", p.ImageInfo)
			}
			if p.DepthData.MinDepth != 1 || p.DepthData.MaxDepth != 8 {
				t.Errorf("depth range = [%g, %g]", p.DepthData.MinDepth, p.DepthData.MaxDepth)
			}
		})
	}
}

func TestPredictErrors(t *testing.T) {
	ok := New(newDeps(t, &rampEstimator{}))
	failing := New(newDeps(t, &rampEstimator{err: errors.New("out of memory")}))

	tests := []struct {
		name   string
		h      http.Handler
		req    *http.Request
		status int
		code   string
	}{
		{"no body", ok, httptest.NewRequest(http.MethodPost, "/api/v1/predict", nil), http.StatusBadRequest, "MISSING_IMAGE"},
		{"wrong field", ok, multipartRequest(t, "/api/v1/predict", "file", []byte("x")), http.StatusBadRequest, "MISSING_IMAGE"},
		{"empty json", ok, jsonRequest(http.MethodPost, "/api/v1/predict", `{}`), http.StatusBadRequest, "MISSING_IMAGE"},
		{"bad base64", ok, jsonRequest(http.MethodPost, "/api/v1/predict", `{"image_base64":"!!!"}`), http.StatusInternalServerError, "PREDICTION_FAILED"},
		{"not an image", ok, jsonRequest(http.MethodPost, "/api/v1/predict", `{"image_base64":"aGVsbG8="}`), http.StatusInternalServerError, "PREDICTION_FAILED"},
		{"estimator failure", failing, multipartRequest(t, "/api/v1/predict", "image", pngBytes(t, 4, 4)), http.StatusInternalServerError, "PREDICTION_FAILED"},
		{"raw estimator failure", failing, multipartRequest(t, "/api/v1/predict_raw", "image", pngBytes(t, 4, 4)), http.StatusInternalServerError, "PREDICTION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, tt.h, tt.req)
			if rec.Code != tt.status {
				t.Fatalf("code = %d; want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Errorf("error code = %q; want %q", got, tt.code)
			}
		})
	}

	rec := do(t, ok, httptest.NewRequest(http.MethodGet, "/api/v1/predict", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET predict code = %d", rec.Code)
	}
}

func TestPredictTooLarge(t *testing.T) {
	deps := newDeps(t, &rampEstimator{})
	deps.MaxUploadBytes = 16
	h := New(deps)

	big := pngBytes(t, 64, 64)
	raw := httptest.NewRequest(http.MethodPost, "/api/v1/predict", bytes.NewReader(big))
	raw.Header.Set("Content-Type", "image/png")
	body := `{"image_base64":"` + base64.StdEncoding.EncodeToString(big) + `"}`

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"raw body", raw},
		{"json body", jsonRequest(http.MethodPost, "/api/v1/predict", body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.req)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("code = %d; want 413 (body %s)", rec.Code, rec.Body.String())
			}
			if got := errorCode(t, rec); got != "IMAGE_TOO_LARGE" {
				t.Errorf("error code = %q", got)
			}
		})
	}
}

func TestPredictRaw(t *testing.T) {
	h := New(newDeps(t, &rampEstimator{}))
	rec := do(t, h, multipartRequest(t, "/api/v1/predict_raw", "image", pngBytes(t, 3, 2)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var p depthsvc.RawPrediction
	decodeBody(t, rec, &p)
	want := [][]float32{{1, 2, 3}, {1, 2, 3}}
	if diff := cmp.Diff(want, p.DepthMap); diff != "" {
		t.Errorf("depth map mismatch (-want +got):\n%s", diff)
	}
}

func TestLegacyPredict(t *testing.T) {
	dir := t.TempDir()
	deps := newDeps(t, &rampEstimator{})
	deps.LegacyInput = filepath.Join(dir, "test.jpg")
	deps.LegacyOutput = filepath.Join(dir, "depthcrfs.txt")
	h := New(deps)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/predict", nil))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "MISSING_IMAGE" {
		t.Fatalf("missing input: code = %d body = %s", rec.Code, rec.Body.String())
	}

	if err := os.WriteFile(deps.LegacyInput, pngBytes(t, 5, 4), 0644); err != nil {
		t.Fatal(err)
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/predict", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != "success" {
		t.Errorf("status = %v", resp["status"])
	}
	if _, err := os.Stat(deps.LegacyOutput); err != nil {
		t.Errorf("output file not written: %v", err)
	}
}

func TestJobsAPI(t *testing.T) {
	deps := newDeps(t, &rampEstimator{})
	deps.Queue = jobqueue.NewQueue()
	deps.Tasks = tasks.NewRegistry()
	deps.Tasks.Register("bench", "Benchmark Inference", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error { return nil })
	h := New(deps)

	rec := do(t, h, jsonRequest(http.MethodPost, "/api/v1/jobs", `{"input":"bench -iterations 5 \"my images\""}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	decodeBody(t, rec, &created)
	id := created["id"]

	job := deps.Queue.GetJob(id)
	if job == nil {
		t.Fatal("job not queued")
	}
	if job.Command != "bench" || job.Input != "my images" {
		t.Errorf("job = %+v", job)
	}
	if diff := cmp.Diff([]string{"-iterations", "5"}, job.Arguments); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, jsonRequest(http.MethodPost, "/api/v1/jobs", `{"command":"nope","input":"x"}`))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "UNKNOWN_TASK" {
		t.Errorf("unknown task: code = %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	var list struct {
		Jobs []jobqueue.Job `json:"jobs"`
	}
	decodeBody(t, rec, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != id {
		t.Errorf("list = %+v", list.Jobs)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get code = %d", rec.Code)
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing code = %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel code = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := deps.Queue.GetJob(id).State; got != jobqueue.StateCancelled {
		t.Errorf("state after cancel = %v", got)
	}
	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel code = %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/clear", nil))
	var cleared map[string]any
	decodeBody(t, rec, &cleared)
	if cleared["cleared_count"] != 1.0 {
		t.Errorf("cleared = %v", cleared)
	}
}

func TestDeleteRunningJobConflicts(t *testing.T) {
	deps := newDeps(t, &rampEstimator{})
	deps.Queue = jobqueue.NewQueue()
	h := New(deps)

	id, err := deps.Queue.AddJob("bench", nil, "images")
	if err != nil {
		t.Fatal(err)
	}
	if deps.Queue.ClaimJob() == nil {
		t.Fatal("claim failed")
	}
	rec := do(t, h, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("delete running code = %d", rec.Code)
	}
	deps.Queue.CompleteJob(id)
	rec = do(t, h, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("delete finished code = %d", rec.Code)
	}
}

func TestTasksList(t *testing.T) {
	deps := newDeps(t, &rampEstimator{})
	deps.Tasks = tasks.NewRegistry()
	deps.Tasks.Register("wait", "Wait", nil)
	deps.Tasks.Register("bench", "Benchmark Inference", nil)
	h := New(deps)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	var resp struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	decodeBody(t, rec, &resp)
	want := []tasks.Task{{ID: "bench", Name: "Benchmark Inference"}, {ID: "wait", Name: "Wait"}}
	if diff := cmp.Diff(want, resp.Tasks); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestRunsAPI(t *testing.T) {
	store, err := evalstore.New(openDB(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := store.CreateRun(ctx, "nyu_eval", "nyu", "pixelformer.onnx")
	if err != nil {
		t.Fatal(err)
	}
	sample := metrics.Sample{{Name: metrics.AbsRel, Value: 0.1}}
	store.AddFrame(ctx, id, 0, "bathroom_0001", sample)
	acc := metrics.NewAccumulator()
	acc.Add(sample)
	store.FinishRun(ctx, id, acc.Summary(), nil)

	deps := newDeps(t, &rampEstimator{})
	deps.Runs = store
	h := New(deps)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	var list struct {
		Runs []evalstore.Run `json:"runs"`
	}
	decodeBody(t, rec, &list)
	if len(list.Runs) != 1 || list.Runs[0].Name != "nyu_eval" {
		t.Fatalf("runs = %+v", list.Runs)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
	var detail struct {
		Run    evalstore.Run     `json:"run"`
		Frames []evalstore.Frame `json:"frames"`
	}
	decodeBody(t, rec, &detail)
	if detail.Run.Status != evalstore.StatusFinished || len(detail.Frames) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodDelete, "/api/v1/runs/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("delete code = %d", rec.Code)
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted code = %d", rec.Code)
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	svc, err := auth.NewService(openDB(t), "test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateDefaultUser("admin", "hunter2"); err != nil {
		t.Fatal(err)
	}
	deps := newDeps(t, &rampEstimator{})
	deps.Auth = svc
	h := New(deps)

	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Errorf("health should stay public, code = %d", rec.Code)
	}
	rec := do(t, h, multipartRequest(t, "/api/v1/predict", "image", pngBytes(t, 4, 4)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated predict code = %d", rec.Code)
	}

	rec = do(t, h, jsonRequest(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"wrong"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login code = %d", rec.Code)
	}
	rec = do(t, h, jsonRequest(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"hunter2"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("login code = %d", rec.Code)
	}
	var login map[string]string
	decodeBody(t, rec, &login)

	req := multipartRequest(t, "/api/v1/predict", "image", pngBytes(t, 4, 4))
	req.Header.Set("Authorization", "Bearer "+login["token"])
	if rec := do(t, h, req); rec.Code != http.StatusOK {
		t.Errorf("authenticated predict code = %d body = %s", rec.Code, rec.Body.String())
	}

	req = multipartRequest(t, "/api/v1/predict?token="+login["token"], "image", pngBytes(t, 4, 4))
	if rec := do(t, h, req); rec.Code != http.StatusOK {
		t.Errorf("query token predict code = %d", rec.Code)
	}

	req = multipartRequest(t, "/api/v1/predict", "image", pngBytes(t, 4, 4))
	req.Header.Set("Authorization", "Bearer garbage")
	if rec := do(t, h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token code = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	deps := newDeps(t, &rampEstimator{})
	deps.AllowedOrigins = []string{"http://app.local"}
	h := New(deps)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/predict", nil)
	req.Header.Set("Origin", "http://app.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(t, h, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = do(t, h, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin = %q", got)
	}
}

func TestLoggerKeepsResponse(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("OK"))
	})
	rec := do(t, Logger(inner), httptest.NewRequest(http.MethodGet, "/test-path", nil))
	if rec.Code != http.StatusTeapot || rec.Body.String() != "OK" {
		t.Errorf("code = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"evaluate nyu_eval", []string{"evaluate", "nyu_eval"}},
		{`folder  "/data/my set"   out`, []string{"folder", "/data/my set", "out"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ParseCommand(tt.in)); diff != "" {
			t.Errorf("ParseCommand(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
