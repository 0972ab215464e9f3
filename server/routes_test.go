package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
	"github.com/ollama/diffpolicy/version"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	cfg := policy.DefaultConfig()
	crop := [2]int{12, 12}
	cfg.ImageShape = [3]int{3, 16, 16}
	cfg.CropShape = &crop
	cfg.BackboneChannels = []int{16}
	cfg.SpatialSoftmaxNumKeypoints = 4
	cfg.DownDims = []int{8, 16}
	cfg.KernelSize = 3
	cfg.NGroups = 4
	cfg.DiffusionStepEmbedDim = 8
	cfg.NumTrainTimesteps = 10
	cfg.LRScheduler = "constant"
	cfg.LRWarmupSteps = 0

	p, err := policy.New(cfg, 5)
	require.NoError(t, err)
	return p
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func pixels(v float64) []float64 {
	p := make([]float64, 3*16*16)
	for i := range p {
		p[i] = v
	}
	return p
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x * 10), uint8(y * 10), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestGeneralRoutes(t *testing.T) {
	h := New(nil, nil).GenerateRoutes()

	rec := do(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "diffpolicy is running", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"version":"`+version.Version+`"}`, rec.Body.String())
}

func TestNoPolicy(t *testing.T) {
	h := New(nil, nil).GenerateRoutes()

	for _, path := range []string{"/api/policy/act", "/api/policy/reset"} {
		rec := do(t, h, http.MethodPost, path, ActRequest{Pixels: pixels(0), State: []float64{0, 0}})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Equal(t, "POLICY_NOT_LOADED", decodeError(t, rec).Code)
	}
}

func TestPolicyInfo(t *testing.T) {
	s := New(testPolicy(t), nil)
	h := s.GenerateRoutes()

	rec := do(t, h, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info PolicyInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, 2, info.NObsSteps)
	require.Equal(t, 16, info.Horizon)
	require.Equal(t, 8, info.NActionSteps)
	require.Equal(t, 2, info.StateDim)
	require.Equal(t, [3]int{3, 16, 16}, info.ImageShape)
	require.Equal(t, "convnet", info.Backbone)
	require.True(t, info.EMA)
	require.Positive(t, info.Parameters)
	require.Equal(t, s.session, info.Session)
}

func TestActReplans(t *testing.T) {
	h := New(testPolicy(t), nil).GenerateRoutes()

	var resp ActResponse
	rec := do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Pixels: pixels(0.5), State: []float64{0.1, -0.2}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Action, 2)
	require.True(t, resp.Replanned)
	require.Equal(t, 7, resp.Pending)

	session := resp.Session
	for want := 6; want >= 0; want-- {
		rec = do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Session: session, Pixels: pixels(0.5), State: []float64{0.1, -0.2}})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.False(t, resp.Replanned)
		require.Equal(t, want, resp.Pending)
	}

	rec = do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Pixels: pixels(0.5), State: []float64{0.1, -0.2}})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Replanned)
}

func TestActBase64Image(t *testing.T) {
	h := New(testPolicy(t), nil).GenerateRoutes()

	// 20x24 wird auf 16x16 skaliert
	rec := do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Image: pngBase64(t, 20, 24), State: []float64{0, 0}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ActResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Action, 2)
}

func TestActErrors(t *testing.T) {
	h := New(testPolicy(t), nil).GenerateRoutes()

	cases := []struct {
		name   string
		req    any
		status int
		code   string
	}{
		{"kein Bild", ActRequest{State: []float64{0, 0}}, http.StatusBadRequest, "INVALID_IMAGE"},
		{"beides", ActRequest{Image: "aGVsbG8=", Pixels: pixels(0), State: []float64{0, 0}}, http.StatusBadRequest, "INVALID_IMAGE"},
		{"zu wenige Pixel", ActRequest{Pixels: []float64{1, 2, 3}, State: []float64{0, 0}}, http.StatusBadRequest, "INVALID_IMAGE"},
		{"base64", ActRequest{Image: "%%%", State: []float64{0, 0}}, http.StatusBadRequest, "INVALID_BASE64"},
		{"format", ActRequest{Image: base64.StdEncoding.EncodeToString([]byte("hello world")), State: []float64{0, 0}}, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
		{"zustand", ActRequest{Pixels: pixels(0), State: []float64{0}}, http.StatusBadRequest, "INVALID_STATE"},
		{"json", map[string]any{"state": "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/policy/act", tc.req)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestResetSession(t *testing.T) {
	s := New(testPolicy(t), nil)
	h := s.GenerateRoutes()
	old := s.session

	rec := do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Session: old, Pixels: pixels(0), State: []float64{0, 0}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/policy/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reset ResetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	require.NotEqual(t, old, reset.Session)
	require.Zero(t, s.policy.Queues().Len())

	rec = do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Session: old, Pixels: pixels(0), State: []float64{0, 0}})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "SESSION_MISMATCH", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/policy/act", ActRequest{Session: reset.Session, Pixels: pixels(0), State: []float64{0, 0}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRuns(t *testing.T) {
	rec := do(t, New(nil, nil).GenerateRoutes(), http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "STORE_NOT_CONFIGURED", decodeError(t, rec).Code)

	st := &store.Store{DBPath: filepath.Join(t.TempDir(), "runs.db")}
	defer st.Close()
	id, err := st.CreateRun(json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, st.RecordStep(id, store.Step{Step: 1, Loss: 0.5, LR: 1e-4}))

	h := New(nil, st).GenerateRoutes()
	rec = do(t, h, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []RunResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	require.Equal(t, id, runs.Runs[0].ID)
	require.Equal(t, 1, runs.Runs[0].Steps)

	rec = do(t, h, http.MethodGet, "/api/runs/"+id+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"steps":[{"step":1,"loss":0.5,"grad_norm":0,"lr":0.0001,"update_s":0}]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/runs/missing/steps", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "RUN_NOT_FOUND", decodeError(t, rec).Code)
}

func TestAllowedHost(t *testing.T) {
	for host, want := range map[string]bool{
		"":                 true,
		"localhost":        true,
		"robot.local":      true,
		"lab.internal":     true,
		"LAB.LOCALHOST":    true,
		"example.com":      false,
		"local.example.io": false,
	} {
		if got := allowedHost(host); got != want {
			t.Errorf("allowedHost(%q) = %v, erwartet %v", host, got, want)
		}
	}
}
