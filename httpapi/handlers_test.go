package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/registry"
)

func newTestRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.FFmpegBin = "no-such-ffmpeg-binary"
	cfg.FFprobeBin = "no-such-ffprobe-binary"
	cfg.GstBin = "no-such-gst-binary"
	reg := registry.New(&core.Context{Cfg: cfg, Log: zerolog.Nop()})
	t.Cleanup(reg.Close)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(reg, zerolog.Nop()).Register(r)
	return r, reg
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateListRemoveRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	spec := core.CameraSpec{
		ID:         "lobby",
		Mode:       core.ModeRTSP,
		URI:        "rtsp://u:p@10.0.0.5/stream",
		Resolution: "1280x720",
	}
	if w := doJSON(t, r, http.MethodPost, "/api/cameras", spec); w.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", w.Code, w.Body)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/cameras", spec); w.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d, want 409", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/api/cameras", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"lobby"`) {
		t.Fatalf("list = %d: %s", w.Code, w.Body)
	}
	// Stats must not leak the camera password anywhere.
	if strings.Contains(w.Body.String(), "u:p@") {
		t.Fatalf("credentials leaked in enumerate: %s", w.Body)
	}

	if w := doJSON(t, r, http.MethodDelete, "/api/cameras/lobby", nil); w.Code != http.StatusOK {
		t.Fatalf("remove = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/api/cameras/lobby/stats", nil); w.Code != http.StatusNotFound {
		t.Fatalf("stats after remove = %d, want 404", w.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	spec := core.CameraSpec{ID: "bad", Mode: "nope", URI: "rtsp://h/s"}
	if w := doJSON(t, r, http.MethodPost, "/api/cameras", spec); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid spec = %d, want 400", w.Code)
	}
}

func TestHideBlocksMJPEG(t *testing.T) {
	r, _ := newTestRouter(t)
	spec := core.CameraSpec{ID: "cam", Mode: core.ModeRTSP, URI: "rtsp://h/s"}
	if w := doJSON(t, r, http.MethodPost, "/api/cameras", spec); w.Code != http.StatusOK {
		t.Fatalf("create = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/cameras/cam/hide", nil); w.Code != http.StatusOK {
		t.Fatalf("hide = %d", w.Code)
	}
	w := doJSON(t, r, http.MethodGet, "/api/cameras/cam/mjpeg", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("hidden mjpeg = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), string(core.PreviewDisabled)) {
		t.Fatalf("body = %s, want PREVIEW_DISABLED", w.Body)
	}
}

func TestProbeRequiresURI(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := doJSON(t, r, http.MethodGet, "/api/probe", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("probe without uri = %d, want 400", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Fatalf("health = %d: %s", w.Code, w.Body)
	}
}
