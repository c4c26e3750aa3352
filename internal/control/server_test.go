package control

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	archivestorage "github.com/Gibartes/TinyCam/internal/archive/storage"
	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/encoder"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/keys"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sign(body []byte, mgmtKey []byte) string {
	mac := hmac.New(sha256.New, mgmtKey)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	dir := t.TempDir()
	material, err := keys.Generate(dir + "/keys.json")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &models.EncoderConfig{
		Binary: "/bin/true", Device: "/dev/video0", Codec: "vp9",
		Container: models.ContainerCluster, Width: 640, Height: 480, FPS: 30,
	}
	cache := initcache.New(models.ContainerCluster)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	sup := encoder.New(cfg, cache, bus, m, testLogger())

	store, err := archivestorage.NewLocalStorage(dir + "/archive")
	if err != nil {
		t.Fatal(err)
	}

	s := New(material, sup, nil, store, []string{"/dev/video0"}, m, testLogger())
	return s, material.ManagementKey()
}

func doSigned(t *testing.T, s *Server, method, path string, body []byte, mgmtKey []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-TinyCam-Auth", sign(body, mgmtKey))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestStartRequiresValidSignature(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	body, _ := json.Marshal(models.ForceRequest{Force: true, TS: time.Now().Unix()})

	w := doSigned(t, s, "POST", "/start", body, mgmtKey)
	if w.Code != http.StatusOK {
		t.Fatalf("signed request: got %d, want 200", w.Code)
	}

	req := httptest.NewRequest("POST", "/start", bytes.NewReader(body))
	req.Header.Set("X-TinyCam-Auth", "not-a-real-signature")
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: got %d, want 401", w2.Code)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	body, _ := json.Marshal(models.ForceRequest{Force: true, TS: time.Now().Add(-10 * time.Minute).Unix()})

	w := doSigned(t, s, "POST", "/start", body, mgmtKey)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stale ts: got %d, want 401", w.Code)
	}
}

func TestUpdateKeyRotatesAndReturnsNewKeyOnce(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	before := s.material.AccessKeyBase64()

	body, _ := json.Marshal(models.TSRequest{TS: time.Now().Unix()})
	w := doSigned(t, s, "POST", "/update-key", body, mgmtKey)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}

	var resp models.UpdateKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessKey == before {
		t.Fatal("expected access key to change")
	}
	if resp.AccessKey != s.material.AccessKeyBase64() {
		t.Fatal("returned key doesn't match rotated key")
	}
}

func TestDeviceReturnsHostInfo(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	body, _ := json.Marshal(models.TSRequest{TS: time.Now().Unix()})

	w := doSigned(t, s, "POST", "/device", body, mgmtKey)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}

	var info models.DeviceInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if len(info.Devices) != 1 || info.Devices[0] != "/dev/video0" {
		t.Fatalf("unexpected devices: %v", info.Devices)
	}
}

func TestFileListAndDownloadRoundTrip(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	if err := s.archive.Write("segment_0.webm", []byte("hello world")); err != nil {
		t.Fatal(err)
	}

	listBody, _ := json.Marshal(models.FileListRequest{TS: time.Now().Unix()})
	w := doSigned(t, s, "POST", "/file/list", listBody, mgmtKey)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d, want 200", w.Code)
	}
	var list models.FileListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Files) != 1 || list.Files[0].Name != "segment_0.webm" {
		t.Fatalf("unexpected listing: %+v", list.Files)
	}

	dlBody, _ := json.Marshal(models.FileDownloadRequest{Name: "segment_0.webm", TS: time.Now().Unix()})
	w2 := doSigned(t, s, "POST", "/file/download", dlBody, mgmtKey)
	if w2.Code != http.StatusOK {
		t.Fatalf("download: got %d, want 200", w2.Code)
	}
	if w2.Body.String() != "hello world" {
		t.Fatalf("got body %q", w2.Body.String())
	}
}

func TestFileDownloadHonorsRangeHeader(t *testing.T) {
	s, mgmtKey := newTestServer(t)
	if err := s.archive.Write("segment_0.webm", []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	dlBody, _ := json.Marshal(models.FileDownloadRequest{Name: "segment_0.webm", TS: time.Now().Unix()})
	req := httptest.NewRequest("POST", "/file/download", bytes.NewReader(dlBody))
	req.Header.Set("X-TinyCam-Auth", sign(dlBody, mgmtKey))
	req.Header.Set("Range", "bytes=5-")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("got %d, want 206", w.Code)
	}
	if w.Body.String() != "56789" {
		t.Fatalf("got body %q", w.Body.String())
	}
}
