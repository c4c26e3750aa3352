// Package control implements the out-of-core control plane described in
// §4.9: start/stop/apply-config/update-key/device/file endpoints,
// authenticated by an HMAC-SHA256 signature over the raw request body
// under the management key. It is an external collaborator from the
// core's perspective — nothing in internal/stream, internal/encoder, or
// internal/broadcast imports this package.
package control

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Gibartes/TinyCam/internal/archive/storage"
	"github.com/Gibartes/TinyCam/internal/encoder"
	"github.com/Gibartes/TinyCam/internal/keys"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

// signedURLTTL bounds how long a GCS-backed download redirect stays valid.
const signedURLTTL = 15 * time.Minute

// ConfigReloader reloads the effective EncoderConfig from
// TINYCAM_CONFIG_FILE (if present) and reports whether it changed,
// satisfied by config.Reloader in main.go.
type ConfigReloader interface {
	Reload() (cfg *models.EncoderConfig, changed bool, err error)
}

// Server is the control-plane HTTP server.
type Server struct {
	router *gin.Engine

	managementKey []byte
	material      *keys.Material
	supervisor    *encoder.Supervisor
	reloader      ConfigReloader
	archive       storage.Storage
	devices       []string
	metrics       *metrics.Metrics
	log           *slog.Logger
}

// New builds a control-plane Server. archive may be nil, in which case
// /file/list and /file/download always report 404 — a deployment without
// an archive sink configured.
func New(material *keys.Material, sup *encoder.Supervisor, reloader ConfigReloader, archive storage.Storage, devices []string, m *metrics.Metrics, log *slog.Logger) *Server {
	s := &Server{
		managementKey: material.ManagementKey(),
		material:      material,
		supervisor:    sup,
		reloader:      reloader,
		archive:       archive,
		devices:       devices,
		metrics:       m,
		log:           log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("/")
	authed.Use(s.authMiddleware())
	{
		authed.POST("/start", s.handleStart)
		authed.POST("/stop", s.handleStop)
		authed.POST("/apply-config", s.handleApplyConfig)
		authed.POST("/update-key", s.handleUpdateKey)
		authed.POST("/device", s.handleDevice)
		authed.POST("/file/list", s.handleFileList)
		authed.POST("/file/download", s.handleFileDownload)
	}

	s.router = router
}

// Run starts the control-plane HTTP server, blocking until it exits.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the underlying http.Handler for embedding behind a
// shared listener alongside the stream handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStart(c *gin.Context) {
	var req models.ForceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/start", "400")
		c.Status(http.StatusBadRequest)
		return
	}
	s.supervisor.Start()
	s.metrics.RecordControlRequest("/start", "200")
	c.Status(http.StatusOK)
}

func (s *Server) handleStop(c *gin.Context) {
	var req models.ForceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/stop", "400")
		c.Status(http.StatusBadRequest)
		return
	}
	s.supervisor.Stop()
	s.metrics.RecordControlRequest("/stop", "200")
	c.Status(http.StatusOK)
}

func (s *Server) handleApplyConfig(c *gin.Context) {
	var req models.ForceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/apply-config", "400")
		c.Status(http.StatusBadRequest)
		return
	}

	if s.reloader == nil {
		s.metrics.RecordControlRequest("/apply-config", "200")
		c.Status(http.StatusOK)
		return
	}

	cfg, changed, err := s.reloader.Reload()
	if err != nil {
		s.log.Error("control: reload config failed", "err", err)
		s.metrics.RecordControlRequest("/apply-config", "500")
		c.Status(http.StatusInternalServerError)
		return
	}

	if changed || req.Force {
		s.supervisor.UpdateConfig(cfg)
		s.supervisor.Restart()
	}

	s.metrics.RecordControlRequest("/apply-config", "200")
	c.Status(http.StatusOK)
}

func (s *Server) handleUpdateKey(c *gin.Context) {
	var req models.TSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/update-key", "400")
		c.Status(http.StatusBadRequest)
		return
	}

	if err := s.material.RotateAccessKey(); err != nil {
		s.log.Error("control: rotate access key failed", "err", err)
		s.metrics.RecordControlRequest("/update-key", "500")
		c.Status(http.StatusInternalServerError)
		return
	}

	s.metrics.RecordControlRequest("/update-key", "200")
	c.JSON(http.StatusOK, models.UpdateKeyResponse{AccessKey: s.material.AccessKeyBase64()})
}

func (s *Server) handleDevice(c *gin.Context) {
	info := s.collectDeviceInfo(c.Request.Context())
	s.metrics.RecordControlRequest("/device", "200")
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleFileList(c *gin.Context) {
	var req models.FileListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/file/list", "400")
		c.Status(http.StatusBadRequest)
		return
	}

	if s.archive == nil {
		s.metrics.RecordControlRequest("/file/list", "404")
		c.Status(http.StatusNotFound)
		return
	}

	names, err := s.archive.List(".")
	if err != nil {
		s.log.Error("control: list archive failed", "err", err)
		s.metrics.RecordControlRequest("/file/list", "500")
		c.Status(http.StatusInternalServerError)
		return
	}
	sort.Strings(names)

	files := make([]models.FileEntry, 0, len(names))
	for _, name := range names {
		data, err := s.archive.Read(name)
		size := int64(0)
		if err == nil {
			size = int64(len(data))
		}
		files = append(files, models.FileEntry{Name: name, Size: size})
	}

	s.metrics.RecordControlRequest("/file/list", "200")
	c.JSON(http.StatusOK, models.FileListResponse{Files: files})
}

func (s *Server) handleFileDownload(c *gin.Context) {
	var req models.FileDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordControlRequest("/file/download", "400")
		c.Status(http.StatusBadRequest)
		return
	}

	if s.archive == nil {
		s.metrics.RecordControlRequest("/file/download", "404")
		c.Status(http.StatusNotFound)
		return
	}

	exists, err := s.archive.Exists(req.Name)
	if err != nil || !exists {
		s.metrics.RecordControlRequest("/file/download", "404")
		c.Status(http.StatusNotFound)
		return
	}

	// A GCS-backed archive can serve the download directly from the
	// bucket via a signed URL instead of proxying bytes through this
	// server, as long as the client isn't asking for a byte range.
	if gcs, ok := s.archive.(*storage.GCSStorage); ok && c.GetHeader("Range") == "" {
		url, err := gcs.GetSignedURL(req.Name, signedURLTTL)
		if err != nil {
			s.log.Error("control: generate signed url failed", "name", req.Name, "err", err)
			s.metrics.RecordControlRequest("/file/download", "500")
			c.Status(http.StatusInternalServerError)
			return
		}
		s.metrics.RecordControlRequest("/file/download", strconv.Itoa(http.StatusFound))
		c.Redirect(http.StatusFound, url)
		return
	}

	rs, err := s.archive.ReadSeeker(req.Name)
	if err != nil {
		s.log.Error("control: open archive file failed", "name", req.Name, "err", err)
		s.metrics.RecordControlRequest("/file/download", "500")
		c.Status(http.StatusInternalServerError)
		return
	}
	if closer, ok := rs.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	size, err := seekLen(rs)
	if err != nil {
		s.log.Error("control: measure archive file failed", "name", req.Name, "err", err)
		s.metrics.RecordControlRequest("/file/download", "500")
		c.Status(http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	start, end := int64(0), size-1

	if rng := parseRangeHeader(c.GetHeader("Range"), size); rng != nil {
		start, end = rng[0], rng[1]
		status = http.StatusPartialContent
		c.Header("Content-Range", contentRangeHeader(start, end, size))
	}

	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		s.metrics.RecordControlRequest("/file/download", "500")
		c.Status(http.StatusInternalServerError)
		return
	}

	data := make([]byte, end-start+1)
	if _, err := io.ReadFull(rs, data); err != nil {
		s.log.Error("control: read archive file failed", "name", req.Name, "err", err)
		s.metrics.RecordControlRequest("/file/download", "500")
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Accept-Ranges", "bytes")
	if req.Attachment {
		c.Header("Content-Disposition", `attachment; filename="`+req.Name+`"`)
	}

	s.metrics.RecordControlRequest("/file/download", strconv.Itoa(status))
	c.Data(status, "application/octet-stream", data)
}

// seekLen reports the total size of rs by seeking to the end and back to
// the start, since io.ReadSeeker has no direct Len method.
func seekLen(rs io.ReadSeeker) (int64, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

// parseRangeHeader parses a single-range "bytes=start-end" header,
// returning nil when absent or unparseable (falling back to a full read).
func parseRangeHeader(header string, size int64) []int64 {
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil
	}

	end := size - 1
	if parts[1] != "" {
		if e, err := strconv.ParseInt(parts[1], 10, 64); err == nil && e < size {
			end = e
		}
	}
	if end < start {
		return nil
	}
	return []int64{start, end}
}

func contentRangeHeader(start, end, size int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(size, 10)
}
