package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"pinrelay/internal/cleanup"
	"pinrelay/internal/logging"
	"pinrelay/internal/metrics"
	"pinrelay/internal/transfer"
)

// Plain-text response bodies understood by relay clients.
const (
	bodyValid      = "VALID"
	bodyInvalidKey = "INVALID_KEY"
	bodyBadAPIKey  = "Invalid API key."
	bodyOK         = "OK"
	bodyFull       = "FULL"
	requestIDLabel = "requestId:"
)

// TempFilePrefix names in-progress uploads in the temp directory.
const TempFilePrefix = "pinrelay-upload-"

// DefaultMaxUploadSize is used when Options.MaxUploadSize is not set (5GB).
const DefaultMaxUploadSize = 5 << 30

// JobStatus reports the state of the cleanup job.
type JobStatus interface {
	Stats() cleanup.Stats
}

// Options configures a Handler.
type Options struct {
	APIKey        string
	TempDir       string
	MaxUploadSize int64
	Metrics       metrics.Recorder
	// Proxies whose forwarding headers name the client; nil trusts nobody.
	Proxies *ProxyTrust
}

// Handler handles HTTP requests.
type Handler struct {
	transfers *transfer.Manager
	jobs      JobStatus
	fs        afero.Fs
	limiter   *UploadLimiter
	opts      Options
	mux       *http.ServeMux
}

// NewHandler creates a new HTTP handler. Uploads are staged on fs under
// opts.TempDir. If limiter is nil, concurrent uploads per IP are not capped.
func NewHandler(transfers *transfer.Manager, jobs JobStatus, fs afero.Fs, limiter *UploadLimiter, opts Options) *Handler {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	h := &Handler{
		transfers: transfers,
		jobs:      jobs,
		fs:        fs,
		limiter:   limiter,
		opts:      opts,
		mux:       http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /upload", h.handleUpload)
	h.mux.HandleFunc("GET /valid", h.handleValid)
	h.mux.HandleFunc("GET /download", h.handleDownload)
	h.mux.HandleFunc("HEAD /download", h.handleDownload)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// authorized compares the Authorization header against the configured key.
func authorized(r *http.Request, apiKey string) bool {
	got := r.Header.Get("Authorization")
	return apiKey != "" && subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) == 1
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, h.opts.APIKey) {
		logging.HTTP.Printf("rejected upload from %s: invalid API key", h.opts.Proxies.ClientIP(r))
		h.opts.Metrics.IncUploads(metrics.OutcomeDenied)
		writeText(w, http.StatusUnauthorized, bodyBadAPIKey)
		return
	}

	ip := h.opts.Proxies.ClientIP(r)
	uploadID := uuid.NewString()
	if h.limiter != nil {
		if !h.limiter.TryTrack(ip, uploadID) {
			logging.HTTP.Printf("upload limit reached for %s (%d in flight)", ip, h.limiter.InFlight(ip))
			h.opts.Metrics.IncUploads(metrics.OutcomeThrottle)
			http.Error(w, "too many uploads in progress", http.StatusTooManyRequests)
			return
		}
		defer h.limiter.Done(uploadID)
	}

	if h.transfers.Full() {
		h.opts.Metrics.IncUploads(metrics.OutcomeFull)
		writeText(w, http.StatusServiceUnavailable, bodyFull)
		return
	}

	key, err := h.transfers.ReserveKey()
	if err != nil {
		h.opts.Metrics.IncUploads(metrics.OutcomeError)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	logging.Internal.Printf("new request ID: %s", key)

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize)
	tempPath := filepath.Join(h.opts.TempDir, TempFilePrefix+uploadID)
	if err := h.receiveFile(r, tempPath); err != nil {
		logging.HTTP.Printf("upload %s: receiving file failed: %v", key, err)
		h.fs.Remove(tempPath)
		// The client never learns this key.
		h.transfers.ReleaseKey(key)
		h.opts.Metrics.IncUploads(metrics.OutcomeError)

		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, errNoFile), errors.Is(err, http.ErrNotMultipart):
			http.Error(w, "no file in request", http.StatusBadRequest)
		default:
			http.Error(w, "upload failed", http.StatusInternalServerError)
		}
		return
	}

	if _, err := h.transfers.CompleteUpload(r.Context(), key, tempPath); err != nil {
		h.transfers.ReleaseKey(key)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	writeText(w, http.StatusOK, requestIDLabel+key)
}

var errNoFile = errors.New("multipart body has no file part")

// receiveFile streams the first file part of a multipart body to path.
func (h *Handler) receiveFile(r *http.Request, path string) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return errNoFile
		}
		if err != nil {
			return err
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		f, err := h.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			part.Close()
			return err
		}
		_, err = io.Copy(f, part)
		part.Close()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func (h *Handler) handleValid(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key != "" && h.transfers.IsKeyValid(key) {
		writeText(w, http.StatusOK, bodyValid)
		return
	}
	writeText(w, http.StatusOK, bodyInvalidKey)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.opts.Metrics.IncDownloads(metrics.OutcomeInvalid)
		writeText(w, http.StatusOK, bodyInvalidKey)
		return
	}

	obj, err := h.transfers.Open(r.Context(), key)
	if err != nil {
		// Reads fail closed: the client only ever sees INVALID_KEY.
		if errors.Is(err, transfer.ErrInvalidKey) {
			h.opts.Metrics.IncDownloads(metrics.OutcomeInvalid)
		} else {
			logging.HTTP.Errorf("download %s failed: %v", key, err)
			h.opts.Metrics.IncDownloads(metrics.OutcomeError)
		}
		writeText(w, http.StatusOK, bodyInvalidKey)
		return
	}
	defer obj.Close()

	h.opts.Metrics.IncDownloads(metrics.OutcomeOK)
	// ServeContent sets Content-Length and handles Range and HEAD.
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", obj.ModTime, obj)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.transfers.Full() {
		writeText(w, http.StatusOK, bodyFull)
		return
	}
	writeText(w, http.StatusOK, bodyOK)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Database    bool           `json:"database"`
	ActiveKeys  int            `json:"active_keys"`
	PendingKeys int            `json:"pending_keys"`
	Cleanup     *cleanup.Stats `json:"cleanup,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: true}
	if err := h.transfers.Ping(r.Context()); err != nil {
		logging.HTTP.Warnf("health check: database unavailable: %v", err)
		resp.Status = "degraded"
		resp.Database = false
	}
	resp.ActiveKeys, resp.PendingKeys = h.transfers.KeyCounts()
	if h.jobs != nil {
		stats := h.jobs.Stats()
		resp.Cleanup = &stats
	}

	status := http.StatusOK
	if !resp.Database {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

// CleanupOrphanedTempFiles removes staged uploads left behind by a previous
// run and returns how many were removed.
func CleanupOrphanedTempFiles(fs afero.Fs, dir string) int {
	matches, err := afero.Glob(fs, filepath.Join(dir, TempFilePrefix+"*"))
	if err != nil {
		logging.Internal.Printf("failed to list temp files: %v", err)
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := fs.Remove(path); err != nil {
			logging.Internal.Printf("failed to remove orphaned temp file %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed
}
