// ABOUTME: HTTP handlers for extraction and passthrough endpoints
// ABOUTME: Implements extract, download, pipelines, and health check routes
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/application/manager"
	"github.com/harper/audio-extract-proxy/internal/domain"
	"github.com/harper/audio-extract-proxy/internal/domain/pipeline"
)

type HandlerOptions struct {
	// PropagateUpstreamStatus answers upstream 4xx/5xx with the same code on /audio/extract.
	PropagateUpstreamStatus bool
	Logger                  zerolog.Logger
}

type ExtractHandler struct {
	mgr  *manager.Manager
	opts HandlerOptions
}

func NewExtractHandler(mgr *manager.Manager, opts HandlerOptions) *ExtractHandler {
	return &ExtractHandler{mgr: mgr, opts: opts}
}

func (h *ExtractHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}

	q := r.URL.Query()
	raw := q.Get("video")
	if raw == "" {
		raw = q.Get("url")
	}
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, errorBody{Error: "video URL parameter is required", Stage: string(domain.StageFetch)})
		return
	}

	req, err := domain.NewStreamRequest(raw, domain.FormatMP3)
	if err != nil {
		rejectRequest(w, err)
		return
	}

	serveStream(w, r, h.mgr, req, NewResponder(w, "audio.mp3", h.opts.PropagateUpstreamStatus), h.opts.Logger)
}

// DownloadHandler proxies a direct .mp4 file unchanged.
type DownloadHandler struct {
	mgr  *manager.Manager
	opts HandlerOptions
}

func NewDownloadHandler(mgr *manager.Manager, opts HandlerOptions) *DownloadHandler {
	return &DownloadHandler{mgr: mgr, opts: opts}
}

func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if !hasMP4Path(raw) {
		writeError(w, http.StatusBadRequest, errorBody{Error: "missing or invalid URL, must be a direct .mp4", Stage: string(domain.StageFetch)})
		return
	}

	req, err := domain.NewStreamRequest(raw, domain.FormatMP4)
	if err != nil {
		rejectRequest(w, err)
		return
	}

	// Downloads always mirror the upstream status
	serveStream(w, r, h.mgr, req, NewResponder(w, downloadFilename(), true), h.opts.Logger)
}

func hasMP4Path(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".mp4")
}

func downloadFilename() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "mediarip_" + id[:7] + ".mp4"
}

// serveStream runs the pipeline and finishes the exchange according to its
// outcome. A stream cut after commit is aborted so the client sees a broken
// transfer rather than a short file that looks complete.
func serveStream(w http.ResponseWriter, r *http.Request, mgr *manager.Manager, req domain.StreamRequest, resp *Responder, logger zerolog.Logger) {
	result := mgr.Run(r.Context(), req, resp)

	clientGone := r.Context().Err() != nil

	switch {
	case result.Outcome == pipeline.OutcomeTruncated && !clientGone:
		logger.Debug().Str("pipeline_id", result.ID).Msg("aborting truncated stream")
		panic(http.ErrAbortHandler)

	case !resp.Written() && !clientGone:
		// Torn down without a caller disconnect, i.e. by shutdown
		status := http.StatusServiceUnavailable
		msg := "server shutting down"
		if result.Err != nil && !errors.Is(result.Err, manager.ErrShuttingDown) {
			status = http.StatusInternalServerError
			msg = result.Err.Cause
		}
		writeError(w, status, errorBody{Error: msg, Retryable: true})
	}
}

func rejectRequest(w http.ResponseWriter, err error) {
	msg := err.Error()
	if pe, ok := domain.AsPipelineError(err); ok {
		msg = pe.Cause
	}
	writeError(w, http.StatusBadRequest, errorBody{Error: msg, Stage: string(domain.StageFetch)})
}

func allowGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	writeError(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	return false
}

type PipelinesHandler struct {
	mgr *manager.Manager
}

func NewPipelinesHandler(mgr *manager.Manager) *PipelinesHandler {
	return &PipelinesHandler{mgr: mgr}
}

func (h *PipelinesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}

	type pipelineInfo struct {
		ID        string `json:"id"`
		SourceURL string `json:"source_url"`
		Format    string `json:"format"`
		State     string `json:"state"`
		StartedAt string `json:"started_at"`
		AgeMs     int64  `json:"age_ms"`
	}

	active := h.mgr.List()
	result := make([]pipelineInfo, 0, len(active))

	for _, p := range active {
		result = append(result, pipelineInfo{
			ID:        p.ID,
			SourceURL: p.SourceURL,
			Format:    string(p.Format),
			State:     p.State.String(),
			StartedAt: p.StartedAt.Format(time.RFC3339),
			AgeMs:     time.Since(p.StartedAt).Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type HealthzHandler struct {
	mgr *manager.Manager
}

func NewHealthzHandler(mgr *manager.Manager) *HealthzHandler {
	return &HealthzHandler{mgr: mgr}
}

func (h *HealthzHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type response struct {
		OK     bool `json:"ok"`
		FFmpeg bool `json:"ffmpeg"`
		Active int  `json:"active"`
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{
		OK:     true,
		FFmpeg: h.mgr.Available(),
		Active: h.mgr.Active(),
	})
}
