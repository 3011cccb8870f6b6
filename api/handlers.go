// Package api exposes the REST surface of the unpackd service: upload
// intake, job bookkeeping, progress polling, and the browse endpoints.
// Handlers translate the core packages' sentinel errors into HTTP status
// codes; no extraction or confinement logic lives here.
package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/unpackd/unpackd/archive"
	"github.com/unpackd/unpackd/browse"
	"github.com/unpackd/unpackd/common"
	"github.com/unpackd/unpackd/config"
	httpx "github.com/unpackd/unpackd/http"
	"github.com/unpackd/unpackd/index"
	"github.com/unpackd/unpackd/jobs"
	"github.com/unpackd/unpackd/progress"
	"github.com/unpackd/unpackd/worker"
)

// Handlers holds the service dependencies shared by all endpoints.
type Handlers struct {
	Config    *config.Config
	Jobs      *jobs.Store
	Index     *index.Store
	Tracker   *progress.Tracker
	Runner    *worker.Runner
	Pipeline  *worker.Pipeline
	Inspector *archive.Inspector
	Browse    *browse.Service
	Log       *logrus.Logger
}

// SetupRoutes registers all endpoints on the Echo instance.
func SetupRoutes(e *echo.Echo, h *Handlers, serviceVersion string) {
	e.GET("/health", httpx.HealthCheckHandlerWithDetails(
		h.Config.Service.Name, serviceVersion, func() map[string]interface{} {
			return map[string]interface{}{"active_jobs": h.Runner.Active()}
		}))

	v1 := e.Group("/v1/api")
	v1.POST("/jobs", h.CreateJob)
	v1.GET("/jobs", h.ListJobs)
	v1.GET("/jobs/:id", h.GetJob)
	v1.DELETE("/jobs/:id", h.DeleteJob)
	v1.GET("/jobs/:id/progress", h.GetProgress)
	v1.GET("/jobs/:id/files", h.ListFiles)
	v1.GET("/jobs/:id/search", h.SearchFiles)
	v1.GET("/jobs/:id/file", h.ReadFile)
	v1.GET("/jobs/:id/download", h.DownloadFile)
	v1.GET("/jobs/:id/tree", h.GetTree)
	v1.GET("/jobs/:id/summary", h.GetSummary)
}

// CreateJob accepts a multipart upload, validates it, and hands the job to
// the background pipeline. Returns 202 with the job record; the caller
// polls the progress endpoint from there. Validation failures create no
// job record.
func (h *Handlers) CreateJob(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return h.errorJSON(c, http.StatusBadRequest, "invalid_request", "multipart field 'file' is required")
	}

	// Cheap pre-check against the declared size before writing anything.
	if fh.Size > h.Config.Extract.MaxUploadSize {
		return h.errorJSON(c, http.StatusRequestEntityTooLarge, "size_exceeded",
			fmt.Sprintf("upload is %d bytes, limit is %d", fh.Size, h.Config.Extract.MaxUploadSize))
	}

	filename := common.SecureFilename(fh.Filename)

	// Spool to a temp name first; the file is renamed under the job ID
	// only once inspection passes.
	tempPath := filepath.Join(h.Config.Storage.UploadDir, "incoming-"+uuid.NewString())
	if err := saveUpload(fh, tempPath); err != nil {
		h.logger().WithError(err).Error("Failed to store upload")
		return h.errorJSON(c, http.StatusInternalServerError, "internal_error", "failed to store upload")
	}

	format, size, err := h.Inspector.Inspect(tempPath)
	if err != nil {
		os.Remove(tempPath)
		return h.translate(c, err)
	}

	job := jobs.NewJob(filename, size, string(format))
	job.UploadPath = filepath.Join(h.Config.Storage.UploadDir, job.ID+"_"+filename)
	job.ExtractDir = filepath.Join(h.Config.Storage.ExtractRoot, job.ID)

	if err := os.Rename(tempPath, job.UploadPath); err != nil {
		os.Remove(tempPath)
		h.logger().WithError(err).Error("Failed to move upload into place")
		return h.errorJSON(c, http.StatusInternalServerError, "internal_error", "failed to store upload")
	}
	if err := os.MkdirAll(job.ExtractDir, 0o755); err != nil {
		os.Remove(job.UploadPath)
		h.logger().WithError(err).Error("Failed to create extraction directory")
		return h.errorJSON(c, http.StatusInternalServerError, "internal_error", "failed to prepare extraction")
	}

	if err := h.Jobs.Put(job); err != nil {
		os.Remove(job.UploadPath)
		os.RemoveAll(job.ExtractDir)
		h.logger().WithError(err).Error("Failed to persist job")
		return h.errorJSON(c, http.StatusInternalServerError, "internal_error", "failed to persist job")
	}
	h.Tracker.Set(job.ID, jobs.StatusUploaded, 0, "Upload received")

	// The pipeline mutates its job record as it reports progress, so it
	// gets its own copy; the handler's record stays frozen at "uploaded"
	// for the response below.
	pipelineJob := *job
	h.Runner.Submit(job.ID, func() { h.Pipeline.Run(&pipelineJob) })

	common.JobLogger(h.logger(), job.ID).WithFields(map[string]interface{}{
		"filename": filename,
		"format":   format,
		"size":     size,
	}).Info("Job accepted")

	return c.JSON(http.StatusAccepted, job)
}

// ListJobs returns all job records, newest first.
func (h *Handlers) ListJobs(c echo.Context) error {
	list, err := h.Jobs.List()
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetJob returns one job record.
func (h *Handlers) GetJob(c echo.Context) error {
	job, err := h.Jobs.Get(c.Param("id"))
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// DeleteJob purges a job: tracker slot, index rows, extracted tree, stored
// upload, and the record itself.
func (h *Handlers) DeleteJob(c echo.Context) error {
	id := c.Param("id")

	job, err := h.Jobs.Get(id)
	if err != nil {
		return h.translate(c, err)
	}

	h.Tracker.Remove(id)
	if err := h.Index.DeleteJob(id); err != nil {
		h.logger().WithError(err).Error("Failed to delete index rows")
	}
	if job.ExtractDir != "" {
		if err := os.RemoveAll(job.ExtractDir); err != nil {
			h.logger().WithError(err).Error("Failed to remove extraction directory")
		}
	}
	if job.UploadPath != "" {
		if err := os.Remove(job.UploadPath); err != nil && !os.IsNotExist(err) {
			h.logger().WithError(err).Error("Failed to remove stored upload")
		}
	}
	if err := h.Jobs.Delete(id); err != nil {
		return h.translate(c, err)
	}

	common.JobLogger(h.logger(), id).Info("Job purged")
	return c.NoContent(http.StatusNoContent)
}

// progressResponse is the poll payload.
type progressResponse struct {
	Status  jobs.Status `json:"status"`
	Percent int         `json:"percent"`
	Message string      `json:"message"`
}

// GetProgress returns the live progress snapshot for a job, falling back
// to the persisted record when the in-memory slot is gone (e.g. after a
// restart).
func (h *Handlers) GetProgress(c echo.Context) error {
	id := c.Param("id")

	if state, err := h.Tracker.Get(id); err == nil {
		return c.JSON(http.StatusOK, progressResponse{
			Status:  state.Status,
			Percent: state.Percent,
			Message: state.Message,
		})
	}

	job, err := h.Jobs.Get(id)
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, progressResponse{
		Status:  job.Status,
		Percent: job.Progress,
		Message: job.Message,
	})
}

// ListFiles returns one page of a completed job's entries.
func (h *Handlers) ListFiles(c echo.Context) error {
	params := browse.ListParams{
		Page:    queryInt(c, "page", 0),
		PerPage: queryInt(c, "per_page", 0),
		SortKey: c.QueryParam("sort"),
		SortDir: c.QueryParam("dir"),
	}
	if c.QueryParams().Has("parent") {
		parent := c.QueryParam("parent")
		params.Parent = &parent
	}

	page, err := h.Browse.List(c.Param("id"), params)
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// SearchFiles returns entries whose name contains the query.
func (h *Handlers) SearchFiles(c echo.Context) error {
	page, err := h.Browse.Search(c.Param("id"), c.QueryParam("q"),
		queryInt(c, "page", 0), queryInt(c, "per_page", 0))
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// ReadFile returns a text preview of one extracted file.
func (h *Handlers) ReadFile(c echo.Context) error {
	content, err := h.Browse.Read(c.Param("id"), c.QueryParam("path"))
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, content)
}

// DownloadFile streams an extracted file's raw bytes as an attachment,
// after the same confinement check as ReadFile.
func (h *Handlers) DownloadFile(c echo.Context) error {
	abs, err := h.Browse.Resolve(c.Param("id"), c.QueryParam("path"))
	if err != nil {
		return h.translate(c, err)
	}
	return c.Attachment(abs, filepath.Base(abs))
}

// GetTree returns the nested directory tree assembled from the index.
func (h *Handlers) GetTree(c echo.Context) error {
	tree, err := h.Browse.Tree(c.Param("id"))
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, tree)
}

// GetSummary returns totals, the extension histogram, and the largest
// files for a completed job.
func (h *Handlers) GetSummary(c echo.Context) error {
	summary, err := h.Browse.Summarize(c.Param("id"))
	if err != nil {
		return h.translate(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// translate maps core sentinel errors onto HTTP responses.
func (h *Handlers) translate(c echo.Context, err error) error {
	switch {
	case errors.Is(err, archive.ErrSizeExceeded):
		return h.errorJSON(c, http.StatusRequestEntityTooLarge, "size_exceeded", err.Error())
	case errors.Is(err, archive.ErrUnsupportedFormat):
		return h.errorJSON(c, http.StatusUnsupportedMediaType, "unsupported_format", err.Error())
	case errors.Is(err, browse.ErrInvalidQuery):
		return h.errorJSON(c, http.StatusBadRequest, "invalid_query", err.Error())
	case errors.Is(err, browse.ErrPathRejected):
		return h.errorJSON(c, http.StatusForbidden, "path_rejected", err.Error())
	case errors.Is(err, browse.ErrTooLarge):
		return h.errorJSON(c, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, browse.ErrBinaryContent):
		return h.errorJSON(c, http.StatusUnsupportedMediaType, "binary_content", err.Error())
	case errors.Is(err, browse.ErrJobNotReady):
		return h.errorJSON(c, http.StatusConflict, "job_not_ready", err.Error())
	case errors.Is(err, browse.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, progress.ErrNotFound),
		errors.Is(err, index.ErrNotFound):
		return h.errorJSON(c, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger().WithError(err).Error("Unhandled error")
		return h.errorJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (h *Handlers) errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, httpx.ErrorResponse{Error: code, Message: message})
}

func (h *Handlers) logger() *logrus.Logger {
	if h.Log != nil {
		return h.Log
	}
	return common.Logger
}

// saveUpload copies the multipart file to disk.
func saveUpload(fh *multipart.FileHeader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}

	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write upload: %w", err)
	}
	return nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
