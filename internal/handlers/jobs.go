package handlers

import (
	"fmt"
	"net/http"

	"printer_link/internal/service"

	"github.com/gin-gonic/gin"
)

// @Summary      Start a print job
// @Description  Resumes a failed run of the same file unless from_beginning is set
// @Tags         jobs
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status, job"
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/jobs [post]
// @Security     BearerAuth
func (h *Handler) startJob(c *gin.Context) {
	var req printRequest
	if !h.bindBody(c, &req) {
		return
	}
	job, err := h.services.Jobs.Start(c.Request.Context(), req.Path, service.StartOptions{FromBeginning: req.FromBeginning})
	if err != nil {
		h.fail(c, "job_start_failed", err, "path", req.Path)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "job": job})
}

// @Summary      Pause the active job
// @Tags         jobs
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/jobs/pause [post]
// @Security     BearerAuth
func (h *Handler) pauseJob(c *gin.Context) {
	if err := h.services.Jobs.Pause(); err != nil {
		h.fail(c, "job_pause_failed", err)
		return
	}
	h.respondWithStatusAndState(c, "paused", nil)
}

// @Summary      Resume the paused job
// @Tags         jobs
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/jobs/resume [post]
// @Security     BearerAuth
func (h *Handler) resumeJob(c *gin.Context) {
	if err := h.services.Jobs.Resume(); err != nil {
		h.fail(c, "job_resume_failed", err)
		return
	}
	h.respondWithStatusAndState(c, "resumed", nil)
}

// @Summary      Cancel the active job
// @Tags         jobs
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/jobs/cancel [post]
// @Security     BearerAuth
func (h *Handler) cancelJob(c *gin.Context) {
	if err := h.services.Jobs.Cancel(); err != nil {
		h.fail(c, "job_cancel_failed", err)
		return
	}
	h.respondWithStatusAndState(c, "cancelled", nil)
}

// @Summary      Last checkpoint per printed file
// @Tags         jobs
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, jobs"
// @Router       /api/v1/jobs/history [get]
// @Security     BearerAuth
func (h *Handler) jobHistory(c *gin.Context) {
	history, err := h.services.Jobs.History(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "failed to load job history", "job_history_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(history), "jobs": history})
}

// @Summary      List gcode files
// @Tags         files
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, files"
// @Router       /api/v1/files [get]
// @Security     BearerAuth
func (h *Handler) listFiles(c *gin.Context) {
	files, err := h.services.Files.List()
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "failed to list files", "files_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(files), "files": files})
}

// @Summary      Delete a gcode file
// @Tags         files
// @Produce      json
// @Param        path  query   string  true  "Path relative to the gcode directory"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/files [delete]
// @Security     BearerAuth
func (h *Handler) deleteFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		h.fail(c, "file_delete_failed", fmt.Errorf("%w: path is required", service.ErrInvalidRequest))
		return
	}
	if err := h.services.Files.Delete(path); err != nil {
		h.fail(c, "file_delete_failed", err, "path", path)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "path": path})
}
