package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spyre-sh/spyre/internal/dispatcher"
)

type createTaskRequest struct {
	EnvID          string  `json:"envId" binding:"required"`
	Prompt         string  `json:"prompt" binding:"required"`
	WorkingDir     string  `json:"workingDir,omitempty"`
	DevcontainerID *string `json:"devcontainerId,omitempty"`
	Model          string  `json:"model,omitempty"`
	MaxRetries     int     `json:"maxRetries,omitempty"`
}

func (h *handlers) createTask(c *gin.Context) {
	var req createTaskRequest
	if !h.bindJSON(c, &req) {
		return
	}
	task, err := h.deps.Dispatcher.Dispatch(c.Request.Context(), dispatcher.Request{
		EnvID:          req.EnvID,
		Prompt:         req.Prompt,
		WorkingDir:     req.WorkingDir,
		DevcontainerID: req.DevcontainerID,
		Model:          req.Model,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *handlers) listTasks(c *gin.Context) {
	tasks, err := h.deps.Store.ListTasks(c.Request.Context(), c.Query("envId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *handlers) getTask(c *gin.Context) {
	task, err := h.deps.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.deps.Store.ListTaskEvents(c.Request.Context(), task.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "events": events})
}

// deleteTask cancels a running task, or deletes a terminal one.
func (h *handlers) deleteTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if h.deps.Dispatcher.IsActive(id) {
		if err := h.deps.Dispatcher.Cancel(ctx, id); err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	}
	if err := h.deps.Store.DeleteTask(ctx, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *handlers) resumeTask(c *gin.Context) {
	task, err := h.deps.Dispatcher.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}
