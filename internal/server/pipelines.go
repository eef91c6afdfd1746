package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/store"
)

type createStepRequest struct {
	Type             string  `json:"type" binding:"required"`
	Label            string  `json:"label" binding:"required"`
	Position         *int    `json:"position,omitempty"`
	PersonaID        *string `json:"personaId,omitempty"`
	DevcontainerID   *string `json:"devcontainerId,omitempty"`
	PromptTemplate   string  `json:"promptTemplate,omitempty"`
	GateInstructions string  `json:"gateInstructions,omitempty"`
	MaxRetries       int     `json:"maxRetries,omitempty"`
}

type createPipelineRequest struct {
	EnvID       string              `json:"envId" binding:"required"`
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description,omitempty"`
	Steps       []createStepRequest `json:"steps" binding:"required"`
}

func (h *handlers) createPipeline(c *gin.Context) {
	var req createPipelineRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if len(req.Steps) == 0 {
		h.respondError(c, apperrors.Validation("at least one step is required"))
		return
	}
	ctx := c.Request.Context()
	if _, err := h.deps.Store.GetEnvironment(ctx, req.EnvID); err != nil {
		h.respondError(c, err)
		return
	}

	steps := make([]*store.PipelineStep, 0, len(req.Steps))
	for i, sr := range req.Steps {
		if sr.Type != store.StepTypeAgent && sr.Type != store.StepTypeGate {
			h.respondError(c, apperrors.Validation("step type must be agent or gate"))
			return
		}
		position := i
		if sr.Position != nil {
			position = *sr.Position
		}
		steps = append(steps, &store.PipelineStep{
			Position:         position,
			Type:             sr.Type,
			Label:            sr.Label,
			PersonaID:        sr.PersonaID,
			DevcontainerID:   sr.DevcontainerID,
			PromptTemplate:   sr.PromptTemplate,
			GateInstructions: sr.GateInstructions,
			MaxRetries:       sr.MaxRetries,
		})
	}

	p := &store.Pipeline{
		EnvID:       req.EnvID,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.deps.Store.CreatePipeline(ctx, p, steps); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pipeline": p, "steps": steps})
}

func (h *handlers) listPipelines(c *gin.Context) {
	pipelines, err := h.deps.Store.ListPipelines(c.Request.Context(), c.Query("envId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines})
}

func (h *handlers) getPipeline(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.deps.Store.GetPipeline(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	steps, err := h.deps.Store.ListSteps(ctx, p.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p, "steps": steps})
}

func (h *handlers) deletePipeline(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.deps.Store.GetPipeline(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if p.Status == store.PipelineStatusRunning || p.Status == store.PipelineStatusPaused {
		h.respondError(c, apperrors.InvalidState("cancel the pipeline before deleting it"))
		return
	}
	if err := h.deps.Store.DeletePipeline(ctx, p.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *handlers) startPipeline(c *gin.Context) {
	if err := h.deps.Engine.Start(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *handlers) cancelPipeline(c *gin.Context) {
	if err := h.deps.Engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *handlers) rescanPipeline(c *gin.Context) {
	artifacts, err := h.deps.Engine.Rescan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if artifacts == "" {
		artifacts = "[]"
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": json.RawMessage(artifacts)})
}

func (h *handlers) skipStep(c *gin.Context) {
	if err := h.deps.Engine.Skip(c.Request.Context(), c.Param("id"), c.Param("stepId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "skipped"})
}

func (h *handlers) retryStep(c *gin.Context) {
	if err := h.deps.Engine.RetryFailedStep(c.Request.Context(), c.Param("id"), c.Param("stepId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retrying"})
}

type gateDecisionRequest struct {
	Action         string  `json:"action" binding:"required"`
	Feedback       string  `json:"feedback,omitempty"`
	ReviseToStepID *string `json:"revise_to_step_id,omitempty"`
}

func (h *handlers) decideGate(c *gin.Context) {
	var req gateDecisionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	err := h.deps.Engine.Decide(c.Request.Context(),
		c.Param("id"), c.Param("stepId"), req.Action, req.Feedback, req.ReviseToStepID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Action})
}
