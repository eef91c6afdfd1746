package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/store"
)

type handlers struct {
	deps Deps
	log  *logger.Logger
}

func (h *handlers) register(api *gin.RouterGroup) {
	api.GET("/health", h.health)

	envs := api.Group("/environments")
	{
		envs.GET("", h.listEnvironments)
		envs.POST("", h.createEnvironment)
		envs.GET("/stream", h.streamEnvironments)
		envs.GET("/:id", h.getEnvironment)
		envs.DELETE("/:id", h.destroyEnvironment)
		envs.GET("/:id/provisioning-log", h.listProvisioningLog)
		envs.GET("/:id/provisioning/stream", h.streamProvisioning)
	}

	claude := api.Group("/claude")
	{
		claude.GET("/stream", h.streamTasks)
		claude.GET("/tasks", h.listTasks)
		claude.POST("/tasks", h.createTask)
		claude.GET("/tasks/:id", h.getTask)
		claude.DELETE("/tasks/:id", h.deleteTask)
		claude.POST("/tasks/:id/resume", h.resumeTask)
	}

	pipelines := api.Group("/pipelines")
	{
		pipelines.GET("", h.listPipelines)
		pipelines.POST("", h.createPipeline)
		pipelines.GET("/:id", h.getPipeline)
		pipelines.DELETE("/:id", h.deletePipeline)
		pipelines.GET("/:id/stream", h.streamPipeline)
		pipelines.POST("/:id/start", h.startPipeline)
		pipelines.POST("/:id/cancel", h.cancelPipeline)
		pipelines.POST("/:id/rescan", h.rescanPipeline)
		pipelines.POST("/:id/steps/:stepId/skip", h.skipStep)
		pipelines.POST("/:id/steps/:stepId/retry", h.retryStep)
		pipelines.POST("/:id/steps/:stepId/gate", h.decideGate)
	}

	orch := api.Group("/orchestrator")
	{
		orch.GET("", h.listSessions)
		orch.POST("", h.startSession)
		orch.GET("/:id", h.getSession)
		orch.DELETE("/:id", h.cancelSession)
		orch.GET("/:id/stream", h.streamSession)
		orch.GET("/:id/ask-user", h.listAskUser)
		orch.POST("/:id/ask-user", h.answerAskUser)
	}

	agents := api.Group("/agents")
	{
		agents.GET("", h.listAgents)
		agents.POST("", h.spawnAgent)
		agents.POST("/batch", h.spawnAgentBatch)
		agents.GET("/:id", h.getAgent)
		agents.DELETE("/:id", h.deleteAgent)
		agents.GET("/:id/stream", h.streamAgent)
	}

	personas := api.Group("/personas")
	{
		personas.GET("", h.listPersonas)
		personas.POST("", h.createPersona)
		personas.GET("/:id", h.getPersona)
	}

	settings := api.Group("/settings")
	{
		settings.GET("/:key", h.getSetting)
		settings.PUT("/:key", h.setSetting)
	}
}

func (h *handlers) getSetting(c *gin.Context) {
	key := c.Param("key")
	value, err := h.deps.Store.GetSetting(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (h *handlers) setSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	key := c.Param("key")
	if err := h.deps.Store.SetSetting(c.Request.Context(), key, req.Value); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps any error to the flat {code, message} contract.
func (h *handlers) respondError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    apperrors.ErrCodeNotFound,
			"message": err.Error(),
		})
		return
	}
	appErr := apperrors.AsAppError(err)
	if appErr.Code == apperrors.ErrCodeInternalError {
		h.log.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

func (h *handlers) bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return false
	}
	return true
}
