package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/orchestrator"
	"github.com/spyre-sh/spyre/internal/store"
)

func (h *handlers) startSession(c *gin.Context) {
	var req orchestrator.StartRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sess, err := h.deps.Orchestrator.Start(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *handlers) listSessions(c *gin.Context) {
	sessions, err := h.deps.Store.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handlers) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.deps.Store.GetSession(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	agents, err := h.deps.Store.ListAgents(ctx, sess.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "agents": agents})
}

func (h *handlers) cancelSession(c *gin.Context) {
	if err := h.deps.Orchestrator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *handlers) listAskUser(c *gin.Context) {
	reqs, err := h.deps.Store.ListAskUserRequests(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

type answerAskUserRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Response  string `json:"response" binding:"required"`
}

func (h *handlers) answerAskUser(c *gin.Context) {
	var req answerAskUserRequest
	if !h.bindJSON(c, &req) {
		return
	}
	answered, err := h.deps.Orchestrator.AnswerAskUser(c.Request.Context(), req.RequestID, req.Response)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, answered)
}

// Agents

type spawnAgentRequest struct {
	EnvID          string                  `json:"envId" binding:"required"`
	OrchestratorID *string                 `json:"orchestratorId,omitempty"`
	Agent          *orchestrator.AgentSpec `json:"agent,omitempty"`
}

func (h *handlers) spawnAgent(c *gin.Context) {
	var req spawnAgentRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.Agent == nil {
		h.respondError(c, apperrors.Validation("agent is required"))
		return
	}
	agents, err := h.deps.Orchestrator.SpawnAgents(c.Request.Context(),
		req.EnvID, req.OrchestratorID, []orchestrator.AgentSpec{*req.Agent})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agents[0])
}

type spawnAgentBatchRequest struct {
	EnvID          string                   `json:"envId" binding:"required"`
	OrchestratorID *string                  `json:"orchestratorId,omitempty"`
	Agents         []orchestrator.AgentSpec `json:"agents" binding:"required"`
}

func (h *handlers) spawnAgentBatch(c *gin.Context) {
	var req spawnAgentBatchRequest
	if !h.bindJSON(c, &req) {
		return
	}
	agents, err := h.deps.Orchestrator.SpawnAgents(c.Request.Context(),
		req.EnvID, req.OrchestratorID, req.Agents)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agents": agents})
}

func (h *handlers) listAgents(c *gin.Context) {
	agents, err := h.deps.Store.ListAgents(c.Request.Context(), c.Query("orchestratorId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *handlers) getAgent(c *gin.Context) {
	agent, err := h.deps.Store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// deleteAgent removes a terminal agent row. Non-terminal agents must finish
// or be cancelled through their session first.
func (h *handlers) deleteAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.deps.Store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !store.AgentTerminal(agent.Status) {
		h.respondError(c, apperrors.InvalidState("agent is still active"))
		return
	}
	if err := h.deps.Store.DeleteAgent(ctx, agent.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Personas

func (h *handlers) listPersonas(c *gin.Context) {
	personas, err := h.deps.Store.ListPersonas(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

func (h *handlers) getPersona(c *gin.Context) {
	p, err := h.deps.Store.GetPersona(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) createPersona(c *gin.Context) {
	var p store.Persona
	if !h.bindJSON(c, &p) {
		return
	}
	if p.Name == "" {
		h.respondError(c, apperrors.Validation("name is required"))
		return
	}
	if err := h.deps.Store.CreatePersona(c.Request.Context(), &p); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}
