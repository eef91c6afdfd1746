package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/provisioner"
	"github.com/spyre-sh/spyre/internal/proxmox"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
)

func (h *handlers) listEnvironments(c *gin.Context) {
	envs, err := h.deps.Store.ListEnvironments(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

func (h *handlers) getEnvironment(c *gin.Context) {
	env, err := h.deps.Store.GetEnvironment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

type createEnvironmentRequest struct {
	proxmox.CreateEnvironmentRequest
	Provisioning *provisioner.Request `json:"provisioning,omitempty"`
}

func (h *handlers) createEnvironment(c *gin.Context) {
	if h.deps.Lifecycle == nil {
		h.respondError(c, apperrors.InvalidState("no hypervisor is configured"))
		return
	}
	var req createEnvironmentRequest
	if !h.bindJSON(c, &req) {
		return
	}
	env, err := h.deps.Lifecycle.CreateEnvironment(c.Request.Context(), req.CreateEnvironmentRequest)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if req.Provisioning != nil && env.Status == store.EnvStatusRunning {
		go h.runProvisioning(env, *req.Provisioning)
	}
	c.JSON(http.StatusCreated, env)
}

// runProvisioning applies the requested software sequence over the task
// dispatcher's exec path. It runs detached from the request: provisioning
// can outlive the HTTP call by minutes, and progress is observable through
// the provisioning log and event stream.
func (h *handlers) runProvisioning(env *store.Environment, req provisioner.Request) {
	if h.deps.Provisioner == nil || h.deps.Dispatcher == nil {
		h.log.WithEnvID(env.ID).Warn("provisioning requested but no provisioner is wired")
		return
	}
	req.EnvID = env.ID
	exec := func(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
		return h.deps.Dispatcher.Exec(ctx, env.ID, command, timeout)
	}
	h.deps.Provisioner.Run(context.Background(), req, exec)
}

func (h *handlers) destroyEnvironment(c *gin.Context) {
	if h.deps.Lifecycle == nil {
		h.respondError(c, apperrors.InvalidState("no hypervisor is configured"))
		return
	}
	if err := h.deps.Lifecycle.DestroyEnvironment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

func (h *handlers) listProvisioningLog(c *gin.Context) {
	entries, err := h.deps.Store.ListProvisioningLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
