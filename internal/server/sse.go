package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

const (
	sseKeepalive = 15 * time.Second
	sseBuffer    = 64
)

// sseMessage is one named SSE event.
type sseMessage struct {
	name string
	data any
}

// streamBus bridges bus topics onto one SSE response: optional snapshot
// messages first, then live events until the client disconnects. Events
// arriving faster than the client drains are dropped rather than blocking
// the publisher.
func (h *handlers) streamBus(c *gin.Context, snapshots []sseMessage, topics ...string) {
	ch := make(chan sseMessage, sseBuffer)
	subs := make([]bus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := h.deps.Bus.Subscribe(topic, func(ctx context.Context, ev *bus.Event) error {
			select {
			case ch <- sseMessage{name: ev.Type, data: ev}:
			default:
			}
			return nil
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			h.respondError(c, err)
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for _, msg := range snapshots {
		c.SSEvent(msg.name, msg.data)
	}
	c.Writer.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	done := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case msg := <-ch:
			c.SSEvent(msg.name, msg.data)
			return true
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			return true
		}
	})
}

// streamEnvironments sends a snapshot of all environments, then status
// deltas.
func (h *handlers) streamEnvironments(c *gin.Context) {
	envs, err := h.deps.Store.ListEnvironments(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.streamBus(c, []sseMessage{{name: "snapshot", data: gin.H{"environments": envs}}},
		events.TopicEnvironments)
}

// streamProvisioning replays the recorded provisioning log for one
// environment, then follows live phase events.
func (h *handlers) streamProvisioning(c *gin.Context) {
	ctx := c.Request.Context()
	env, err := h.deps.Store.GetEnvironment(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	entries, err := h.deps.Store.ListProvisioningLog(ctx, env.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.streamBus(c, []sseMessage{{name: "snapshot", data: gin.H{"entries": entries}}},
		events.Provisioning(env.ID))
}

// streamTasks sends a snapshot of non-terminal tasks, then every task
// event, output chunk, and completion in the process.
func (h *handlers) streamTasks(c *gin.Context) {
	tasks, err := h.deps.Store.ListTasks(c.Request.Context(), c.Query("envId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	live := make([]*store.ClaudeTask, 0, len(tasks))
	for _, task := range tasks {
		if !store.TaskTerminal(task.Status) {
			live = append(live, task)
		}
	}
	h.streamBus(c, []sseMessage{{name: "snapshot", data: gin.H{"tasks": live}}}, "task:>")
}

func (h *handlers) streamPipeline(c *gin.Context) {
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
	h.streamBus(c, []sseMessage{{name: "snapshot", data: gin.H{"pipeline": p, "steps": steps}}},
		events.Pipeline(p.ID))
}

func (h *handlers) streamSession(c *gin.Context) {
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
	h.streamBus(c, []sseMessage{{name: "snapshot", data: gin.H{"session": sess, "agents": agents}}},
		fmt.Sprintf("orchestrator:%s:*", sess.ID),
		events.AskUser(sess.EnvID),
	)
}

func (h *handlers) streamAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.deps.Store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	topics := []string{fmt.Sprintf("agent:%s:*", agent.ID)}
	if agent.TaskID != nil {
		topics = append(topics, events.TaskOutput(*agent.TaskID))
	}
	h.streamBus(c, []sseMessage{{name: "snapshot", data: agent}}, topics...)
}
