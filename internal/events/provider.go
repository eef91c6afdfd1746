// Package events wires the configured event bus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/spyre-sh/spyre/internal/common/config"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/events/bus"
)

// Topic names. Formatted with the owning entity id.
const (
	TopicTaskEvent      = "task:%s:event"
	TopicTaskOutput     = "task:%s:output"
	TopicTaskComplete   = "task:%s:complete"
	TopicPipeline       = "pipeline:%s"
	TopicOrchEvent      = "orchestrator:%s:event"
	TopicAgentSpawn     = "orchestrator:%s:agent-spawn"
	TopicAgentComplete  = "orchestrator:%s:agent-complete"
	TopicOrchComplete   = "orchestrator:%s:complete"
	TopicAgent          = "agent:%s:%s"
	TopicAskUser        = "ask-user:%s"
	TopicEnvironments   = "environments"
	TopicProvisioning   = "provisioning:%s"
)

// TaskEvent returns the task event topic for a task id.
func TaskEvent(taskID string) string { return fmt.Sprintf(TopicTaskEvent, taskID) }

// TaskOutput returns the live output topic for a task id.
func TaskOutput(taskID string) string { return fmt.Sprintf(TopicTaskOutput, taskID) }

// TaskComplete returns the completion topic for a task id.
func TaskComplete(taskID string) string { return fmt.Sprintf(TopicTaskComplete, taskID) }

// Pipeline returns the event topic for a pipeline id.
func Pipeline(pipelineID string) string { return fmt.Sprintf(TopicPipeline, pipelineID) }

// OrchestratorEvent returns the event topic for an orchestrator session.
func OrchestratorEvent(id string) string { return fmt.Sprintf(TopicOrchEvent, id) }

// OrchestratorAgentSpawn returns the agent-spawn topic for an orchestrator session.
func OrchestratorAgentSpawn(id string) string { return fmt.Sprintf(TopicAgentSpawn, id) }

// OrchestratorAgentComplete returns the agent-complete topic for an orchestrator session.
func OrchestratorAgentComplete(id string) string { return fmt.Sprintf(TopicAgentComplete, id) }

// OrchestratorComplete returns the completion topic for an orchestrator session.
func OrchestratorComplete(id string) string { return fmt.Sprintf(TopicOrchComplete, id) }

// Agent returns an agent topic for the given agent id and kind
// (running, output, complete, error).
func Agent(agentID, kind string) string { return fmt.Sprintf(TopicAgent, agentID, kind) }

// AskUser returns the ask-user topic for an environment id.
func AskUser(envID string) string { return fmt.Sprintf(TopicAskUser, envID) }

// Provisioning returns the provisioning event topic for an environment id.
func Provisioning(envID string) string { return fmt.Sprintf(TopicProvisioning, envID) }

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
