package proxmox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

// Syncer periodically reconciles environment rows with the hypervisor.
// Best effort: individual query failures are logged and skipped, rows in a
// transitional state are left alone.
type Syncer struct {
	st       *store.Store
	client   Client
	bus      bus.EventBus
	interval time.Duration
	log      *logger.Logger
}

// NewSyncer creates a status syncer.
func NewSyncer(st *store.Store, client Client, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Syncer{st: st, client: client, bus: eventBus, interval: interval, log: log}
}

// Run syncs on the configured interval until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce performs one reconciliation pass.
func (s *Syncer) SyncOnce(ctx context.Context) {
	envs, err := s.st.ListEnvironments(ctx)
	if err != nil {
		s.log.WithError(err).Warn("environment sync: list failed")
		return
	}
	for _, env := range envs {
		if env.VMID == 0 || !syncable(env.Status) {
			continue
		}
		hvStatus, err := s.client.ContainerStatus(ctx, env.VMID)
		if err != nil {
			s.log.WithEnvID(env.ID).WithError(err).Warn("environment sync: status query failed",
				zap.Int("vmid", env.VMID))
			continue
		}
		mapped := mapStatus(hvStatus)
		if mapped == "" || mapped == env.Status {
			continue
		}

		address := env.Address
		if mapped == store.EnvStatusRunning && address == "" {
			address, _ = s.client.ContainerAddress(ctx, env.VMID)
			if address == "" {
				// Running without an address violates the row invariant,
				// so keep the old status until a lease shows up.
				continue
			}
		}
		if err := s.st.UpdateEnvironmentStatus(ctx, env.ID, mapped, address); err != nil {
			s.log.WithEnvID(env.ID).WithError(err).Warn("environment sync: update failed")
			continue
		}
		s.log.WithEnvID(env.ID).Info("environment status reconciled",
			zap.String("from", env.Status), zap.String("to", mapped))
		s.publish(ctx, env.ID, mapped, address)
	}
}

// syncable reports whether the row is in a settled state the hypervisor is
// authoritative for. Transitional states belong to the lifecycle sequence.
func syncable(status string) bool {
	switch status {
	case store.EnvStatusRunning, store.EnvStatusStopped, store.EnvStatusError:
		return true
	}
	return false
}

func mapStatus(hvStatus string) string {
	switch hvStatus {
	case "running":
		return store.EnvStatusRunning
	case "stopped":
		return store.EnvStatusStopped
	}
	return ""
}

func (s *Syncer) publish(ctx context.Context, envID, status, address string) {
	ev := bus.NewEvent("environment.status", "proxmox", map[string]any{
		"env_id":  envID,
		"status":  status,
		"address": address,
	})
	if err := s.bus.Publish(ctx, events.TopicEnvironments, ev); err != nil {
		s.log.WithEnvID(envID).WithError(err).Warn("failed to publish environment status")
	}
}
