package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

// Defaults for LXC creation when the request leaves them unset.
const (
	defaultOSTemplate = "local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst"
	defaultStorage    = "local-lvm"
	defaultBridge     = "vmbr0"
	defaultMemoryMB   = 2048
	defaultCores      = 2
	defaultRootFSGB   = 8
)

// Options tunes the lifecycle manager.
type Options struct {
	// AddressTimeout bounds how long a freshly started container may take
	// to obtain a DHCP lease before creation fails.
	AddressTimeout time.Duration
	// AddressPollInterval is the lease polling cadence.
	AddressPollInterval time.Duration
	// SSHPublicKey is installed as root's authorized key in new containers.
	SSHPublicKey string
}

// Lifecycle creates and destroys environments against the hypervisor.
// VMID allocation plus container creation runs under a process-wide mutex:
// two concurrent creations would otherwise both receive the same "nextid"
// from the cluster and collide.
type Lifecycle struct {
	st     *store.Store
	client Client
	bus    bus.EventBus
	opts   Options
	log    *logger.Logger

	provisionMu sync.Mutex
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(st *store.Store, client Client, eventBus bus.EventBus, opts Options, log *logger.Logger) *Lifecycle {
	if opts.AddressTimeout <= 0 {
		opts.AddressTimeout = 2 * time.Minute
	}
	if opts.AddressPollInterval <= 0 {
		opts.AddressPollInterval = 2 * time.Second
	}
	return &Lifecycle{st: st, client: client, bus: eventBus, opts: opts, log: log}
}

// CreateEnvironmentRequest describes a new environment.
type CreateEnvironmentRequest struct {
	Name       string  `json:"name"`
	OSTemplate string  `json:"osTemplate,omitempty"`
	MemoryMB   int     `json:"memoryMb,omitempty"`
	Cores      int     `json:"cores,omitempty"`
	RootFSGB   int     `json:"rootFsGb,omitempty"`
	PersonaID  *string `json:"personaId,omitempty"`
	RepoURL    string  `json:"repoUrl,omitempty"`
	RepoBranch string  `json:"repoBranch,omitempty"`
	WorkingDir string  `json:"workingDir,omitempty"`
}

type envMetadata struct {
	RootPassword string `json:"root_password"`
}

// CreateEnvironment inserts the pending row and runs the hypervisor
// creation sequence. Container creation failures are fatal: the row is left
// in status error with no address.
func (l *Lifecycle) CreateEnvironment(ctx context.Context, req CreateEnvironmentRequest) (*store.Environment, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.Validation("name is required")
	}

	password := uuid.New().String()
	meta, _ := json.Marshal(envMetadata{RootPassword: password})
	env := &store.Environment{
		Name:       req.Name,
		Status:     store.EnvStatusPending,
		Metadata:   string(meta),
		PersonaID:  req.PersonaID,
		RepoURL:    req.RepoURL,
		RepoBranch: req.RepoBranch,
		WorkingDir: req.WorkingDir,
	}
	if err := l.st.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	l.publishStatus(ctx, env.ID, store.EnvStatusPending, "")

	if err := l.provision(ctx, env, req, password); err != nil {
		_ = l.st.UpdateEnvironmentStatus(ctx, env.ID, store.EnvStatusError, "")
		l.publishStatus(ctx, env.ID, store.EnvStatusError, "")
		l.log.WithEnvID(env.ID).WithError(err).Error("environment creation failed")
		return nil, err
	}
	return l.st.GetEnvironment(ctx, env.ID)
}

func (l *Lifecycle) provision(ctx context.Context, env *store.Environment, req CreateEnvironmentRequest, password string) error {
	if err := l.st.UpdateEnvironmentStatus(ctx, env.ID, store.EnvStatusProvisioning, ""); err != nil {
		return err
	}
	l.publishStatus(ctx, env.ID, store.EnvStatusProvisioning, "")

	create := CreateRequest{
		Hostname:   req.Name,
		OSTemplate: req.OSTemplate,
		Password:   password,
		Storage:    defaultStorage,
		RootFSGB:   req.RootFSGB,
		MemoryMB:   req.MemoryMB,
		Cores:      req.Cores,
		Bridge:     defaultBridge,
		SSHKeys:    l.opts.SSHPublicKey,
	}
	if create.OSTemplate == "" {
		create.OSTemplate = defaultOSTemplate
	}
	if create.RootFSGB <= 0 {
		create.RootFSGB = defaultRootFSGB
	}
	if create.MemoryMB <= 0 {
		create.MemoryMB = defaultMemoryMB
	}
	if create.Cores <= 0 {
		create.Cores = defaultCores
	}

	// Allocation and creation are one critical section: the id returned by
	// nextid stays free only until someone creates a container with it.
	l.provisionMu.Lock()
	vmid, err := l.client.NextID(ctx)
	if err == nil {
		create.VMID = vmid
		err = l.client.CreateContainer(ctx, create)
	}
	l.provisionMu.Unlock()
	if err != nil {
		return fmt.Errorf("container creation failed: %w", err)
	}
	if err := l.st.SetEnvironmentVMID(ctx, env.ID, vmid); err != nil {
		return err
	}
	log := l.log.WithEnvID(env.ID)
	log.Info("container created", zap.Int("vmid", vmid))

	if err := l.client.StartContainer(ctx, vmid); err != nil {
		return fmt.Errorf("container start failed: %w", err)
	}

	addr, err := l.waitAddress(ctx, vmid)
	if err != nil {
		return err
	}
	if err := l.st.UpdateEnvironmentStatus(ctx, env.ID, store.EnvStatusRunning, addr); err != nil {
		return err
	}
	l.publishStatus(ctx, env.ID, store.EnvStatusRunning, addr)
	log.Info("environment running", zap.String("address", addr))
	return nil
}

func (l *Lifecycle) waitAddress(ctx context.Context, vmid int) (string, error) {
	deadline := time.Now().Add(l.opts.AddressTimeout)
	for {
		addr, err := l.client.ContainerAddress(ctx, vmid)
		if err == nil && addr != "" {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("container %d did not obtain an address within %s", vmid, l.opts.AddressTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.opts.AddressPollInterval):
		}
	}
}

// DestroyEnvironment stops and deletes the container, then removes the row.
// Hypervisor errors on stop are ignored; the container may already be down.
func (l *Lifecycle) DestroyEnvironment(ctx context.Context, envID string) error {
	env, err := l.st.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if env.Status == store.EnvStatusDestroying {
		return apperrors.InvalidState("environment is already being destroyed")
	}
	if err := l.st.UpdateEnvironmentStatus(ctx, envID, store.EnvStatusDestroying, ""); err != nil {
		return err
	}
	l.publishStatus(ctx, envID, store.EnvStatusDestroying, "")

	if env.VMID > 0 {
		if err := l.client.StopContainer(ctx, env.VMID); err != nil {
			l.log.WithEnvID(envID).WithError(err).Warn("container stop failed, destroying anyway")
		}
		if err := l.client.DestroyContainer(ctx, env.VMID); err != nil {
			_ = l.st.UpdateEnvironmentStatus(ctx, envID, store.EnvStatusError, "")
			l.publishStatus(ctx, envID, store.EnvStatusError, "")
			return fmt.Errorf("container destroy failed: %w", err)
		}
	}

	if err := l.st.DeleteEnvironment(ctx, envID); err != nil {
		return err
	}
	l.publishStatus(ctx, envID, "deleted", "")
	l.log.WithEnvID(envID).Info("environment destroyed", zap.Int("vmid", env.VMID))
	return nil
}

func (l *Lifecycle) publishStatus(ctx context.Context, envID, status, address string) {
	ev := bus.NewEvent("environment.status", "proxmox", map[string]any{
		"env_id":  envID,
		"status":  status,
		"address": address,
	})
	if err := l.bus.Publish(ctx, events.TopicEnvironments, ev); err != nil {
		l.log.WithEnvID(envID).WithError(err).Warn("failed to publish environment status")
	}
}
