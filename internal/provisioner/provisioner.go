// Package provisioner applies the post-create sequence to a newly created
// environment: catalog software, software pools, community and custom
// scripts, and default user creation. All remote work goes through an
// injected exec function so the sequence is testable without a transport.
package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/common/shellq"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
)

// ExecFunc runs one command in the target environment.
type ExecFunc func(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error)

// Provisioning phases.
const (
	PhaseSoftwareCatalog = "software_catalog"
	PhaseSoftwarePool    = "software_pool"
	PhaseCommunityScript = "community_script"
	PhaseCustomScript    = "custom_script"
	PhaseDefaultUser     = "default_user"
)

// Event statuses within a phase.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

const defaultStepTimeout = 5 * time.Minute

// UserSpec describes the default user to create.
type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Request is one full provisioning run.
type Request struct {
	EnvID              string    `json:"-"`
	SoftwareIDs        []string  `json:"softwareIds,omitempty"`
	Pools              []Pool    `json:"pools,omitempty"`
	CommunityScriptURL string    `json:"communityScriptUrl,omitempty"`
	CustomScript       string    `json:"customScript,omitempty"`
	DefaultUser        *UserSpec `json:"defaultUser,omitempty"`
}

// Pool is a user-defined ordered list of items.
type Pool struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Provisioner runs provisioning sequences and records their progress.
type Provisioner struct {
	st  *store.Store
	bus bus.EventBus
	log *logger.Logger
}

// New creates a provisioner.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Provisioner {
	return &Provisioner{st: st, bus: eventBus, log: log}
}

// Run applies the linear provisioning sequence. Stage errors are non-fatal:
// the stage is recorded as error and the sequence moves on.
func (p *Provisioner) Run(ctx context.Context, req Request, exec ExecFunc) {
	manager := DetectPackageManager(ctx, exec)
	log := p.log.WithEnvID(req.EnvID)
	log.Info("provisioning started", zap.String("package_manager", manager))

	if len(req.SoftwareIDs) > 0 {
		p.runCatalog(ctx, req, manager, exec)
	}
	for _, pool := range req.Pools {
		p.runPool(ctx, req.EnvID, pool, manager, exec)
	}
	if req.CommunityScriptURL != "" {
		p.runCommunityScript(ctx, req.EnvID, req.CommunityScriptURL, exec)
	}
	if strings.TrimSpace(req.CustomScript) != "" {
		p.runCustomScript(ctx, req.EnvID, req.CustomScript, exec)
	}
	if req.DefaultUser != nil {
		p.runDefaultUser(ctx, req.EnvID, req.DefaultUser, exec)
	}
	log.Info("provisioning finished")
}

// DetectPackageManager probes the well-known managers in preference order.
// Returns the first one found, or empty when none is present.
func DetectPackageManager(ctx context.Context, exec ExecFunc) string {
	for _, mgr := range []string{"apt", "apk", "dnf", "yum"} {
		res, err := exec(ctx, "which "+mgr, 10*time.Second)
		if err == nil && res.ExitCode == 0 {
			return mgr
		}
	}
	return ""
}

func (p *Provisioner) runCatalog(ctx context.Context, req Request, manager string, exec ExecFunc) {
	for _, id := range req.SoftwareIDs {
		pkg, ok := resolveCatalog(id, manager)
		if !ok {
			p.emit(ctx, req.EnvID, PhaseSoftwareCatalog, StatusError,
				fmt.Sprintf("%s: no package mapping for manager %q", id, manager))
			continue
		}
		p.emit(ctx, req.EnvID, PhaseSoftwareCatalog, StatusRunning, "installing "+id)
		cmd, err := installCommand(manager, pkg)
		if err != nil {
			p.emit(ctx, req.EnvID, PhaseSoftwareCatalog, StatusError, err.Error())
			continue
		}
		res, err := exec(ctx, cmd, defaultStepTimeout)
		if err != nil || res.ExitCode != 0 {
			p.emit(ctx, req.EnvID, PhaseSoftwareCatalog, StatusError,
				fmt.Sprintf("%s: install failed: %s", id, execFailure(res, err)))
			continue
		}
		p.emit(ctx, req.EnvID, PhaseSoftwareCatalog, StatusSuccess, id+" installed")
	}
}

func (p *Provisioner) runPool(ctx context.Context, envID string, pool Pool, manager string, exec ExecFunc) {
	for _, item := range pool.Items {
		p.runItem(ctx, envID, pool.Name, item, manager, exec)
	}
}

func (p *Provisioner) runCommunityScript(ctx context.Context, envID, url string, exec ExecFunc) {
	p.emit(ctx, envID, PhaseCommunityScript, StatusRunning, url)
	cmd := fmt.Sprintf("curl -fsSL %s | bash", shellq.Quote(url))
	res, err := exec(ctx, cmd, defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		p.emit(ctx, envID, PhaseCommunityScript, StatusError, execFailure(res, err))
		return
	}
	p.emit(ctx, envID, PhaseCommunityScript, StatusSuccess, "community script completed")
}

func (p *Provisioner) runCustomScript(ctx context.Context, envID, script string, exec ExecFunc) {
	p.emit(ctx, envID, PhaseCustomScript, StatusRunning, "")
	res, err := exec(ctx, shellq.RunScript("bash", script), defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		p.emit(ctx, envID, PhaseCustomScript, StatusError, execFailure(res, err))
		return
	}
	p.emit(ctx, envID, PhaseCustomScript, StatusSuccess, "custom script completed")
}

// runDefaultUser creates the user, sets its password, grants sudo via
// whichever admin group exists, and mirrors root's authorized_keys.
func (p *Provisioner) runDefaultUser(ctx context.Context, envID string, user *UserSpec, exec ExecFunc) {
	p.emit(ctx, envID, PhaseDefaultUser, StatusRunning, user.Username)
	u := shellq.Quote(user.Username)
	script := strings.Join([]string{
		fmt.Sprintf("id %s >/dev/null 2>&1 || useradd -m -s /bin/bash %s", u, u),
		fmt.Sprintf("echo %s | chpasswd", shellq.Quote(user.Username+":"+user.Password)),
		fmt.Sprintf("getent group sudo >/dev/null && usermod -aG sudo %s || true", u),
		fmt.Sprintf("getent group wheel >/dev/null && usermod -aG wheel %s || true", u),
		fmt.Sprintf("mkdir -p /home/%s/.ssh", user.Username),
		fmt.Sprintf("[ -f /root/.ssh/authorized_keys ] && cp /root/.ssh/authorized_keys /home/%s/.ssh/ || true", user.Username),
		fmt.Sprintf("chown -R %s:%s /home/%s/.ssh && chmod 700 /home/%s/.ssh", user.Username, user.Username, user.Username, user.Username),
	}, " && ")
	res, err := exec(ctx, script, defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		p.emit(ctx, envID, PhaseDefaultUser, StatusError, execFailure(res, err))
		return
	}
	p.emit(ctx, envID, PhaseDefaultUser, StatusSuccess, "user "+user.Username+" created")
}

// emit records one provisioning event durably and publishes it on the bus.
func (p *Provisioner) emit(ctx context.Context, envID, phase, status, message string) {
	entry := &store.ProvisioningLogEntry{
		EnvID:   envID,
		Phase:   phase,
		Status:  status,
		Message: message,
	}
	if err := p.st.AppendProvisioningLog(ctx, entry); err != nil {
		p.log.WithEnvID(envID).WithError(err).Warn("failed to persist provisioning event")
	}
	ev := bus.NewEvent("provisioning."+status, "provisioner", map[string]any{
		"env_id":  envID,
		"phase":   phase,
		"status":  status,
		"message": message,
	})
	if err := p.bus.Publish(ctx, events.Provisioning(envID), ev); err != nil {
		p.log.WithEnvID(envID).WithError(err).Warn("failed to publish provisioning event")
	}
}

func execFailure(res *sshpool.ExecResult, err error) string {
	if err != nil {
		return err.Error()
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return fmt.Sprintf("exit %d: %s", res.ExitCode, msg)
}
