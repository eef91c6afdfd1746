package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spyre-sh/spyre/internal/common/shellq"
)

// Item types within a software pool.
const (
	ItemPackage = "package"
	ItemScript  = "script"
	ItemFile    = "file"
)

// Item is one unit in a software pool.
type Item struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// Optional gate: a shell command; exit 0 runs the item, anything else
	// skips it.
	Condition string `json:"condition,omitempty"`

	// package
	Package string `json:"package,omitempty"`
	Manager string `json:"manager,omitempty"` // restrict to a specific package manager

	// script
	ScriptURL     string `json:"scriptUrl,omitempty"`
	ScriptContent string `json:"scriptContent,omitempty"`
	Interpreter   string `json:"interpreter,omitempty"`

	// file
	FileURL     string `json:"fileUrl,omitempty"`
	FileContent string `json:"fileContent,omitempty"`
	Destination string `json:"destination,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Owner       string `json:"owner,omitempty"`

	// Runs after the item succeeds.
	PostCommand string `json:"postCommand,omitempty"`
}

// runItem executes a single pool item. Failed conditions skip the item,
// failed execution records an error and moves on.
func (p *Provisioner) runItem(ctx context.Context, envID, poolName string, item Item, manager string, exec ExecFunc) {
	label := poolName + "/" + item.Name

	if item.Condition != "" {
		res, err := exec(ctx, item.Condition, 30*time.Second)
		if err != nil || res.ExitCode != 0 {
			p.emit(ctx, envID, PhaseSoftwarePool, StatusSkipped, label+": condition not met")
			return
		}
	}

	p.emit(ctx, envID, PhaseSoftwarePool, StatusRunning, label)

	var err error
	switch item.Type {
	case ItemPackage:
		err = p.installPackage(ctx, item, manager, exec)
		if err == errManagerMismatch {
			p.emit(ctx, envID, PhaseSoftwarePool, StatusSkipped,
				fmt.Sprintf("%s: requires %s, detected %s", label, item.Manager, manager))
			return
		}
	case ItemScript:
		err = p.runScriptItem(ctx, item, exec)
	case ItemFile:
		err = p.installFile(ctx, item, exec)
	default:
		err = fmt.Errorf("unknown item type %q", item.Type)
	}
	if err != nil {
		p.emit(ctx, envID, PhaseSoftwarePool, StatusError, label+": "+err.Error())
		return
	}

	if item.PostCommand != "" {
		res, perr := exec(ctx, item.PostCommand, defaultStepTimeout)
		if perr != nil || res.ExitCode != 0 {
			p.emit(ctx, envID, PhaseSoftwarePool, StatusError,
				label+": post_command failed: "+execFailure(res, perr))
			return
		}
	}
	p.emit(ctx, envID, PhaseSoftwarePool, StatusSuccess, label)
}

var errManagerMismatch = fmt.Errorf("package manager mismatch")

func (p *Provisioner) installPackage(ctx context.Context, item Item, manager string, exec ExecFunc) error {
	target := manager
	if item.Manager != "" {
		if manager != "" && item.Manager != manager {
			return errManagerMismatch
		}
		target = item.Manager
	}
	cmd, err := installCommand(target, item.Package)
	if err != nil {
		return err
	}
	res, err := exec(ctx, cmd, defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("install failed: %s", execFailure(res, err))
	}
	return nil
}

func (p *Provisioner) runScriptItem(ctx context.Context, item Item, exec ExecFunc) error {
	interpreter := item.Interpreter
	if interpreter == "" {
		interpreter = "bash"
	}
	var cmd string
	switch {
	case item.ScriptURL != "":
		cmd = fmt.Sprintf("curl -fsSL %s | %s", shellq.Quote(item.ScriptURL), interpreter)
	case item.ScriptContent != "":
		cmd = shellq.RunScript(interpreter, item.ScriptContent)
	default:
		return fmt.Errorf("script item has neither url nor content")
	}
	res, err := exec(ctx, cmd, defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("script failed: %s", execFailure(res, err))
	}
	return nil
}

func (p *Provisioner) installFile(ctx context.Context, item Item, exec ExecFunc) error {
	if item.Destination == "" {
		return fmt.Errorf("file item has no destination")
	}
	var cmd string
	switch {
	case item.FileURL != "":
		cmd = fmt.Sprintf("curl -fsSL -o %s %s", shellq.Quote(item.Destination), shellq.Quote(item.FileURL))
	case item.FileContent != "":
		cmd = shellq.WriteFile(item.Destination, item.FileContent)
	default:
		return fmt.Errorf("file item has neither url nor content")
	}
	if item.Mode != "" {
		cmd += fmt.Sprintf("\nchmod %s %s", item.Mode, shellq.Quote(item.Destination))
	}
	if item.Owner != "" {
		cmd += fmt.Sprintf("\nchown %s %s", shellq.Quote(item.Owner), shellq.Quote(item.Destination))
	}
	res, err := exec(ctx, cmd, defaultStepTimeout)
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("file install failed: %s", execFailure(res, err))
	}
	return nil
}

// installCommand builds the install invocation for a package manager.
func installCommand(manager, pkg string) (string, error) {
	if manager == "" {
		return "", fmt.Errorf("no package manager detected")
	}
	quoted := shellq.Quote(pkg)
	switch manager {
	case "apt":
		return "DEBIAN_FRONTEND=noninteractive apt-get install -y " + quoted, nil
	case "apk":
		return "apk add --no-cache " + quoted, nil
	case "dnf":
		return "dnf install -y " + quoted, nil
	case "yum":
		return "yum install -y " + quoted, nil
	default:
		return "", fmt.Errorf("unsupported package manager %q", manager)
	}
}

// catalog maps software ids to per-manager package names. Identity mapping
// unless a manager names the package differently.
var catalog = map[string]map[string]string{
	"git":     {"*": "git"},
	"curl":    {"*": "curl"},
	"docker":  {"apt": "docker.io", "apk": "docker", "dnf": "docker", "yum": "docker"},
	"nodejs":  {"apt": "nodejs", "apk": "nodejs", "dnf": "nodejs", "yum": "nodejs"},
	"python3": {"apt": "python3", "apk": "python3", "dnf": "python3", "yum": "python3"},
	"build-essential": {
		"apt": "build-essential", "apk": "build-base",
		"dnf": "gcc-c++", "yum": "gcc-c++",
	},
}

func resolveCatalog(id, manager string) (string, bool) {
	entry, ok := catalog[strings.ToLower(id)]
	if !ok || manager == "" {
		return "", false
	}
	if pkg, ok := entry[manager]; ok {
		return pkg, true
	}
	if pkg, ok := entry["*"]; ok {
		return pkg, true
	}
	return "", false
}
