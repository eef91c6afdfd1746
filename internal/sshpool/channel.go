// Package sshpool maintains reusable SSH connections to managed
// environments. Connections are dialed lazily, kept alive in the
// background, and evicted when an environment's address changes.
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of a command run over a channel.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel executes commands on one remote host.
type Channel interface {
	// Exec runs a command and collects its output. A zero timeout uses the
	// context's deadline alone.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// Stream runs a command and delivers output chunks as they arrive.
	// Returns the command's exit code.
	Stream(ctx context.Context, command string, onStdout, onStderr func(chunk []byte)) (int, error)

	// Addr returns the remote address this channel is connected to.
	Addr() string

	// Close tears down the underlying connection.
	Close() error
}

// Target identifies a remote host to connect to.
type Target struct {
	Addr     string // host or host:port; port 22 is assumed when absent
	User     string
	Password string // used when no private key is configured or key auth fails
}

type sshChannel struct {
	client *ssh.Client
	addr   string
}

// dial establishes an SSH connection to the target. Both key and password
// auth are offered when available.
func dial(ctx context.Context, target Target, keyPath string, readyTimeout time.Duration) (Channel, error) {
	addr := target.Addr
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	var methods []ssh.AuthMethod
	if signer, err := loadSigner(keyPath); err == nil {
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH auth method available for %s", addr)
	}

	user := target.User
	if user == "" {
		user = "root"
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: methods,
		// Environments are freshly provisioned containers on a private
		// network; host keys rotate on every provision.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         readyTimeout,
	}

	dialer := net.Dialer{Timeout: readyTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}

	return &sshChannel{client: ssh.NewClient(sshConn, chans, reqs), addr: addr}, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, errors.New("no key path")
	}
	if strings.HasPrefix(keyPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		keyPath = filepath.Join(home, keyPath[2:])
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func (c *sshChannel) Addr() string { return c.addr }

func (c *sshChannel) Close() error { return c.client.Close() }

func (c *sshChannel) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", c.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return nil, err
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, ctx.Err()
	case err := <-done:
		result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, err
		}
		return result, nil
	}
}

func (c *sshChannel) Stream(ctx context.Context, command string, onStdout, onStderr func(chunk []byte)) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open session on %s: %w", c.addr, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := session.Start(command); err != nil {
		return -1, err
	}

	copyDone := make(chan struct{}, 2)
	go pump(stdout, onStdout, copyDone)
	go pump(stderr, onStderr, copyDone)

	waitDone := make(chan error, 1)
	go func() {
		<-copyDone
		<-copyDone
		waitDone <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	case err := <-waitDone:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus(), nil
			}
			return -1, err
		}
		return 0, nil
	}
}

func pump(r interface{ Read([]byte) (int, error) }, deliver func([]byte), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	if deliver == nil {
		deliver = func([]byte) {}
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			deliver(chunk)
		}
		if err != nil {
			return
		}
	}
}

// keepalive sends a request the server must answer; failure marks the
// connection dead.
func (c *sshChannel) keepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}
