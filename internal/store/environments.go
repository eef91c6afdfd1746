package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateEnvironment inserts a new environment row.
func (s *Store) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	if env.Status == "" {
		env.Status = EnvStatusPending
	}
	if env.SSHUser == "" {
		env.SSHUser = "root"
	}
	if env.Metadata == "" {
		env.Metadata = "{}"
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO environments (id, name, vmid, status, address, ssh_user, metadata,
			persona_id, repo_url, repo_branch, working_dir, created_at, updated_at)
		VALUES (:id, :name, :vmid, :status, :address, :ssh_user, :metadata,
			:persona_id, :repo_url, :repo_branch, :working_dir, :created_at, :updated_at)
	`, env)
	return err
}

// GetEnvironment retrieves an environment by id.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	var env Environment
	err := s.ro.GetContext(ctx, &env, `SELECT * FROM environments WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &env, nil
}

// ListEnvironments returns all environments ordered by creation time.
func (s *Store) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	var envs []*Environment
	err := s.ro.SelectContext(ctx, &envs, `SELECT * FROM environments ORDER BY created_at`)
	return envs, err
}

// UpdateEnvironmentStatus updates the status (and, when non-empty, the
// address) of an environment.
func (s *Store) UpdateEnvironmentStatus(ctx context.Context, id, status, address string) error {
	var err error
	if address != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE environments SET status = ?, address = ?, updated_at = ? WHERE id = ?`,
			status, address, time.Now().UTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE environments SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
	}
	return err
}

// SetEnvironmentVMID records the hypervisor container id once allocated.
func (s *Store) SetEnvironmentVMID(ctx context.Context, id string, vmid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE environments SET vmid = ?, updated_at = ? WHERE id = ?`,
		vmid, time.Now().UTC(), id)
	return err
}

// DeleteEnvironment removes an environment and, via FK cascade, its
// dependent rows.
func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevContainer retrieves a dev-container by id.
func (s *Store) GetDevContainer(ctx context.Context, id string) (*DevContainer, error) {
	var dc DevContainer
	err := s.ro.GetContext(ctx, &dc, `SELECT * FROM devcontainers WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &dc, nil
}

// CreateDevContainer inserts a dev-container row.
func (s *Store) CreateDevContainer(ctx context.Context, dc *DevContainer) error {
	if dc.ID == "" {
		dc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	dc.CreatedAt = now
	dc.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO devcontainers (id, env_id, name, status, created_at, updated_at)
		VALUES (:id, :env_id, :name, :status, :created_at, :updated_at)
	`, dc)
	return err
}

// ListDevContainers returns the dev-containers of an environment.
func (s *Store) ListDevContainers(ctx context.Context, envID string) ([]*DevContainer, error) {
	var dcs []*DevContainer
	err := s.ro.SelectContext(ctx, &dcs,
		`SELECT * FROM devcontainers WHERE env_id = ? ORDER BY created_at`, envID)
	return dcs, err
}

// UpdateDevContainerStatus updates a dev-container status.
func (s *Store) UpdateDevContainerStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devcontainers SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("devcontainer %s: %w", id, ErrNotFound)
	}
	return nil
}
