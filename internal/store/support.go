package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreatePersona inserts a persona row.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO personas (id, name, role, prompt, created_at, updated_at)
		VALUES (:id, :name, :role, :prompt, :created_at, :updated_at)
	`, p)
	return err
}

// GetPersona retrieves a persona by id.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	var p Persona
	err := s.ro.GetContext(ctx, &p, `SELECT * FROM personas WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]*Persona, error) {
	var ps []*Persona
	err := s.ro.SelectContext(ctx, &ps, `SELECT * FROM personas ORDER BY name`)
	return ps, err
}

// AppendProvisioningLog persists one provisioning event for an environment.
func (s *Store) AppendProvisioningLog(ctx context.Context, entry *ProvisioningLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO provisioning_log (id, env_id, phase, status, message, created_at)
		VALUES (:id, :env_id, :phase, :status, :message, :created_at)
	`, entry)
	return err
}

// ListProvisioningLog returns the provisioning log of an environment in
// chronological order.
func (s *Store) ListProvisioningLog(ctx context.Context, envID string) ([]*ProvisioningLogEntry, error) {
	var entries []*ProvisioningLogEntry
	err := s.ro.SelectContext(ctx, &entries,
		`SELECT * FROM provisioning_log WHERE env_id = ? ORDER BY created_at`, envID)
	return entries, err
}

// GetSetting returns a setting value, or empty string when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.ro.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}
