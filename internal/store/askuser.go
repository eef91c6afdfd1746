package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateAskUserRequest inserts a pending ask-user row.
func (s *Store) CreateAskUserRequest(ctx context.Context, req *AskUserRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = AskUserPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ask_user_requests (id, env_id, orchestrator_id, agent_id, question,
			options, response, status, created_at, updated_at)
		VALUES (:id, :env_id, :orchestrator_id, :agent_id, :question,
			:options, :response, :status, :created_at, :updated_at)
	`, req)
	return err
}

// GetAskUserRequest retrieves an ask-user request by id.
func (s *Store) GetAskUserRequest(ctx context.Context, id string) (*AskUserRequest, error) {
	var req AskUserRequest
	err := s.ro.GetContext(ctx, &req, `SELECT * FROM ask_user_requests WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// ListAskUserRequests returns the requests of an orchestrator session,
// oldest first.
func (s *Store) ListAskUserRequests(ctx context.Context, orchestratorID string) ([]*AskUserRequest, error) {
	var reqs []*AskUserRequest
	err := s.ro.SelectContext(ctx, &reqs, `
		SELECT * FROM ask_user_requests WHERE orchestrator_id = ? ORDER BY created_at
	`, orchestratorID)
	return reqs, err
}

// AnswerAskUserRequest records the user's response iff the request is still
// pending. Returns false when the CAS loses.
func (s *Store) AnswerAskUserRequest(ctx context.Context, id, response string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ask_user_requests SET status = 'answered', response = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, response, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelAskUserRequests cancels all pending requests of a session.
func (s *Store) CancelAskUserRequests(ctx context.Context, orchestratorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ask_user_requests SET status = 'cancelled', updated_at = ?
		WHERE orchestrator_id = ? AND status = 'pending'
	`, time.Now().UTC(), orchestratorID)
	return err
}

// ExpireAskUserRequests marks pending requests older than the cutoff as
// expired. Returns the number of rows transitioned.
func (s *Store) ExpireAskUserRequests(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ask_user_requests SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND created_at < ?
	`, time.Now().UTC(), olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
