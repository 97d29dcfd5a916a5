package pg

import (
	"context"
	"database/sql"

	"storykeep.org/internal/ownership"
)

// AppendAudit inserts one immutable row. Audit rows are never updated.
func (s *Store) AppendAudit(ctx context.Context, e ownership.AuditEntry) error {
	prev, err := encodeJSON(e.PreviousState, "null")
	if err != nil {
		return err
	}
	next, err := encodeJSON(e.NewState, "null")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, tenant_id, organization_id, entity_type, entity_id, action, action_category,
			actor_id, actor_type, previous_state, new_state, change_summary, request_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, nullIfEmpty(e.TenantID), nullIfEmpty(e.OrganizationID), e.EntityType, e.EntityID, e.Action,
		e.ActionCategory, nullIfEmpty(e.ActorID), e.ActorType, prev, next, e.ChangeSummary,
		nullIfEmpty(e.RequestID), e.CreatedAt.UTC())
	return mapWriteError(err)
}

// ListAuditByActor returns the newest entries first. A non-positive limit returns all of them.
func (s *Store) ListAuditByActor(ctx context.Context, actorID string, limit int) ([]ownership.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, organization_id, entity_type, entity_id, action, action_category, actor_id,
			actor_type, previous_state, new_state, change_summary, request_id, created_at
		from audit_logs where actor_id = $1
		order by created_at desc, id desc
		limit $2`, actorID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ownership.AuditEntry
	for rows.Next() {
		var (
			e                             ownership.AuditEntry
			tenant, org, actor, requestID sql.NullString
			prev, next                    []byte
		)
		if err := rows.Scan(&e.ID, &tenant, &org, &e.EntityType, &e.EntityID, &e.Action, &e.ActionCategory, &actor,
			&e.ActorType, &prev, &next, &e.ChangeSummary, &requestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TenantID = tenant.String
		e.OrganizationID = org.String
		e.ActorID = actor.String
		e.RequestID = requestID.String
		if err := decodeJSON(prev, &e.PreviousState, "previous_state"); err != nil {
			return nil, err
		}
		if err := decodeJSON(next, &e.NewState, "new_state"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeletionRequest(ctx context.Context, r ownership.DeletionRequest) error {
	scope, err := encodeJSON(r.Scope, "{}")
	if err != nil {
		return err
	}
	log, err := encodeJSON(r.ProcessingLog, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into deletion_requests (id, user_id, tenant_id, request_type, scope, status, verification_token,
			items_total, items_processed, processing_log, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.UserID, r.TenantID, string(r.RequestType), scope, string(r.Status), r.VerificationToken,
		r.ItemsTotal, r.ItemsProcessed, log, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	return mapWriteError(err)
}

func (s *Store) GetDeletionRequest(ctx context.Context, id string) (ownership.DeletionRequest, error) {
	var (
		r                                    ownership.DeletionRequest
		kind, status                         string
		scope, log                           []byte
		errMsg                               sql.NullString
		verifiedAt, processedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, request_type, scope, status, verification_token, verified_at,
			items_total, items_processed, processing_log, error_message, processed_at, completed_at,
			created_at, updated_at
		from deletion_requests where id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.TenantID, &kind, &scope, &status, &r.VerificationToken, &verifiedAt,
			&r.ItemsTotal, &r.ItemsProcessed, &log, &errMsg, &processedAt, &completedAt,
			&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return ownership.DeletionRequest{}, notFound(err)
	}
	r.RequestType = ownership.DeletionRequestType(kind)
	r.Status = ownership.DeletionStatus(status)
	r.ErrorMessage = errMsg.String
	r.VerifiedAt = timePtr(verifiedAt)
	r.ProcessedAt = timePtr(processedAt)
	r.CompletedAt = timePtr(completedAt)
	if err := decodeJSON(scope, &r.Scope, "scope"); err != nil {
		return ownership.DeletionRequest{}, err
	}
	if err := decodeJSON(log, &r.ProcessingLog, "processing_log"); err != nil {
		return ownership.DeletionRequest{}, err
	}
	return r, nil
}

func (s *Store) UpdateDeletionRequest(ctx context.Context, r ownership.DeletionRequest) error {
	log, err := encodeJSON(r.ProcessingLog, "[]")
	if err != nil {
		return err
	}
	return expectRow(s.db.ExecContext(ctx, `
		update deletion_requests set status = $2, verified_at = $3, items_total = $4, items_processed = $5,
			processing_log = $6, error_message = $7, processed_at = $8, completed_at = $9, updated_at = $10
		where id = $1`,
		r.ID, string(r.Status), nullTime(r.VerifiedAt), r.ItemsTotal, r.ItemsProcessed, log,
		nullIfEmpty(r.ErrorMessage), nullTime(r.ProcessedAt), nullTime(r.CompletedAt), r.UpdatedAt.UTC()))
}
