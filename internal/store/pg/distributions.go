package pg

import (
	"context"
	"database/sql"
	"slices"
	"strings"

	"storykeep.org/internal/ownership"
)

const distributionColumns = `id, story_id, tenant_id, organization_id, platform, platform_post_id, distribution_url,
	embed_domain, webhook_url, webhook_secret, status, view_count, click_count, consent_snapshot, notes,
	expires_at, revoked_at, revoked_by, revocation_reason, webhook_notified_at, webhook_response_status,
	webhook_response_ok, webhook_error, webhook_retry_count, created_by, created_at, updated_at`

func scanDistribution(row scanner) (ownership.Distribution, error) {
	var (
		d                                      ownership.Distribution
		org, postID, url, domain, hook, secret sql.NullString
		notes, revokedBy, reason, hookErr      sql.NullString
		expiresAt, revokedAt, notifiedAt       sql.NullTime
		hookStatus                             sql.NullInt64
		platform, status                       string
		snapshot                               []byte
	)
	if err := row.Scan(&d.ID, &d.StoryID, &d.TenantID, &org, &platform, &postID, &url,
		&domain, &hook, &secret, &status, &d.ViewCount, &d.ClickCount, &snapshot, &notes,
		&expiresAt, &revokedAt, &revokedBy, &reason, &notifiedAt, &hookStatus,
		&d.WebhookOK, &hookErr, &d.WebhookRetryCount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return ownership.Distribution{}, err
	}
	d.OrganizationID = org.String
	d.Platform = ownership.Platform(platform)
	d.PlatformPostID = postID.String
	d.DistributionURL = url.String
	d.EmbedDomain = domain.String
	d.WebhookURL = hook.String
	d.WebhookSecret = secret.String
	d.Status = ownership.DistributionStatus(status)
	d.Notes = notes.String
	d.ExpiresAt = timePtr(expiresAt)
	d.RevokedAt = timePtr(revokedAt)
	d.RevokedBy = revokedBy.String
	d.RevocationReason = reason.String
	d.WebhookNotifiedAt = timePtr(notifiedAt)
	d.WebhookStatus = int(hookStatus.Int64)
	d.WebhookError = hookErr.String
	if err := decodeJSON(snapshot, &d.ConsentSnapshot, "consent_snapshot"); err != nil {
		return ownership.Distribution{}, err
	}
	return d, nil
}

func collectDistributions(rows *sql.Rows) ([]ownership.Distribution, error) {
	defer rows.Close()
	var out []ownership.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateDistribution(ctx context.Context, d ownership.Distribution) error {
	snapshot, err := encodeJSON(d.ConsentSnapshot, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into story_distributions (id, story_id, tenant_id, organization_id, platform, platform_post_id,
			distribution_url, embed_domain, webhook_url, webhook_secret, status, view_count, click_count,
			consent_snapshot, notes, expires_at, created_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		d.ID, d.StoryID, d.TenantID, nullIfEmpty(d.OrganizationID), string(d.Platform), nullIfEmpty(d.PlatformPostID),
		nullIfEmpty(d.DistributionURL), nullIfEmpty(d.EmbedDomain), nullIfEmpty(d.WebhookURL), nullIfEmpty(d.WebhookSecret),
		string(d.Status), d.ViewCount, d.ClickCount, snapshot, nullIfEmpty(d.Notes), nullTime(d.ExpiresAt),
		d.CreatedBy, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	return mapWriteError(err)
}

func (s *Store) GetDistribution(ctx context.Context, id string) (ownership.Distribution, error) {
	row := s.db.QueryRowContext(ctx, `select `+distributionColumns+` from story_distributions where id = $1`, id)
	d, err := scanDistribution(row)
	if err != nil {
		return ownership.Distribution{}, notFound(err)
	}
	return d, nil
}

func (s *Store) ListDistributions(ctx context.Context, storyID string) ([]ownership.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `select `+distributionColumns+` from story_distributions
		where story_id = $1
		order by created_at, id`, storyID)
	if err != nil {
		return nil, err
	}
	return collectDistributions(rows)
}

func (s *Store) ListDistributionsForStories(ctx context.Context, storyIDs []string) ([]ownership.Distribution, error) {
	if len(storyIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(storyIDs))
	for i, id := range storyIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `select `+distributionColumns+` from story_distributions
		where story_id in (`+placeholders(1, len(storyIDs))+`)
		order by created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return collectDistributions(rows)
}

func (s *Store) UpdateDistribution(ctx context.Context, id string, patch ownership.DistributionPatch) (ownership.Distribution, error) {
	row := s.db.QueryRowContext(ctx, `
		update story_distributions set
			platform_post_id = coalesce($2, platform_post_id),
			distribution_url = coalesce($3, distribution_url),
			embed_domain = coalesce($4, embed_domain),
			webhook_url = coalesce($5, webhook_url),
			webhook_secret = coalesce($6, webhook_secret),
			notes = coalesce($7, notes),
			expires_at = coalesce($8, expires_at),
			updated_at = now()
		where id = $1
		returning `+distributionColumns,
		id, nullStringPtr(patch.PlatformPostID), nullStringPtr(patch.DistributionURL), nullStringPtr(patch.EmbedDomain),
		nullStringPtr(patch.WebhookURL), nullStringPtr(patch.WebhookSecret), nullStringPtr(patch.Notes),
		nullTime(patch.ExpiresAt))
	d, err := scanDistribution(row)
	if err != nil {
		return ownership.Distribution{}, notFound(err)
	}
	return d, nil
}

func (s *Store) RevokeDistribution(ctx context.Context, id string, rev ownership.Revocation) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		update story_distributions set status = 'revoked', revoked_at = $2, revoked_by = $3,
			revocation_reason = $4, updated_at = $2
		where id = $1 and status = 'active'`, id, rev.At.UTC(), nullIfEmpty(rev.By), nullIfEmpty(rev.Reason)))
	if err != nil || ok {
		return ok, err
	}
	// Nothing changed: either already inactive or missing.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from story_distributions where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ownership.ErrNotFound
	}
	return false, nil
}

func (s *Store) RevokeActiveDistributions(ctx context.Context, storyID string, rev ownership.Revocation) ([]ownership.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		update story_distributions set status = 'revoked', revoked_at = $2, revoked_by = $3,
			revocation_reason = $4, updated_at = $2
		where story_id = $1 and status = 'active'
		returning `+distributionColumns, storyID, rev.At.UTC(), nullIfEmpty(rev.By), nullIfEmpty(rev.Reason))
	if err != nil {
		return nil, err
	}
	out, err := collectDistributions(rows)
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) RecordWebhookOutcome(ctx context.Context, id string, outcome ownership.WebhookOutcome) error {
	status := sql.NullInt64{Int64: int64(outcome.Status), Valid: outcome.Status != 0}
	return expectRow(s.db.ExecContext(ctx, `
		update story_distributions set webhook_notified_at = $2, webhook_response_status = $3,
			webhook_response_ok = $4, webhook_error = $5, webhook_retry_count = webhook_retry_count + 1
		where id = $1`, id, outcome.At.UTC(), status, outcome.OK, nullIfEmpty(outcome.Error)))
}

func (s *Store) IncrementDistributionViews(ctx context.Context, id string) error {
	return expectRow(s.db.ExecContext(ctx, `
		update story_distributions set view_count = view_count + 1 where id = $1`, id))
}

// sortByCreated orders rows from update ... returning, which Postgres leaves unordered.
func sortByCreated(ds []ownership.Distribution) {
	slices.SortFunc(ds, func(a, b ownership.Distribution) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
