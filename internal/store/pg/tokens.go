package pg

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"

	"storykeep.org/internal/ownership"
)

const tokenColumns = `id, story_id, tenant_id, token, token_hash, allowed_domains, expires_at, status, usage_count,
	last_used_at, last_used_domain, last_used_ip, distribution_id, allow_analytics, show_attribution,
	custom_styles, revoked_at, revoked_by, revocation_reason, created_by, created_at`

func scanToken(row scanner) (ownership.EmbedToken, error) {
	var (
		t                                     ownership.EmbedToken
		raw, hash, lastDomain, lastIP, distID sql.NullString
		revokedBy, reason                     sql.NullString
		expiresAt, lastUsedAt, revokedAt      sql.NullTime
		status                                string
		domains, styles                       []byte
	)
	if err := row.Scan(&t.ID, &t.StoryID, &t.TenantID, &raw, &hash, &domains, &expiresAt, &status, &t.UsageCount,
		&lastUsedAt, &lastDomain, &lastIP, &distID, &t.AllowAnalytics, &t.ShowAttribution,
		&styles, &revokedAt, &revokedBy, &reason, &t.CreatedBy, &t.CreatedAt); err != nil {
		return ownership.EmbedToken{}, err
	}
	t.Token = raw.String
	t.TokenHash = hash.String
	t.ExpiresAt = timePtr(expiresAt)
	t.Status = ownership.TokenStatus(status)
	t.LastUsedAt = timePtr(lastUsedAt)
	t.LastUsedDomain = lastDomain.String
	t.LastUsedIP = lastIP.String
	t.DistributionID = distID.String
	t.RevokedAt = timePtr(revokedAt)
	t.RevokedBy = revokedBy.String
	t.RevocationReason = reason.String
	if err := decodeJSON(domains, &t.AllowedDomains, "allowed_domains"); err != nil {
		return ownership.EmbedToken{}, err
	}
	if err := decodeJSON(styles, &t.CustomStyles, "custom_styles"); err != nil {
		return ownership.EmbedToken{}, err
	}
	return t, nil
}

func collectTokens(rows *sql.Rows) ([]ownership.EmbedToken, error) {
	defer rows.Close()
	var out []ownership.EmbedToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateToken(ctx context.Context, t ownership.EmbedToken) error {
	domains, err := encodeJSON(t.AllowedDomains, "[]")
	if err != nil {
		return err
	}
	styles, err := encodeJSON(t.CustomStyles, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into embed_tokens (id, story_id, tenant_id, token, token_hash, allowed_domains, expires_at, status,
			distribution_id, allow_analytics, show_attribution, custom_styles, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.StoryID, t.TenantID, nullIfEmpty(t.Token), nullIfEmpty(t.TokenHash), domains, nullTime(t.ExpiresAt),
		string(t.Status), nullIfEmpty(t.DistributionID), t.AllowAnalytics, t.ShowAttribution, styles,
		t.CreatedBy, t.CreatedAt.UTC())
	return mapWriteError(err)
}

func (s *Store) FindToken(ctx context.Context, hash, raw string) (ownership.EmbedToken, error) {
	if hash != "" {
		t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from embed_tokens where token_hash = $1`, hash))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ownership.EmbedToken{}, err
		}
	}
	if raw == "" {
		return ownership.EmbedToken{}, ownership.ErrNotFound
	}
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from embed_tokens where token = $1`, raw))
	if err != nil {
		return ownership.EmbedToken{}, notFound(err)
	}
	return t, nil
}

func (s *Store) GetToken(ctx context.Context, id string) (ownership.EmbedToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from embed_tokens where id = $1`, id))
	if err != nil {
		return ownership.EmbedToken{}, notFound(err)
	}
	return t, nil
}

func (s *Store) ListActiveTokens(ctx context.Context, storyID string) ([]ownership.EmbedToken, error) {
	rows, err := s.db.QueryContext(ctx, `select `+tokenColumns+` from embed_tokens
		where story_id = $1 and status = 'active'
		order by created_at, id`, storyID)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) RevokeToken(ctx context.Context, id string, rev ownership.Revocation) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		update embed_tokens set status = 'revoked', revoked_at = $2, revoked_by = $3, revocation_reason = $4
		where id = $1 and status = 'active'`, id, rev.At.UTC(), nullIfEmpty(rev.By), nullIfEmpty(rev.Reason)))
	if err != nil || ok {
		return ok, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from embed_tokens where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ownership.ErrNotFound
	}
	return false, nil
}

func (s *Store) RevokeActiveTokens(ctx context.Context, storyID string, rev ownership.Revocation) ([]ownership.EmbedToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		update embed_tokens set status = 'revoked', revoked_at = $2, revoked_by = $3, revocation_reason = $4
		where story_id = $1 and status = 'active'
		returning `+tokenColumns, storyID, rev.At.UTC(), nullIfEmpty(rev.By), nullIfEmpty(rev.Reason))
	if err != nil {
		return nil, err
	}
	out, err := collectTokens(rows)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b ownership.EmbedToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) RecordTokenUse(ctx context.Context, id string, use ownership.TokenUse) error {
	return expectRow(s.db.ExecContext(ctx, `
		update embed_tokens set usage_count = usage_count + 1, last_used_at = $2,
			last_used_domain = $3, last_used_ip = $4
		where id = $1`, id, use.At.UTC(), nullIfEmpty(use.Domain), nullIfEmpty(use.IP)))
}
