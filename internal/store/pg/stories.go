package pg

import (
	"context"
	"database/sql"
	"time"

	"storykeep.org/internal/ownership"
)

const storyColumns = `id, title, content, author_id, storyteller_id, storyteller_name, organization_id, tenant_id,
	has_consent, consent_verified, consent_withdrawn_at, cultural_sensitivity_level, elder_approval,
	cultural_review_status, requires_elder_review, cultural_tags, cultural_context, embeds_enabled,
	sharing_enabled, is_archived, archived_at, archived_by, anonymization_status, anonymized_at,
	anonymized_fields, created_at, updated_at`

func scanStory(row scanner) (ownership.Story, error) {
	var (
		st                                              ownership.Story
		author, teller, tellerName, org, tenant, review sql.NullString
		archivedBy, anonStatus                          sql.NullString
		withdrawnAt, archivedAt, anonymizedAt           sql.NullTime
		sensitivity                                     string
		tags, culture, fields                           []byte
	)
	if err := row.Scan(&st.ID, &st.Title, &st.Content, &author, &teller, &tellerName, &org, &tenant,
		&st.HasConsent, &st.ConsentVerified, &withdrawnAt, &sensitivity, &st.ElderApproval,
		&review, &st.RequiresElderReview, &tags, &culture, &st.EmbedsEnabled,
		&st.SharingEnabled, &st.IsArchived, &archivedAt, &archivedBy, &anonStatus, &anonymizedAt,
		&fields, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return ownership.Story{}, err
	}
	st.AuthorID = author.String
	st.StorytellerID = teller.String
	st.StorytellerName = tellerName.String
	st.OrganizationID = org.String
	st.TenantID = tenant.String
	st.ConsentWithdrawnAt = timePtr(withdrawnAt)
	st.Sensitivity = ownership.Sensitivity(sensitivity)
	st.CulturalReviewStatus = review.String
	st.ArchivedAt = timePtr(archivedAt)
	st.ArchivedBy = archivedBy.String
	st.AnonymizationStatus = anonStatus.String
	st.AnonymizedAt = timePtr(anonymizedAt)
	if err := decodeJSON(tags, &st.CulturalTags, "cultural_tags"); err != nil {
		return ownership.Story{}, err
	}
	if err := decodeJSON(culture, &st.CulturalContext, "cultural_context"); err != nil {
		return ownership.Story{}, err
	}
	if err := decodeJSON(fields, &st.AnonymizedFields, "anonymized_fields"); err != nil {
		return ownership.Story{}, err
	}
	return st, nil
}

func (s *Store) GetStory(ctx context.Context, id string) (ownership.Story, error) {
	row := s.db.QueryRowContext(ctx, `select `+storyColumns+` from stories where id = $1`, id)
	st, err := scanStory(row)
	if err != nil {
		return ownership.Story{}, notFound(err)
	}
	return st, nil
}

func (s *Store) ListStoriesByOwner(ctx context.Context, userID string) ([]ownership.Story, error) {
	rows, err := s.db.QueryContext(ctx, `select `+storyColumns+` from stories
		where author_id = $1 or storyteller_id = $1
		order by id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ownership.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetSharing(ctx context.Context, id string, sharing, embeds bool) error {
	return expectRow(s.db.ExecContext(ctx, `
		update stories set sharing_enabled = $2, embeds_enabled = $3, updated_at = now()
		where id = $1`, id, sharing, embeds))
}

func (s *Store) SetArchived(ctx context.Context, id string, archived bool, by string, at time.Time) error {
	if !archived {
		return expectRow(s.db.ExecContext(ctx, `
			update stories set is_archived = false, archived_at = null, archived_by = null, updated_at = $2
			where id = $1`, id, at.UTC()))
	}
	return expectRow(s.db.ExecContext(ctx, `
		update stories set is_archived = true, archived_at = $2, archived_by = $3, updated_at = $2
		where id = $1`, id, at.UTC(), nullIfEmpty(by)))
}

func (s *Store) WithdrawConsent(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update stories set has_consent = false, consent_verified = false, consent_withdrawn_at = $2,
			sharing_enabled = false, embeds_enabled = false, updated_at = $2
		where id = $1`, id, at.UTC()))
}

func (s *Store) ApplyAnonymization(ctx context.Context, id string, a ownership.StoryAnonymization) error {
	fields, err := encodeJSON(a.Fields, "[]")
	if err != nil {
		return err
	}
	return expectRow(s.db.ExecContext(ctx, `
		update stories set
			content = coalesce($2, content),
			author_id = case when $3::boolean then null else author_id end,
			storyteller_id = case when $3::boolean then null else storyteller_id end,
			storyteller_name = case when $3::boolean then null else storyteller_name end,
			anonymization_status = $4,
			anonymized_at = $5,
			anonymized_fields = $6,
			sharing_enabled = false,
			embeds_enabled = false,
			updated_at = $5
		where id = $1`,
		id, nullStringPtr(a.Content), a.ClearAttribution, a.Status, a.At.UTC(), fields))
}

func (s *Store) OrganizationTenant(ctx context.Context, orgID string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx, `select tenant_id from organizations where id = $1`, orgID).Scan(&tenant)
	if err != nil {
		return "", notFound(err)
	}
	return tenant, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (ownership.Profile, error) {
	var (
		p                                           ownership.Profile
		tenant, phone, bio, location, dob, imageURL sql.NullString
		anonymizedAt                                sql.NullTime
		perms                                       []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, display_name, email, phone_number, bio, location, date_of_birth,
			profile_image_url, cultural_permissions, anonymized_at, created_at
		from profiles where id = $1`, id).
		Scan(&p.ID, &tenant, &p.DisplayName, &p.Email, &phone, &bio, &location, &dob,
			&imageURL, &perms, &anonymizedAt, &p.CreatedAt)
	if err != nil {
		return ownership.Profile{}, notFound(err)
	}
	p.TenantID = tenant.String
	p.Phone = phone.String
	p.Bio = bio.String
	p.Location = location.String
	p.DateOfBirth = dob.String
	p.ImageURL = imageURL.String
	p.AnonymizedAt = timePtr(anonymizedAt)
	if err := decodeJSON(perms, &p.CulturalPermissions, "cultural_permissions"); err != nil {
		return ownership.Profile{}, err
	}
	return p, nil
}

func (s *Store) AnonymizeProfile(ctx context.Context, id string, scrub ownership.ProfileScrub) error {
	return expectRow(s.db.ExecContext(ctx, `
		update profiles set display_name = $2, email = $3, phone_number = null, bio = null,
			location = null, date_of_birth = null, profile_image_url = null, anonymized_at = $4
		where id = $1`, id, scrub.DisplayName, scrub.Email, scrub.At.UTC()))
}

func (s *Store) ListMediaByUploader(ctx context.Context, userID string) ([]ownership.Media, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, uploaded_by, title, description, alt_text, filename, content_type, anonymized_at, created_at
		from media_assets where uploaded_by = $1
		order by id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ownership.Media
	for rows.Next() {
		var (
			m                                ownership.Media
			desc, alt, filename, contentType sql.NullString
			anonymizedAt                     sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.UploaderID, &m.Title, &desc, &alt, &filename, &contentType,
			&anonymizedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Description = desc.String
		m.AltText = alt.String
		m.Filename = filename.String
		m.ContentType = contentType.String
		m.AnonymizedAt = timePtr(anonymizedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AnonymizeStoryMedia(ctx context.Context, storyID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update media_assets set title = $2, description = null, alt_text = null, filename = null, anonymized_at = $3
		where id in (select media_asset_id from story_media where story_id = $1)`,
		storyID, ownership.AnonymizedMediaTitle, at.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
