package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
)

const templateColumns = `
	id, name, COALESCE(category, ''), subject_template, body_template,
	version, is_active, is_system, COALESCE(created_by, ''),
	created_at, updated_at`

func scanTemplate(row jobScanner) (*domain.EmailTemplate, error) {
	var t domain.EmailTemplate
	err := row.Scan(
		&t.ID, &t.Name, &t.Category, &t.SubjectTemplate, &t.BodyTemplate,
		&t.Version, &t.IsActive, &t.IsSystem, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.EmailTemplate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

// CreateTemplate inserts a new template at version 1.
func (s *Store) CreateTemplate(ctx context.Context, t *domain.EmailTemplate) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_templates (
			id, name, category, subject_template, body_template,
			version, is_active, is_system, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, NOW(), NOW())
	`, t.ID, t.Name, t.Category, t.SubjectTemplate, t.BodyTemplate,
		t.IsActive, t.IsSystem, t.CreatedBy)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// UpdateTemplate rewrites subject/body and bumps the version. Versions are
// immutable from the renderer's point of view: the template cache keys on
// (id, version), so a bump invalidates cached entries naturally.
func (s *Store) UpdateTemplate(ctx context.Context, id uuid.UUID, subject, body string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE email_templates
		SET subject_template = $2,
		    body_template = $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING version
	`, id, subject, body).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update template %s: %w", id, err)
	}
	return version, nil
}

// DeleteTemplate soft-deletes a template by deactivating it. System
// templates cannot be deleted.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_templates
		SET is_active = false, updated_at = NOW()
		WHERE id = $1 AND is_system = false
	`, id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or system-protected; disambiguate for the caller.
		var isSystem bool
		err := s.db.QueryRowContext(ctx,
			`SELECT is_system FROM email_templates WHERE id = $1`, id).Scan(&isSystem)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete template %s: %w", id, err)
		}
		if isSystem {
			return ErrProtected
		}
		return ErrNotFound
	}
	return nil
}

// ListTemplates returns all active templates.
func (s *Store) ListTemplates(ctx context.Context) ([]*domain.EmailTemplate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.EmailTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
