package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"modelplane/internal/models"
)

type OllamaModelRepository struct {
	db *sql.DB
}

func NewOllamaModelRepository(db *sql.DB) *OllamaModelRepository {
	return &OllamaModelRepository{db: db}
}

// Upsert inserts or replaces the model record, keyed by (instance_id, name).
func (r *OllamaModelRepository) Upsert(ctx context.Context, m *models.OllamaModel) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ollama_models (id, instance_id, name, status, size, digest, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, name) DO UPDATE SET
			status = excluded.status,
			size = excluded.size,
			digest = excluded.digest,
			modified_at = excluded.modified_at
	`, m.ID.String(), m.InstanceID.String(), m.Name, string(m.Status), m.Size, m.Digest, m.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert ollama model: %w", err)
	}
	return nil
}

// List returns every model record for instanceID.
func (r *OllamaModelRepository) List(ctx context.Context, instanceID uuid.UUID) ([]*models.OllamaModel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instance_id, name, status, size, digest, modified_at
		FROM ollama_models WHERE instance_id = ? ORDER BY name ASC
	`, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list ollama models: %w", err)
	}
	defer rows.Close()

	var out []*models.OllamaModel
	for rows.Next() {
		m, err := scanOllamaModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns a single model record, or nil if absent.
func (r *OllamaModelRepository) Get(ctx context.Context, instanceID uuid.UUID, name string) (*models.OllamaModel, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, instance_id, name, status, size, digest, modified_at
		FROM ollama_models WHERE instance_id = ? AND name = ?
	`, instanceID.String(), name)
	m, err := scanOllamaModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ollama model: %w", err)
	}
	return m, nil
}

// Delete removes a single model record by (instance_id, name).
func (r *OllamaModelRepository) Delete(ctx context.Context, instanceID uuid.UUID, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ollama_models WHERE instance_id = ? AND name = ?`, instanceID.String(), name)
	if err != nil {
		return fmt.Errorf("failed to delete ollama model: %w", err)
	}
	return nil
}

// DeleteByInstance removes every model record for instanceID (invariant
// 4: Ollama Model Records are deleted together with their parent).
func (r *OllamaModelRepository) DeleteByInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ollama_models WHERE instance_id = ?`, instanceID.String())
	if err != nil {
		return fmt.Errorf("failed to delete ollama models for instance %s: %w", instanceID, err)
	}
	return nil
}

func scanOllamaModel(s scanner) (*models.OllamaModel, error) {
	var (
		m                    models.OllamaModel
		idStr, instanceIDStr string
		statusStr            string
		modifiedAt           sql.NullTime
	)
	if err := s.Scan(&idStr, &instanceIDStr, &m.Name, &statusStr, &m.Size, &m.Digest, &modifiedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt model id %q: %w", idStr, err)
	}
	instanceID, err := uuid.Parse(instanceIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt model instance id %q: %w", instanceIDStr, err)
	}
	m.ID = id
	m.InstanceID = instanceID
	m.Status = models.ModelStatus(statusStr)
	if modifiedAt.Valid {
		m.ModifiedAt = modifiedAt.Time
	}
	return &m, nil
}
