// Package repositories implements the Store contract (§4.1) against the
// shared SQLite pool, in the query style of the teacher's
// DatabaseInstanceRepository: one exported method per query, explicit
// column lists, sql.ErrNoRows mapped to a nil, no-error "not found".
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelplane/internal/apperr"
	"modelplane/internal/models"
)

type InstanceRepository struct {
	db *sql.DB
}

func NewInstanceRepository(db *sql.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts a new instance row. Returns apperr.Conflict("port") if
// another live instance already owns the port (invariant 1).
func (r *InstanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	inst.Prepare()
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	if len(inst.Config) == 0 {
		inst.Config = json.RawMessage(`{}`)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO instances
			(id, kind, name, hostname, port, container_id, status, api_key_hash, require_auth, gpu_id, config, last_seen_running, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID.String(), string(inst.Kind), inst.Name, inst.Hostname,
		nullableInt(inst.Port), nullableStr(inst.ContainerID), string(inst.Status),
		nullableStr(inst.APIKeyHash), boolToInt(inst.HasAuth), nullableStr(inst.GPUID),
		string(inst.Config), boolToInt(inst.LastSeenRunning), now, now,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_instances_port") {
			return apperr.Conflict("port", "port already in use")
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// Update applies a partial patch to an existing instance. Returns
// apperr.NotFound if no row matches.
func (r *InstanceRepository) Update(ctx context.Context, id uuid.UUID, patch InstancePatch) error {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperr.NotFound("instance %s not found", id)
	}

	patch.apply(existing)
	existing.UpdatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		UPDATE instances SET
			name = ?, hostname = ?, port = ?, container_id = ?, status = ?,
			api_key_hash = ?, require_auth = ?, gpu_id = ?, config = ?, last_seen_running = ?, updated_at = ?
		WHERE id = ?
	`,
		existing.Name, existing.Hostname, nullableInt(existing.Port), nullableStr(existing.ContainerID),
		string(existing.Status), nullableStr(existing.APIKeyHash), boolToInt(existing.HasAuth),
		nullableStr(existing.GPUID), string(existing.Config), boolToInt(existing.LastSeenRunning), existing.UpdatedAt, id.String(),
	)
	if err != nil {
		if isUniqueViolation(err, "idx_instances_port") {
			return apperr.Conflict("port", "port already in use")
		}
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// Delete removes the instance row (and, via foreign-key-free cascade
// done explicitly by the caller/service layer, its Ollama model rows —
// invariant 4). Returns apperr.NotFound if no row matches.
func (r *InstanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("instance %s not found", id)
	}
	return nil
}

// Get returns the instance, or nil with no error if absent.
func (r *InstanceRepository) Get(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	row := r.db.QueryRowContext(ctx, instanceSelectColumns+` FROM instances WHERE id = ?`, id.String())
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// GetByContainerID looks up an instance by its daemon container id, used
// by the reconciler to test orphan membership.
func (r *InstanceRepository) GetByContainerID(ctx context.Context, containerID string) (*models.Instance, error) {
	row := r.db.QueryRowContext(ctx, instanceSelectColumns+` FROM instances WHERE container_id = ?`, containerID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by container id: %w", err)
	}
	return inst, nil
}

// List returns instances optionally filtered by kind and/or status.
func (r *InstanceRepository) List(ctx context.Context, kind *models.Kind, status *models.Status) ([]*models.Instance, error) {
	query := instanceSelectColumns + ` FROM instances WHERE 1=1`
	var args []interface{}
	if kind != nil {
		query += ` AND kind = ?`
		args = append(args, string(*kind))
	}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CountRunningByGPU implements the GPU Usage View (§3): for each gpu_id,
// count of instances with status=running whose gpu_id matches.
func (r *InstanceRepository) CountRunningByGPU(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT gpu_id, COUNT(*) FROM instances
		WHERE status = 'running' AND gpu_id IS NOT NULL
		GROUP BY gpu_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count running instances by gpu: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var gpuID string
		var n int
		if err := rows.Scan(&gpuID, &n); err != nil {
			return nil, err
		}
		counts[gpuID] = n
	}
	return counts, rows.Err()
}

// InstancePatch is a partial update; nil fields are left unchanged.
type InstancePatch struct {
	Name        *string
	Hostname    *string
	Port        **int
	ContainerID **string
	Status      *models.Status
	APIKeyHash  **string
	HasAuth     *bool
	GPUID       **string
	Config      *json.RawMessage
	LastSeenRunning *bool
}

func (p InstancePatch) apply(i *models.Instance) {
	if p.Name != nil {
		i.Name = *p.Name
	}
	if p.Hostname != nil {
		i.Hostname = *p.Hostname
	}
	if p.Port != nil {
		i.Port = *p.Port
	}
	if p.ContainerID != nil {
		i.ContainerID = *p.ContainerID
	}
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.APIKeyHash != nil {
		i.APIKeyHash = *p.APIKeyHash
	}
	if p.HasAuth != nil {
		i.HasAuth = *p.HasAuth
	}
	if p.GPUID != nil {
		i.GPUID = *p.GPUID
	}
	if p.Config != nil {
		i.Config = *p.Config
	}
	if p.LastSeenRunning != nil {
		i.LastSeenRunning = *p.LastSeenRunning
	}
}

const instanceSelectColumns = `
	SELECT id, kind, name, hostname, port, container_id, status, api_key_hash, require_auth, gpu_id, config, last_seen_running, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(s scanner) (*models.Instance, error) {
	var (
		inst                                 models.Instance
		idStr, kindStr, statusStr             string
		port                                  sql.NullInt64
		containerID, apiKeyHash, gpuID        sql.NullString
		requireAuth, lastSeenRunning          int
		configStr                             string
	)

	if err := s.Scan(&idStr, &kindStr, &inst.Name, &inst.Hostname, &port, &containerID,
		&statusStr, &apiKeyHash, &requireAuth, &gpuID, &configStr, &lastSeenRunning, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt instance id %q: %w", idStr, err)
	}
	inst.ID = id
	inst.Kind = models.Kind(kindStr)
	inst.Status = models.Status(statusStr)
	inst.HasAuth = requireAuth != 0
	inst.LastSeenRunning = lastSeenRunning != 0
	inst.Config = json.RawMessage(configStr)

	if port.Valid {
		p := int(port.Int64)
		inst.Port = &p
	}
	if containerID.Valid {
		inst.ContainerID = &containerID.String
	}
	if apiKeyHash.Valid {
		inst.APIKeyHash = &apiKeyHash.String
	}
	if gpuID.Valid {
		inst.GPUID = &gpuID.String
	}

	return &inst, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error, indexName string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") &&
		(strings.Contains(msg, indexName) || strings.Contains(msg, "instances.port"))
}
