package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelplane/internal/apperr"
	"modelplane/internal/models"
)

type PortRepository struct {
	db *sql.DB
}

func NewPortRepository(db *sql.DB) *PortRepository {
	return &PortRepository{db: db}
}

// Reserve inserts a reservation row. Returns apperr.Conflict if the port
// row already exists (§4.1: "reservePort fails with already_taken").
func (r *PortRepository) Reserve(ctx context.Context, port int, instanceID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO allocated_ports (port, instance_id, allocated_at) VALUES (?, ?, ?)
	`, port, instanceID.String(), time.Now().UTC())
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return apperr.Conflict("port", "port %d already reserved", port)
		}
		return fmt.Errorf("failed to reserve port: %w", err)
	}
	return nil
}

// Release deletes the reservation row for port, if any.
func (r *PortRepository) Release(ctx context.Context, port int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM allocated_ports WHERE port = ?`, port)
	if err != nil {
		return fmt.Errorf("failed to release port %d: %w", port, err)
	}
	return nil
}

// ReleaseByInstance deletes any reservation owned by instanceID.
func (r *PortRepository) ReleaseByInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM allocated_ports WHERE instance_id = ?`, instanceID.String())
	if err != nil {
		return fmt.Errorf("failed to release ports for instance %s: %w", instanceID, err)
	}
	return nil
}

// List returns every reservation row.
func (r *PortRepository) List(ctx context.Context) ([]models.PortReservation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT port, instance_id, allocated_at FROM allocated_ports ORDER BY port ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.PortReservation
	for rows.Next() {
		var res models.PortReservation
		var idStr string
		if err := rows.Scan(&res.Port, &idStr, &res.AllocatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt reservation instance id %q: %w", idStr, err)
		}
		res.InstanceID = id
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, rows.Err()
}

// Lookup returns the port reserved for instanceID, or 0, false if none.
func (r *PortRepository) Lookup(ctx context.Context, instanceID uuid.UUID) (int, bool, error) {
	var port int
	err := r.db.QueryRowContext(ctx, `SELECT port FROM allocated_ports WHERE instance_id = ?`, instanceID.String()).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up port for instance %s: %w", instanceID, err)
	}
	return port, true, nil
}

func isPrimaryKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "allocated_ports.port")
}
