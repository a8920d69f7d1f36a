package models

import (
	"time"

	"github.com/google/uuid"
)

// PortReservation is a row in the reservations table (§3).
type PortReservation struct {
	Port        int       `json:"port"`
	InstanceID  uuid.UUID `json:"instance_id"`
	AllocatedAt time.Time `json:"allocated_at"`
}
