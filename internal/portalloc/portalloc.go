// Package portalloc implements the Port Allocator (§4.2): hand out the
// lowest free port in [min, max], atomically bound to an instance id.
package portalloc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"modelplane/internal/apperr"
	"modelplane/internal/repositories"
)

// Allocator serializes allocate under a single process-wide mutex so the
// "pick smallest free" computation is linearizable, per spec.md's
// explicit instruction.
type Allocator struct {
	mu   sync.Mutex
	min  int
	max  int
	repo *repositories.PortRepository
}

func New(repo *repositories.PortRepository, min, max int) *Allocator {
	return &Allocator{repo: repo, min: min, max: max}
}

// Allocate reserves and returns the lowest free port for instanceID.
// Returns apperr.Exhausted if every port in range is taken.
func (a *Allocator) Allocate(ctx context.Context, instanceID uuid.UUID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reservations, err := a.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	taken := make(map[int]struct{}, len(reservations))
	for _, r := range reservations {
		taken[r.Port] = struct{}{}
	}

	for p := a.min; p <= a.max; p++ {
		if _, ok := taken[p]; ok {
			continue
		}
		if err := a.repo.Reserve(ctx, p, instanceID); err != nil {
			return 0, err
		}
		return p, nil
	}
	return 0, apperr.Exhausted("no free port in range")
}

// ReserveKnown reserves a specific, already-in-use port for instanceID,
// bypassing the smallest-free scan. Used by the reconciler when
// importing an orphaned container that's already bound to a host port
// (§4.5).
func (a *Allocator) ReserveKnown(ctx context.Context, port int, instanceID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repo.Reserve(ctx, port, instanceID)
}

// Release drops the reservation for port, if any. Absence is not an error.
func (a *Allocator) Release(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repo.Release(ctx, port)
}

// Lookup returns the port reserved for instanceID, if any.
func (a *Allocator) Lookup(ctx context.Context, instanceID uuid.UUID) (int, bool, error) {
	return a.repo.Lookup(ctx, instanceID)
}
