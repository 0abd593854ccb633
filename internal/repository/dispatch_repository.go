package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
)

// DispatchRepository is the postgres-backed dispatch.Persistence.
type DispatchRepository struct {
	Technicians TechnicianRepository
	Requests    ServiceRequestRepository
}

// NewDispatchRepository wires both repositories onto one pool.
func NewDispatchRepository(pool *pgxpool.Pool) *DispatchRepository {
	return &DispatchRepository{
		Technicians: NewTechnicianRepository(pool),
		Requests:    NewServiceRequestRepository(pool),
	}
}

func (r *DispatchRepository) LoadTechnicians(ctx context.Context) ([]domain.Technician, error) {
	techs, err := r.Technicians.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load technicians: %w", err)
	}
	return techs, nil
}

func (r *DispatchRepository) LoadRequests(ctx context.Context) ([]domain.ServiceRequest, error) {
	reqs, err := r.Requests.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load service requests: %w", err)
	}
	return reqs, nil
}

func (r *DispatchRepository) SaveRequest(ctx context.Context, req domain.ServiceRequest) error {
	if err := r.Requests.Save(ctx, req); err != nil {
		return fmt.Errorf("save service request %s: %w", req.ID, err)
	}
	return nil
}

func (r *DispatchRepository) SaveTechnician(ctx context.Context, tech domain.Technician) error {
	if err := r.Technicians.Upsert(ctx, tech); err != nil {
		return fmt.Errorf("save technician %s: %w", tech.ID, err)
	}
	return nil
}

var _ dispatch.Persistence = (*DispatchRepository)(nil)
