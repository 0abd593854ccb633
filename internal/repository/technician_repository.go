package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// TechnicianRepository encapsulates technician persistence.
type TechnicianRepository interface {
	Upsert(ctx context.Context, tech domain.Technician) error
	GetByID(ctx context.Context, id string) (*domain.Technician, error)
	List(ctx context.Context) ([]domain.Technician, error)
	Count(ctx context.Context) (int, error)
}

type technicianRepository struct {
	pool *pgxpool.Pool
}

// NewTechnicianRepository instantiates repository.
func NewTechnicianRepository(pool *pgxpool.Pool) TechnicianRepository {
	return &technicianRepository{pool: pool}
}

const technicianColumns = `id, name, phone, location, languages, specializations, rating::float8,
               availability, active_assignment_count, completed_jobs, updated_at`

func (r *technicianRepository) Upsert(ctx context.Context, tech domain.Technician) error {
	const query = `
        INSERT INTO technicians (id, name, phone, location, languages, specializations, rating,
            availability, active_assignment_count, completed_jobs, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (id) DO UPDATE SET
            name=EXCLUDED.name, phone=EXCLUDED.phone, location=EXCLUDED.location,
            languages=EXCLUDED.languages, specializations=EXCLUDED.specializations,
            rating=EXCLUDED.rating, availability=EXCLUDED.availability,
            active_assignment_count=EXCLUDED.active_assignment_count,
            completed_jobs=EXCLUDED.completed_jobs, updated_at=EXCLUDED.updated_at
        WHERE technicians.updated_at <= EXCLUDED.updated_at`
	languages := tech.Languages
	if languages == nil {
		languages = []string{}
	}
	_, err := r.pool.Exec(ctx, query,
		tech.ID,
		tech.Name,
		tech.Phone,
		tech.Location,
		languages,
		tagsToStrings(tech.Specializations),
		tech.Rating,
		tech.Availability,
		tech.ActiveAssignmentCount,
		tech.CompletedJobs,
		tech.UpdatedAt,
	)
	return err
}

func (r *technicianRepository) GetByID(ctx context.Context, id string) (*domain.Technician, error) {
	query := `SELECT ` + technicianColumns + ` FROM technicians WHERE id=$1`
	tech, err := scanTechnician(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return &tech, nil
}

func (r *technicianRepository) List(ctx context.Context) ([]domain.Technician, error) {
	query := `SELECT ` + technicianColumns + ` FROM technicians ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var techs []domain.Technician
	for rows.Next() {
		tech, err := scanTechnician(rows)
		if err != nil {
			return nil, err
		}
		techs = append(techs, tech)
	}
	return techs, rows.Err()
}

func (r *technicianRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM technicians`).Scan(&n)
	return n, err
}

func scanTechnician(row pgx.Row) (domain.Technician, error) {
	var (
		tech  domain.Technician
		specs []string
	)
	if err := row.Scan(
		&tech.ID,
		&tech.Name,
		&tech.Phone,
		&tech.Location,
		&tech.Languages,
		&specs,
		&tech.Rating,
		&tech.Availability,
		&tech.ActiveAssignmentCount,
		&tech.CompletedJobs,
		&tech.UpdatedAt,
	); err != nil {
		return domain.Technician{}, err
	}
	tech.Specializations = domain.NormalizeSpecializations(specs)
	return tech, nil
}

func tagsToStrings(tags []domain.CapabilityTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
