package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// ServiceRequestRepository encapsulates service request and history persistence.
type ServiceRequestRepository interface {
	Save(ctx context.Context, req domain.ServiceRequest) error
	GetByID(ctx context.Context, id string) (*domain.ServiceRequest, error)
	ListAll(ctx context.Context) ([]domain.ServiceRequest, error)
}

type serviceRequestRepository struct {
	pool *pgxpool.Pool
}

// NewServiceRequestRepository instantiates repository.
func NewServiceRequestRepository(pool *pgxpool.Pool) ServiceRequestRepository {
	return &serviceRequestRepository{pool: pool}
}

const requestColumns = `id, requester_id, issue_type, urgency, title, description, status,
               assigned_technician_id, created_at, last_transition_at, completed_at, version`

// Save upserts the request row and appends any history entries not stored
// yet. Saves may arrive out of order; an older version never overwrites a
// newer row.
func (r *serviceRequestRepository) Save(ctx context.Context, req domain.ServiceRequest) error {
	const upsert = `
        INSERT INTO service_requests (id, requester_id, issue_type, urgency, title, description, status,
            assigned_technician_id, created_at, last_transition_at, completed_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET
            status=EXCLUDED.status, assigned_technician_id=EXCLUDED.assigned_technician_id,
            last_transition_at=EXCLUDED.last_transition_at, completed_at=EXCLUDED.completed_at,
            version=EXCLUDED.version
        WHERE service_requests.version < EXCLUDED.version`
	const history = `
        INSERT INTO request_history (request_id, sequence, status, at, actor_id, technician_id)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (request_id, sequence) DO NOTHING`

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsert,
			req.ID,
			req.RequesterID,
			req.IssueType,
			req.Urgency,
			req.Title,
			req.Description,
			req.Status,
			req.AssignedTechnicianID,
			req.CreatedAt,
			req.LastTransitionAt,
			req.CompletedAt,
			req.Version,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, h := range req.History {
			batch.Queue(history, req.ID, h.Sequence, h.Status, h.At, h.ActorID, h.TechnicianID)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *serviceRequestRepository) GetByID(ctx context.Context, id string) (*domain.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id=$1`
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	byRequest, err := r.history(ctx, `WHERE request_id=$1`, id)
	if err != nil {
		return nil, err
	}
	req.History = byRequest[req.ID]
	return &req, nil
}

// ListAll returns every request with its history, oldest first.
func (r *serviceRequestRepository) ListAll(ctx context.Context) ([]domain.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byRequest, err := r.history(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i].History = byRequest[reqs[i].ID]
	}
	return reqs, nil
}

func (r *serviceRequestRepository) history(ctx context.Context, where string, args ...any) (map[string][]domain.HistoryEntry, error) {
	query := `SELECT request_id, sequence, status, at, actor_id, technician_id FROM request_history ` +
		where + ` ORDER BY request_id, sequence`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.HistoryEntry)
	for rows.Next() {
		var (
			requestID string
			h         domain.HistoryEntry
		)
		if err := rows.Scan(&requestID, &h.Sequence, &h.Status, &h.At, &h.ActorID, &h.TechnicianID); err != nil {
			return nil, err
		}
		out[requestID] = append(out[requestID], h)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.IssueType,
		&req.Urgency,
		&req.Title,
		&req.Description,
		&req.Status,
		&req.AssignedTechnicianID,
		&req.CreatedAt,
		&req.LastTransitionAt,
		&req.CompletedAt,
		&req.Version,
	)
	return req, err
}
