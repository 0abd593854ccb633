package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// Actor ids recorded in history for transitions the engine makes on its own.
const (
	ActorMatcher = "system:matcher"
	ActorSweep   = "system:sweep"
)

// maxReserveAttempts bounds how often a lost reservation race is retried
// with a fresh candidate list before the request is left for the sweep.
const maxReserveAttempts = 2

// errNotPending marks a request that left PENDING between being listed and
// being acted upon.
var errNotPending = errors.New("request no longer pending")

// Persistence is the durable store collaborator. Failures are treated as
// retryable infrastructure errors and never roll back in-memory state.
type Persistence interface {
	LoadTechnicians(ctx context.Context) ([]domain.Technician, error)
	LoadRequests(ctx context.Context) ([]domain.ServiceRequest, error)
	SaveRequest(ctx context.Context, req domain.ServiceRequest) error
	SaveTechnician(ctx context.Context, tech domain.Technician) error
}

// Notifier receives every committed transition, at least once.
type Notifier interface {
	Notify(ctx context.Context, transition domain.Transition) error
}

// MetricsRecorder observes engine outcomes.
type MetricsRecorder interface {
	RecordTransition(from, to domain.RequestStatus)
	RecordMatch(outcome string)
	RecordSweep(report SweepReport, duration time.Duration)
}

// Match outcomes reported to MetricsRecorder.
const (
	MatchAssigned     = "assigned"
	MatchNoTechnician = "no_technician"
	MatchRaceLost     = "race_lost"
	MatchLeftPending  = "left_pending"
)

// Dependencies bundles the controller's collaborators. Registry and Store are
// created when nil; the rest are optional. Candidates defaults to the registry.
type Dependencies struct {
	Registry    *Registry
	Store       *Store
	Candidates  CandidateSource
	Persistence Persistence
	Notifier    Notifier
	Metrics     MetricsRecorder
	Logger      *zap.Logger
}

// Options tunes matching behaviour.
type Options struct {
	Capacity    int
	KnownTags   []domain.CapabilityTag
	FallbackTag domain.CapabilityTag
	Now         func() time.Time
	NewID       func() string
}

// Controller drives service requests through their lifecycle.
type Controller struct {
	registry    *Registry
	store       *Store
	matcher     *Matcher
	candidates  CandidateSource
	persistence Persistence
	notifier    Notifier
	outbox      *outbox
	metrics     MetricsRecorder
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// NewController wires a controller.
func NewController(deps Dependencies, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry(opts.Capacity, now)
	}
	store := deps.Store
	if store == nil {
		store = NewStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := deps.Candidates
	if candidates == nil {
		candidates = registry
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Controller{
		registry:    registry,
		store:       store,
		matcher:     NewMatcher(opts.KnownTags, opts.FallbackTag),
		candidates:  candidates,
		persistence: deps.Persistence,
		notifier:    deps.Notifier,
		outbox:      newOutbox(),
		metrics:     metrics,
		logger:      logger,
		now:         now,
		newID:       newID,
	}
}

// Registry exposes the technician registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// SubmitInput carries a new service request from the presentation layer.
type SubmitInput struct {
	RequesterID string
	IssueType   string
	Urgency     string
	Title       string
	Description string
}

// SubmitRequest creates a PENDING request and immediately tries to assign it.
// The returned snapshot is valid whenever the error is nil or non-fatal
// (NoTechnicianAvailable, InfrastructureError); see errorutil.IsNonFatal.
func (c *Controller) SubmitRequest(ctx context.Context, in SubmitInput) (domain.ServiceRequest, error) {
	requesterID := strings.TrimSpace(in.RequesterID)
	if requesterID == "" {
		return domain.ServiceRequest{}, apperrors.NewValidationError("requester required", nil)
	}
	issue := domain.NormalizeTag(in.IssueType)
	if issue == "" {
		return domain.ServiceRequest{}, apperrors.NewValidationError("issue_type required", nil)
	}
	if _, err := c.matcher.ResolveTag(issue); err != nil {
		return domain.ServiceRequest{}, err
	}
	urgency, err := domain.ParseUrgency(in.Urgency)
	if err != nil {
		return domain.ServiceRequest{}, apperrors.NewValidationError(err.Error(), map[string]any{"urgency": in.Urgency})
	}

	now := c.now()
	req := domain.ServiceRequest{
		ID:               c.newID(),
		RequesterID:      requesterID,
		IssueType:        issue,
		Urgency:          urgency,
		Title:            strings.TrimSpace(in.Title),
		Description:      strings.TrimSpace(in.Description),
		Status:           domain.RequestStatusPending,
		CreatedAt:        now,
		LastTransitionAt: now,
		Version:          1,
		History: []domain.HistoryEntry{{
			Sequence: 1,
			Status:   domain.RequestStatusPending,
			At:       now,
			ActorID:  requesterID,
		}},
	}
	if err := c.store.Insert(req); err != nil {
		return domain.ServiceRequest{}, err
	}
	c.metrics.RecordTransition("", domain.RequestStatusPending)
	sideErr := c.afterCommit(ctx, "", domain.Transition{
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		NewStatus:   domain.RequestStatusPending,
		ActorID:     requesterID,
		At:          now,
	})

	snapshot, _, matchErr := c.tryAssign(ctx, req.ID, ActorMatcher)
	if errors.Is(matchErr, errNotPending) {
		matchErr = nil
	}
	return snapshot, errors.Join(matchErr, sideErr)
}

// tryAssign makes one match attempt for a request. assigned is true when this
// call moved the request to ASSIGNED.
func (c *Controller) tryAssign(ctx context.Context, requestID, actor string) (snapshot domain.ServiceRequest, assigned bool, err error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		req, ok := c.store.Get(requestID)
		if !ok {
			return domain.ServiceRequest{}, false, apperrors.NewNotFound("service request", map[string]any{"request_id": requestID})
		}
		if req.Status != domain.RequestStatusPending {
			return req, false, errNotPending
		}
		tech, err := c.matcher.Match(req, c.candidates)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable) {
				c.metrics.RecordMatch(MatchNoTechnician)
			}
			return req, false, err
		}
		res, ok := c.reserve(tech.ID)
		if !ok {
			c.metrics.RecordMatch(MatchRaceLost)
			c.logger.Debug("reservation race lost",
				zap.String("request_id", requestID),
				zap.String("technician_id", tech.ID),
				zap.Int("attempt", attempt+1))
			continue
		}
		snapshot, committed, err := c.commitAssignment(ctx, res, requestID, actor)
		if !committed {
			if errors.Is(err, errNotPending) {
				c.metrics.RecordMatch(MatchLeftPending)
			}
			return snapshot, false, err
		}
		c.metrics.RecordMatch(MatchAssigned)
		return snapshot, true, err
	}
	req, _ := c.store.Get(requestID)
	return req, false, apperrors.NewNoTechnicianAvailable(string(req.IssueType), map[string]any{
		"request_id": requestID,
		"reason":     "reservation contention",
	})
}

// commitAssignment moves a PENDING request to ASSIGNED under a held
// reservation. The reservation is released on every path that does not commit.
// When committed is true, err only carries side-effect failures.
func (c *Controller) commitAssignment(ctx context.Context, res *reservation, requestID, actor string) (snapshot domain.ServiceRequest, committed bool, err error) {
	defer res.Close()

	now := c.now()
	techID := res.technicianID
	before, after, err := c.store.Update(requestID, func(r *domain.ServiceRequest) error {
		if r.Status != domain.RequestStatusPending {
			return errNotPending
		}
		r.AssignedTechnicianID = &techID
		applyTransition(r, domain.RequestStatusAssigned, actor, &techID, now)
		return nil
	})
	if err != nil {
		return before, false, err
	}
	res.Commit()

	c.metrics.RecordTransition(before.Status, after.Status)
	c.logger.Info("service request assigned",
		zap.String("request_id", after.ID),
		zap.String("technician_id", techID),
		zap.String("actor_id", actor))
	return after, true, c.afterCommit(ctx, techID, transitionOf(before, after, actor, now))
}

// CancelRequest cancels from PENDING, ASSIGNED or IN_PROGRESS and frees any
// reserved technician. Cancelling a CANCELLED request is a no-op success.
func (c *Controller) CancelRequest(ctx context.Context, requestID, actorID string) (domain.ServiceRequest, error) {
	return c.transition(ctx, requestID, domain.RequestStatusCancelled, actorID)
}

// MarkInProgress moves an ASSIGNED request to IN_PROGRESS.
func (c *Controller) MarkInProgress(ctx context.Context, requestID, actorID string) (domain.ServiceRequest, error) {
	return c.transition(ctx, requestID, domain.RequestStatusInProgress, actorID)
}

// Complete moves an IN_PROGRESS request to COMPLETED and frees the technician.
func (c *Controller) Complete(ctx context.Context, requestID, actorID string) (domain.ServiceRequest, error) {
	return c.transition(ctx, requestID, domain.RequestStatusCompleted, actorID)
}

func (c *Controller) transition(ctx context.Context, requestID string, to domain.RequestStatus, actorID string) (domain.ServiceRequest, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.ServiceRequest{}, apperrors.NewValidationError("actor required", nil)
	}

	now := c.now()
	noop := false
	var freed string
	before, after, err := c.store.Update(requestID, func(r *domain.ServiceRequest) error {
		if r.Status == to {
			noop = true
			return nil
		}
		if !domain.CanTransition(r.Status, to) {
			return apperrors.NewInvalidTransition(string(r.Status), string(to), map[string]any{"request_id": requestID})
		}
		techID := r.AssignedTechnicianID
		if !to.HoldsTechnician() && techID != nil {
			freed = *techID
			r.AssignedTechnicianID = nil
		}
		if to == domain.RequestStatusCompleted {
			at := now
			r.CompletedAt = &at
		}
		applyTransition(r, to, actorID, techID, now)
		return nil
	})
	if err != nil {
		return before, err
	}
	if noop {
		// A repeat retries whatever the original call could not deliver.
		_, err := c.deliver(ctx, requestID)
		return after, err
	}

	if freed != "" {
		var released bool
		if to == domain.RequestStatusCompleted {
			released = c.registry.CompleteJob(freed)
		} else {
			released = c.registry.Release(freed)
		}
		if !released {
			c.logger.Warn("technician had no capacity to release",
				zap.String("request_id", requestID),
				zap.String("technician_id", freed))
		}
	}

	c.metrics.RecordTransition(before.Status, after.Status)
	c.logger.Info("service request transitioned",
		zap.String("request_id", requestID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("actor_id", actorID))
	tr := transitionOf(before, after, actorID, now)
	if freed != "" {
		tr.AssignedTechnicianID = &freed
	}
	return after, c.afterCommit(ctx, freed, tr)
}

func applyTransition(r *domain.ServiceRequest, to domain.RequestStatus, actorID string, techID *string, now time.Time) {
	r.Status = to
	r.LastTransitionAt = now
	r.Version++
	entry := domain.HistoryEntry{
		Sequence: len(r.History) + 1,
		Status:   to,
		At:       now,
		ActorID:  actorID,
	}
	if techID != nil {
		id := *techID
		entry.TechnicianID = &id
	}
	r.History = append(r.History, entry)
}

func transitionOf(before, after domain.ServiceRequest, actorID string, at time.Time) domain.Transition {
	tr := domain.Transition{
		RequestID:   after.ID,
		RequesterID: after.RequesterID,
		OldStatus:   before.Status,
		NewStatus:   after.Status,
		ActorID:     actorID,
		At:          at,
	}
	if after.AssignedTechnicianID != nil {
		id := *after.AssignedTechnicianID
		tr.AssignedTechnicianID = &id
	}
	return tr
}

// GetRequestStatus returns a snapshot of one request.
func (c *Controller) GetRequestStatus(requestID string) (domain.ServiceRequest, error) {
	req, ok := c.store.Get(requestID)
	if !ok {
		return domain.ServiceRequest{}, apperrors.NewNotFound("service request", map[string]any{"request_id": requestID})
	}
	return req, nil
}

// ListRequests returns request snapshots in creation order.
func (c *Controller) ListRequests(filter RequestFilter) []domain.ServiceRequest {
	return c.store.List(filter)
}

// ListTechnicianLoad reports every technician's active assignment count.
func (c *Controller) ListTechnicianLoad() []domain.TechnicianLoad {
	return c.registry.Load()
}

// ListTechnicians returns every registered technician.
func (c *Controller) ListTechnicians() []domain.Technician {
	return c.registry.List()
}

// UpsertTechnician registers or updates a technician profile and persists it.
func (c *Controller) UpsertTechnician(ctx context.Context, tech domain.Technician) (domain.Technician, error) {
	saved, err := c.registry.Upsert(tech)
	if err != nil {
		return domain.Technician{}, err
	}
	return saved, c.saveTechnician(ctx, saved)
}

// SetTechnicianPresence applies the presence feed for one technician.
func (c *Controller) SetTechnicianPresence(ctx context.Context, technicianID string, online bool) (domain.Technician, error) {
	tech, changed, err := c.registry.SetPresence(technicianID, online)
	if err != nil {
		return domain.Technician{}, err
	}
	if !changed {
		return tech, nil
	}
	c.logger.Info("technician presence changed",
		zap.String("technician_id", technicianID),
		zap.String("availability", string(tech.Availability)))
	return tech, c.saveTechnician(ctx, tech)
}

func (c *Controller) saveTechnician(ctx context.Context, tech domain.Technician) error {
	if c.persistence == nil {
		return nil
	}
	if err := c.persistence.SaveTechnician(ctx, tech); err != nil {
		c.logger.Error("persist technician failed", zap.String("technician_id", tech.ID), zap.Error(err))
		return apperrors.NewInfrastructureError("persist technician", err)
	}
	return nil
}

// Restore loads technicians and requests from persistence and rebuilds live
// assignment counts from the loaded requests. Invalid request rows are
// skipped and logged.
func (c *Controller) Restore(ctx context.Context) error {
	if c.persistence == nil {
		return nil
	}
	techs, err := c.persistence.LoadTechnicians(ctx)
	if err != nil {
		return apperrors.NewInfrastructureError("load technicians", err)
	}
	reqs, err := c.persistence.LoadRequests(ctx)
	if err != nil {
		return apperrors.NewInfrastructureError("load service requests", err)
	}

	if err := c.store.Restore(reqs); err != nil {
		c.logger.Warn("skipped invalid service requests on restore", zap.Error(err))
	}
	counts := c.store.ActiveCounts()
	known := make(map[string]struct{}, len(techs))
	for _, t := range techs {
		known[t.ID] = struct{}{}
	}
	for id := range counts {
		if _, ok := known[id]; !ok {
			c.logger.Warn("active request references unknown technician", zap.String("technician_id", id))
		}
	}
	if err := c.registry.Restore(techs, counts); err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}
	c.logger.Info("dispatch state restored",
		zap.Int("technicians", len(techs)),
		zap.Int("requests", c.store.Len()))
	return nil
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(domain.RequestStatus, domain.RequestStatus) {}

func (nopMetrics) RecordMatch(string) {}

func (nopMetrics) RecordSweep(SweepReport, time.Duration) {}
