package dispatch

import (
	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// CandidateSource lists technicians that may take a job for a tag.
type CandidateSource interface {
	ListAvailable(tag domain.CapabilityTag) []domain.Technician
}

// Matcher picks at most one technician for a pending request. It decides;
// the registry enforces capacity on Reserve.
type Matcher struct {
	known    map[domain.CapabilityTag]struct{}
	fallback domain.CapabilityTag
}

// NewMatcher builds a matcher over the given tag set. An empty fallback
// disables the fallback for unknown tags.
func NewMatcher(known []domain.CapabilityTag, fallback domain.CapabilityTag) *Matcher {
	if len(known) == 0 {
		known = domain.DefaultCapabilityTags
	}
	m := &Matcher{known: make(map[domain.CapabilityTag]struct{}, len(known)+1), fallback: fallback}
	for _, tag := range known {
		m.known[tag] = struct{}{}
	}
	if fallback != "" {
		m.known[fallback] = struct{}{}
	}
	return m
}

// ResolveTag maps an issue type to the tag used for matching.
func (m *Matcher) ResolveTag(issue domain.CapabilityTag) (domain.CapabilityTag, error) {
	if _, ok := m.known[issue]; ok {
		return issue, nil
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	return "", apperrors.NewValidationError("unknown issue type", map[string]any{"issue_type": issue})
}

// Match returns the head of the dispatch-ordered candidate list for req.
func (m *Matcher) Match(req domain.ServiceRequest, source CandidateSource) (domain.Technician, error) {
	tag, err := m.ResolveTag(req.IssueType)
	if err != nil {
		return domain.Technician{}, err
	}
	tech, ok := Select(tag, source.ListAvailable(tag))
	if !ok {
		return domain.Technician{}, apperrors.NewNoTechnicianAvailable(string(tag), map[string]any{"request_id": req.ID})
	}
	return tech, nil
}

// Select filters a snapshot to AVAILABLE technicians covering tag and returns
// the first in dispatch order.
func Select(tag domain.CapabilityTag, snapshot []domain.Technician) (domain.Technician, bool) {
	candidates := make([]domain.Technician, 0, len(snapshot))
	for _, t := range snapshot {
		if t.Availability == domain.AvailabilityAvailable && t.HasSpecialization(tag) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return domain.Technician{}, false
	}
	SortByDispatchOrder(candidates)
	return candidates[0], true
}
