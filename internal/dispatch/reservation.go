package dispatch

// reservation is a claim on one unit of technician capacity that is given
// back on Close unless Commit was called first. Callers defer Close right
// after a successful Reserve so panics and early returns release it too.
type reservation struct {
	registry     *Registry
	technicianID string
	committed    bool
	closed       bool
}

func (c *Controller) reserve(technicianID string) (*reservation, bool) {
	if !c.registry.Reserve(technicianID) {
		return nil, false
	}
	return &reservation{registry: c.registry, technicianID: technicianID}, true
}

func (r *reservation) Commit() {
	r.committed = true
}

func (r *reservation) Close() {
	if r == nil || r.closed {
		return
	}
	r.closed = true
	if !r.committed {
		r.registry.Release(r.technicianID)
	}
}
