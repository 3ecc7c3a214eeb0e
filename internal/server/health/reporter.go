package health

import (
	"maps"
	"sync"
)

// Service states.
const (
	StatusHealthy          = "healthy"
	StatusUnhealthy        = "unhealthy"
	StatusUnhealthyServing = "unhealthy-serving"
)

// Dependency traits.
const (
	TraitConfig   = "config"
	TraitDatabase = "database"
	TraitBroker   = "broker"
)

// errorThreshold is the share of failed requests above which the service
// keeps serving but reports itself unhealthy.
const errorThreshold = 0.05

// Report is a point-in-time health summary.
type Report struct {
	Status     string          `json:"status"`
	Traits     map[string]bool `json:"traits"`
	Successful int             `json:"successful"`
	Errored    int             `json:"errored"`
}

// Reporter combines dependency traits with the request error rate.
type Reporter struct {
	tracker *Tracker

	mu     sync.RWMutex
	traits map[string]bool
}

// NewReporter creates a reporter over tracker.
func NewReporter(tracker *Tracker) *Reporter {
	return &Reporter{tracker: tracker, traits: make(map[string]bool)}
}

// Tracker returns the request tracker the reporter reads from.
func (r *Reporter) Tracker() *Tracker {
	return r.tracker
}

// SetTrait records whether a dependency is currently usable. Traits that
// were never set do not affect the status.
func (r *Reporter) SetTrait(name string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traits[name] = ok
}

// Report computes the current status.
func (r *Reporter) Report() Report {
	r.mu.RLock()
	traits := maps.Clone(r.traits)
	r.mu.RUnlock()

	successful, errored := r.tracker.Counts()
	rep := Report{
		Status:     StatusHealthy,
		Traits:     traits,
		Successful: successful,
		Errored:    errored,
	}

	for _, ok := range traits {
		if !ok {
			rep.Status = StatusUnhealthy
			return rep
		}
	}

	if total := successful + errored; total > 0 && float64(errored)/float64(total) > errorThreshold {
		rep.Status = StatusUnhealthyServing
	}
	return rep
}
