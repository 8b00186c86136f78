package model

import (
	"sort"
	"time"
)

// Service identifies which meeting client a join URL belongs to.
type Service string

const (
	ServiceZoom Service = "zoom"
	ServiceMeet Service = "meet"
)

// Valid reports whether s is one of the known services.
func (s Service) Valid() bool {
	return s == ServiceZoom || s == ServiceMeet
}

// DisplayName is the human-facing client name used in log lines.
func (s Service) DisplayName() string {
	switch s {
	case ServiceZoom:
		return "Zoom"
	case ServiceMeet:
		return "Google Meet"
	default:
		return string(s)
	}
}

// Event is one tracked calendar occurrence.
//
// Everything except Opened comes from the remote calendar and is refreshed
// on every reconciliation. Opened is owned locally: it only ever moves from
// false to true, and only Opener Dispatch moves it.
type Event struct {
	// ID is the remote calendar's stable identifier (unique in the store).
	ID string

	// Name is the event summary; may be empty.
	Name string

	// StartTime is a timezone-aware instant.
	StartTime time.Time

	// URL is the single join link extracted from the event text.
	URL string

	Service Service

	Opened bool
}

// HasLink reports whether the event carries a meeting link and may enter the store.
func (e Event) HasLink() bool {
	return e.URL != ""
}

// ServiceSet is the set of services for which dispatch may launch a client.
type ServiceSet map[Service]struct{}

// NewServiceSet builds a set from the given services, ignoring unknown values.
func NewServiceSet(services ...Service) ServiceSet {
	set := make(ServiceSet, len(services))
	for _, s := range services {
		if s.Valid() {
			set[s] = struct{}{}
		}
	}
	return set
}

// Contains reports whether s is enabled. A nil set contains nothing.
func (ss ServiceSet) Contains(s Service) bool {
	_, ok := ss[s]
	return ok
}

// Slice returns the members in a stable order, for logging.
func (ss ServiceSet) Slice() []Service {
	out := make([]Service, 0, len(ss))
	for s := range ss {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Window is the half-open interval [Min, Max).
type Window struct {
	Min time.Time
	Max time.Time
}

// Contains reports whether t lies in [Min, Max).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Min) && t.Before(w.Max)
}

// LeadWindow returns [now, now+leadMinutes).
func LeadWindow(now time.Time, leadMinutes int) Window {
	return Window{Min: now, Max: now.Add(time.Duration(leadMinutes) * time.Minute)}
}
