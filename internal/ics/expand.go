package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "meetopen/internal/log"
)

const defaultMaxInstances = 500

// instanceLayout renders the original start of a recurring instance into its ID.
const instanceLayout = "20060102T150405Z"

// Instance is one concrete occurrence of a VEVENT.
type Instance struct {
	// ID is the UID for single events and UID_<original start UTC> for
	// recurring instances, so a moved instance keeps its ID.
	ID    string
	Start time.Time
	Event VEvent
}

// Expand turns parsed VEVENTs into instances starting in [from, to).
// All-day events are dropped. Overrides replace the instance whose original
// start equals their RECURRENCE-ID.
func Expand(events []VEvent, from, to time.Time, maxPerEvent int) ([]Instance, error) {
	if to.Before(from) {
		return nil, errors.New("ics: expand range end before start")
	}
	if maxPerEvent <= 0 {
		maxPerEvent = defaultMaxInstances
	}

	bases := make(map[string]VEvent)
	order := make([]string, 0)
	overrides := make(map[string][]VEvent)
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, dup := bases[ev.UID]; !dup {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = ev
	}

	out := make([]Instance, 0)
	for _, uid := range order {
		base := bases[uid]
		if base.RRule == "" {
			if inRange(base.Start, from, to) {
				out = append(out, Instance{ID: uid, Start: base.Start, Event: base})
			}
			continue
		}
		out = append(out, expandRecurring(base, overrides[uid], from, to, maxPerEvent)...)
	}

	// orphan overrides (base outside the feed) still describe a real meeting
	for uid, ovs := range overrides {
		if _, ok := bases[uid]; ok {
			continue
		}
		for _, ov := range ovs {
			if inRange(ov.Start, from, to) {
				out = append(out, Instance{ID: instanceID(uid, *ov.RecurrenceID), Start: ov.Start, Event: ov})
			}
		}
	}

	return out, nil
}

func expandRecurring(base VEvent, overrides []VEvent, from, to time.Time, maxPerEvent int) []Instance {
	r, err := rrule.StrToRRule(base.RRule)
	if err != nil {
		appLog.Error("ics rrule parse failed", err, "uid", base.UID, "rrule", base.RRule)
		return nil
	}
	loc := base.Start.Location()
	r.DTStart(base.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(loc))
	}

	// Overrides can move an instance into the range from outside it, so the
	// scan is widened by a day on each side and filtered afterwards.
	starts := set.Between(from.Add(-24*time.Hour).In(loc), to.Add(24*time.Hour).In(loc), true)
	if len(starts) > maxPerEvent {
		appLog.Error("ics recurrence truncated", errors.New("instance cap reached"), "uid", base.UID, "cap", maxPerEvent)
		starts = starts[:maxPerEvent]
	}

	out := make([]Instance, 0, len(starts))
	for _, orig := range starts {
		inst := Instance{ID: instanceID(base.UID, orig), Start: orig, Event: base}
		if ov, ok := findOverride(overrides, orig); ok {
			inst.Start = ov.Start
			inst.Event = ov
		}
		if inRange(inst.Start, from, to) {
			out = append(out, inst)
		}
	}
	return out
}

func findOverride(overrides []VEvent, orig time.Time) (VEvent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(orig) {
			return ov, true
		}
	}
	return VEvent{}, false
}

func instanceID(uid string, orig time.Time) string {
	return uid + "_" + orig.UTC().Format(instanceLayout)
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
