package ics

import (
	"context"
	"fmt"

	"meetopen/internal/link"
	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

// Calendar exposes a set of ICS subscriptions as one event provider.
type Calendar struct {
	downloader *Downloader
	subs       []Subscription
}

func NewCalendar(downloader *Downloader, subs []Subscription) *Calendar {
	return &Calendar{downloader: downloader, subs: subs}
}

func (c *Calendar) Name() string { return "ics" }

// Events fetches every subscription and returns timed instances starting in w.
// A subscription that fails without a usable cache fails the whole call.
func (c *Calendar) Events(ctx context.Context, w model.Window) ([]model.Event, error) {
	out := make([]model.Event, 0)
	for _, sub := range c.subs {
		feed, err := c.downloader.Fetch(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
		}

		vevents, err := Parse(sub, feed.Body)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: parse: %w", sub.ID, err)
		}

		instances, err := Expand(vevents, w.Min, w.Max, 0)
		if err != nil {
			return nil, err
		}

		for _, inst := range instances {
			out = append(out, toEvent(inst))
		}
		appLog.Debug("ics subscription expanded", "id", sub.ID, "vevents", len(vevents), "instances", len(instances), "from_cache", feed.FromCache)
	}
	return out, nil
}

func toEvent(inst Instance) model.Event {
	ev := model.Event{
		ID:        inst.ID,
		Name:      inst.Event.Summary,
		StartTime: inst.Start,
	}
	if u, svc, ok := link.FindIn(inst.Event.Description, inst.Event.Location, inst.Event.URL); ok {
		ev.URL = u
		ev.Service = svc
	}
	return ev
}
