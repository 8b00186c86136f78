// Package gcal reads upcoming meetings from Google Calendar.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"meetopen/internal/link"
	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

// Options configures the Google source.
type Options struct {
	// CredentialsFile is the OAuth client secrets JSON. Optional when the
	// token file already embeds client_id/client_secret.
	CredentialsFile string
	// TokenFile holds the authorized user token (token.json).
	TokenFile string
	// CalendarIDs limits the calendars read; empty means the user's whole list.
	CalendarIDs []string
}

// Calendar is a source.Provider backed by the Calendar v3 API.
type Calendar struct {
	svc         *calendar.Service
	calendarIDs []string
}

// New builds an authorized Calendar. Refreshed access tokens live in memory
// only; the token file is never rewritten.
func New(ctx context.Context, opts Options) (*Calendar, error) {
	client, err := httpClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("gcal: create service: %w", err)
	}
	return NewWithService(svc, opts.CalendarIDs), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test server.
func NewWithService(svc *calendar.Service, calendarIDs []string) *Calendar {
	return &Calendar{svc: svc, calendarIDs: calendarIDs}
}

func (c *Calendar) Name() string { return "google" }

// Events lists timed events starting in w across the configured calendars.
// Recurring events come back expanded into single instances. All-day events
// are dropped since they have no instant to open at.
func (c *Calendar) Events(ctx context.Context, w model.Window) ([]model.Event, error) {
	ids := c.calendarIDs
	if len(ids) == 0 {
		var err error
		if ids, err = c.listCalendars(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]model.Event, 0)
	for _, id := range ids {
		n := 0
		call := c.svc.Events.List(id).
			TimeMin(w.Min.Format(time.RFC3339)).
			TimeMax(w.Max.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime")
		err := call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, ok := toEvent(item)
				if !ok {
					continue
				}
				out = append(out, ev)
				n++
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("gcal: list events of %s: %w", id, err)
		}
		appLog.Debug("gcal calendar listed", "calendar", id, "events", n)
	}
	return out, nil
}

func (c *Calendar) listCalendars(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	err := c.svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, entry := range page.Items {
			ids = append(ids, entry.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gcal: list calendars: %w", err)
	}
	return ids, nil
}

func toEvent(item *calendar.Event) (model.Event, bool) {
	if item == nil || item.Status == "cancelled" {
		return model.Event{}, false
	}
	if item.Start == nil || item.Start.DateTime == "" {
		return model.Event{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		appLog.Error("gcal start time unparsable", err, "id", item.Id, "value", item.Start.DateTime)
		return model.Event{}, false
	}

	ev := model.Event{ID: item.Id, Name: item.Summary, StartTime: start}
	if u, svc, ok := link.FindIn(item.Description, item.HangoutLink, item.Location); ok {
		ev.URL = u
		ev.Service = svc
	}
	return ev, true
}

// authorizedUser covers both token.json layouts: the one written by Google's
// Python client ("token", "token_uri", ...) and oauth2.Token's own JSON.
type authorizedUser struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenURI     string `json:"token_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Expiry       string `json:"expiry"`
}

func httpClient(ctx context.Context, opts Options) (*http.Client, error) {
	if opts.TokenFile == "" {
		return nil, errors.New("gcal: token file not configured")
	}
	data, err := os.ReadFile(opts.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("gcal: read token: %w", err)
	}
	conf, tok, err := parseToken(data)
	if err != nil {
		return nil, err
	}

	if opts.CredentialsFile != "" {
		secrets, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("gcal: read credentials: %w", err)
		}
		fromFile, err := google.ConfigFromJSON(secrets, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("gcal: parse credentials: %w", err)
		}
		conf = fromFile
	}
	return conf.Client(ctx, tok), nil
}

func parseToken(data []byte) (*oauth2.Config, *oauth2.Token, error) {
	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, nil, fmt.Errorf("gcal: parse token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  au.AccessToken,
		RefreshToken: au.RefreshToken,
		TokenType:    "Bearer",
	}
	if tok.AccessToken == "" {
		tok.AccessToken = au.Token
	}
	if au.Expiry != "" {
		if t, err := time.Parse(time.RFC3339, au.Expiry); err == nil {
			tok.Expiry = t
		}
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, nil, errors.New("gcal: token file has neither access nor refresh token")
	}

	endpoint := google.Endpoint
	if au.TokenURI != "" {
		endpoint.TokenURL = au.TokenURI
	}
	conf := &oauth2.Config{
		ClientID:     au.ClientID,
		ClientSecret: au.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{calendar.CalendarReadonlyScope},
	}
	return conf, tok, nil
}
