// Package link finds meeting join URLs in free-form event text.
package link

import (
	"net/url"
	"regexp"
	"strings"

	"meetopen/internal/model"
)

// urlRegex matches http(s) URLs and bare "www." links, stopping at
// whitespace, quotes and angle brackets that surround links in HTML descriptions.
var urlRegex = regexp.MustCompile(`(?i)\b(?:https?://|www\d{0,3}\.)[^\s<>"'{}|\\^` + "`" + `\[\]]+`)

// trailing punctuation that is almost never part of the link itself
const trimSet = `.,;:!?)»”’`

// Find returns the first Zoom link in text, or failing that the first
// Google Meet link. ok is false when neither is present.
func Find(text string) (link string, service model.Service, ok bool) {
	matches := urlRegex.FindAllString(text, -1)

	var meet string
	for _, m := range matches {
		m = strings.TrimRight(m, trimSet)
		switch classify(m) {
		case model.ServiceZoom:
			return m, model.ServiceZoom, true
		case model.ServiceMeet:
			if meet == "" {
				meet = m
			}
		}
	}
	if meet != "" {
		return meet, model.ServiceMeet, true
	}
	return "", "", false
}

// FindIn runs Find over several text fields, joined in order.
func FindIn(texts ...string) (string, model.Service, bool) {
	return Find(strings.Join(texts, " "))
}

func classify(raw string) model.Service {
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "zoom.us" || strings.HasSuffix(host, ".zoom.us"):
		return model.ServiceZoom
	case host == "meet.google.com":
		return model.ServiceMeet
	default:
		return ""
	}
}
