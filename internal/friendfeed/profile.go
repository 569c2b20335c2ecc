package friendfeed

import (
	"html"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// validCSEHost matches the leading host portion a CSE site pattern must have
var validCSEHost = regexp.MustCompile(`^[a-zA-Z0-9][\w\-]+\.[a-zA-Z0-9][\w\-]+`)

var (
	namePolicyOnce sync.Once
	namePolicy     *bluemonday.Policy
)

// Profile is the subset of a FriendFeed user profile the service reads
type Profile struct {
	Name          string         `json:"name,omitempty"`
	Nickname      string         `json:"nickname,omitempty"`
	ProfileURL    string         `json:"profileUrl,omitempty"`
	Services      []Service      `json:"services,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
}

// Service is an external account linked to a profile
type Service struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	ProfileURL string `json:"profileUrl,omitempty"`
}

// Subscription is a user or room the profile follows
type Subscription struct {
	Name     string `json:"name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// isZero reports whether the decoded profile carried no data at all
func (p *Profile) isZero() bool {
	return p == nil || (p.Name == "" && p.Nickname == "" && p.ProfileURL == "" &&
		len(p.Services) == 0 && len(p.Subscriptions) == 0)
}

// DisplayName returns the profile's real name, falling back to its nickname
// and then to fallback. Any markup in the upstream value is stripped.
func DisplayName(p *Profile, fallback string) string {
	name := fallback
	switch {
	case p == nil:
	case p.Name != "":
		name = p.Name
	case p.Nickname != "":
		name = p.Nickname
	}
	return stripMarkup(name)
}

// CSEPatterns returns the CSE site patterns for every linked service
func CSEPatterns(p *Profile) []string {
	if p == nil || len(p.Services) == 0 {
		slog.Debug("No services found in profile")
		return nil
	}

	var patterns []string
	for _, service := range p.Services {
		if service.ProfileURL == "" {
			slog.Warn("No profileUrl in service", "service", service.ID)
			continue
		}
		patterns = append(patterns, ProfileURLToCSEPatterns(service.ProfileURL)...)
	}
	return patterns
}

// ProfileURLToCSEPatterns converts a service profile URL to CSE site
// patterns. Directory URLs get a "*" wildcard, URLs with a query are kept
// as is and anything else also matches the pages below it.
func ProfileURLToCSEPatterns(profileURL string) []string {
	if profileURL == "" {
		return nil
	}

	u := strings.TrimPrefix(profileURL, "http://")
	if !validCSEHost.MatchString(u) {
		slog.Warn("Invalid CSE pattern for profile URL", "url", profileURL)
		return nil
	}

	switch {
	case strings.HasSuffix(u, "/"):
		return []string{u, u + "*"}
	case strings.Contains(u, "?"):
		return []string{u}
	default:
		return []string{u, u + "/*"}
	}
}

// FriendNicknames returns the lower-cased nicknames of the profile's
// subscriptions, skipping entries without one
func FriendNicknames(p *Profile) []string {
	if p == nil {
		return nil
	}

	nicknames := make([]string, 0, len(p.Subscriptions))
	for _, sub := range p.Subscriptions {
		if sub.Nickname == "" {
			slog.Warn("No nickname for subscription", "name", sub.Name)
			continue
		}
		nicknames = append(nicknames, strings.ToLower(sub.Nickname))
	}
	return nicknames
}

// stripMarkup removes tags from s and returns plain text. The result is
// escaped again when a template renders it.
func stripMarkup(s string) string {
	namePolicyOnce.Do(func() {
		namePolicy = bluemonday.StrictPolicy()
	})
	return strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(s)))
}
