package domain

import (
	"net/url"
	"strings"
)

// TargetSite identifies the destination page.
type TargetSite struct {
	Name     string `json:"name,omitempty"`
	Hostname string `json:"hostname"`
	URL      string `json:"url"`
}

// SiteFromURL derives a TargetSite from a URL or a bare hostname.
func SiteFromURL(raw string) TargetSite {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TargetSite{}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return TargetSite{Hostname: raw, URL: raw}
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return TargetSite{Hostname: host, URL: u.String()}
}

// Origin returns scheme://host of the site URL.
func (s TargetSite) Origin() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return "https://" + s.Hostname
	}
	return u.Scheme + "://" + u.Host
}
