package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/FranksOps/prospector/internal/profile"
)

// Site describes the target's URL layout and login form.
type Site struct {
	BaseURL        string `mapstructure:"base_url"`
	LoginPath      string `mapstructure:"login_path"`
	SearchPath     string `mapstructure:"search_path"`
	ProbePath      string `mapstructure:"probe_path"`
	ProfilePattern string `mapstructure:"profile_pattern"`
	UsernameField  string `mapstructure:"username_field"`
	PasswordField  string `mapstructure:"password_field"`
}

// DefaultSite returns the layout of the people-search site the selectors target.
func DefaultSite() Site {
	return Site{
		BaseURL:        "https://www.linkedin.com",
		LoginPath:      "/login",
		SearchPath:     "/search/results/people/",
		ProbePath:      "/feed/",
		ProfilePattern: DefaultProfilePattern,
		UsernameField:  "session_key",
		PasswordField:  "session_password",
	}
}

// WithDefaults fills every empty field from DefaultSite.
func (s Site) WithDefaults() Site {
	d := DefaultSite()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.BaseURL, d.BaseURL)
	fill(&s.LoginPath, d.LoginPath)
	fill(&s.SearchPath, d.SearchPath)
	fill(&s.ProbePath, d.ProbePath)
	fill(&s.ProfilePattern, d.ProfilePattern)
	fill(&s.UsernameField, d.UsernameField)
	fill(&s.PasswordField, d.PasswordField)
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return s
}

// LoginURL is the page holding the sign-in form.
func (s Site) LoginURL() string { return s.BaseURL + s.LoginPath }

// ProbeURL is a page only reachable while logged in.
func (s Site) ProbeURL() string { return s.BaseURL + s.ProbePath }

// BuildSearchURL renders criteria as a people-search URL. Skills and the job
// title form the keywords; the experience level is not expressible in the
// site's query and is left to the caller.
func BuildSearchURL(site Site, c profile.SearchCriteria) (string, error) {
	site = site.WithDefaults()
	base, err := url.Parse(site.BaseURL + site.SearchPath)
	if err != nil {
		return "", fmt.Errorf("scraper: invalid search url: %w", err)
	}

	keywords := c.Skills()
	if c.JobTitle() != "" {
		keywords = append(keywords, c.JobTitle())
	}

	q := url.Values{}
	q.Set("keywords", strings.Join(keywords, " "))
	if c.Location() != "" {
		q.Set("location", c.Location())
	}
	if c.Education() != "" {
		q.Set("schoolFreetext", c.Education())
	}
	q.Set("origin", "GLOBAL_SEARCH_HEADER")

	// Encode escapes spaces as '+'; a literal plus is already %2B.
	base.RawQuery = strings.ReplaceAll(q.Encode(), "+", "%20")
	return base.String(), nil
}
