package scraper

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/FranksOps/prospector/internal/page"
	"github.com/PuerkitoBio/goquery"
)

const (
	// MaxProfiles bounds how many profiles one search visits.
	MaxProfiles = 10
	// DefaultProfilePattern is the path fragment that marks a profile link.
	DefaultProfilePattern = "/in/"
)

// CollectLinks returns the profile URLs linked from a search results page:
// anchors whose href contains pattern, resolved against the page location,
// stripped of query and fragment, de-duplicated in first-seen order and capped
// at max. An empty pattern means DefaultProfilePattern and a non-positive max
// means MaxProfiles. Empty or unparsable documents yield an empty slice.
func CollectLinks(p *page.Page, pattern string, max int) []string {
	links := []string{}
	if p.Empty() {
		return links
	}
	if pattern == "" {
		pattern = DefaultProfilePattern
	}
	if max <= 0 {
		max = MaxProfiles
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return links
	}

	base, _ := url.Parse(p.Location())
	seen := make(map[string]struct{})

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.Contains(href, pattern) {
			return true
		}

		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		u.RawQuery = ""
		u.Fragment = ""
		link := u.String()

		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		links = append(links, link)
		return len(links) < max
	})

	return links
}
