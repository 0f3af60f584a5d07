package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/FranksOps/prospector/internal/page"
	"github.com/PuerkitoBio/goquery"
)

// ErrNoLoginForm is returned when a page carries no form with the password field.
var ErrNoLoginForm = errors.New("scraper: login form not found")

// LoginForm is a sign-in form ready to be submitted over HTTP.
type LoginForm struct {
	Action string
	Fields url.Values
}

// FindLoginForm locates the form holding passwordField, keeps its hidden
// inputs (CSRF tokens and the like) and fills in the credentials.
func FindLoginForm(p *page.Page, site Site, username, password string) (*LoginForm, error) {
	if p.Empty() {
		return nil, ErrEmptyDocument
	}
	site = site.WithDefaults()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("scraper: parse login page: %w", err)
	}

	form := doc.Find(fmt.Sprintf(`form:has(input[name=%q])`, site.PasswordField)).First()
	if form.Length() == 0 {
		return nil, ErrNoLoginForm
	}

	fields := url.Values{}
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if typ, _ := s.Attr("type"); strings.EqualFold(typ, "hidden") {
			val, _ := s.Attr("value")
			fields.Set(name, val)
		}
	})
	fields.Set(site.UsernameField, username)
	fields.Set(site.PasswordField, password)

	base, err := url.Parse(p.Location())
	if err != nil {
		return nil, fmt.Errorf("scraper: login page url: %w", err)
	}
	action := base
	if raw, ok := form.Attr("action"); ok && strings.TrimSpace(raw) != "" {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("scraper: login form action: %w", err)
		}
		action = base.ResolveReference(ref)
	}

	return &LoginForm{Action: action.String(), Fields: fields}, nil
}
