package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotAvailable is the sentinel stored in scalar fields that could not be extracted.
const NotAvailable = "N/A"

// ExperienceLevel is the coarse seniority filter of a search.
type ExperienceLevel string

const (
	Fresher     ExperienceLevel = "fresher"
	Experienced ExperienceLevel = "experienced"
)

var ErrInvalidCriteria = errors.New("invalid search criteria")

// ParseExperienceLevel accepts "fresher" or "experienced" in any case.
func ParseExperienceLevel(s string) (ExperienceLevel, error) {
	switch ExperienceLevel(strings.ToLower(strings.TrimSpace(s))) {
	case Fresher:
		return Fresher, nil
	case Experienced:
		return Experienced, nil
	default:
		return "", fmt.Errorf("%w: unknown experience level %q", ErrInvalidCriteria, s)
	}
}

// SearchCriteria describes one people search. Build it with NewSearchCriteria;
// the zero value is not a valid search.
type SearchCriteria struct {
	skills          []string
	location        string
	experienceLevel ExperienceLevel
	jobTitle        string
	education       string
}

// CriteriaInput carries the raw, unvalidated fields of a search.
type CriteriaInput struct {
	Skills          []string `json:"skills"`
	Location        string   `json:"location"`
	ExperienceLevel string   `json:"experience_level"`
	JobTitle        string   `json:"job_title,omitempty"`
	Education       string   `json:"education"`
}

// NewSearchCriteria validates in and returns an immutable SearchCriteria.
// Skills are trimmed and de-duplicated in first-seen order.
func NewSearchCriteria(in CriteriaInput) (SearchCriteria, error) {
	level, err := ParseExperienceLevel(in.ExperienceLevel)
	if err != nil {
		return SearchCriteria{}, err
	}

	seen := make(map[string]struct{}, len(in.Skills))
	skills := make([]string, 0, len(in.Skills))
	for _, s := range in.Skills {
		s = strings.TrimSpace(s)
		if s == "" {
			return SearchCriteria{}, fmt.Errorf("%w: blank skill", ErrInvalidCriteria)
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		skills = append(skills, s)
	}
	if len(skills) == 0 {
		return SearchCriteria{}, fmt.Errorf("%w: at least one skill is required", ErrInvalidCriteria)
	}

	return SearchCriteria{
		skills:          skills,
		location:        strings.TrimSpace(in.Location),
		experienceLevel: level,
		jobTitle:        strings.TrimSpace(in.JobTitle),
		education:       strings.TrimSpace(in.Education),
	}, nil
}

// Skills returns a copy of the skill keywords.
func (c SearchCriteria) Skills() []string {
	out := make([]string, len(c.skills))
	copy(out, c.skills)
	return out
}

func (c SearchCriteria) Location() string                 { return c.location }
func (c SearchCriteria) ExperienceLevel() ExperienceLevel { return c.experienceLevel }
func (c SearchCriteria) JobTitle() string                 { return c.jobTitle }
func (c SearchCriteria) Education() string                { return c.education }

// Input returns the criteria in its wire form.
func (c SearchCriteria) Input() CriteriaInput {
	return CriteriaInput{
		Skills:          c.Skills(),
		Location:        c.location,
		ExperienceLevel: string(c.experienceLevel),
		JobTitle:        c.jobTitle,
		Education:       c.education,
	}
}

// Record is the structured representation of one scraped profile.
type Record struct {
	ID            string            `json:"id,omitempty"`
	Name          string            `json:"name"`
	ProfileURL    string            `json:"profile_url"`
	Skills        []string          `json:"skills"`
	Location      string            `json:"location"`
	Education     map[string]any    `json:"education"`
	Experience    []map[string]any  `json:"experience"`
	ContactInfo   map[string]string `json:"contact_info"`
	SkillsSummary string            `json:"skills_summary"`
	ScrapedAt     time.Time         `json:"scraped_at"`
}

// Normalize replaces nil containers and blank scalars with their sentinels so a
// record never reaches a caller with a null required field.
func (r *Record) Normalize() {
	if strings.TrimSpace(r.Name) == "" {
		r.Name = NotAvailable
	}
	if strings.TrimSpace(r.Location) == "" {
		r.Location = NotAvailable
	}
	if r.Skills == nil {
		r.Skills = []string{}
	}
	if r.Education == nil {
		r.Education = map[string]any{}
	}
	if r.Experience == nil {
		r.Experience = []map[string]any{}
	}
	if r.ContactInfo == nil {
		r.ContactInfo = map[string]string{}
	}
}
