package collyfetcher

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// Selectors for the board markup. The board renders both server-side lists
// and per-posting detail pages with the same card structure.
const (
	cardSelector         = "article.job-card, li.job-result"
	titleSelector        = "h2.job-title, .title"
	companySelector      = ".company-name"
	locationSelector     = ".job-location"
	descriptionSelector  = ".job-description"
	requirementsSelector = "ul.requirements li"
	experienceSelector   = ".experience-level"
	applyLinkSelector    = "a.apply-link"
	nextPageSelector     = "a[rel=next]"
)

// parsePage extracts candidate records and the next-page link from a board
// page. The next link comes back absolute, or empty when pagination ends.
func parsePage(pageURL string, body []byte) ([]pipeline.CandidateRecord, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, "", err
	}

	var records []pipeline.CandidateRecord
	doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
		rec := pipeline.CandidateRecord{
			Title:       text(card, titleSelector),
			Company:     text(card, companySelector),
			Location:    text(card, locationSelector),
			Description: text(card, descriptionSelector),
		}
		card.Find(requirementsSelector).Each(func(_ int, li *goquery.Selection) {
			if req := strings.TrimSpace(li.Text()); req != "" {
				rec.Requirements = append(rec.Requirements, req)
			}
		})
		rec.ExperienceLevel = normalizeExperience(firstNonEmpty(
			card.AttrOr("data-experience", ""),
			text(card, experienceSelector),
			rec.Title,
		))
		if href, ok := card.Find(applyLinkSelector).First().Attr("href"); ok {
			rec.ApplicationURL = absolutize(base, href)
		}
		records = append(records, rec)
	})

	next := ""
	if href, ok := doc.Find(nextPageSelector).First().Attr("href"); ok {
		next = absolutize(base, href)
	}
	return records, next, nil
}

func text(sel *goquery.Selection, selector string) string {
	return strings.TrimSpace(sel.Find(selector).First().Text())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func absolutize(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// normalizeExperience buckets free-form seniority strings into the fixed
// levels the corpus stores.
func normalizeExperience(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "intern"):
		return "internship"
	case strings.Contains(s, "principal"), strings.Contains(s, "staff"), strings.Contains(s, "lead"):
		return "lead"
	case strings.Contains(s, "senior"), strings.Contains(s, "sr."), strings.Contains(s, "sr "):
		return "senior"
	case strings.Contains(s, "junior"), strings.Contains(s, "jr."), strings.Contains(s, "jr "), strings.Contains(s, "entry"), strings.Contains(s, "graduate"):
		return "entry"
	default:
		return "mid"
	}
}
