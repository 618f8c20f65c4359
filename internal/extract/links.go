// Package extract pulls links and facility fields out of inspection portal pages.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Link is an outbound anchor resolved against its page
type Link struct {
	URL  string
	Text string
}

// LinkKind classifies a portal link by the view it points at
type LinkKind int

const (
	LinkOther    LinkKind = iota
	LinkFacility          // Facility inspection history
	LinkWardPage          // Another page of a ward's facility list
)

const (
	facilityMarker = "Food-FacilityHistory"
	wardPageMarker = "Food-Ward-ByName"
)

// ParseDocument parses an HTML page
func ParseDocument(htmlContent string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, eris.Wrap(err, "parse HTML")
	}
	return doc, nil
}

// Links returns every followable anchor in document order, resolved against
// pageURL and deduplicated by URL (first occurrence wins)
func Links(doc *goquery.Document, pageURL string) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, eris.Wrapf(err, "parse page URL %q", pageURL)
	}

	var links []Link
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := resolveURL(base, strings.TrimSpace(href))
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, Link{
			URL:  resolved,
			Text: cleanText(s.Text()),
		})
	})

	return links, nil
}

// Classify reports what kind of portal view a link leads to
func Classify(link Link) LinkKind {
	switch {
	case strings.Contains(link.URL, facilityMarker):
		return LinkFacility
	case strings.Contains(link.URL, wardPageMarker):
		return LinkWardPage
	default:
		return LinkOther
	}
}

// resolveURL resolves a relative URL against a base URL
func resolveURL(base *url.URL, href string) string {
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return ""
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(parsed)
	resolved.Fragment = ""

	// Only keep http/https URLs
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}

	return resolved.String()
}

// cleanText trims and collapses internal whitespace
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
