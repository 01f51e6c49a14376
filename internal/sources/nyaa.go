package sources

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/torrhive/harvester/internal/harvest"
)

const nyaaDefaultBaseURL = "https://nyaa.si"

// Nyaa scrapes the HTML listing tables. Pagination is one task per
// page via the p query parameter.
type Nyaa struct {
	baseURL      string
	needsBrowser bool
}

// NewNyaa constructs the adapter.
func NewNyaa(opts Options) *Nyaa {
	base := opts.BaseURL
	if base == "" {
		base = nyaaDefaultBaseURL
	}
	return &Nyaa{baseURL: strings.TrimRight(base, "/"), needsBrowser: opts.NeedsBrowser}
}

// Name implements harvest.Adapter.
func (n *Nyaa) Name() string { return "nyaa" }

// ListTargets implements harvest.Adapter.
func (n *Nyaa) ListTargets(query string, maxPages int) []harvest.FetchTask {
	tasks := make([]harvest.FetchTask, 0, maxPages)
	for page := 1; page <= maxPages; page++ {
		tasks = append(tasks, harvest.FetchTask{
			SourceName:   n.Name(),
			URL:          fmt.Sprintf("%s/?f=0&c=0_0&q=%s&p=%d", n.baseURL, url.QueryEscape(query), page),
			Page:         page,
			NeedsBrowser: n.needsBrowser,
		})
	}
	return tasks
}

// Parse implements harvest.Adapter. Rows missing a title or magnet link
// are skipped and counted, never fatal to the page.
func (n *Nyaa) Parse(page harvest.RawPage) ([]harvest.CandidateRecord, int) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, 1
	}

	var candidates []harvest.CandidateRecord
	skipped := 0
	doc.Find("table.torrent-list tbody tr").Each(func(_ int, row *goquery.Selection) {
		title := strings.TrimSpace(row.Find("td[colspan='2'] a[href^='/view/']").Last().Text())
		if title == "" {
			// Older mirrors render the title cell without the colspan.
			title = strings.TrimSpace(row.Find("a[href^='/view/']").Last().Text())
		}
		magnet, _ := row.Find("a[href^='magnet:']").First().Attr("href")
		if title == "" || magnet == "" {
			skipped++
			return
		}

		cells := row.Find("td")
		candidate := harvest.CandidateRecord{
			SourceName:  n.Name(),
			Title:       title,
			MagnetOrURL: magnet,
			RawSize:     strings.TrimSpace(cells.Eq(3).Text()),
			RawSeeders:  strings.TrimSpace(cells.Eq(5).Text()),
			RawLeechers: strings.TrimSpace(cells.Eq(6).Text()),
		}
		if cat, ok := row.Find("td a[href^='/?c=']").First().Attr("title"); ok {
			candidate.CategoryHint = nyaaCategory(cat)
		}
		candidates = append(candidates, candidate)
	})
	return candidates, skipped
}

// nyaaCategory flattens labels like "Anime - English-translated" onto
// the canonical category names.
func nyaaCategory(label string) string {
	family := label
	if idx := strings.Index(label, " - "); idx > 0 {
		family = label[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(family)) {
	case "anime":
		return "Anime"
	case "audio":
		return "Music"
	case "literature":
		return "Books"
	case "live action":
		return "Movies"
	case "software":
		return "Software"
	default:
		return ""
	}
}
