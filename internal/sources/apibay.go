package sources

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/torrhive/harvester/internal/harvest"
)

const apibayDefaultBaseURL = "https://apibay.org"

// apibayTrackers are appended to every magnet built from a bare info hash.
var apibayTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

// Apibay reads the JSON search API. The API returns the full result set
// for a query in a single response, so ListTargets always yields one
// task regardless of maxPages.
type Apibay struct {
	baseURL      string
	needsBrowser bool
}

// NewApibay constructs the adapter.
func NewApibay(opts Options) *Apibay {
	base := opts.BaseURL
	if base == "" {
		base = apibayDefaultBaseURL
	}
	return &Apibay{baseURL: strings.TrimRight(base, "/"), needsBrowser: opts.NeedsBrowser}
}

// Name implements harvest.Adapter.
func (a *Apibay) Name() string { return "apibay" }

// ListTargets implements harvest.Adapter.
func (a *Apibay) ListTargets(query string, maxPages int) []harvest.FetchTask {
	if maxPages <= 0 {
		return nil
	}
	q := query
	if q == "" {
		q = "top100:recent"
	}
	return []harvest.FetchTask{{
		SourceName:   a.Name(),
		URL:          fmt.Sprintf("%s/q.php?q=%s&cat=0", a.baseURL, url.QueryEscape(q)),
		Page:         1,
		NeedsBrowser: a.needsBrowser,
	}}
}

type apibayRow struct {
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Seeders  string `json:"seeders"`
	Leechers string `json:"leechers"`
	Size     string `json:"size"`
	Category string `json:"category"`
}

// Parse implements harvest.Adapter. The API signals an empty result set
// with a single placeholder row whose name is "No results returned".
func (a *Apibay) Parse(page harvest.RawPage) ([]harvest.CandidateRecord, int) {
	var rows []apibayRow
	if err := json.Unmarshal(page.Body, &rows); err != nil {
		return nil, 1
	}

	candidates := make([]harvest.CandidateRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if row.InfoHash == "" || strings.EqualFold(row.Name, "No results returned") {
			skipped++
			continue
		}
		candidates = append(candidates, harvest.CandidateRecord{
			SourceName:   a.Name(),
			Title:        row.Name,
			RawSize:      row.Size,
			InfoHash:     row.InfoHash,
			MagnetOrURL:  buildMagnet(row.InfoHash, row.Name, apibayTrackers),
			RawSeeders:   row.Seeders,
			RawLeechers:  row.Leechers,
			CategoryHint: apibayCategory(row.Category),
			Trackers:     append([]string(nil), apibayTrackers...),
		})
	}
	return candidates, skipped
}

// apibayCategory maps the API's numeric category families onto names.
func apibayCategory(raw string) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '1':
		return "Music"
	case '2':
		return "Movies"
	case '3':
		return "Software"
	case '4':
		return "Games"
	default:
		return ""
	}
}

func buildMagnet(infoHash, name string, trackers []string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(strings.ToLower(infoHash))
	b.WriteString("&dn=")
	b.WriteString(url.QueryEscape(name))
	for _, tr := range trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
