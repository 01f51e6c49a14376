package sources

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/torrhive/harvester/internal/harvest"
)

const eztvDefaultBaseURL = "https://eztv.re"

// Eztv reads the paginated JSON torrent API. Results are always TV
// episodes, so the category hint is fixed.
type Eztv struct {
	baseURL      string
	needsBrowser bool
}

// NewEztv constructs the adapter.
func NewEztv(opts Options) *Eztv {
	base := opts.BaseURL
	if base == "" {
		base = eztvDefaultBaseURL
	}
	return &Eztv{baseURL: strings.TrimRight(base, "/"), needsBrowser: opts.NeedsBrowser}
}

// Name implements harvest.Adapter.
func (e *Eztv) Name() string { return "eztv" }

// ListTargets implements harvest.Adapter. The API has no text search;
// the query is ignored and pagination walks the latest torrents.
func (e *Eztv) ListTargets(_ string, maxPages int) []harvest.FetchTask {
	tasks := make([]harvest.FetchTask, 0, maxPages)
	for page := 1; page <= maxPages; page++ {
		tasks = append(tasks, harvest.FetchTask{
			SourceName:   e.Name(),
			URL:          fmt.Sprintf("%s/api/get-torrents?limit=100&page=%d", e.baseURL, page),
			Page:         page,
			NeedsBrowser: e.needsBrowser,
		})
	}
	return tasks
}

type eztvEnvelope struct {
	Torrents []eztvTorrent `json:"torrents"`
}

type eztvTorrent struct {
	Title     string `json:"title"`
	Filename  string `json:"filename"`
	MagnetURL string `json:"magnet_url"`
	Hash      string `json:"hash"`
	Seeds     int    `json:"seeds"`
	Peers     int    `json:"peers"`
	SizeBytes string `json:"size_bytes"`
	SmallImg  string `json:"small_screenshot"`
}

// Parse implements harvest.Adapter.
func (e *Eztv) Parse(page harvest.RawPage) ([]harvest.CandidateRecord, int) {
	var envelope eztvEnvelope
	if err := json.Unmarshal(page.Body, &envelope); err != nil {
		return nil, 1
	}

	candidates := make([]harvest.CandidateRecord, 0, len(envelope.Torrents))
	skipped := 0
	for _, t := range envelope.Torrents {
		title := t.Title
		if title == "" {
			title = t.Filename
		}
		if title == "" || (t.MagnetURL == "" && t.Hash == "") {
			skipped++
			continue
		}
		poster := t.SmallImg
		if strings.HasPrefix(poster, "//") {
			poster = "https:" + poster
		}
		candidates = append(candidates, harvest.CandidateRecord{
			SourceName:   e.Name(),
			Title:        title,
			MagnetOrURL:  t.MagnetURL,
			InfoHash:     t.Hash,
			RawSeeders:   fmt.Sprintf("%d", t.Seeds),
			RawLeechers:  fmt.Sprintf("%d", t.Peers),
			RawSize:      t.SizeBytes,
			CategoryHint: "TV Shows",
			PosterURL:    poster,
		})
	}
	return candidates, skipped
}
