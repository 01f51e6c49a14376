// Package normalize validates candidate records and canonicalizes them
// into the entity shape the ingestion sink accepts.
package normalize

import (
	"math"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/torrhive/harvester/internal/harvest"
)

// DefaultCategory is assigned when neither the hint nor the title
// matches a known category.
const DefaultCategory = "Other"

// Binary suffixes (KiB, GiB) are folded into their 1024-based
// equivalents before the multiplier lookup.
var sizePattern = regexp.MustCompile(`^([0-9]+(?:[.,][0-9]+)?)\s*([KMGT]?I?B)$`)

var infoHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

var allowedTrackerSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"udp":   {},
	"ws":    {},
	"wss":   {},
}

// categoryKeywords is checked in order; the first group with a match
// names the category.
var categoryKeywords = []struct {
	name     string
	keywords []string
}{
	{"Movies", []string{"movie", "bluray", "blu-ray", "brrip", "dvdrip", "webrip", "web-dl", "hdrip", "2160p", "1080p", "720p"}},
	{"TV Shows", []string{"s01", "s02", "s03", "season", "episode", "hdtv", "series"}},
	{"Documentaries", []string{"documentary", "docuseries", "nat geo", "bbc earth"}},
	{"Anime", []string{"anime", "ova", "subbed", "dubbed"}},
	{"Software", []string{"windows", "macos", "linux", "iso", "portable", "x64", "x86", "software"}},
	{"Games", []string{"game", "repack", "gog", "ps4", "ps5", "xbox", "switch"}},
	{"Music", []string{"flac", "mp3", "320kbps", "discography", "album", "soundtrack"}},
	{"Books", []string{"epub", "mobi", "azw3", "audiobook", "ebook", "pdf"}},
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {},
	".flv": {}, ".webm": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {}, ".ts": {},
}

var sizeMultipliers = map[string]int64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize converts strings like "1.5 GB" or "500 MB" into bytes using
// 1024-based multipliers. Unparseable input yields 0, never an error.
func ParseSize(raw string) int64 {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		// Bare numbers are taken as byte counts.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			return n
		}
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil || value < 0 {
		return 0
	}
	mult, ok := sizeMultipliers[strings.ReplaceAll(m[2], "I", "")]
	if !ok {
		return 0
	}
	return int64(math.Round(value * float64(mult)))
}

// ExtractInfoHash pulls the btih parameter out of a magnet URI. Only
// exact 40-hex-character hashes are accepted; the result is lowercased.
func ExtractInfoHash(magnet string) string {
	u, err := url.Parse(magnet)
	if err != nil || u.Scheme != "magnet" {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		lower := strings.ToLower(xt)
		if !strings.HasPrefix(lower, "urn:btih:") {
			continue
		}
		hash := xt[len("urn:btih:"):]
		if infoHashPattern.MatchString(hash) {
			return strings.ToLower(hash)
		}
	}
	return ""
}

// InferCategory matches the title against ordered keyword groups; the
// first group with a hit wins.
func InferCategory(title string) string {
	lower := strings.ToLower(title)
	for _, group := range categoryKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.name
			}
		}
	}
	return DefaultCategory
}

// Normalize validates a candidate and produces the canonical record, or
// a harvest.RejectReason when the candidate cannot be ingested. The
// transform is deterministic.
func Normalize(c harvest.CandidateRecord) (harvest.CanonicalRecord, error) {
	title := strings.TrimSpace(c.Title)
	if len(title) < 3 {
		return harvest.CanonicalRecord{}, harvest.RejectShortTitle
	}

	magnet := ""
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(c.MagnetOrURL)), "magnet:") {
		magnet = strings.TrimSpace(c.MagnetOrURL)
	}
	infoHash := strings.ToLower(strings.TrimSpace(c.InfoHash))
	if !infoHashPattern.MatchString(infoHash) {
		infoHash = ""
	}
	if infoHash == "" && magnet != "" {
		infoHash = ExtractInfoHash(magnet)
	}
	if magnet == "" && infoHash == "" {
		return harvest.CanonicalRecord{}, harvest.RejectMissingIdentity
	}

	category := strings.TrimSpace(c.CategoryHint)
	if category == "" {
		category = InferCategory(title)
	}

	rec := harvest.CanonicalRecord{
		SourceName:   c.SourceName,
		Title:        title,
		Description:  strings.TrimSpace(c.Description),
		MagnetLink:   magnet,
		InfoHash:     infoHash,
		SizeBytes:    ParseSize(c.RawSize),
		Seeders:      parseCount(c.RawSeeders),
		Leechers:     parseCount(c.RawLeechers),
		CategoryName: category,
		PosterURL:    validURL(c.PosterURL),
		Files:        normalizeFiles(c.Files),
		Trackers:     filterTrackers(c.Trackers),
	}
	return rec, nil
}

func parseCount(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(strings.ReplaceAll(raw, ",", "")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func validURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return raw
}

func normalizeFiles(files []harvest.CandidateFile) []harvest.FileEntry {
	if len(files) == 0 {
		return nil
	}
	out := make([]harvest.FileEntry, 0, len(files))
	for _, f := range files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		_, isVideo := videoExtensions[ext]
		out = append(out, harvest.FileEntry{
			Name:      name,
			SizeBytes: ParseSize(f.RawSize),
			IsVideo:   isVideo,
		})
	}
	return out
}

// filterTrackers drops trackers with disallowed schemes; a bad tracker
// never rejects the whole record.
func filterTrackers(trackers []string) []string {
	if len(trackers) == 0 {
		return nil
	}
	out := make([]string, 0, len(trackers))
	for _, t := range trackers {
		t = strings.TrimSpace(t)
		u, err := url.Parse(t)
		if err != nil {
			continue
		}
		if _, ok := allowedTrackerSchemes[strings.ToLower(u.Scheme)]; !ok {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
