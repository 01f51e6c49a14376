package harvest

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the identity key used for dedup. Records with an
// info hash share a fingerprint regardless of mutable fields (seeders,
// leechers, poster); without one the normalized title plus magnet link
// stands in.
func Fingerprint(rec CanonicalRecord) string {
	if rec.InfoHash != "" {
		return digest("btih:" + strings.ToLower(rec.InfoHash))
	}
	title := strings.Join(strings.Fields(strings.ToLower(rec.Title)), " ")
	return digest("tm:" + title + "|" + rec.MagnetLink)
}

func digest(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
