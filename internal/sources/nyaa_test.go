package sources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrhive/harvester/internal/harvest"
)

const nyaaFixture = `<!DOCTYPE html>
<html><body>
<table class="table torrent-list">
<tbody>
<tr class="default">
  <td><a href="/?c=1_2" title="Anime - English-translated"><img src="/static/img/icons/nyaa/1_2.png"></a></td>
  <td colspan="2"><a href="/view/100/comments" class="comments">3</a><a href="/view/100" title="Great Series S01 [1080p]">Great Series S01 [1080p]</a></td>
  <td class="text-center"><a href="/download/100.torrent"><i class="fa fa-download"></i></a><a href="magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01&amp;dn=Great+Series"><i class="fa fa-magnet"></i></a></td>
  <td class="text-center">1.4 GiB</td>
  <td class="text-center" data-timestamp="1700000000">2023-11-14</td>
  <td class="text-center">120</td>
  <td class="text-center">8</td>
  <td class="text-center">900</td>
</tr>
<tr class="success">
  <td><a href="/?c=3_1" title="Software - Applications"><img src="/static/img/icons/nyaa/3_1.png"></a></td>
  <td colspan="2"><a href="/view/101" title="HandyTool v2.0">HandyTool v2.0</a></td>
  <td class="text-center"><a href="/download/101.torrent"><i class="fa fa-download"></i></a></td>
  <td class="text-center">52.3 MiB</td>
  <td class="text-center" data-timestamp="1700000100">2023-11-14</td>
  <td class="text-center">5</td>
  <td class="text-center">1</td>
  <td class="text-center">37</td>
</tr>
</tbody>
</table>
</body></html>`

func TestNyaaListTargets(t *testing.T) {
	t.Parallel()

	n := NewNyaa(Options{BaseURL: "https://nyaa.test"})
	tasks := n.ListTargets("series", 3)
	require.Len(t, tasks, 3)
	require.Equal(t, "https://nyaa.test/?f=0&c=0_0&q=series&p=1", tasks[0].URL)
	require.Equal(t, "https://nyaa.test/?f=0&c=0_0&q=series&p=3", tasks[2].URL)
	require.Equal(t, 2, tasks[1].Page)
}

func TestNyaaParse(t *testing.T) {
	t.Parallel()

	n := NewNyaa(Options{})
	candidates, skipped := n.Parse(harvest.RawPage{Body: []byte(nyaaFixture)})

	// The second row has no magnet link and is skipped, not fatal.
	require.Len(t, candidates, 1)
	require.Equal(t, 1, skipped)

	c := candidates[0]
	require.Equal(t, "nyaa", c.SourceName)
	require.Equal(t, "Great Series S01 [1080p]", c.Title)
	require.Equal(t, "1.4 GiB", c.RawSize)
	require.Equal(t, "120", c.RawSeeders)
	require.Equal(t, "8", c.RawLeechers)
	require.Equal(t, "Anime", c.CategoryHint)
	require.Contains(t, c.MagnetOrURL, "urn:btih:abcdef0123456789abcdef0123456789abcdef01")
}

func TestNyaaParseEmptyPage(t *testing.T) {
	t.Parallel()

	n := NewNyaa(Options{})
	candidates, skipped := n.Parse(harvest.RawPage{Body: []byte("<html><body><p>no results</p></body></html>")})
	require.Empty(t, candidates)
	require.Zero(t, skipped)
}

func TestNyaaParseGarbageNeverPanics(t *testing.T) {
	t.Parallel()

	n := NewNyaa(Options{})
	require.NotPanics(t, func() {
		n.Parse(harvest.RawPage{Body: []byte{0x00, 0xff, 0xfe}})
		n.Parse(harvest.RawPage{Body: nil})
	})
}
