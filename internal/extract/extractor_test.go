package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

const listingHTML = `<!doctype html>
<html><head><title>Cryptocurrency Prices, Charts And Market Capitalizations | CoinMarketCap</title></head>
<body><table><tbody>
<tr class="cmc-table-row">
  <td class="cmc-table__cell">1</td>
  <td class="cmc-table__cell"><div class="cmc-table__column-name sc-1kxikfi-0 eTVhdN"><a href="/currencies/bitcoin/">Bitcoin</a></div></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__market-cap"><div>$1,320,125,000,000</div></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__price"><a href="/currencies/bitcoin/markets/">$67,012.45</a></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__volume-24-h"><a href="/currencies/bitcoin/markets/">$28,104,992,331</a></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__percent-change-24-h"><div>1.25%</div></td>
</tr>
<tr class="cmc-table-row">
  <td class="cmc-table__cell">2</td>
  <td class="cmc-table__cell"><div class="cmc-table__column-name sc-1kxikfi-0 eTVhdN"><a href="/currencies/ethereum/">Ethereum</a></div></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__market-cap"><div>$422,019,000,000</div></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__price"><a href="/currencies/ethereum/markets/">$3,512.08</a></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__volume-24-h"><a href="/currencies/ethereum/markets/">$14,880,120,004</a></td>
  <td class="cmc-table__cell cmc-table__cell--sortable cmc-table__cell--right cmc-table__cell--sort-by__percent-change-24-h"><div>-0.82%</div></td>
</tr>
</tbody></table></body></html>`

func TestExtractDefaultColumns(t *testing.T) {
	t.Parallel()

	e, err := New(DefaultTitleSelector, DefaultColumns())
	require.NoError(t, err)

	rec, err := e.Extract(page(t, "https://coinmarketcap.com/", listingHTML))
	require.NoError(t, err)

	require.Equal(t, "https://coinmarketcap.com/", rec.URL)
	require.Equal(t, "Cryptocurrency Prices, Charts And Market Capitalizations | CoinMarketCap", rec.Title)
	require.Equal(t, []string{"Bitcoin", "Ethereum"}, rec.Fields["name"])
	require.Equal(t, []string{"$67,012.45", "$3,512.08"}, rec.Fields["price"])
	require.Equal(t, []string{"$1,320,125,000,000", "$422,019,000,000"}, rec.Fields["marketCap"])
	require.Equal(t, []string{"$28,104,992,331", "$14,880,120,004"}, rec.Fields["volume"])
	require.Equal(t, []string{"1.25%", "-0.82%"}, rec.Fields["change"])
	require.Equal(t, []string{"name", "price", "marketCap", "volume", "change"}, rec.Columns)
}

func TestNewCompiledSelectorsMatchDocument(t *testing.T) {
	t.Parallel()

	e, err := New("head > title", []Column{{Name: "rank", Selector: "tr.cmc-table-row > td:first-child"}})
	require.NoError(t, err)

	doc := page(t, "https://coinmarketcap.com/", listingHTML)
	require.Equal(t, 1, doc.Doc.FindMatcher(e.title).Length())
	require.Equal(t, 2, doc.Doc.FindMatcher(e.columns[0].sel).Length())

	rec, err := e.Extract(doc)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, rec.Fields["rank"])
}

func TestExtractZeroMatchesYieldsEmptySequence(t *testing.T) {
	t.Parallel()

	e, err := New("title", []Column{
		{Name: "name", Selector: "p.asset-name"},
		{Name: "price", Selector: "span.price"},
	})
	require.NoError(t, err)

	rec, err := e.Extract(page(t, "https://coinmarketcap.com/", `<html><head><title>Empty</title></head><body></body></html>`))
	require.NoError(t, err)

	require.Contains(t, rec.Fields, "name")
	require.NotNil(t, rec.Fields["name"])
	require.Empty(t, rec.Fields["name"])

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://coinmarketcap.com/","title":"Empty","name":[],"price":[]}`, string(out))
}

func TestExtractDoesNotMutateDocument(t *testing.T) {
	t.Parallel()

	e, err := New("", DefaultColumns())
	require.NoError(t, err)

	p := page(t, "https://coinmarketcap.com/", listingHTML)
	before, err := p.Doc.Html()
	require.NoError(t, err)

	first, err := e.Extract(p)
	require.NoError(t, err)
	second, err := e.Extract(p)
	require.NoError(t, err)

	after, err := p.Doc.Html()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, first, second)
}

func TestExtractWithoutDocumentIsParseError(t *testing.T) {
	t.Parallel()

	e, err := New("title", DefaultColumns())
	require.NoError(t, err)

	_, err = e.Extract(crawler.Page{URL: "https://coinmarketcap.com/"})
	require.Equal(t, crawler.KindParse, crawler.KindOf(err))
}

func TestNewRejectsBadColumns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		columns []Column
		wantErr string
	}{
		{name: "no columns", columns: nil, wantErr: "at least one column"},
		{name: "invalid selector", columns: []Column{{Name: "price", Selector: "td:nth-child("}}, wantErr: `compile selector for "price"`},
		{name: "invalid title", title: "[[", columns: DefaultColumns(), wantErr: "compile title selector"},
		{name: "empty name", columns: []Column{{Name: " ", Selector: "p"}}, wantErr: "column name is required"},
		{name: "reserved name", columns: []Column{{Name: "title", Selector: "p"}}, wantErr: "reserved"},
		{name: "duplicate", columns: []Column{{Name: "a", Selector: "p"}, {Name: "a", Selector: "span"}}, wantErr: "duplicate column"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.title, tc.columns)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func page(t *testing.T, url, html string) crawler.Page {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return crawler.Page{URL: url, FinalURL: url, StatusCode: 200, Doc: doc, Bytes: len(html)}
}
