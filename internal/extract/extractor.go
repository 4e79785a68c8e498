// Package extract maps a parsed page to a Record using CSS selectors.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// Column names one output field and the selector whose matches fill it.
type Column struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
}

// DefaultTitleSelector selects the document title.
const DefaultTitleSelector = "title"

// DefaultColumns returns the CoinMarketCap listing table columns.
func DefaultColumns() []Column {
	const cell = "tbody tr.cmc-table-row td.cmc-table__cell.cmc-table__cell--sortable.cmc-table__cell--right"
	return []Column{
		{Name: "name", Selector: ".cmc-table__column-name.sc-1kxikfi-0.eTVhdN"},
		{Name: "price", Selector: cell + ".cmc-table__cell--sort-by__price"},
		{Name: "marketCap", Selector: cell + ".cmc-table__cell--sort-by__market-cap"},
		{Name: "volume", Selector: cell + ".cmc-table__cell--sort-by__volume-24-h"},
		{Name: "change", Selector: cell + ".cmc-table__cell--sort-by__percent-change-24-h"},
	}
}

var _ goquery.Matcher = cascadia.Selector(nil)

type compiledColumn struct {
	name string
	sel  cascadia.Selector
}

// SelectorExtractor is a pure, reusable Extractor. Selectors are compiled once.
type SelectorExtractor struct {
	title   cascadia.Selector
	columns []compiledColumn
	order   []string
}

// New compiles the title selector and every column selector. Invalid
// selectors, empty or reserved names and duplicate names are rejected.
func New(titleSelector string, columns []Column) (*SelectorExtractor, error) {
	if strings.TrimSpace(titleSelector) == "" {
		titleSelector = DefaultTitleSelector
	}
	title, err := cascadia.Compile(titleSelector)
	if err != nil {
		return nil, fmt.Errorf("compile title selector %q: %w", titleSelector, err)
	}
	if len(columns) == 0 {
		return nil, errors.New("extract: at least one column is required")
	}
	e := &SelectorExtractor{title: title}
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		name := strings.TrimSpace(col.Name)
		switch name {
		case "":
			return nil, errors.New("extract: column name is required")
		case "url", "title":
			return nil, fmt.Errorf("extract: column name %q is reserved", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("extract: duplicate column %q", name)
		}
		seen[name] = struct{}{}
		sel, err := cascadia.Compile(col.Selector)
		if err != nil {
			return nil, fmt.Errorf("compile selector for %q: %w", name, err)
		}
		e.columns = append(e.columns, compiledColumn{name: name, sel: sel})
		e.order = append(e.order, name)
	}
	return e, nil
}

// Columns returns the output column order.
func (e *SelectorExtractor) Columns() []string {
	return append([]string(nil), e.order...)
}

// Extract reads the title and every column from page. A column without matches
// yields an empty slice. Text is returned as-is without cleanup.
func (e *SelectorExtractor) Extract(page crawler.Page) (crawler.Record, error) {
	if page.Doc == nil {
		return crawler.Record{}, &crawler.ParseError{URL: page.URL, Err: errors.New("no document")}
	}
	url := page.URL
	if url == "" {
		url = page.FinalURL
	}
	rec := crawler.Record{
		URL:     url,
		Title:   page.Doc.FindMatcher(e.title).Text(),
		Fields:  make(map[string][]string, len(e.columns)),
		Columns: e.Columns(),
	}
	for _, col := range e.columns {
		values := []string{}
		page.Doc.FindMatcher(col.sel).Each(func(_ int, s *goquery.Selection) {
			values = append(values, s.Text())
		})
		rec.Fields[col.name] = values
	}
	return rec, nil
}
