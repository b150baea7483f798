// Package pages extracts bibliographic metadata from article landing pages.
// Most publishers embed Highwire Press ("citation_*") or Dublin Core
// ("dc.*") meta tags, which are read here.
package pages

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/miku/scholcache/dateutil"
	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/miku/scholcache/normal"
)

// Namespace holds extracted metadata by URL.
const Namespace = "page_meta"

// abstractSelectors are tried, if no meta tag carries an abstract.
var abstractSelectors = []string{
	"div.abstract-text",
	"div#abstract",
	"section.abstract",
	"div.abstract",
}

// Meta is the metadata of a landing page.
type Meta struct {
	URL      string              `json:"url"`
	Title    string              `json:"title,omitempty"`
	Authors  []string            `json:"authors,omitempty"`
	Date     string              `json:"date,omitempty"`
	Year     int                 `json:"year,omitempty"`
	DOI      string              `json:"doi,omitempty"`
	Journal  string              `json:"journal,omitempty"`
	Pages    string              `json:"pages,omitempty"`
	Abstract string              `json:"abstract,omitempty"`
	Keywords []string            `json:"keywords,omitempty"`
	Fields   map[string][]string `json:"fields,omitempty"`
}

func (m *Meta) first(keys ...string) string {
	for _, k := range keys {
		if vs := m.Fields[k]; len(vs) > 0 && vs[0] != "" {
			return vs[0]
		}
	}
	return ""
}

func (m *Meta) all(keys ...string) []string {
	for _, k := range keys {
		if vs := m.Fields[k]; len(vs) > 0 {
			return vs
		}
	}
	return nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(normal.ReplaceNewlineAndTab(s)), " ")
}

// Parse reads a HTML document and collects the metadata of interest.
func Parse(r io.Reader, link string) (*Meta, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	m := &Meta{URL: link, Fields: make(map[string][]string)}
	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok {
			name, _ = s.Attr("property")
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if !strings.HasPrefix(name, "citation_") && !strings.HasPrefix(name, "dc.") {
			return
		}
		content, _ := s.Attr("content")
		if content = clean(content); content != "" {
			m.Fields[name] = append(m.Fields[name], content)
		}
	})
	m.Title = m.first("citation_title", "dc.title")
	if m.Title == "" {
		m.Title = clean(doc.Find("title").First().Text())
	}
	m.Authors = m.all("citation_author", "dc.creator", "dc.contributor")
	m.Date = m.first("citation_publication_date", "citation_date", "citation_online_date", "dc.date", "dc.date.issued")
	if y, err := dateutil.Year(m.Date); err == nil {
		m.Year = y
	} else if y, err := dateutil.Year(m.first("citation_year")); err == nil {
		m.Year = y
	}
	m.DOI = m.first("citation_doi")
	if m.DOI == "" {
		for _, v := range m.Fields["dc.identifier"] {
			v = strings.TrimPrefix(strings.TrimPrefix(v, "doi:"), "https://doi.org/")
			if strings.HasPrefix(v, "10.") {
				m.DOI = v
				break
			}
		}
	}
	m.Journal = m.first("citation_journal_title", "citation_conference_title", "dc.source")
	if fp, lp := m.first("citation_firstpage"), m.first("citation_lastpage"); fp != "" && lp != "" {
		m.Pages = fp + "-" + lp
	} else {
		m.Pages = fp
	}
	m.Abstract = m.first("citation_abstract", "dc.description")
	if m.Abstract == "" {
		for _, sel := range abstractSelectors {
			if text := clean(doc.Find(sel).First().Text()); text != "" {
				m.Abstract = text
				break
			}
		}
	}
	for _, v := range m.all("citation_keywords", "dc.subject") {
		for _, kw := range strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' }) {
			if kw = strings.TrimSpace(kw); kw != "" {
				m.Keywords = append(m.Keywords, kw)
			}
		}
	}
	return m, nil
}

// Fetcher retrieves landing pages and caches their metadata.
type Fetcher struct {
	HTTP      fetch.Doer
	UserAgent string

	loader *fetch.Loader
}

// New returns a fetcher caching into s.
func New(s *kvcache.Store, r *fetch.Retrier) *Fetcher {
	return &Fetcher{
		HTTP:      fetch.NewClient(30 * time.Second),
		UserAgent: "Mozilla/5.0 (compatible; scholcache)",
		loader:    fetch.NewLoader(s, r),
	}
}

// Meta returns the metadata of the page at link.
func (f *Fetcher) Meta(ctx context.Context, link string, force bool) (*Meta, error) {
	return fetch.LoadInto(ctx, f.loader, link, force, func(ctx context.Context) (*Meta, error) {
		req, err := http.NewRequest(http.MethodGet, link, nil)
		if err != nil {
			return nil, fetch.Permanent(err)
		}
		req.Header.Set("User-Agent", f.UserAgent)
		req.Header.Set("Accept", "text/html")
		b, err := fetch.DoBytes(ctx, f.HTTP, req)
		if err != nil {
			return nil, err
		}
		m, err := Parse(bytes.NewReader(b), link)
		if err != nil {
			return nil, fetch.Permanent(fmt.Errorf("parse %s: %w", link, err))
		}
		return m, nil
	})
}
