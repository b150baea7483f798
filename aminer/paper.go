package aminer

import (
	"fmt"
	"strconv"

	"github.com/miku/scholcache/dateutil"
)

// PaperRef is an entry of an author paper list.
type PaperRef struct {
	PaperID string `json:"paper_id"`
	Title   string `json:"title"`
}

// AuthorPapers is the cached paper list of an author.
type AuthorPapers struct {
	AuthorName  string     `json:"author_name"`
	Org         string     `json:"org,omitempty"`
	AuthorID    string     `json:"author_id"`
	TotalPapers int        `json:"total_papers"`
	Papers      []PaperRef `json:"papers"`
	FetchTime   string     `json:"fetch_time"`
}

// Paper holds paper details as returned by the API. The schema varies
// between records, so fields are kept as is.
type Paper map[string]any

// yearFields are consulted in order.
var yearFields = []string{"year", "pub_time", "pub_date", "publish_date", "date"}

// Field returns a field as string, or the empty string.
func (p Paper) Field(field string) string {
	switch v := p[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Title of the paper.
func (p Paper) Title() string {
	return p.Field("title")
}

// Year returns the publication year, if any field yields one.
func (p Paper) Year() (int, error) {
	for _, f := range yearFields {
		switch v := p[f].(type) {
		case float64:
			if v > 0 {
				return int(v), nil
			}
		case string:
			if y, err := dateutil.Year(v); err == nil {
				return y, nil
			}
		}
	}
	return 0, dateutil.ErrNoYear
}

// FilterByYear keeps papers published within the interval. Papers without
// a year are dropped.
func FilterByYear(papers []Paper, iv dateutil.Interval) []Paper {
	var result []Paper
	for _, p := range papers {
		y, err := p.Year()
		if err != nil {
			continue
		}
		if iv.ContainsYear(y) {
			result = append(result, p)
		}
	}
	return result
}
