// Package dblp checks author names against the DBLP author search.
package dblp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/miku/scholcache/normal"
	"github.com/sirupsen/logrus"
)

// Namespace holds cached match results.
const Namespace = "dblp_author_matches"

// DefaultMirrors are tried in order, the first one answering is used.
var DefaultMirrors = []string{
	"https://dblp.org",
	"https://dblp.uni-trier.de",
	"https://dblp.dagstuhl.de",
}

// QueryName translates a name into the "Last:First_Middle" form of the
// DBLP author search. Periods are dropped, hyphens separate name parts and
// a trailing number like in "Wei Wang 0001" stays attached to the last
// name.
func QueryName(name string) string {
	name = strings.ReplaceAll(name, ".", "")
	name = strings.ReplaceAll(name, "-", " ")
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return ""
	}
	for i, p := range parts {
		parts[i] = escape(p)
	}
	last := parts[len(parts)-1]
	parts = parts[:len(parts)-1]
	if n, err := strconv.Atoi(last); err == nil && n > 0 && len(parts) > 0 {
		last = parts[len(parts)-1] + "_" + last
		parts = parts[:len(parts)-1]
	}
	return last + ":" + strings.Join(parts, "_")
}

// escape percent-encodes everything except unreserved characters and "=".
func escape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~', c == '=':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// Result of an author search.
type Result struct {
	Name        string   `json:"name"`
	Query       string   `json:"query"`
	Completions int      `json:"completions"`
	Exact       bool     `json:"exact"`
	Hits        []string `json:"hits,omitempty"`
}

// Score is 1 for an exact match, otherwise the number of completions.
func (r *Result) Score() int {
	if r.Exact {
		return 1
	}
	return r.Completions
}

type searchResponse struct {
	Result struct {
		Hits struct {
			Total string `json:"@total"`
			Hit   []struct {
				Info struct {
					Author string `json:"author"`
				} `json:"info"`
			} `json:"hit"`
		} `json:"hits"`
		Completions struct {
			Total string `json:"@total"`
		} `json:"completions"`
	} `json:"result"`
}

// Client for the author search API.
type Client struct {
	Mirrors []string
	HTTP    fetch.Doer
	Retrier *fetch.Retrier
	Logger  logrus.FieldLogger

	mu     sync.Mutex
	base   string
	loader *fetch.Loader
}

// New returns a client caching results in s. DBLP rate limits are waited
// out without using up retries.
func New(s *kvcache.Store, mirrors ...string) *Client {
	if len(mirrors) == 0 {
		mirrors = DefaultMirrors
	}
	r := &fetch.Retrier{
		Name:              "dblp",
		MaxRetries:        3,
		Delay:             time.Second,
		RateLimitDelay:    10 * time.Second,
		RateLimitPolicy:   fetch.RateLimitUnbudgeted,
		MaxRateLimitWaits: 30,
	}
	return &Client{
		Mirrors: mirrors,
		HTTP:    fetch.NewClient(10 * time.Second),
		Retrier: r,
		loader:  fetch.NewLoader(s, r),
	}
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Base returns the first mirror that answers. The choice is kept for the
// lifetime of the client.
func (c *Client) Base(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base != "" {
		return c.base, nil
	}
	for _, m := range c.Mirrors {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, strings.TrimRight(m, "/")+"/", nil)
		if err != nil {
			cancel()
			return "", err
		}
		resp, err := c.HTTP.Do(req)
		cancel()
		if err != nil {
			c.logger().WithField("mirror", m).Debugf("mirror failed: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 400 {
			c.base = strings.TrimRight(m, "/")
			return c.base, nil
		}
	}
	return "", fmt.Errorf("dblp: all %d mirrors failed", len(c.Mirrors))
}

// Lookup searches for an author name, using the cache unless force is set.
func (c *Client) Lookup(ctx context.Context, name string, force bool) (*Result, error) {
	r, err := fetch.LoadInto(ctx, c.loader, name, force, func(ctx context.Context) (*Result, error) {
		base, err := c.Base(ctx)
		if err != nil {
			return nil, err
		}
		q := QueryName(name)
		link := fmt.Sprintf("%s/search/author/api?q=author%%3A%s$%%3A&format=json&c=10", base, q)
		req, err := http.NewRequest(http.MethodGet, link, nil)
		if err != nil {
			return nil, fetch.Permanent(err)
		}
		var sr searchResponse
		if err := fetch.DoJSON(ctx, c.HTTP, req, &sr); err != nil {
			return nil, err
		}
		result := &Result{Name: name, Query: q}
		result.Completions, _ = strconv.Atoi(sr.Result.Completions.Total)
		for _, hit := range sr.Result.Hits.Hit {
			result.Hits = append(result.Hits, hit.Info.Author)
			if result.Completions > 0 && normal.SameName(hit.Info.Author, name) {
				result.Exact = true
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Match returns 1 if DBLP knows the name exactly, otherwise the number of
// completions, which is 0 for unknown names.
func (c *Client) Match(ctx context.Context, name string) (int, error) {
	r, err := c.Lookup(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return r.Score(), nil
}
