// Package aminer talks to the AMiner open platform and keeps author ids,
// author paper lists and paper details in three cache namespaces.
//
// The paper list of an author references paper ids, whose details live in
// a separate namespace. A paper id without details has not been fetched
// yet; this is not an error.
package aminer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://datacenter.aminer.cn/gateway/open_platform/api"

	AuthorIDNamespace     = "author_id_map"
	AuthorPapersNamespace = "author_papers_map"
	PaperDetailsNamespace = "paper_details_map"
)

// Option configures a Client.
type Option func(*Client)

// WithEndpoint sets the API base URL.
func WithEndpoint(u string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(d fetch.Doer) Option {
	return func(c *Client) {
		c.client = d
	}
}

// WithRetrier sets the retry policy for all requests.
func WithRetrier(r *fetch.Retrier) Option {
	return func(c *Client) {
		c.retrier = r
	}
}

// WithWorkers sets the number of parallel requests in batch operations.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRequestInterval sets the minimum pause between uncached requests
// issued by batch operations.
func WithRequestInterval(d time.Duration) Option {
	return func(c *Client) {
		c.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client for the AMiner open platform.
type Client struct {
	endpoint string
	token    string
	client   fetch.Doer
	retrier  *fetch.Retrier
	workers  int
	interval time.Duration
	log      logrus.FieldLogger

	ids     *fetch.Loader
	papers  *fetch.Loader
	details *fetch.Loader
}

// New opens the three namespaces under dir.
func New(dir, token string, opts ...Option) (*Client, error) {
	c := &Client{
		endpoint: DefaultEndpoint,
		token:    token,
		client:   fetch.NewClient(15 * time.Second),
		retrier:  &fetch.Retrier{Name: "aminer", MaxRetries: 3, Delay: 1500 * time.Millisecond},
		workers:  4,
		interval: 500 * time.Millisecond,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retrier.Logger == nil {
		c.retrier.Logger = c.log
	}
	var loaders = []struct {
		ns string
		l  **fetch.Loader
	}{
		{AuthorIDNamespace, &c.ids},
		{AuthorPapersNamespace, &c.papers},
		{PaperDetailsNamespace, &c.details},
	}
	for _, v := range loaders {
		s, err := kvcache.Open(kvcache.NamespacePath(dir, v.ns), kvcache.WithLogger(c.log))
		if err != nil {
			return nil, err
		}
		*v.l = &fetch.Loader{Store: s, Retrier: c.retrier, Logger: c.log}
	}
	return c, nil
}

// AuthorKey identifies an author in the cache.
func AuthorKey(name, org string) string {
	if org == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, org)
}

// response is the common envelope of all API answers.
type response struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// call performs a single request and returns the data part. An answer
// without success flag or without data counts as not found.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, payload any) (json.RawMessage, error) {
	link := c.endpoint + path
	if len(params) > 0 {
		link = link + "?" + params.Encode()
	}
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fetch.Permanent(err)
		}
		body = b
	}
	req, err := http.NewRequest(method, link, bytes.NewReader(body))
	if err != nil {
		return nil, fetch.Permanent(err)
	}
	req.Header.Set("Authorization", c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=utf-8")
	}
	var resp response
	if err := fetch.DoJSON(ctx, c.client, req, &resp); err != nil {
		return nil, err
	}
	data := bytes.TrimSpace(resp.Data)
	if !resp.Success || len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("[]")) {
		return nil, fmt.Errorf("aminer %s: %w", path, fetch.ErrNotFound)
	}
	return resp.Data, nil
}

// AuthorID returns the AMiner id of the best match for an author name,
// optionally restricted to an organization.
func (c *Client) AuthorID(ctx context.Context, name, org string, force bool) (string, error) {
	key := AuthorKey(name, org)
	return fetch.LoadInto(ctx, c.ids, key, force, func(ctx context.Context) (string, error) {
		payload := map[string]any{"name": name, "offset": 0, "size": 10}
		if org != "" {
			payload["org"] = org
		}
		data, err := c.call(ctx, http.MethodPost, "/person/search", nil, payload)
		if err != nil {
			return "", err
		}
		var persons []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &persons); err != nil {
			return "", fetch.Permanent(err)
		}
		if len(persons) == 0 || persons[0].ID == "" {
			return "", fmt.Errorf("author %q: %w", key, fetch.ErrNotFound)
		}
		c.log.WithField("author", key).Infof("author id: %s", persons[0].ID)
		return persons[0].ID, nil
	})
}

// AuthorPapers returns the paper list of an author. The author id is
// resolved first, if the list is not cached.
func (c *Client) AuthorPapers(ctx context.Context, name, org string, force bool) (*AuthorPapers, error) {
	key := AuthorKey(name, org)
	if !force {
		if v, ok, err := kvcache.Lookup[AuthorPapers](c.papers.Store, key); ok && err == nil {
			c.log.WithField("author", key).Infof("cached paper list, %d papers", v.TotalPapers)
			return &v, nil
		}
	}
	id, err := c.AuthorID(ctx, name, org, force)
	if err != nil {
		return nil, err
	}
	v, err := fetch.LoadInto(ctx, c.papers, key, true, func(ctx context.Context) (AuthorPapers, error) {
		var ap AuthorPapers
		data, err := c.call(ctx, http.MethodGet, "/person/paper/relation", url.Values{"id": {id}}, nil)
		if err != nil {
			return ap, err
		}
		var items []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return ap, fetch.Permanent(err)
		}
		refs := make([]PaperRef, len(items))
		for i, item := range items {
			refs[i] = PaperRef{PaperID: item.ID, Title: item.Title}
		}
		ap = AuthorPapers{
			AuthorName:  name,
			Org:         org,
			AuthorID:    id,
			TotalPapers: len(refs),
			Papers:      refs,
			FetchTime:   time.Now().Format("2006-01-02 15:04:05"),
		}
		return ap, nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PaperDetails returns the details of a single paper.
func (c *Client) PaperDetails(ctx context.Context, paperID string, force bool) (Paper, error) {
	return fetch.LoadInto(ctx, c.details, paperID, force, func(ctx context.Context) (Paper, error) {
		data, err := c.call(ctx, http.MethodGet, "/paper/detail", url.Values{"id": {paperID}}, nil)
		if err != nil {
			return nil, err
		}
		var papers []Paper
		if err := json.Unmarshal(data, &papers); err != nil {
			return nil, fetch.Permanent(err)
		}
		if len(papers) == 0 {
			return nil, fmt.Errorf("paper %s: %w", paperID, fetch.ErrNotFound)
		}
		return papers[0], nil
	})
}

// CachedPaper returns the cached details of a paper. A miss means the paper
// has not been fetched yet.
func (c *Client) CachedPaper(paperID string) (Paper, bool) {
	p, ok, err := kvcache.Lookup[Paper](c.details.Store, paperID)
	if err != nil {
		return nil, false
	}
	return p, ok
}

// CachedPapers joins the cached paper list of an author with the cached
// details. It returns the papers found and the ids still missing.
func (c *Client) CachedPapers(name, org string) (papers []Paper, missing []string) {
	ap, ok, err := kvcache.Lookup[AuthorPapers](c.papers.Store, AuthorKey(name, org))
	if !ok || err != nil {
		return nil, nil
	}
	for _, ref := range ap.Papers {
		if p, ok := c.CachedPaper(ref.PaperID); ok {
			papers = append(papers, p)
		} else {
			missing = append(missing, ref.PaperID)
		}
	}
	return papers, missing
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Total     int    `json:"total"`
	Success   int    `json:"success"`
	Fail      int    `json:"fail"`
	CacheFile string `json:"cache_file"`
}

// BatchPaperDetails fetches the details of all papers of an author with a
// bounded number of parallel workers. Failures of single papers are
// counted, but do not stop the batch.
func (c *Client) BatchPaperDetails(ctx context.Context, name, org string, force bool) (*BatchResult, error) {
	ap, err := c.AuthorPapers(ctx, name, org, force)
	if err != nil {
		return nil, err
	}
	var (
		total   = len(ap.Papers)
		success atomic.Int64
		fail    atomic.Int64
		limiter = rate.NewLimiter(rate.Inf, 1)
		g, gctx = errgroup.WithContext(ctx)
	)
	if c.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(c.interval), 1)
	}
	g.SetLimit(c.workers)
	for i, ref := range ap.Papers {
		g.Go(func() error {
			if force || !c.details.Store.Has(ref.PaperID) {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if _, err := c.PaperDetails(gctx, ref.PaperID, force); err != nil {
				fail.Add(1)
				c.log.WithField("paper", ref.PaperID).Warnf("[%d/%d] failed: %v", i+1, total, err)
				return nil
			}
			success.Add(1)
			c.log.WithField("paper", ref.PaperID).Infof("[%d/%d] done", i+1, total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result := &BatchResult{
		Total:     total,
		Success:   int(success.Load()),
		Fail:      int(fail.Load()),
		CacheFile: filepath.Clean(c.details.Store.Path()),
	}
	c.log.Infof("batch done: total=%d, success=%d, fail=%d", result.Total, result.Success, result.Fail)
	return result, nil
}
