package aminer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miku/scholcache/fetch"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// fakeAPI serves a small subset of the open platform API.
type fakeAPI struct {
	mu      sync.Mutex
	calls   map[string]int
	token   string
	authors map[string]string   // name -> id
	papers  map[string][]string // author id -> paper ids
	broken  map[string]bool     // paper ids answering with 500
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.mu.Unlock()
	if r.Header.Get("Authorization") != f.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	reply := func(data any) {
		json.NewEncoder(w).Encode(map[string]any{"success": data != nil, "data": data})
	}
	switch r.URL.Path {
	case "/person/search":
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, ok := f.authors[payload.Name]
		if !ok {
			reply(nil)
			return
		}
		reply([]map[string]string{{"id": id, "name": payload.Name}})
	case "/person/paper/relation":
		var items []map[string]string
		for _, pid := range f.papers[r.URL.Query().Get("id")] {
			items = append(items, map[string]string{"id": pid, "title": "Title " + pid})
		}
		reply(items)
	case "/paper/detail":
		pid := r.URL.Query().Get("id")
		if f.broken[pid] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		reply([]map[string]any{{"id": pid, "title": "Title " + pid, "year": 2019}})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	api.calls = make(map[string]int)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(t.TempDir(), api.token,
		WithEndpoint(srv.URL+"/"),
		WithHTTPClient(srv.Client()),
		WithRetrier(&fetch.Retrier{Name: "test", MaxRetries: 1}),
		WithRequestInterval(0),
		WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAuthorKey(t *testing.T) {
	var cases = []struct {
		name, org string
		result    string
	}{
		{"Jie Tang", "Tsinghua University", "Jie Tang@Tsinghua University"},
		{"Jie Tang", "", "Jie Tang"},
	}
	for _, c := range cases {
		if got := AuthorKey(c.name, c.org); got != c.result {
			t.Fatalf("got %v, want %v", got, c.result)
		}
	}
}

func TestAuthorIDIsCached(t *testing.T) {
	api := &fakeAPI{token: "secret", authors: map[string]string{"Jie Tang": "53f46a3edabfaee43ed05f08"}}
	c := newTestClient(t, api)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, err := c.AuthorID(ctx, "Jie Tang", "", false)
		if err != nil {
			t.Fatalf("got %v, want nil", err)
		}
		if id != "53f46a3edabfaee43ed05f08" {
			t.Fatalf("got %v, want 53f46a3edabfaee43ed05f08", id)
		}
	}
	if n := api.count("/person/search"); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
	if _, err := c.AuthorID(ctx, "Jie Tang", "", true); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if n := api.count("/person/search"); n != 2 {
		t.Fatalf("got %d requests after force, want 2", n)
	}
}

func TestAuthorIDNotFound(t *testing.T) {
	api := &fakeAPI{token: "secret"}
	c := newTestClient(t, api)
	_, err := c.AuthorID(context.Background(), "Nobody", "Nowhere", false)
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if errors.Is(err, fetch.ErrExhausted) {
		t.Fatalf("not found must not count as exhausted")
	}
	if n := api.count("/person/search"); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
	if c.ids.Store.Has(AuthorKey("Nobody", "Nowhere")) {
		t.Fatalf("negative result must not be cached")
	}
}

func TestUnauthorizedIsPermanent(t *testing.T) {
	api := &fakeAPI{token: "secret", authors: map[string]string{"Jie Tang": "1"}}
	c := newTestClient(t, api)
	c.token = "wrong"
	_, err := c.AuthorID(context.Background(), "Jie Tang", "", false)
	if !fetch.IsPermanent(err) {
		t.Fatalf("got %v, want permanent error", err)
	}
	if n := api.count("/person/search"); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
}

func TestAuthorPapers(t *testing.T) {
	api := &fakeAPI{
		token:   "secret",
		authors: map[string]string{"Jie Tang": "a1"},
		papers:  map[string][]string{"a1": {"p1", "p2"}},
	}
	c := newTestClient(t, api)
	ctx := context.Background()
	ap, err := c.AuthorPapers(ctx, "Jie Tang", "Tsinghua", false)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	want := []PaperRef{{PaperID: "p1", Title: "Title p1"}, {PaperID: "p2", Title: "Title p2"}}
	if diff := cmp.Diff(want, ap.Papers); diff != "" {
		t.Fatalf("papers mismatch (-want +got):\n%s", diff)
	}
	if ap.AuthorID != "a1" || ap.TotalPapers != 2 || ap.Org != "Tsinghua" {
		t.Fatalf("got %+v", ap)
	}
	if _, err := c.AuthorPapers(ctx, "Jie Tang", "Tsinghua", false); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if n := api.count("/person/paper/relation"); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
	if n := api.count("/person/search"); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
}

func TestBatchPaperDetails(t *testing.T) {
	api := &fakeAPI{
		token:   "secret",
		authors: map[string]string{"Jie Tang": "a1"},
		papers:  map[string][]string{"a1": {"p1", "p2", "p3", "p4", "p5"}},
		broken:  map[string]bool{"p3": true},
	}
	c := newTestClient(t, api)
	ctx := context.Background()
	result, err := c.BatchPaperDetails(ctx, "Jie Tang", "", false)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if result.Total != 5 || result.Success != 4 || result.Fail != 1 {
		t.Fatalf("got %+v, want total=5, success=4, fail=1", result)
	}
	// One initial attempt plus one retry for the broken paper.
	if n := api.count("/paper/detail"); n != 6 {
		t.Fatalf("got %d requests, want 6", n)
	}
	papers, missing := c.CachedPapers("Jie Tang", "")
	if len(papers) != 4 {
		t.Fatalf("got %d cached papers, want 4", len(papers))
	}
	if diff := cmp.Diff([]string{"p3"}, missing); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
	var titles []string
	for _, p := range papers {
		titles = append(titles, p.Title())
	}
	sort.Strings(titles)
	if got := strings.Join(titles, ","); got != "Title p1,Title p2,Title p4,Title p5" {
		t.Fatalf("got %v", got)
	}
	// Second run only retries the missing paper.
	delete(api.broken, "p3")
	result, err = c.BatchPaperDetails(ctx, "Jie Tang", "", false)
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if result.Success != 5 || result.Fail != 0 {
		t.Fatalf("got %+v, want success=5, fail=0", result)
	}
	if n := api.count("/paper/detail"); n != 7 {
		t.Fatalf("got %d requests, want 7", n)
	}
}

func TestCachedPaperMiss(t *testing.T) {
	c := newTestClient(t, &fakeAPI{token: "secret"})
	if _, ok := c.CachedPaper("unknown"); ok {
		t.Fatalf("got true, want false")
	}
	papers, missing := c.CachedPapers("Nobody", "")
	if papers != nil || missing != nil {
		t.Fatalf("got %v %v, want nil nil", papers, missing)
	}
}
