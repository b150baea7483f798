package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "key", "", 0)
	c.HTTP = srv.Client()
	c.Retrier = &fetch.Retrier{Name: "test", MaxRetries: 2, Logger: quietLogger()}
	c.Logger = quietLogger()
	return c
}

func answer(w http.ResponseWriter, content string) {
	json.NewEncoder(w).Encode(map[string]any{
		"id": "1",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func TestComplete(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer(w, `{"ok": true}`)
	}))
	s, err := c.Complete(context.Background(), "be brief", "  hello  ")
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if s != `{"ok": true}` {
		t.Fatalf("got %v", s)
	}
	want := []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if got.Model != DefaultModel {
		t.Fatalf("got %v, want %v", got.Model, DefaultModel)
	}
	if got.Temperature != 0.3 {
		t.Fatalf("got %v, want 0.3", got.Temperature)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("got %v, want json_object", got.ResponseFormat)
	}
	if _, err := uuid.Parse(got.RequestID); err != nil {
		t.Fatalf("request id %q: %v", got.RequestID, err)
	}
}

func TestCompleteRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		case 2:
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		default:
			answer(w, "third time")
		}
	}))
	s, err := c.Complete(context.Background(), "", "x")
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if s != "third time" || calls.Load() != 3 {
		t.Fatalf("got %v after %d calls", s, calls.Load())
	}
}

func TestCompleteExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	_, err := c.Complete(context.Background(), "", "x")
	if !errors.Is(err, fetch.ErrExhausted) {
		t.Fatalf("got %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errNoChoice) {
		t.Fatalf("got %v, want last error preserved", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("got %d calls, want 3", calls.Load())
	}
}

func TestStripFences(t *testing.T) {
	var cases = []struct {
		s      string
		result string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```\n", `{"a": 1}`},
		{"  plain  ", "plain"},
	}
	for _, c := range cases {
		if got := StripFences(c.s); got != c.result {
			t.Fatalf("got %v, want %v", got, c.result)
		}
	}
}

// staticCompleter returns a fixed answer and counts calls.
type staticCompleter struct {
	answer string
	err    error
	calls  int
}

func (s *staticCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	s.calls++
	return s.answer, s.err
}

func TestCompleteJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	if err := CompleteJSON(context.Background(), &staticCompleter{answer: "```json\n{\"a\": 7}\n```"}, "", "", &v); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if v.A != 7 {
		t.Fatalf("got %v, want 7", v.A)
	}
	err := CompleteJSON(context.Background(), &staticCompleter{answer: "sorry, no"}, "", "", &v)
	if !fetch.IsPermanent(err) {
		t.Fatalf("got %v, want permanent error", err)
	}
}

func TestCached(t *testing.T) {
	s, err := kvcache.Open(filepath.Join(t.TempDir(), Namespace+".json"), kvcache.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	sc := &staticCompleter{answer: "42"}
	c := NewCached(sc, "m", s)
	for i := 0; i < 3; i++ {
		got, err := c.Complete(context.Background(), "sys", "question")
		if err != nil {
			t.Fatalf("got %v, want nil", err)
		}
		if got != "42" {
			t.Fatalf("got %v, want 42", got)
		}
	}
	if sc.calls != 1 {
		t.Fatalf("got %d calls, want 1", sc.calls)
	}
	if !s.Has(CacheKey("m", "sys", "question")) {
		t.Fatalf("answer not cached")
	}
	if _, err := c.Complete(context.Background(), "sys", "other"); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if sc.calls != 2 {
		t.Fatalf("got %d calls, want 2", sc.calls)
	}
}

func TestCachedFailureNotStored(t *testing.T) {
	s, err := kvcache.Open(filepath.Join(t.TempDir(), Namespace+".json"), kvcache.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	sc := &staticCompleter{err: fetch.Permanent(fmt.Errorf("bad request"))}
	c := NewCached(sc, "m", s)
	if _, err := c.Complete(context.Background(), "", "q"); err == nil {
		t.Fatalf("got nil, want error")
	}
	if s.Len() != 0 {
		t.Fatalf("got %d entries, want 0", s.Len())
	}
}

func TestCacheKey(t *testing.T) {
	if CacheKey("m", "ab", "c") == CacheKey("m", "a", "bc") {
		t.Fatalf("keys must not collide on shifted boundaries")
	}
	if CacheKey("m", "s", "p") != CacheKey("m", "s", "p") {
		t.Fatalf("keys must be stable")
	}
}
