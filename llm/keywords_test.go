package llm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
)

// sequenceCompleter returns the given answers in order, repeating the last.
type sequenceCompleter struct {
	answers []string
	calls   int
}

func (s *sequenceCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	i := min(s.calls, len(s.answers)-1)
	s.calls++
	return s.answers[i], nil
}

func TestKeywords(t *testing.T) {
	sc := &staticCompleter{answer: `{"keywords": [" Graph Neural Networks ", "Link Prediction", ""]}`}
	got, err := Keywords(context.Background(), sc, "t", "a")
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	want := []string{"graph neural networks", "link prediction"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestTally(t *testing.T) {
	got := Tally([]string{"b", "a"}, []string{"a", "c"}, []string{"c"})
	want := []WordCount{{"a", 2}, {"c", 2}, {"b", 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tally mismatch (-want +got):\n%s", diff)
	}
}

func TestCachedKeywordsSkipsMalformedAnswer(t *testing.T) {
	s, err := kvcache.Open(filepath.Join(t.TempDir(), Namespace+".json"), kvcache.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	sc := &sequenceCompleter{answers: []string{"not json at all", `{"keywords": ["Topic Models"]}`}}
	c := NewCached(sc, "m", s)
	if _, err := Keywords(context.Background(), c, "t", "a"); !fetch.IsPermanent(err) {
		t.Fatalf("got %v, want permanent error", err)
	}
	if s.Len() != 0 {
		t.Fatalf("got %d cached answers, want 0", s.Len())
	}
	for i := 0; i < 2; i++ {
		got, err := Keywords(context.Background(), c, "t", "a")
		if err != nil {
			t.Fatalf("got %v, want nil", err)
		}
		if diff := cmp.Diff([]string{"topic models"}, got); diff != "" {
			t.Fatalf("keywords mismatch (-want +got):\n%s", diff)
		}
	}
	if sc.calls != 2 {
		t.Errorf("got %v calls, want %v", sc.calls, 2)
	}
	if s.Len() != 1 {
		t.Errorf("got %v cached answers, want %v", s.Len(), 1)
	}
}

func TestCachedCompleteJSONReplacesUndecodableEntry(t *testing.T) {
	s, err := kvcache.Open(filepath.Join(t.TempDir(), Namespace+".json"), kvcache.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	key := CacheKey("m", "sys", "q")
	if err := s.Put(key, "sorry, no"); err != nil {
		t.Fatal(err)
	}
	sc := &staticCompleter{answer: `{"a": 3}`}
	var v struct {
		A int `json:"a"`
	}
	if err := CompleteJSON(context.Background(), NewCached(sc, "m", s), "sys", "q", &v); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if v.A != 3 || sc.calls != 1 {
		t.Errorf("got a=%v after %v calls, want 3 after 1", v.A, sc.calls)
	}
	got, _, err := kvcache.Lookup[string](s, key)
	if err != nil || got != `{"a": 3}` {
		t.Errorf("got %q (err=%v), want the decodable answer", got, err)
	}
}
