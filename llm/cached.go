package llm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/sirupsen/logrus"
)

// Namespace holds cached completions.
const Namespace = "llm_completions"

// Cached remembers answers of a completer, keyed by model and prompt.
type Cached struct {
	Completer Completer
	Model     string
	Force     bool

	loader *fetch.Loader
}

// NewCached wraps a completer with a cache namespace. The completer is
// expected to retry by itself, the cache makes a single attempt.
func NewCached(c Completer, model string, s *kvcache.Store) *Cached {
	return &Cached{
		Completer: c,
		Model:     model,
		loader:    fetch.NewLoader(s, &fetch.Retrier{Name: "llm-cache", MaxRetries: 0}),
	}
}

// CacheKey derives the cache key of a prompt.
func CacheKey(model, system, prompt string) string {
	h := sha1.New()
	for _, s := range []string{model, system, prompt} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Complete returns a cached answer or asks the wrapped completer.
func (c *Cached) Complete(ctx context.Context, system, prompt string) (string, error) {
	key := CacheKey(c.Model, system, prompt)
	return fetch.LoadInto(ctx, c.loader, key, c.Force, func(ctx context.Context) (string, error) {
		return c.Completer.Complete(ctx, system, prompt)
	})
}

// completeJSON only caches answers that decode into v. A cached answer that
// no longer decodes is asked for again.
func (c *Cached) completeJSON(ctx context.Context, system, prompt string, v any) error {
	var (
		key = CacheKey(c.Model, system, prompt)
		ask = func(ctx context.Context) (string, error) {
			s, err := c.Completer.Complete(ctx, system, prompt)
			if err != nil {
				return "", err
			}
			if err := decodeAnswer(s, v); err != nil {
				return "", err
			}
			return s, nil
		}
	)
	s, err := fetch.LoadInto(ctx, c.loader, key, c.Force, ask)
	if err != nil {
		return err
	}
	if err := decodeAnswer(s, v); err == nil {
		return nil
	}
	logrus.WithField("key", key).Warn("cached answer does not decode, asking again")
	s, err = fetch.LoadInto(ctx, c.loader, key, true, ask)
	if err != nil {
		return err
	}
	return decodeAnswer(s, v)
}
