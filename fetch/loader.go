package fetch

import (
	"context"
	"fmt"

	"github.com/miku/scholcache/kvcache"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Loader consults a cache namespace first and falls back to a retried
// remote call on a miss. Successful results are written to the cache.
type Loader struct {
	Store   *kvcache.Store
	Retrier *Retrier
	Logger  logrus.FieldLogger

	group singleflight.Group
}

// NewLoader returns a loader for a single namespace.
func NewLoader(s *kvcache.Store, r *Retrier) *Loader {
	return &Loader{Store: s, Retrier: r}
}

func (l *Loader) logger() logrus.FieldLogger {
	if l.Logger == nil {
		return logrus.StandardLogger()
	}
	return l.Logger
}

// Load returns the cached value for key, unless force is set or the key is
// missing, in which case fetch runs through the retrier and its result is
// cached. Concurrent loads of the same key share one fetch. A result that
// cannot be encoded is an error and leaves the cache untouched; a result
// that could not be persisted is still returned.
func (l *Loader) Load(ctx context.Context, key string, force bool, fetch func(context.Context) (any, error)) (json.RawMessage, error) {
	if !force {
		if v, ok := l.Store.Get(key); ok {
			l.logger().WithField("key", key).Debug("cache hit")
			return v, nil
		}
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		if !force {
			if v, ok := l.Store.Get(key); ok {
				return v, nil
			}
		}
		result, err := Do(ctx, l.Retrier, fetch)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		if err := l.Store.Put(key, json.RawMessage(b)); err != nil {
			l.logger().WithField("key", key).Warnf("result not persisted: %v", err)
		}
		return json.RawMessage(b), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// LoadInto is Load with a typed fetch function and result.
func LoadInto[T any](ctx context.Context, l *Loader, key string, force bool, fetch func(context.Context) (T, error)) (T, error) {
	var v T
	b, err := l.Load(ctx, key, force, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode cached %q: %w", key, err)
	}
	return v, nil
}
