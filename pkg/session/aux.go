package session

import (
	"context"
	"time"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const statsKey = "stats"

// statsLoader fronts the public stats endpoint with a short-lived cache so
// the ticker, Init and ad-hoc readers share one request per window.
type statsLoader struct {
	src   StatsSource
	cache *cache.Cache
	group singleflight.Group
}

func newStatsLoader(src StatsSource, every time.Duration) *statsLoader {
	ttl := every / 2
	if ttl <= 0 {
		ttl = DefaultStatsInterval / 2
	}
	return &statsLoader{src: src, cache: cache.New(ttl, 2*ttl)}
}

func (l *statsLoader) load(ctx context.Context) (*api.Stats, error) {
	if v, ok := l.cache.Get(statsKey); ok {
		s := v.(api.Stats)
		return &s, nil
	}

	v, err, _ := l.group.Do(statsKey, func() (any, error) {
		s, err := l.src.Stats(ctx)
		if err != nil {
			return nil, err
		}
		l.cache.SetDefault(statsKey, *s)
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(api.Stats)
	return &s, nil
}
