package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

func NewRequestCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sceneforge_cache_requests_total",
		Help: "Cache lookups by cache name and result (hit, miss, error).",
	}, []string{"cache", "result"})
}

type instrumented struct {
	Cache
	name     string
	requests *prometheus.CounterVec
}

// Instrument counts lookups against c under the given cache label. A nil
// counter returns c unchanged.
func Instrument(c Cache, name string, requests *prometheus.CounterVec) Cache {
	if requests == nil {
		return c
	}
	return &instrumented{Cache: c, name: name, requests: requests}
}

func (c *instrumented) Get(ctx context.Context, key string, into any) (bool, error) {
	ok, err := c.Cache.Get(ctx, key, into)
	switch {
	case err != nil:
		c.requests.WithLabelValues(c.name, "error").Inc()
	case ok:
		c.requests.WithLabelValues(c.name, "hit").Inc()
	default:
		c.requests.WithLabelValues(c.name, "miss").Inc()
	}
	return ok, err
}
