// Package stats keeps the live routing metrics of every (model, provider)
// mapping: uptime, latency and throughput.
//
// Metrics are written to Redis out-of-band by whatever measures them, one
// hash per mapping:
//
//	HSET llmgateway:stats:<model>:<provider> uptime 99.2 latency_ms 640 throughput 85
//
// The Store reads them periodically into an immutable snapshot. Requests
// only ever read the current snapshot, so routing never waits on Redis.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

// Store serves the latest metrics snapshot. The zero value is not usable;
// call New.
type Store struct {
	catalog *catalog.Catalog
	rdb     redis.UniversalClient
	prefix  string
	log     *slog.Logger

	snap atomic.Pointer[map[string]catalog.Metrics]
}

// New creates a Store. A nil rdb yields a Store that always serves the
// catalog's static metrics.
func New(c *catalog.Catalog, rdb redis.UniversalClient, prefix string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{catalog: c, rdb: rdb, prefix: prefix, log: log}
	empty := map[string]catalog.Metrics{}
	s.snap.Store(&empty)
	return s
}

// Key is the Redis hash holding one mapping's metrics.
func (s *Store) Key(modelID, providerID string) string {
	return s.prefix + modelID + ":" + providerID
}

// Metrics returns the live metrics of a mapping, with any field missing
// from Redis taken from static.
func (s *Store) Metrics(modelID, providerID string, static catalog.Metrics) catalog.Metrics {
	live, ok := (*s.snap.Load())[s.Key(modelID, providerID)]
	if !ok {
		return static
	}
	if live.Uptime == 0 {
		live.Uptime = static.Uptime
	}
	if live.LatencyMs == 0 {
		live.LatencyMs = static.LatencyMs
	}
	if live.Throughput == 0 {
		live.Throughput = static.Throughput
	}
	return live
}

// Refresh reads every mapping's hash in one pipeline and swaps in a new
// snapshot. On error the previous snapshot stays in place.
func (s *Store) Refresh(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	cmds := map[string]*redis.MapStringStringCmd{}
	for _, m := range s.catalog.Models() {
		for _, mp := range m.Mappings {
			key := s.Key(m.ID, mp.ProviderID)
			cmds[key] = pipe.HGetAll(ctx, key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reading routing stats: %w", err)
	}

	next := make(map[string]catalog.Metrics, len(cmds))
	for key, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		next[key] = catalog.Metrics{
			Uptime:     parseFloat(fields["uptime"]),
			LatencyMs:  parseFloat(fields["latency_ms"]),
			Throughput: parseFloat(fields["throughput"]),
		}
	}
	s.snap.Store(&next)
	return nil
}

// Run refreshes the snapshot every interval until ctx is done. The first
// refresh happens immediately.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.rdb == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("routing stats refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
