package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"tilecast/api-coordinator/internal/scheduler"
)

const (
	WorkerIndexKey  = "tilecast:workers"
	WorkerKeyPrefix = "tilecast:worker:"
	JobKey          = "tilecast:job"

	redisWriteTimeout = 2 * time.Second
)

// Mirror refleja en Redis el registro de workers y el progreso del job.
// Implementa scheduler.Observer: Observe nunca bloquea y sólo se escribe
// la foto más reciente.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger log.Logger

	mu      sync.Mutex
	pending *scheduler.Progress
	signal  chan struct{}
	known   map[string]struct{}
}

func NewMirror(client *redis.Client, ttl time.Duration, logger log.Logger) *Mirror {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Mirror{
		client: client,
		ttl:    ttl,
		logger: logger,
		signal: make(chan struct{}, 1),
		known:  make(map[string]struct{}),
	}
}

func (m *Mirror) Observe(p scheduler.Progress) {
	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run escribe las fotos pendientes hasta que ctx termine.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.signal:
		}
		m.mu.Lock()
		p := m.pending
		m.pending = nil
		m.mu.Unlock()
		if p == nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, redisWriteTimeout)
		if err := m.Flush(wctx, *p); err != nil {
			level.Warn(m.logger).Log("msg", "[REDIS] Error reflejando progreso", "err", err)
		}
		cancel()
	}
}

// Flush escribe una foto completa en una sola transacción. Los workers que
// ya no aparecen se borran del índice.
func (m *Mirror) Flush(ctx context.Context, p scheduler.Progress) error {
	current := make(map[string]struct{}, len(p.Workers))
	for _, w := range p.Workers {
		current[w.ID] = struct{}{}
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range p.Workers {
			key := WorkerKeyPrefix + w.ID
			pipe.HSet(ctx, key, map[string]interface{}{
				"worker_id":    w.ID,
				"addr":         w.Addr,
				"capabilities": w.Capabilities,
				"state":        w.State.String(),
				"capacity":     w.Capacity,
				"completed":    w.Completed,
				"penalties":    w.Penalties,
				"degraded":     w.Degraded,
				"last_seen":    w.LastSeen.UnixMilli(),
			})
			if m.ttl > 0 {
				pipe.Expire(ctx, key, m.ttl)
			}
			pipe.SAdd(ctx, WorkerIndexKey, w.ID)
		}
		for id := range m.known {
			if _, ok := current[id]; !ok {
				pipe.Del(ctx, WorkerKeyPrefix+id)
				pipe.SRem(ctx, WorkerIndexKey, id)
			}
		}
		if p.JobID != "" {
			pipe.HSet(ctx, JobKey, map[string]interface{}{
				"job_id":       p.JobID,
				"status":       string(p.JobStatus),
				"error":        p.JobError,
				"total_blocks": p.TotalBlocks,
				"completed":    p.Completed,
				"failed":       p.Failed,
				"pending":      p.Pending,
				"in_flight":    p.InFlight,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: mirror flush: %w", err)
	}
	m.known = current
	return nil
}
