package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/types"
)

func newMirror(t *testing.T) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewMirror(client, time.Minute, nil), mr
}

func TestFlushWritesWorkersAndJob(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	p := scheduler.Progress{
		JobID:       "job-1",
		JobStatus:   scheduler.JobRunning,
		TotalBlocks: 16,
		Completed:   3,
		Pending:     12,
		InFlight:    1,
		Workers: []scheduler.WorkerProgress{
			{ID: "a", Addr: "10.0.0.1:5000", State: types.WorkerBusy, Capacity: 12.5, Completed: 3},
			{ID: "b", Addr: "10.0.0.2:5000", State: types.WorkerIdle, Degraded: true},
		},
	}
	require.NoError(t, m.Flush(ctx, p))

	require.Equal(t, "BUSY", mr.HGet(WorkerKeyPrefix+"a", "state"))
	require.Equal(t, "12.5", mr.HGet(WorkerKeyPrefix+"a", "capacity"))
	require.Equal(t, "1", mr.HGet(WorkerKeyPrefix+"b", "degraded"))
	require.Equal(t, time.Minute, mr.TTL(WorkerKeyPrefix+"a"))
	members, err := mr.Members(WorkerIndexKey)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)
	require.Equal(t, "RUNNING", mr.HGet(JobKey, "status"))
	require.Equal(t, "3", mr.HGet(JobKey, "completed"))

	// b se fue
	p.Workers = p.Workers[:1]
	require.NoError(t, m.Flush(ctx, p))
	require.False(t, mr.Exists(WorkerKeyPrefix+"b"))
	members, err = mr.Members(WorkerIndexKey)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, members)
}

func TestRunWritesLatestSnapshot(t *testing.T) {
	m, mr := newMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 1; i <= 5; i++ {
		m.Observe(scheduler.Progress{JobID: "j", JobStatus: scheduler.JobRunning, TotalBlocks: 5, Completed: i})
	}
	require.Eventually(t, func() bool { return mr.HGet(JobKey, "completed") == "5" }, 2*time.Second, 5*time.Millisecond)
}

func TestFlushReportsRedisErrors(t *testing.T) {
	m, mr := newMirror(t)
	mr.Close()
	err := m.Flush(context.Background(), scheduler.Progress{JobID: "j"})
	require.Error(t, err)
}
