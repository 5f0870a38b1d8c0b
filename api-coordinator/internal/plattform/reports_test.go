package plattform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/types"
)

func TestNewJobReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := scheduler.JobSummary{
		ID: "j1", Height: 100, Width: 100, Channels: 3, Rows: 4, Cols: 4,
		Direction: types.Inverse, Status: scheduler.JobAborted, Err: errors.New("boom"),
		TotalBlocks: 16, Completed: 9, Failed: 1,
		StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
	}
	p := scheduler.Progress{Workers: []scheduler.WorkerProgress{{ID: "a", Completed: 9, Penalties: 4, Capacity: 2.5}}}

	rep := NewJobReport(sum, p)
	require.Equal(t, "ABORTED", rep.Status)
	require.Equal(t, "boom", rep.Error)
	require.Equal(t, "inverse", rep.Direction)
	require.EqualValues(t, 1500, rep.DurationMillis)
	require.Len(t, rep.Workers, 1)
	require.EqualValues(t, 4, rep.Workers[0].Penalties)

	raw, err := bson.Marshal(rep)
	require.NoError(t, err)
	var doc bson.M
	require.NoError(t, bson.Unmarshal(raw, &doc))
	require.Equal(t, "j1", doc["job_id"])
	require.NotContains(t, doc, "_id")
}

func TestMemoryReportStoreNewestFirst(t *testing.T) {
	s := NewMemoryReportStore()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "new", "mid"} {
		offset := []time.Duration{0, 2 * time.Hour, time.Hour}[i]
		require.NoError(t, s.Save(ctx, JobReport{JobID: id, FinishedAt: base.Add(offset)}))
	}
	got, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "new", got[0].JobID)
	require.Equal(t, "mid", got[1].JobID)
}

func TestNewClientRequiresURI(t *testing.T) {
	_, err := NewClient(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingMongoURI)
}
