package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tilecast/api-coordinator/internal/data"
	"tilecast/api-coordinator/internal/plattform"
	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/tcp"
	"tilecast/pkg/transform"
	"tilecast/pkg/types"
)

// inlineWorker procesa todo el job en la goroutine del Kick.
type inlineWorker struct {
	coord *scheduler.Coordinator
	id    string
	eng   *transform.Engine
}

func (w *inlineWorker) Kick() {
	go func() {
		for {
			a, ok := w.coord.AssignNext(w.id)
			if !ok {
				return
			}
			out, err := w.eng.Run(context.Background(), a.Direction, a.Data)
			if err != nil {
				return
			}
			_ = w.coord.ReceiveResult(w.id, &types.Result{Block: a.Block, Checksum: tcp.Checksum(a.Data), Duration: int64(time.Millisecond), Data: out})
		}
	}()
}

type noopKicker struct{}

func (noopKicker) Kick() {}

func TestStartRunsJobAndWritesOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.png")
	src := types.Image{Height: 12, Width: 10, Channels: 4, Pix: make([]byte, 12*10*4)}
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	require.NoError(t, data.SaveImage(in, src))

	coord := scheduler.New(scheduler.Options{})
	eng := transform.NewEngine(transform.Shift{Delta: transform.DefaultShift}, transform.Sequential{})
	kick := &inlineWorker{coord: coord, id: coord.RegisterWorker("inline", types.Hello{}), eng: eng}
	reports := plattform.NewMemoryReportStore()
	r := New(context.Background(), coord, kick, reports, nil)

	job, err := r.Start(Request{Input: in, Output: out, Rows: 3, Cols: 2, Direction: "forward"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := job.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, string(scheduler.JobCompleted), rep.Status)
	require.Equal(t, 6, rep.Completed)

	got, err := data.LoadImage(out)
	require.NoError(t, err)
	want, err := eng.Forward(context.Background(), src.Pix)
	require.NoError(t, err)
	require.Equal(t, want, got.Pix)

	saved, err := reports.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, job.ID, saved[0].JobID)
	r.Wait()
}

func TestCancelledJobIsReported(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	reports := plattform.NewMemoryReportStore()
	r := New(context.Background(), coord, noopKicker{}, reports, nil)

	img := types.Image{Height: 4, Width: 4, Channels: 1, Pix: make([]byte, 16)}
	job, err := r.StartImage(img, 2, 2, types.Forward, "")
	require.NoError(t, err)
	require.NoError(t, coord.CancelJob())

	rep, err := job.Wait(context.Background())
	require.ErrorIs(t, err, scheduler.ErrJobCancelled)
	require.Equal(t, string(scheduler.JobAborted), rep.Status)
	require.Contains(t, rep.Error, "cancelled")
	r.Wait()

	saved, _ := reports.List(context.Background(), 0)
	require.Len(t, saved, 1)
}

func TestStartRejectsBadRequests(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	r := New(context.Background(), coord, noopKicker{}, plattform.NewMemoryReportStore(), nil)

	_, err := r.Start(Request{Input: "x.png", Rows: 1, Cols: 1, Direction: "sideways"})
	require.Error(t, err)
	_, err = r.Start(Request{Input: filepath.Join(t.TempDir(), "missing.png"), Rows: 1, Cols: 1})
	require.Error(t, err)
}
