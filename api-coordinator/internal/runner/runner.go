// Package runner lleva un job de punta a punta: carga la imagen, lo lanza en
// el coordinador, espera, reconstruye, guarda la salida y deja un reporte.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tilecast/api-coordinator/internal/data"
	"tilecast/api-coordinator/internal/plattform"
	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/types"
)

// Kicker despierta al dispatcher para que reparta bloques.
type Kicker interface {
	Kick()
}

type Request struct {
	Input     string `json:"input" binding:"required"`
	Output    string `json:"output"`
	Rows      int    `json:"rows" binding:"required,min=1"`
	Cols      int    `json:"cols" binding:"required,min=1"`
	Direction string `json:"direction"`
}

// Job es un job lanzado por el runner.
type Job struct {
	ID     string
	handle *scheduler.JobHandle
	done   chan struct{}
	report plattform.JobReport
	err    error
}

// Wait espera a que el job termine, incluida la escritura de la salida.
func (j *Job) Wait(ctx context.Context) (plattform.JobReport, error) {
	select {
	case <-j.done:
		return j.report, j.err
	case <-ctx.Done():
		return plattform.JobReport{}, ctx.Err()
	}
}

type Runner struct {
	ctx     context.Context
	coord   *scheduler.Coordinator
	kicker  Kicker
	reports plattform.ReportStore
	logger  log.Logger
	wg      sync.WaitGroup
}

func New(ctx context.Context, coord *scheduler.Coordinator, kicker Kicker, reports plattform.ReportStore, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runner{ctx: ctx, coord: coord, kicker: kicker, reports: reports, logger: logger}
}

// Start carga la imagen y lanza el job; no bloquea.
func (r *Runner) Start(req Request) (*Job, error) {
	dir, err := types.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	img, err := data.LoadImage(req.Input)
	if err != nil {
		return nil, err
	}
	return r.StartImage(img, req.Rows, req.Cols, dir, req.Output)
}

// StartImage lanza un job sobre una imagen ya cargada.
func (r *Runner) StartImage(img types.Image, rows, cols int, dir types.Direction, output string) (*Job, error) {
	h, err := r.coord.StartJob(img, rows, cols, dir)
	if err != nil {
		return nil, err
	}
	r.kicker.Kick()

	job := &Job{ID: h.ID, handle: h, done: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(job.done)
		job.report, job.err = r.finish(h, output)
	}()
	return job, nil
}

func (r *Runner) finish(h *scheduler.JobHandle, output string) (plattform.JobReport, error) {
	jobErr := h.Wait(r.ctx)
	if jobErr == nil {
		var img types.Image
		img, jobErr = r.coord.Reconstruct()
		if jobErr == nil && output != "" {
			if err := data.SaveImage(output, img); err != nil {
				jobErr = fmt.Errorf("saving output: %w", err)
			} else {
				level.Info(r.logger).Log("msg", "[JOB] salida escrita", "job", h.ID, "path", output)
			}
		}
	}
	if jobErr != nil {
		level.Error(r.logger).Log("msg", "[JOB] terminó con error", "job", h.ID, "err", jobErr)
	}

	sum, _ := r.coord.JobSummary()
	rep := plattform.NewJobReport(sum, r.coord.Progress())
	if jobErr != nil && rep.Error == "" {
		rep.Error = jobErr.Error()
	}
	// el reporte se guarda aunque el contexto principal ya se haya cancelado
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := r.reports.Save(ctx, rep); err != nil {
		level.Warn(r.logger).Log("msg", "[JOB] no se pudo guardar el reporte", "job", h.ID, "err", err)
	}
	return rep, jobErr
}

// Wait espera a que terminen los jobs en curso.
func (r *Runner) Wait() { r.wg.Wait() }
