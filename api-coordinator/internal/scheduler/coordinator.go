package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"tilecast/api-coordinator/internal/capacity"
	"tilecast/api-coordinator/internal/partition"
	"tilecast/pkg/tcp"
	"tilecast/pkg/types"
)

// Motivos de reencolado, usados como label de métricas.
const (
	reasonTimeout     = "timeout"
	reasonDisconnect  = "disconnect"
	reasonChecksum    = "checksum"
	reasonWorkerError = "worker_error"
)

// Observer recibe una foto del progreso después de cada cambio de estado.
// Se invoca fuera del lock.
type Observer interface {
	Observe(Progress)
}

type Options struct {
	MaxRetries      int // 0 usa DefaultMaxRetries
	SafetyFactor    float64
	MinDeadline     time.Duration
	LivenessTimeout time.Duration // 0 desactiva la expulsión de workers silenciosos

	Logger     log.Logger
	Registerer prometheus.Registerer
	Observer   Observer
	Now        func() time.Time
}

const (
	DefaultMaxRetries   = 3
	DefaultSafetyFactor = 3.0
	DefaultMinDeadline  = 10 * time.Second
)

// Coordinator es el único dueño del job, la cola de bloques y el registro de
// workers. Todo el estado compartido vive detrás de mu; nunca se hace I/O con
// el lock tomado.
type Coordinator struct {
	mu      sync.Mutex
	workers map[string]*Worker
	job     *Job

	maxRetries  int
	safety      float64
	minDeadline time.Duration
	liveness    time.Duration
	logger      log.Logger
	metrics     *metrics
	observer    Observer
	now         func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		workers:     make(map[string]*Worker),
		maxRetries:  opts.MaxRetries,
		safety:      opts.SafetyFactor,
		minDeadline: opts.MinDeadline,
		liveness:    opts.LivenessTimeout,
		logger:      opts.Logger,
		metrics:     newMetrics(opts.Registerer),
		observer:    opts.Observer,
		now:         opts.Now,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.safety <= 0 {
		c.safety = DefaultSafetyFactor
	}
	if c.minDeadline <= 0 {
		c.minDeadline = DefaultMinDeadline
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Coordinator) notify() {
	if c.observer != nil {
		c.observer.Observe(c.Progress())
	}
}

// RegisterWorker crea el registro de un worker que completó el HELLO y lo deja IDLE.
func (c *Coordinator) RegisterWorker(addr string, hello types.Hello) string {
	c.mu.Lock()
	now := c.now()
	w := &Worker{
		ID:           uuid.New().String(),
		Addr:         addr,
		Capabilities: hello.Capabilities,
		State:        types.WorkerConnected,
		Current:      -1,
		ConnectedAt:  now,
		LastSeen:     now,
	}
	c.workers[w.ID] = w
	w.State = types.WorkerIdle
	c.metrics.workers.Set(float64(len(c.workers)))
	c.mu.Unlock()

	level.Info(c.logger).Log("msg", "[COORD] worker registrado", "worker", w.ID, "addr", addr, "capabilities", hello.Capabilities)
	c.notify()
	return w.ID
}

// RemoveWorker marca al worker DISCONNECTED, lo quita del registro y reencola
// el bloque que tuviera asignado.
func (c *Coordinator) RemoveWorker(id string, cause error) {
	c.mu.Lock()
	removed := c.removeLocked(id, cause)
	c.mu.Unlock()
	if removed {
		c.notify()
	}
}

func (c *Coordinator) removeLocked(id string, cause error) bool {
	w, ok := c.workers[id]
	if !ok {
		return false
	}
	w.State = types.WorkerDisconnected
	if b := c.ownedBlockLocked(w); b != nil {
		c.requeueLocked(b, reasonDisconnect)
	}
	delete(c.workers, id)
	c.metrics.workers.Set(float64(len(c.workers)))
	c.metrics.capacity.DeleteLabelValues(id)
	level.Warn(c.logger).Log("msg", "[COORD] worker desconectado", "worker", id, "err", cause)
	return true
}

// Touch actualiza last_seen (HEARTBEAT o cualquier frame válido).
func (c *Coordinator) Touch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[id]; ok {
		w.LastSeen = c.now()
	}
}

// StartJob particiona la imagen, siembra la cola de pendientes y deja el job RUNNING.
func (c *Coordinator) StartJob(img types.Image, rows, cols int, dir types.Direction) (*JobHandle, error) {
	parts, err := partition.Split(img, rows, cols)
	if err != nil {
		return nil, err
	}

	blocks := make([]*Block, len(parts))
	total, nonEmpty, completed := 0, 0, 0
	for i, p := range parts {
		blocks[i] = &Block{
			ID:       p.ID,
			Index:    p.Index,
			Rect:     p.Rect,
			Input:    p.Data,
			Checksum: tcp.Checksum(p.Data),
			Size:     len(p.Data),
			Status:   BlockPending,
		}
		// un bloque sin píxeles no tiene nada que transformar
		if p.Rect.Empty() {
			blocks[i].Status = BlockCompleted
			blocks[i].Output = []byte{}
			completed++
			continue
		}
		total += len(p.Data)
		nonEmpty++
	}

	c.mu.Lock()
	if c.job != nil && c.job.active() {
		c.mu.Unlock()
		return nil, ErrJobInProgress
	}
	job := &Job{
		ID:            uuid.New().String(),
		Height:        img.Height,
		Width:         img.Width,
		Channels:      img.Channels,
		Rows:          rows,
		Cols:          cols,
		Direction:     dir,
		Status:        JobRunning,
		Blocks:        blocks,
		Completed:     completed,
		StartedAt:     c.now(),
		meanBlockSize: float64(total) / float64(max(nonEmpty, 1)),
		done:          make(chan struct{}),
	}
	c.job = job
	// ningún worker puede arrastrar un bloque de un job anterior
	for _, w := range c.workers {
		w.Current = -1
		if w.State == types.WorkerBusy {
			w.State = types.WorkerIdle
		}
	}
	c.mu.Unlock()

	level.Info(c.logger).Log("msg", "[COORD] job iniciado", "job", job.ID, "height", img.Height, "width", img.Width,
		"channels", img.Channels, "grid", fmt.Sprintf("%dx%d", rows, cols), "direction", dir)
	c.notify()
	return &JobHandle{ID: job.ID, done: job.done, c: c}, nil
}

func (c *Coordinator) jobErr(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || c.job.ID != id {
		return ErrNoJob
	}
	return c.job.Err
}

// capacityLocked devuelve la capacidad del worker o, sin historial, la
// mediana de los workers que sí tienen (1 si no hay ninguno).
func (c *Coordinator) capacityLocked(w *Worker) float64 {
	if v, ok := w.est.Capacity(); ok {
		return v
	}
	known := make([]float64, 0, len(c.workers))
	for _, o := range c.workers {
		if v, ok := o.est.Capacity(); ok {
			known = append(known, v)
		}
	}
	return capacity.Median(known, 1)
}

// AssignNext elige el mejor bloque pendiente para un worker IDLE y lo pasa a
// ASSIGNED. Devuelve el mensaje a enviar; false si no hay nada que asignar
// (sin job, job cancelándose, worker ocupado o cola vacía).
func (c *Coordinator) AssignNext(workerID string) (*types.Assign, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.job
	if job == nil || job.Status != JobRunning {
		return nil, false
	}
	w, ok := c.workers[workerID]
	if !ok || w.State != types.WorkerIdle {
		return nil, false
	}

	capa := c.capacityLocked(w)
	var best *Block
	var bestEst float64
	for _, b := range job.Blocks {
		if b.Status != BlockPending {
			continue
		}
		// recorrido en orden row-major: con '<' estricto gana el menor índice
		est := float64(b.Size) / capa
		if best == nil || est < bestEst {
			best, bestEst = b, est
		}
	}
	if best == nil {
		return nil, false
	}

	now := c.now()
	expected := capacity.Estimate(best.Size, job.meanBlockSize, capa)
	window := max(time.Duration(float64(expected)*c.safety), c.minDeadline)

	best.Status = BlockAssigned
	best.WorkerID = w.ID
	best.AssignedAt = now
	best.Deadline = now.Add(window)
	w.State = types.WorkerBusy
	w.Current = best.Index
	c.metrics.assigned.Inc()

	level.Debug(c.logger).Log("msg", "[COORD] bloque asignado", "block", best.ID, "worker", w.ID,
		"attempt", best.Attempts, "deadline", window)

	return &types.Assign{
		Block:     best.ID,
		Rect:      best.Rect,
		Direction: job.Direction,
		Checksum:  best.Checksum,
		Data:      best.Input,
	}, true
}

// MarkProcessing aplica la transición ASSIGNED → PROCESSING al recibir ACCEPT.
func (c *Coordinator) MarkProcessing(workerID string, id types.BlockID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerID]; ok {
		w.LastSeen = c.now()
	}
	if c.job == nil || !c.job.active() {
		return false
	}
	b := c.job.block(id)
	if b == nil || b.Status != BlockAssigned || b.WorkerID != workerID {
		return false
	}
	b.Status = BlockProcessing
	return true
}

// ReceiveResult valida y registra el resultado de un bloque. Sólo el worker
// dueño de un bloque ASSIGNED/PROCESSING puede completarlo; cualquier otro
// resultado (duplicado, tardío) es un no-op que devuelve ErrStaleResult.
func (c *Coordinator) ReceiveResult(workerID string, res *types.Result) error {
	err := c.receiveResult(workerID, res)
	if err == nil || errors.Is(err, ErrChecksumMismatch) {
		c.notify()
	}
	return err
}

func (c *Coordinator) receiveResult(workerID string, res *types.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	now := c.now()
	w.LastSeen = now

	job := c.job
	if job == nil || !job.active() {
		c.metrics.staleResults.Inc()
		return fmt.Errorf("%w: no active job", ErrStaleResult)
	}
	b := job.block(res.Block)
	if b == nil || !b.Status.inFlight() || b.WorkerID != workerID {
		c.metrics.staleResults.Inc()
		return fmt.Errorf("%w: block %s", ErrStaleResult, res.Block)
	}

	if len(res.Data) != b.Size || res.Checksum != b.Checksum {
		w.Degraded = true
		level.Warn(c.logger).Log("msg", "[COORD] resultado descartado", "block", b.ID, "worker", workerID,
			"size", len(res.Data), "want_size", b.Size)
		c.requeueLocked(b, reasonChecksum)
		return fmt.Errorf("%w: block %s from worker %s", ErrChecksumMismatch, b.ID, workerID)
	}

	d := time.Duration(res.Duration)
	b.Output = res.Data
	b.Input = nil
	b.Status = BlockCompleted
	b.WorkerID = ""
	b.AssignedAt, b.Deadline = time.Time{}, time.Time{}
	job.Completed++

	w.Current = -1
	w.State = types.WorkerIdle
	w.Degraded = false
	w.est.Observe(d, b.Size)
	if v, ok := w.est.Capacity(); ok {
		c.metrics.capacity.WithLabelValues(w.ID).Set(v)
	}
	c.metrics.completed.Inc()
	c.metrics.duration.Observe(d.Seconds())

	switch {
	case job.Status == JobCancelling:
		c.finishCancelLocked(job)
	case job.Completed == len(job.Blocks):
		job.settle(now)
		level.Info(c.logger).Log("msg", "[COORD] todos los bloques completos", "job", job.ID, "blocks", job.Completed)
	}
	return nil
}

// ReportFailure procesa un ERROR del worker. Si trae bloque y ese bloque es
// suyo, se reencola sin cerrar la sesión.
func (c *Coordinator) ReportFailure(workerID string, e *types.Error) {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	w.LastSeen = c.now()
	level.Warn(c.logger).Log("msg", "[COORD] error reportado por worker", "worker", workerID, "block", e.Block, "has_block", e.HasBlock, "reason", e.Reason)

	changed := false
	if e.HasBlock && c.job != nil && c.job.active() {
		if b := c.job.block(e.Block); b != nil && b.Status.inFlight() && b.WorkerID == workerID {
			c.requeueLocked(b, reasonWorkerError)
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// SweepTimeouts reencola los bloques cuyo deadline venció, penalizando la
// capacidad del worker, y expulsa workers ociosos sin señales de vida.
func (c *Coordinator) SweepTimeouts() SweepReport {
	var rep SweepReport

	c.mu.Lock()
	now := c.now()
	if job := c.job; job != nil && job.active() {
		for _, b := range job.Blocks {
			if !b.Status.inFlight() || !now.After(b.Deadline) {
				continue
			}
			if w, ok := c.workers[b.WorkerID]; ok {
				w.est.Penalize(b.Deadline.Sub(b.AssignedAt))
				if v, ok := w.est.Capacity(); ok {
					c.metrics.capacity.WithLabelValues(w.ID).Set(v)
				}
			}
			level.Warn(c.logger).Log("msg", "[COORD] bloque vencido", "block", b.ID, "worker", b.WorkerID, "attempt", b.Attempts)
			c.requeueLocked(b, reasonTimeout)
			if b.Status == BlockFailed {
				rep.Failed = append(rep.Failed, b.ID)
			} else {
				rep.Requeued = append(rep.Requeued, b.ID)
			}
		}
	}
	if c.liveness > 0 {
		for id, w := range c.workers {
			if w.Current < 0 && now.Sub(w.LastSeen) > c.liveness {
				rep.Evicted = append(rep.Evicted, id)
			}
		}
		sort.Strings(rep.Evicted)
		for _, id := range rep.Evicted {
			c.removeLocked(id, fmt.Errorf("silent for more than %s", c.liveness))
		}
	}
	c.mu.Unlock()

	if len(rep.Requeued)+len(rep.Failed)+len(rep.Evicted) > 0 {
		c.notify()
	}
	return rep
}

func (c *Coordinator) ownedBlockLocked(w *Worker) *Block {
	if w.Current < 0 || c.job == nil || !c.job.active() || w.Current >= len(c.job.Blocks) {
		return nil
	}
	b := c.job.Blocks[w.Current]
	if !b.Status.inFlight() || b.WorkerID != w.ID {
		return nil
	}
	return b
}

// requeueLocked devuelve un bloque en vuelo a PENDING (attempts++) y libera a
// su worker. Si supera MaxRetries queda FAILED y el job se aborta.
func (c *Coordinator) requeueLocked(b *Block, reason string) {
	if w, ok := c.workers[b.WorkerID]; ok && w.Current == b.Index {
		w.Current = -1
		if w.State == types.WorkerBusy {
			w.State = types.WorkerIdle
		}
	}
	b.WorkerID = ""
	b.AssignedAt, b.Deadline = time.Time{}, time.Time{}
	b.Attempts++
	b.Status = BlockPending
	c.metrics.requeued.WithLabelValues(reason).Inc()

	job := c.job
	if b.Attempts > c.maxRetries {
		b.Status = BlockFailed
		job.Failed++
		c.metrics.failed.Inc()
		c.abortLocked(job, &BlockExhaustedError{Block: b.ID, Attempts: b.Attempts, MaxRetries: c.maxRetries})
		return
	}
	if job.Status == JobCancelling {
		c.finishCancelLocked(job)
	}
}

// abortLocked deja el job ABORTED con err y libera a todos los workers; los
// resultados que lleguen después se ignoran como tardíos.
func (c *Coordinator) abortLocked(job *Job, err error) {
	if !job.active() {
		return
	}
	now := c.now()
	job.Status = JobAborted
	job.Err = err
	job.FinishedAt = now
	for _, b := range job.Blocks {
		if b.Status.inFlight() {
			b.Status = BlockPending
			b.WorkerID = ""
			b.AssignedAt, b.Deadline = time.Time{}, time.Time{}
		}
	}
	for _, w := range c.workers {
		w.Current = -1
		if w.State == types.WorkerBusy {
			w.State = types.WorkerIdle
		}
	}
	job.settle(now)
	c.metrics.jobs.WithLabelValues(string(JobAborted)).Inc()
	level.Error(c.logger).Log("msg", "[COORD] job abortado", "job", job.ID, "err", err)
}

func (c *Coordinator) finishCancelLocked(job *Job) {
	if job.Status == JobCancelling && job.inFlight() == 0 {
		c.abortLocked(job, ErrJobCancelled)
	}
}

// CancelJob pasa el job a CANCELLING: no hay más asignaciones y lo que está en
// vuelo termina o vence por el camino normal.
func (c *Coordinator) CancelJob() error {
	c.mu.Lock()
	job := c.job
	if job == nil || !job.active() {
		c.mu.Unlock()
		return ErrNoJob
	}
	if job.Status == JobRunning {
		job.Status = JobCancelling
		level.Info(c.logger).Log("msg", "[COORD] cancelando job", "job", job.ID, "in_flight", job.inFlight())
		c.finishCancelLocked(job)
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

type region struct {
	rect types.Rect
	data []byte
}

// Reconstruct arma la imagen de salida cuando todos los bloques están
// COMPLETED. Toma una foto bajo el lock y copia fuera de él; los Output de
// bloques completos no vuelven a modificarse.
func (c *Coordinator) Reconstruct() (types.Image, error) {
	c.mu.Lock()
	job := c.job
	if job == nil {
		c.mu.Unlock()
		return types.Image{}, ErrNoJob
	}
	switch job.Status {
	case JobAborted:
		c.mu.Unlock()
		return types.Image{}, job.Err
	case JobCancelling:
		c.mu.Unlock()
		return types.Image{}, ErrJobCancelled
	}
	if job.Completed != len(job.Blocks) {
		c.mu.Unlock()
		return types.Image{}, fmt.Errorf("%w: %d of %d", ErrJobNotComplete, job.Completed, len(job.Blocks))
	}
	parts := make([]region, len(job.Blocks))
	for i, b := range job.Blocks {
		parts[i] = region{rect: b.Rect, data: b.Output}
	}
	out := types.Image{Height: job.Height, Width: job.Width, Channels: job.Channels}
	id := job.ID
	c.mu.Unlock()

	out.Pix = make([]byte, out.Height*out.Width*out.Channels)
	for _, p := range parts {
		if err := partition.Stitch(out, p.rect, p.data); err != nil {
			return types.Image{}, err
		}
	}

	c.mu.Lock()
	if c.job != nil && c.job.ID == id && c.job.Status == JobRunning {
		c.job.Status = JobCompleted
		c.job.FinishedAt = c.now()
		c.metrics.jobs.WithLabelValues(string(JobCompleted)).Inc()
	}
	c.mu.Unlock()

	level.Info(c.logger).Log("msg", "[COORD] imagen reconstruida", "job", id)
	c.notify()
	return out, nil
}

// JobSummary devuelve los datos del job actual o del último terminado.
func (c *Coordinator) JobSummary() (JobSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job := c.job
	if job == nil {
		return JobSummary{}, false
	}
	return JobSummary{
		ID:          job.ID,
		Height:      job.Height,
		Width:       job.Width,
		Channels:    job.Channels,
		Rows:        job.Rows,
		Cols:        job.Cols,
		Direction:   job.Direction,
		Status:      job.Status,
		Err:         job.Err,
		TotalBlocks: len(job.Blocks),
		Completed:   job.Completed,
		Failed:      job.Failed,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}, true
}

// IdleWorkers devuelve los workers IDLE, primero los más rápidos y al final
// los degradados.
func (c *Coordinator) IdleWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type cand struct {
		id       string
		capa     float64
		degraded bool
	}
	cands := make([]cand, 0, len(c.workers))
	for _, w := range c.workers {
		if w.State == types.WorkerIdle {
			cands = append(cands, cand{id: w.ID, capa: c.capacityLocked(w), degraded: w.Degraded})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].degraded != cands[j].degraded {
			return !cands[i].degraded
		}
		if cands[i].capa != cands[j].capa {
			return cands[i].capa > cands[j].capa
		}
		return cands[i].id < cands[j].id
	})
	ids := make([]string, len(cands))
	for i, cd := range cands {
		ids[i] = cd.id
	}
	return ids
}

// Progress devuelve una foto consistente para el colaborador de UI/métricas.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p Progress
	if job := c.job; job != nil {
		p.JobID = job.ID
		p.JobStatus = job.Status
		if job.Err != nil {
			p.JobError = job.Err.Error()
		}
		p.TotalBlocks = len(job.Blocks)
		p.Completed = job.Completed
		p.Failed = job.Failed
		for _, b := range job.Blocks {
			switch {
			case b.Status == BlockPending:
				p.Pending++
			case b.Status.inFlight():
				p.InFlight++
			}
		}
	}
	p.Workers = make([]WorkerProgress, 0, len(c.workers))
	for _, w := range c.workers {
		byteRate, _ := w.est.ByteRate()
		p.Workers = append(p.Workers, WorkerProgress{
			ID:           w.ID,
			Addr:         w.Addr,
			Capabilities: w.Capabilities,
			State:        w.State,
			Capacity:     c.capacityLocked(w),
			ByteRate:     byteRate,
			HasHistory:   w.est.HasHistory(),
			Completed:    w.est.Completed(),
			Penalties:    w.est.Penalties(),
			BusySeconds:  w.est.Busy().Seconds(),
			Degraded:     w.Degraded,
			LastSeen:     w.LastSeen,
		})
	}
	sort.Slice(p.Workers, func(i, j int) bool { return p.Workers[i].ID < p.Workers[j].ID })
	return p
}
