package scheduler

import (
	"context"
	"fmt"
	"time"

	"tilecast/api-coordinator/internal/capacity"
	"tilecast/pkg/types"
)

// BlockStatus es el estado de un bloque en la máquina de estados:
// Pending → Assigned → Processing → Completed, con vuelta a Pending por
// timeout o desconexión, y Failed al superar los reintentos.
type BlockStatus int

const (
	BlockPending BlockStatus = iota
	BlockAssigned
	BlockProcessing
	BlockCompleted
	BlockFailed
)

func (s BlockStatus) String() string {
	switch s {
	case BlockPending:
		return "PENDING"
	case BlockAssigned:
		return "ASSIGNED"
	case BlockProcessing:
		return "PROCESSING"
	case BlockCompleted:
		return "COMPLETED"
	case BlockFailed:
		return "FAILED"
	}
	return fmt.Sprintf("BlockStatus(%d)", int(s))
}

func (s BlockStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s BlockStatus) inFlight() bool { return s == BlockAssigned || s == BlockProcessing }

// Block es la unidad de trabajo. Input sólo lo toca el coordinador mientras el
// bloque está Pending; Output sólo una vez Completed.
type Block struct {
	ID       types.BlockID
	Index    int
	Rect     types.Rect
	Input    []byte
	Output   []byte
	Checksum uint64
	Size     int

	Status     BlockStatus
	WorkerID   string
	Attempts   int
	AssignedAt time.Time
	Deadline   time.Time
}

// Worker es el registro de scheduling de un worker conectado. La conexión
// vive en tcpserver; aquí sólo hay estado y capacidad.
type Worker struct {
	ID           string
	Addr         string
	Capabilities string
	State        types.WorkerState
	Current      int // índice del bloque asignado, -1 si ninguno
	Degraded     bool
	ConnectedAt  time.Time
	LastSeen     time.Time

	est capacity.Estimator
}

// JobStatus indica en qué etapa de su ciclo de vida está el job.
type JobStatus string

const (
	JobRunning    JobStatus = "RUNNING"
	JobCancelling JobStatus = "CANCELLING"
	JobCompleted  JobStatus = "COMPLETED"
	JobAborted    JobStatus = "ABORTED"
)

// Job es una corrida partición → distribución → reconstrucción.
type Job struct {
	ID        string
	Height    int
	Width     int
	Channels  int
	Rows      int
	Cols      int
	Direction types.Direction
	Status    JobStatus
	Err       error

	Blocks     []*Block
	Completed  int
	Failed     int
	StartedAt  time.Time
	SettledAt  time.Time
	FinishedAt time.Time

	meanBlockSize float64
	settled       bool
	done          chan struct{}
}

func (j *Job) active() bool { return j.Status == JobRunning || j.Status == JobCancelling }

func (j *Job) block(id types.BlockID) *Block {
	if id.Row < 0 || id.Col < 0 || id.Row >= j.Rows || id.Col >= j.Cols {
		return nil
	}
	return j.Blocks[id.Row*j.Cols+id.Col]
}

func (j *Job) inFlight() int {
	n := 0
	for _, b := range j.Blocks {
		if b.Status.inFlight() {
			n++
		}
	}
	return n
}

// settle cierra done una sola vez: todos los bloques completos o job abortado.
func (j *Job) settle(now time.Time) {
	if j.settled {
		return
	}
	j.settled = true
	j.SettledAt = now
	close(j.done)
}

// JobHandle lo devuelve StartJob al llamador.
type JobHandle struct {
	ID   string
	done <-chan struct{}
	c    *Coordinator
}

// Done se cierra cuando el job está listo para Reconstruct o fue abortado.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Err devuelve el error terminal del job, nil si sigue corriendo o terminó bien.
func (h *JobHandle) Err() error { return h.c.jobErr(h.ID) }

// Wait bloquea hasta que el job se resuelva o ctx expire.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerProgress es la vista de un worker para el colaborador de UI/métricas.
type WorkerProgress struct {
	ID           string            `json:"id"`
	Addr         string            `json:"addr"`
	Capabilities string            `json:"capabilities,omitempty"`
	State        types.WorkerState `json:"state"`
	Capacity     float64           `json:"capacity"`
	ByteRate     float64           `json:"byte_rate"`
	HasHistory   bool              `json:"has_history"`
	Completed    int64             `json:"completed"`
	Penalties    int64             `json:"penalties"`
	BusySeconds  float64           `json:"busy_seconds"`
	Degraded     bool              `json:"degraded"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Progress es lo que consulta Progress().
type Progress struct {
	JobID       string           `json:"job_id,omitempty"`
	JobStatus   JobStatus        `json:"job_status,omitempty"`
	JobError    string           `json:"job_error,omitempty"`
	TotalBlocks int              `json:"total_blocks"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	Pending     int              `json:"pending"`
	InFlight    int              `json:"in_flight"`
	Workers     []WorkerProgress `json:"workers"`
}

// JobSummary describe el último job, para reportes.
type JobSummary struct {
	ID          string
	Height      int
	Width       int
	Channels    int
	Rows        int
	Cols        int
	Direction   types.Direction
	Status      JobStatus
	Err         error
	TotalBlocks int
	Completed   int
	Failed      int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// SweepReport resume lo que hizo un SweepTimeouts.
type SweepReport struct {
	Requeued []types.BlockID
	Failed   []types.BlockID
	Evicted  []string
}
