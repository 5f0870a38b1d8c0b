package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/types"
)

// Transport es lo que el dispatcher necesita del servidor TCP.
type Transport interface {
	Send(workerID string, msg types.Message) error
	Disconnect(workerID string)
}

// Dispatcher es el único consumidor de Incoming: aplica cada mensaje al
// coordinador, corre el barrido de timeouts y reparte bloques a los IDLE.
type Dispatcher struct {
	coord      *scheduler.Coordinator
	incoming   <-chan types.Envelope
	out        Transport
	sweepEvery time.Duration
	logger     log.Logger
	kick       chan struct{}
}

func New(coord *scheduler.Coordinator, incoming <-chan types.Envelope, out Transport, sweepEvery time.Duration, logger log.Logger) *Dispatcher {
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{
		coord:      coord,
		incoming:   incoming,
		out:        out,
		sweepEvery: sweepEvery,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}
}

// Kick pide una ronda de asignación, p.ej. después de StartJob.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()

	level.Info(d.logger).Log("msg", "[DISPATCH] iniciado", "sweep_every", d.sweepEvery)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-d.incoming:
			if !ok {
				return nil
			}
			d.processIncoming(env)
		case <-ticker.C:
			d.sweep()
		case <-d.kick:
		}
		d.pump()
	}
}

// procesa los mensajes de los workers: resultados, aceptaciones, errores y heartbeats
func (d *Dispatcher) processIncoming(env types.Envelope) {
	if env.Err != nil {
		d.coord.RemoveWorker(env.WorkerID, env.Err)
		return
	}
	d.coord.Touch(env.WorkerID)

	switch m := env.Msg.(type) {
	case *types.Hello:
		// ya registrado en el handshake; sólo dispara el pump
	case *types.Heartbeat:
	case *types.Accept:
		if !d.coord.MarkProcessing(env.WorkerID, m.Block) {
			level.Debug(d.logger).Log("msg", "[DISPATCH] ACCEPT ignorado", "worker", env.WorkerID, "block", m.Block)
		}
	case *types.Result:
		err := d.coord.ReceiveResult(env.WorkerID, m)
		switch {
		case err == nil:
			level.Debug(d.logger).Log("msg", "[DISPATCH] RESULT", "worker", env.WorkerID, "block", m.Block,
				"duration", time.Duration(m.Duration))
		case errors.Is(err, scheduler.ErrStaleResult):
			level.Debug(d.logger).Log("msg", "[DISPATCH] RESULT tardío ignorado", "worker", env.WorkerID, "block", m.Block)
		default:
			level.Warn(d.logger).Log("msg", "[DISPATCH] RESULT rechazado", "worker", env.WorkerID, "block", m.Block, "err", err)
		}
	case *types.Error:
		d.coord.ReportFailure(env.WorkerID, m)
	default:
		err := fmt.Errorf("unexpected %s from worker", env.Msg.Type())
		level.Warn(d.logger).Log("msg", "[DISPATCH] violación de protocolo", "worker", env.WorkerID, "err", err)
		d.coord.RemoveWorker(env.WorkerID, err)
		d.out.Disconnect(env.WorkerID)
	}
}

func (d *Dispatcher) sweep() {
	rep := d.coord.SweepTimeouts()
	for _, id := range rep.Evicted {
		d.out.Disconnect(id)
	}
	if n := len(rep.Requeued) + len(rep.Failed); n > 0 {
		level.Info(d.logger).Log("msg", "[DISPATCH] barrido", "requeued", len(rep.Requeued), "failed", len(rep.Failed))
	}
}

// pump asigna un bloque a cada worker IDLE, el más rápido primero.
func (d *Dispatcher) pump() {
	for _, id := range d.coord.IdleWorkers() {
		a, ok := d.coord.AssignNext(id)
		if !ok {
			continue
		}
		if err := d.DispatchTask(id, a); err != nil {
			level.Warn(d.logger).Log("msg", "[DISPATCH] envío fallido", "worker", id, "block", a.Block, "err", err)
			d.coord.RemoveWorker(id, err)
			d.out.Disconnect(id)
		}
	}
}

// DispatchTask manda la asignación a un worker específico.
func (d *Dispatcher) DispatchTask(workerID string, a *types.Assign) error {
	return d.out.Send(workerID, a)
}
