package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tilecast/pkg/tcp"
	"tilecast/pkg/transform"
	"tilecast/pkg/types"
)

type ClientState int32

const (
	StDisconnected ClientState = iota
	StConnecting
	StHandshaking
	StReady
	StWorking
	StShuttingDown
)

func (s ClientState) String() string {
	switch s {
	case StDisconnected:
		return "DISCONNECTED"
	case StConnecting:
		return "CONNECTING"
	case StHandshaking:
		return "HANDSHAKING"
	case StReady:
		return "READY"
	case StWorking:
		return "WORKING"
	case StShuttingDown:
		return "SHUTTING_DOWN"
	}
	return fmt.Sprintf("ClientState(%d)", int32(s))
}

var ErrHandshake = errors.New("handshake: respuesta inesperada del coordinador")

type Options struct {
	Framer           tcp.Framer
	HandshakeTimeout time.Duration
	IdleHeartbeat    time.Duration
	Capabilities     string
	Logger           log.Logger
}

// WorkerClient es una sesión con el coordinador sobre una conexión ya abierta.
// Procesa un bloque a la vez y no guarda datos de bloques después de responder.
type WorkerClient struct {
	ID   string
	Conn net.Conn

	engine    *transform.Engine
	opts      Options
	state     atomic.Int32
	processed atomic.Int64
	connMu    sync.Mutex
}

func NewClient(conn net.Conn, eng *transform.Engine, opts Options) *WorkerClient {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.IdleHeartbeat <= 0 {
		opts.IdleHeartbeat = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	wc := &WorkerClient{Conn: conn, engine: eng, opts: opts}
	wc.setState(StConnecting)
	return wc
}

func (wc *WorkerClient) State() ClientState     { return ClientState(wc.state.Load()) }
func (wc *WorkerClient) setState(s ClientState) { wc.state.Store(int32(s)) }

// Processed cuenta los bloques respondidos con RESULT en esta sesión.
func (wc *WorkerClient) Processed() int64 { return wc.processed.Load() }

// HandShake envía HELLO y espera el WELCOME con el ID asignado.
func (wc *WorkerClient) HandShake() (string, error) {
	wc.setState(StHandshaking)

	if err := wc.sendMessage(&types.Hello{Capabilities: wc.opts.Capabilities}); err != nil {
		wc.setState(StDisconnected)
		return "", err
	}

	_ = wc.Conn.SetReadDeadline(time.Now().Add(wc.opts.HandshakeTimeout))
	defer wc.Conn.SetReadDeadline(time.Time{}) // limpia el deadline

	msg, err := wc.opts.Framer.ReadMessage(wc.Conn)
	if err != nil {
		wc.setState(StDisconnected)
		return "", err
	}
	welcome, ok := msg.(*types.Welcome)
	if !ok {
		wc.setState(StDisconnected)
		return "", fmt.Errorf("%w: esperaba WELCOME, llegó %s", ErrHandshake, msg.Type())
	}
	if welcome.WorkerID == "" {
		wc.setState(StDisconnected)
		return "", fmt.Errorf("%w: WELCOME sin worker_id", ErrHandshake)
	}

	wc.ID = welcome.WorkerID
	wc.setState(StReady)
	return wc.ID, nil
}

func (wc *WorkerClient) sendMessage(msg types.Message) error {
	wc.connMu.Lock()
	defer wc.connMu.Unlock()

	if wc.Conn == nil {
		return errors.New("worker client: conexión no inicializada")
	}
	return wc.opts.Framer.WriteMessage(wc.Conn, msg)
}

// Run atiende ASSIGNs hasta que se cierre la conexión o ctx termine. Cuando
// no hay trabajo manda HEARTBEAT cada IdleHeartbeat. Al volver, la conexión
// queda cerrada. Cancelar ctx no es un error.
func (wc *WorkerClient) Run(ctx context.Context) error {
	if wc.ID == "" {
		return errors.New("worker sin ID asignado")
	}

	msgs := make(chan types.Message)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := wc.opts.Framer.ReadMessage(wc.Conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		_ = wc.Conn.Close()
		wg.Wait()
	}()

	idle := time.NewTimer(wc.opts.IdleHeartbeat)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			wc.setState(StShuttingDown)
			return nil

		case err := <-readErr:
			wc.setState(StDisconnected)
			return fmt.Errorf("leyendo del coordinador: %w", err)

		case <-idle.C:
			if err := wc.sendMessage(&types.Heartbeat{}); err != nil {
				wc.setState(StDisconnected)
				return err
			}
			idle.Reset(wc.opts.IdleHeartbeat)

		case msg := <-msgs:
			switch m := msg.(type) {
			case *types.Assign:
				if err := wc.handleAssign(ctx, m); err != nil {
					wc.setState(StDisconnected)
					return err
				}
			default:
				level.Warn(wc.opts.Logger).Log("msg", "[WORKER] mensaje inesperado, se ignora", "type", msg.Type())
			}
			idle.Reset(wc.opts.IdleHeartbeat)
		}
	}
}

// handleAssign procesa un bloque. Solo devuelve error si no se pudo escribir
// en la conexión; los fallos locales se reportan con ERROR y la sesión sigue.
func (wc *WorkerClient) handleAssign(ctx context.Context, a *types.Assign) error {
	wc.setState(StWorking)
	defer wc.setState(StReady)

	if err := wc.sendMessage(&types.Accept{Block: a.Block}); err != nil {
		return err
	}

	if got := tcp.Checksum(a.Data); got != a.Checksum {
		level.Warn(wc.opts.Logger).Log("msg", "[WORKER] checksum de entrada no coincide", "block", a.Block,
			"want", a.Checksum, "got", got)
		return wc.sendMessage(&types.Error{HasBlock: true, Block: a.Block, Reason: types.ReasonChecksumMismatch})
	}
	if a.Direction != types.Forward && a.Direction != types.Inverse {
		return wc.sendMessage(&types.Error{HasBlock: true, Block: a.Block,
			Reason: fmt.Sprintf("%s: direction %d", types.ReasonUnsupported, a.Direction)})
	}

	start := time.Now()
	out, err := wc.engine.Run(ctx, a.Direction, a.Data)
	elapsed := time.Since(start)
	if err != nil {
		level.Error(wc.opts.Logger).Log("msg", "[WORKER] falló la transformación", "block", a.Block, "err", err)
		return wc.sendMessage(&types.Error{HasBlock: true, Block: a.Block,
			Reason: fmt.Sprintf("%s: %v", types.ReasonTransformFailed, err)})
	}

	res := &types.Result{Block: a.Block, Checksum: a.Checksum, Duration: int64(elapsed), Data: out}
	if err := wc.sendMessage(res); err != nil {
		return err
	}
	wc.processed.Add(1)
	level.Debug(wc.opts.Logger).Log("msg", "[WORKER] bloque procesado", "block", a.Block, "bytes", len(out),
		"direction", a.Direction, "elapsed", elapsed)
	return nil
}
