package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tilecast/pkg/tcp"
	"tilecast/pkg/types"
)

var (
	ErrUnknownWorker  = errors.New("tcpserver: unknown worker")
	ErrSendQueueFull  = errors.New("tcpserver: send queue full")
	ErrWorkerGone     = errors.New("tcpserver: worker connection closed")
	ErrNotHello       = errors.New("tcpserver: first frame must be HELLO")
	errServerShutdown = errors.New("tcpserver: server closed")
)

// Registrar da de alta al worker una vez completado el HELLO. Se invoca con
// el lock del servidor tomado, así que no puede llamar de vuelta al Server.
type Registrar interface {
	RegisterWorker(addr string, hello types.Hello) string
}

type Worker struct {
	ID          string
	Addr        string
	Conn        net.Conn
	ConnectedAt time.Time
	SendCh      chan types.Message

	done chan struct{}
	once sync.Once
}

// close corta la conexión; el reader del worker reporta la desconexión.
func (w *Worker) close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.Conn.Close()
	})
}

// WorkerInfo es la vista de una conexión para monitoreo.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Config struct {
	MaxFrameSize     uint32
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueue        int
	IncomingBuffer   int
}

// Server mantiene las conexiones activas y el canal central de entrada.
type Server struct {
	cfg       Config
	framer    tcp.Framer
	registrar Registrar
	logger    log.Logger

	listener net.Listener
	Workers  map[string]*Worker
	Incoming chan types.Envelope
	mu       sync.RWMutex

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	isClosed  bool
}

// crea una instancia vacía del servidor TCP
func NewServer(reg Registrar, cfg Config, logger log.Logger) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 16
	}
	if cfg.IncomingBuffer <= 0 {
		cfg.IncomingBuffer = 100
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		cfg:       cfg,
		framer:    tcp.Framer{MaxFrameSize: cfg.MaxFrameSize},
		registrar: reg,
		logger:    logger,
		Workers:   make(map[string]*Worker),
		Incoming:  make(chan types.Envelope, cfg.IncomingBuffer),
		closed:    make(chan struct{}),
	}
}

// Start abre el puerto TCP y empieza a aceptar conexiones entrantes de workers.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error al iniciar listener TCP: %w", err)
	}
	return s.Serve(ln)
}

// Serve acepta conexiones en ln hasta que se llame a Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		_ = ln.Close()
		return errServerShutdown
	}
	s.listener = ln
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "[SERVER] Escuchando", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			level.Error(s.logger).Log("msg", "[SERVER] Error al aceptar conexión", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.isClosed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		level.Debug(s.logger).Log("msg", "[SERVER] Nueva conexión", "remote", conn.RemoteAddr())
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr devuelve la dirección del listener, nil si todavía no escucha.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close deja de aceptar, corta todas las conexiones y espera a sus goroutines.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	s.isClosed = true
	ln := s.listener
	workers := make([]*Worker, 0, len(s.Workers))
	for _, w := range s.Workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, w := range workers {
		w.close()
	}
	s.wg.Wait()
	return err
}

// HandShake espera el HELLO, registra al worker y responde WELCOME con su id.
// El alta en el registrar y en Workers ocurre bajo s.mu: cuando el id es
// visible para el scheduler, Send ya encuentra la conexión.
func (s *Server) HandShake(conn net.Conn) (*Worker, *types.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	msg, err := s.framer.ReadMessage(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, nil, err
	}
	hello, ok := msg.(*types.Hello)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %s", ErrNotHello, msg.Type())
	}

	w := &Worker{
		Addr:        conn.RemoteAddr().String(),
		Conn:        conn,
		ConnectedAt: time.Now(),
		SendCh:      make(chan types.Message, s.cfg.SendQueue),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, nil, errServerShutdown
	}
	w.ID = s.registrar.RegisterWorker(w.Addr, *hello)
	// WELCOME va primero en la cola: ningún ASSIGN puede adelantarlo
	w.SendCh <- &types.Welcome{WorkerID: w.ID}
	s.Workers[w.ID] = w
	return w, hello, nil
}

// handleConnection maneja una conexión de worker (lectura de mensajes)
func (s *Server) handleConnection(conn net.Conn) {
	w, hello, err := s.HandShake(conn)
	if err != nil {
		level.Warn(s.logger).Log("msg", "[SERVER] handshake fallido", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}

	level.Info(s.logger).Log("msg", "[SERVER] Worker registrado", "worker", w.ID, "remote", w.Addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(w)
	}()

	defer func() {
		s.mu.Lock()
		delete(s.Workers, w.ID)
		s.mu.Unlock()
		w.close()
	}()

	if !s.deliver(types.Envelope{WorkerID: w.ID, Msg: hello}) {
		return
	}

	for {
		msg, err := s.framer.ReadMessage(conn)
		if err != nil {
			if tcp.IsProtocolError(err) {
				level.Warn(s.logger).Log("msg", "[SERVER] frame inválido, cerrando conexión", "worker", w.ID, "err", err)
			}
			s.deliver(types.Envelope{WorkerID: w.ID, Err: err})
			return
		}
		if !s.deliver(types.Envelope{WorkerID: w.ID, Msg: msg}) {
			return
		}
	}
}

func (s *Server) deliver(env types.Envelope) bool {
	select {
	case s.Incoming <- env:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Server) writeLoop(w *Worker) {
	for {
		select {
		case msg := <-w.SendCh:
			if s.cfg.WriteTimeout > 0 {
				_ = w.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := s.framer.WriteMessage(w.Conn, msg); err != nil {
				level.Warn(s.logger).Log("msg", "[SERVER] Error enviando mensaje", "worker", w.ID, "type", msg.Type(), "err", err)
				w.close()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Send encola msg para el worker sin bloquear.
func (s *Server) Send(workerID string, msg types.Message) error {
	s.mu.RLock()
	w, ok := s.Workers[workerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	select {
	case <-w.done:
		return ErrWorkerGone
	default:
	}
	select {
	case w.SendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Disconnect cierra la conexión del worker; su reader entregará el error.
func (s *Server) Disconnect(workerID string) {
	s.mu.RLock()
	w, ok := s.Workers[workerID]
	s.mu.RUnlock()
	if ok {
		level.Info(s.logger).Log("msg", "[SERVER] Desconectando worker", "worker", workerID)
		w.close()
	}
}

func (s *Server) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Workers)
}

func (s *Server) Snapshot() []WorkerInfo {
	s.mu.RLock()
	out := make([]WorkerInfo, 0, len(s.Workers))
	for _, w := range s.Workers {
		out = append(out, WorkerInfo{ID: w.ID, Addr: w.Addr, ConnectedAt: w.ConnectedAt})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
