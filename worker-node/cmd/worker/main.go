package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tilecast/pkg/styles"
	"tilecast/pkg/tcp"
	"tilecast/pkg/transform"
	"tilecast/worker-node/internal/benchmark"
	"tilecast/worker-node/internal/client"
	"tilecast/worker-node/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		styles.PrintFS("error", fmt.Sprintf("[WORKER] Configuración inválida: %v", err))
		os.Exit(1)
	}
	logger := styles.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, caps, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "[WORKER] No se pudo preparar el backend", "err", err)
		os.Exit(1)
	}

	if err := serve(ctx, cfg, tcpDialer(cfg), eng, caps, logger); err != nil {
		level.Error(logger).Log("msg", "[WORKER] Terminado", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "[WORKER] Apagado limpio")
}

// buildEngine arma el transform y el backend una sola vez al arrancar. Con
// backend parallel y BACKEND_WORKERS=0 la cantidad de goroutines sale del benchmark.
func buildEngine(ctx context.Context, cfg config.Config, logger log.Logger) (*transform.Engine, string, error) {
	t, err := transform.New(cfg.Transform, byte(cfg.TransformParam))
	if err != nil {
		return nil, "", err
	}
	if err := transform.VerifyInvertible(t); err != nil {
		return nil, "", err
	}

	size := int(cfg.BenchmarkSize.Bytes())
	workers := cfg.BackendWorkers
	if cfg.Backend == "parallel" && workers == 0 {
		rows, best, err := benchmark.BenchmarkWorkers(ctx, t, size, 2*runtime.NumCPU())
		if err != nil {
			return nil, "", err
		}
		benchmark.LogBench(logger, rows)
		workers = best
	}
	backend, err := transform.NewBackend(cfg.Backend, workers)
	if err != nil {
		return nil, "", err
	}
	eng := transform.NewEngine(t, backend)

	rep, err := benchmark.Probe(ctx, eng, size)
	if err != nil {
		return nil, "", err
	}
	caps := rep.Capabilities()
	level.Info(logger).Log("msg", "[WORKER] Backend listo", "capabilities", caps)
	return eng, caps, nil
}

type dialFunc func(ctx context.Context) (net.Conn, error)

func tcpDialer(cfg config.Config) dialFunc {
	d := net.Dialer{Timeout: cfg.HandshakeTimeout}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", cfg.CoordinatorAddr)
	}
}

// serve conecta, atiende la sesión y reconecta. DialAttempts acota los
// intentos fallidos seguidos; una sesión establecida reinicia la cuenta.
func serve(ctx context.Context, cfg config.Config, dial dialFunc, eng *transform.Engine, caps string, logger log.Logger) error {
	failures := 0
	for {
		conn, err := dial(ctx)
		if err == nil {
			level.Info(logger).Log("msg", "[WORKER] Conexión TCP establecida con el coordinador", "addr", cfg.CoordinatorAddr)
			var established bool
			established, err = session(ctx, conn, cfg, eng, caps, logger)
			if established {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		level.Warn(logger).Log("msg", "[WORKER] Sin sesión con el coordinador", "attempt", failures,
			"of", cfg.DialAttempts, "err", err)
		if failures >= cfg.DialAttempts {
			return fmt.Errorf("coordinador inalcanzable tras %d intentos: %w", failures, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.DialRetryInterval):
		}
	}
}

func session(ctx context.Context, conn net.Conn, cfg config.Config, eng *transform.Engine, caps string, logger log.Logger) (bool, error) {
	wc := client.NewClient(conn, eng, client.Options{
		Framer:           tcp.Framer{MaxFrameSize: cfg.FrameLimit()},
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleHeartbeat:    cfg.HeartbeatInterval,
		Capabilities:     caps,
		Logger:           logger,
	})

	id, err := wc.HandShake()
	if err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("handshake: %w", err)
	}
	level.Info(logger).Log("msg", "[WORKER] Handshake completado", "worker", id)

	err = wc.Run(ctx)
	level.Info(logger).Log("msg", "[WORKER] Sesión terminada", "worker", id, "blocks", wc.Processed())
	if err == nil {
		err = errors.New("sesión cerrada")
	}
	return true, err
}
