package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"tilecast/api-coordinator/internal/auth"
	"tilecast/api-coordinator/internal/cache"
	"tilecast/api-coordinator/internal/config"
	"tilecast/api-coordinator/internal/dispatcher"
	"tilecast/api-coordinator/internal/health"
	"tilecast/api-coordinator/internal/monitoring"
	"tilecast/api-coordinator/internal/plattform"
	"tilecast/api-coordinator/internal/runner"
	"tilecast/api-coordinator/internal/scheduler"
	httpserver "tilecast/api-coordinator/internal/server/http"
	"tilecast/api-coordinator/internal/tcpserver"
	"tilecast/pkg/styles"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		styles.PrintFS("error", fmt.Sprintf("[SERVER] Configuración inválida: %v", err))
		os.Exit(1)
	}
	logger := styles.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		level.Error(logger).Log("msg", "[SERVER] Terminado con error", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "[SERVER] Apagado limpio")
}

func run(ctx context.Context, cfg config.Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := map[string]health.Pinger{}

	var mirror *cache.Mirror
	opts := scheduler.Options{
		MaxRetries:      cfg.Scheduler.MaxRetries,
		SafetyFactor:    cfg.Scheduler.SafetyFactor,
		MinDeadline:     cfg.Scheduler.MinDeadline,
		LivenessTimeout: cfg.Scheduler.LivenessTimeout,
		Logger:          logger,
		Registerer:      reg,
	}
	if cfg.Redis.Addr != "" {
		rdb := cache.NewRedisClient(cfg.Redis, logger)
		defer rdb.Close()
		mirror = cache.NewMirror(rdb, cfg.Redis.TTL, logger)
		opts.Observer = mirror
		deps["redis"] = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	coord := scheduler.New(opts)

	var reports plattform.ReportStore = plattform.NewMemoryReportStore()
	if cfg.Mongo.URI != "" {
		svc, err := plattform.ConnectWithRetry(ctx, cfg.Mongo, logger)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = svc.Close(cctx)
		}()
		reports = plattform.NewMongoReportStore(svc, cfg.Mongo.Database)
		deps["mongodb"] = svc
	} else {
		level.Warn(logger).Log("msg", "[MONGO] MONGODB_URI vacío, los reportes quedan en memoria")
	}

	tcp := tcpserver.NewServer(coord, tcpserver.Config{
		MaxFrameSize:     cfg.FrameLimit(),
		HandshakeTimeout: cfg.Scheduler.HandshakeTimeout,
		SendQueue:        cfg.SendQueue,
	}, logger)
	disp := dispatcher.New(coord, tcp.Incoming, tcp, cfg.Scheduler.SweepInterval, logger)
	jobs := runner.New(ctx, coord, disp, reports, logger)

	hs := health.NewService(tcp, deps)
	var authSvc auth.Service
	var tokens auth.TokenManager
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		authSvc = auth.NewService(cfg.Auth.AdminUser, cfg.Auth.AdminPasswordHash, tokens)
	} else {
		level.Warn(logger).Log("msg", "[SERVER] JWT_SECRET vacío, los endpoints de jobs quedan abiertos")
	}
	router := httpserver.NewRouter(httpserver.Deps{
		Coord:      coord,
		Runner:     jobs,
		Reports:    reports,
		Health:     hs,
		Monitoring: monitoring.NewService(coord, tcp, hs),
		Auth:       authSvc,
		Tokens:     tokens,
		Gatherer:   reg,
		Logger:     logger,
	})
	srv := httpserver.New(cfg.HTTPAddr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		level.Info(logger).Log("msg", "[SERVER] Escuchando workers", "addr", cfg.TCPAddr)
		return tcp.Start(cfg.TCPAddr)
	})
	g.Go(func() error { return disp.Run(gctx) })
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}
	g.Go(func() error {
		level.Info(logger).Log("msg", "[SERVER] HTTP escuchando", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Job.Input != "" {
		g.Go(func() error {
			runStartupJob(gctx, cfg.Job, coord, jobs, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		_ = tcp.Close()
		return err
	})

	err := g.Wait()
	jobs.Wait()
	return err
}

// runStartupJob espera a que se conecten suficientes workers y lanza el job
// configurado. Un fallo del job no tumba el coordinador.
func runStartupJob(ctx context.Context, jc config.JobConfig, coord *scheduler.Coordinator, jobs *runner.Runner, logger log.Logger) {
	if err := waitForWorkers(ctx, coord, jc.MinWorkers, jc.WaitWorkers); err != nil {
		level.Warn(logger).Log("msg", "[JOB] lanzando sin el mínimo de workers", "min", jc.MinWorkers, "err", err)
		if ctx.Err() != nil {
			return
		}
	}

	job, err := jobs.Start(runner.Request{
		Input:     jc.Input,
		Output:    jc.Output,
		Rows:      jc.Rows,
		Cols:      jc.Cols,
		Direction: jc.Direction,
	})
	if err != nil {
		level.Error(logger).Log("msg", "[JOB] no se pudo lanzar", "input", jc.Input, "err", err)
		return
	}
	rep, err := job.Wait(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "[JOB] falló", "job", job.ID, "err", err)
		return
	}
	level.Info(logger).Log("msg", "[JOB] completado", "job", rep.JobID, "blocks", rep.TotalBlocks,
		"duration", rep.FinishedAt.Sub(rep.StartedAt), "output", jc.Output)
}

func waitForWorkers(ctx context.Context, coord *scheduler.Coordinator, want int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if len(coord.Progress().Workers) >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timeout after %s", timeout)
		case <-tick.C:
		}
	}
}
