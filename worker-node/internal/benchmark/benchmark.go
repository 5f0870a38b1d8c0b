// Package benchmark mide el throughput local del backend de transformación.
// El resultado viaja en el HELLO como pista de capacidad; el coordinador no
// depende de él.
package benchmark

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/shirou/gopsutil/v3/cpu"

	"tilecast/pkg/transform"
	"tilecast/pkg/types"
)

type BenchRow struct {
	Workers int
	Elapsed time.Duration
	MBps    float64
	Speedup float64
}

// BenchmarkWorkers corre el backend paralelo con 1..maxWorkers goroutines
// sobre un buffer de size bytes y devuelve la cantidad más rápida.
func BenchmarkWorkers(ctx context.Context, t transform.Transform, size, maxWorkers int) ([]BenchRow, int, error) {
	if maxWorkers < 1 {
		maxWorkers = 2 * runtime.NumCPU()
	}
	buf := sample(size)

	results := make([]BenchRow, 0, maxWorkers)
	var base time.Duration
	bestIdx := 0
	for w := 1; w <= maxWorkers; w++ {
		elapsed, err := measure(ctx, transform.NewEngine(t, transform.Parallel{Workers: w}), buf)
		if err != nil {
			return nil, 0, err
		}
		if w == 1 {
			base = elapsed
		}
		results = append(results, BenchRow{
			Workers: w,
			Elapsed: elapsed,
			MBps:    mbps(size, elapsed),
			Speedup: float64(base) / float64(elapsed),
		})
		if elapsed < results[bestIdx].Elapsed {
			bestIdx = len(results) - 1
		}
	}
	return results, results[bestIdx].Workers, nil
}

// LogBench deja la tabla del benchmark en el log, una línea por fila.
func LogBench(logger log.Logger, results []BenchRow) {
	for _, r := range results {
		level.Debug(logger).Log("msg", "[WORKER] benchmark", "workers", r.Workers, "elapsed", r.Elapsed,
			"mbps", fmt.Sprintf("%.1f", r.MBps), "speedup", fmt.Sprintf("%.2f", r.Speedup))
	}
}

// Report es lo que el worker anuncia en el HELLO.
type Report struct {
	Cores     int
	Backend   string
	Transform string
	MBps      float64
}

// Capabilities serializa el reporte como "clave=valor;...".
func (r Report) Capabilities() string {
	return fmt.Sprintf("cores=%d;backend=%s;transform=%s;mbps=%.1f", r.Cores, r.Backend, r.Transform, r.MBps)
}

// Probe mide el engine ya configurado y arma el reporte de capacidades.
func Probe(ctx context.Context, eng *transform.Engine, size int) (Report, error) {
	cores, err := cpu.CountsWithContext(ctx, false)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}
	elapsed, err := measure(ctx, eng, sample(size))
	if err != nil {
		return Report{}, err
	}
	return Report{
		Cores:     cores,
		Backend:   eng.Backend.Name(),
		Transform: eng.T.Name(),
		MBps:      mbps(size, elapsed),
	}, nil
}

func sample(size int) []byte {
	if size < 1 {
		size = 1
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func measure(ctx context.Context, eng *transform.Engine, buf []byte) (time.Duration, error) {
	start := time.Now()
	if _, err := eng.Run(ctx, types.Forward, buf); err != nil {
		return 0, err
	}
	return max(time.Since(start), time.Microsecond), nil
}

func mbps(size int, d time.Duration) float64 {
	return float64(size) / (1 << 20) / d.Seconds()
}
