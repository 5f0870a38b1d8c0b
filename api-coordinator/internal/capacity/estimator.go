// Package capacity lleva la estimación de rendimiento de un worker a partir
// de los bloques que fue completando.
package capacity

import (
	"sort"
	"time"
)

// Epsilon acota el denominador: un worker que reporta duraciones cero no
// puede tener capacidad infinita.
const Epsilon = time.Millisecond

// Estimator no es seguro para uso concurrente; el scheduler lo protege con su lock.
type Estimator struct {
	completed int64
	bytes     int64
	busy      time.Duration
	penalties int64
}

// Observe registra un bloque completo de size bytes que tardó d.
func (e *Estimator) Observe(d time.Duration, size int) {
	if d < 0 {
		d = 0
	}
	e.completed++
	e.bytes += int64(size)
	e.busy += d
}

// Penalize suma d de tiempo ocupado sin bloque completo, lo que baja la capacidad.
func (e *Estimator) Penalize(d time.Duration) {
	if d > 0 {
		e.busy += d
	}
	e.penalties++
}

func (e *Estimator) Completed() int64    { return e.completed }
func (e *Estimator) Penalties() int64    { return e.penalties }
func (e *Estimator) Busy() time.Duration { return e.busy }

// HasHistory indica si completó al menos un bloque.
func (e *Estimator) HasHistory() bool { return e.completed > 0 }

// Capacity es bloques completos por segundo de procesamiento. ok es false
// mientras no haya historial.
func (e *Estimator) Capacity() (blocksPerSec float64, ok bool) {
	if e.completed == 0 {
		return 0, false
	}
	return float64(e.completed) / max(e.busy, Epsilon).Seconds(), true
}

// ByteRate es bytes procesados por segundo de procesamiento.
func (e *Estimator) ByteRate() (bytesPerSec float64, ok bool) {
	if e.completed == 0 || e.bytes == 0 {
		return 0, false
	}
	return float64(e.bytes) / max(e.busy, Epsilon).Seconds(), true
}

// Estimate predice cuánto tarda un bloque de size bytes en un worker con esa
// capacidad, relativo al tamaño medio de bloque del job.
func Estimate(size int, meanBlockSize float64, blocksPerSec float64) time.Duration {
	if blocksPerSec <= 0 {
		blocksPerSec = 1
	}
	rel := 1.0
	if meanBlockSize > 0 {
		rel = float64(size) / meanBlockSize
	}
	return time.Duration(rel / blocksPerSec * float64(time.Second))
}

// Median de values, o def si values está vacío.
func Median(values []float64, def float64) float64 {
	if len(values) == 0 {
		return def
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
