// Package transform reúne las transformaciones por byte que aplican los workers
// y los backends que las corren sobre un bloque. Toda Transform debe ser
// exactamente invertible para los 256 valores; la aritmética es módulo 256 y
// nunca satura.
package transform

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"tilecast/pkg/types"
)

// Transform es una biyección sobre bytes.
type Transform interface {
	Name() string
	Forward(b byte) byte
	Inverse(b byte) byte
}

// Shift suma Delta módulo 256.
type Shift struct {
	Delta byte
}

func (s Shift) Name() string        { return fmt.Sprintf("shift:%d", s.Delta) }
func (s Shift) Forward(b byte) byte { return b + s.Delta }
func (s Shift) Inverse(b byte) byte { return b - s.Delta }

// Xor invierte los bits de Key. Es su propia inversa.
type Xor struct {
	Key byte
}

func (x Xor) Name() string        { return fmt.Sprintf("xor:%d", x.Key) }
func (x Xor) Forward(b byte) byte { return b ^ x.Key }
func (x Xor) Inverse(b byte) byte { return b ^ x.Key }

// DefaultShift es el desplazamiento por defecto si no se configura otro.
const DefaultShift = 50

// New arma una transformación por nombre: "shift" o "xor".
func New(name string, param byte) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "shift":
		return Shift{Delta: param}, nil
	case "xor":
		return Xor{Key: param}, nil
	}
	return nil, fmt.Errorf("transform: unknown transform %q", name)
}

// VerifyInvertible comprueba Inverse(Forward(v)) == v para los 256 valores.
func VerifyInvertible(t Transform) error {
	for v := 0; v < 256; v++ {
		if got := t.Inverse(t.Forward(byte(v))); got != byte(v) {
			return fmt.Errorf("transform: %s not invertible at %d (got %d)", t.Name(), v, got)
		}
	}
	return nil
}

// Table es la tabla precalculada de una dirección de la transformación.
type Table [256]byte

func NewTable(t Transform, dir types.Direction) *Table {
	var tab Table
	for v := 0; v < 256; v++ {
		if dir == types.Inverse {
			tab[v] = t.Inverse(byte(v))
		} else {
			tab[v] = t.Forward(byte(v))
		}
	}
	return &tab
}

func (tab *Table) apply(dst, src []byte) {
	for i, b := range src {
		dst[i] = tab[b]
	}
}

// Backend aplica una tabla sobre un buffer.
type Backend interface {
	Name() string
	Apply(ctx context.Context, tab *Table, dst, src []byte) error
}

// Sequential aplica la tabla en la goroutine que llama.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Apply(ctx context.Context, tab *Table, dst, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab.apply(dst, src)
	return nil
}

// Parallel parte el buffer en tramos que procesan Workers goroutines.
type Parallel struct {
	Workers  int
	MinChunk int
}

const defaultMinChunk = 256 << 10

func (p Parallel) Name() string { return fmt.Sprintf("parallel:%d", p.workers()) }

func (p Parallel) workers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

func (p Parallel) Apply(ctx context.Context, tab *Table, dst, src []byte) error {
	minChunk := p.MinChunk
	if minChunk <= 0 {
		minChunk = defaultMinChunk
	}
	n := p.workers()
	if len(src) < 2*minChunk || n == 1 {
		return Sequential{}.Apply(ctx, tab, dst, src)
	}

	chunk := (len(src) + n - 1) / n
	chunk = max(chunk, minChunk)

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(src); start += chunk {
		end := min(start+chunk, len(src))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tab.apply(dst[start:end], src[start:end])
			return nil
		})
	}
	return g.Wait()
}

// NewBackend arma un backend por nombre: "sequential" o "parallel".
func NewBackend(name string, workers int) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sequential", "seq":
		return Sequential{}, nil
	case "", "parallel":
		return Parallel{Workers: workers}, nil
	}
	return nil, fmt.Errorf("transform: unknown backend %q", name)
}

// Engine junta una transformación con el backend elegido al arrancar.
type Engine struct {
	T       Transform
	Backend Backend

	forward *Table
	inverse *Table
}

func NewEngine(t Transform, b Backend) *Engine {
	if b == nil {
		b = Sequential{}
	}
	return &Engine{
		T:       t,
		Backend: b,
		forward: NewTable(t, types.Forward),
		inverse: NewTable(t, types.Inverse),
	}
}

// Run devuelve un buffer nuevo con la transformación aplicada en la dirección dada.
func (e *Engine) Run(ctx context.Context, dir types.Direction, src []byte) ([]byte, error) {
	tab := e.forward
	if dir == types.Inverse {
		tab = e.inverse
	}
	dst := make([]byte, len(src))
	if err := e.Backend.Apply(ctx, tab, dst, src); err != nil {
		return nil, fmt.Errorf("transform: %s/%s: %w", e.T.Name(), e.Backend.Name(), err)
	}
	return dst, nil
}

func (e *Engine) Forward(ctx context.Context, src []byte) ([]byte, error) {
	return e.Run(ctx, types.Forward, src)
}

func (e *Engine) Inverse(ctx context.Context, src []byte) ([]byte, error) {
	return e.Run(ctx, types.Inverse, src)
}
