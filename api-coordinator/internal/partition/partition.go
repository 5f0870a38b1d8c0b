// Package partition corta el buffer de una imagen en una grilla de bloques y
// vuelve a copiar cada región en el buffer de salida.
package partition

import (
	"errors"
	"fmt"

	"tilecast/pkg/types"
)

var ErrInvalidGrid = errors.New("partition: invalid grid")

// Block es una celda de la grilla con su propia copia de los bytes.
type Block struct {
	ID    types.BlockID
	Index int // orden por filas
	Rect  types.Rect
	Data  []byte
}

// Bounds devuelve los rectángulos semiabiertos de una grilla rows x cols sobre
// una imagen height x width, por filas. La última fila y la última columna
// absorben el resto de la división entera; con más filas que píxeles de alto
// las primeras filas quedan vacías y la última cubre toda la altura.
func Bounds(height, width, rows, cols int) ([]types.Rect, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGrid, rows, cols)
	}

	bh, bw := height/rows, width/cols
	rects := make([]types.Rect, 0, rows*cols)
	for r := 0; r < rows; r++ {
		y0, y1 := r*bh, (r+1)*bh
		if r == rows-1 {
			y1 = height
		}
		for c := 0; c < cols; c++ {
			x0, x1 := c*bw, (c+1)*bw
			if c == cols-1 {
				x1 = width
			}
			rects = append(rects, types.Rect{X0: x0, Y0: y0, X1: x1, Y1: y1})
		}
	}
	return rects, nil
}

// Split divide img en rows x cols bloques. No retiene el buffer de entrada.
func Split(img types.Image, rows, cols int) ([]Block, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	rects, err := Bounds(img.Height, img.Width, rows, cols)
	if err != nil {
		return nil, err
	}

	blocks := make([]Block, len(rects))
	for i, r := range rects {
		blocks[i] = Block{
			ID:    types.BlockID{Row: i / cols, Col: i % cols},
			Index: i,
			Rect:  r,
			Data:  Extract(img, r),
		}
	}
	return blocks, nil
}

// Extract copia la región r de img a un buffer nuevo de r.Height() filas
// de r.Width()*Channels bytes.
func Extract(img types.Image, r types.Rect) []byte {
	stride := img.Stride()
	rowLen := r.Width() * img.Channels
	out := make([]byte, 0, RegionSize(r, img.Channels))
	for y := r.Y0; y < r.Y1; y++ {
		off := y*stride + r.X0*img.Channels
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}

// Stitch copia en dst, sobre r, una región producida por Extract. Un
// rectángulo vacío no escribe nada.
func Stitch(dst types.Image, r types.Rect, data []byte) error {
	if r.X0 < 0 || r.Y0 < 0 || r.X1 > dst.Width || r.Y1 > dst.Height || r.X1 < r.X0 || r.Y1 < r.Y0 {
		return fmt.Errorf("partition: rect %+v outside %dx%d image", r, dst.Width, dst.Height)
	}
	if want := RegionSize(r, dst.Channels); len(data) != want {
		return fmt.Errorf("partition: region has %d bytes, want %d", len(data), want)
	}
	rowLen := r.Width() * dst.Channels
	stride := dst.Stride()
	for i, y := 0, r.Y0; y < r.Y1; i, y = i+1, y+1 {
		off := y*stride + r.X0*dst.Channels
		copy(dst.Pix[off:off+rowLen], data[i*rowLen:(i+1)*rowLen])
	}
	return nil
}

// RegionSize es la cantidad de bytes de la región r con channels canales.
func RegionSize(r types.Rect, channels int) int {
	return r.Width() * r.Height() * channels
}
