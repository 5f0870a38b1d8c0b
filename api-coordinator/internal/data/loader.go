package data

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"tilecast/pkg/types"
)

// LoadImage decodifica un PNG o JPEG y lo devuelve como buffer NRGBA
// row-major (4 canales, sin premultiplicar).
func LoadImage(path string) (types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Image{}, fmt.Errorf("abriendo imagen: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return types.Image{}, fmt.Errorf("decodificando %s: %w", path, err)
	}
	return FromImage(src), nil
}

// FromImage copia cualquier image.Image a un buffer NRGBA. Un *image.NRGBA
// se copia tal cual, así los bytes con alfa 0 no se pierden.
func FromImage(src image.Image) types.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	img := types.Image{Height: h, Width: w, Channels: 4, Pix: make([]byte, w*h*4)}
	row := w * 4

	if n, ok := src.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			off := n.PixOffset(b.Min.X, b.Min.Y+y)
			copy(img.Pix[y*row:(y+1)*row], n.Pix[off:off+row])
		}
		return img
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
			i += 4
		}
	}
	return img
}

// ToImage envuelve el buffer en un image.Image. Acepta 1 (gris), 3 (RGB) o 4 (RGBA) canales.
func ToImage(img types.Image) (image.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	r := image.Rect(0, 0, img.Width, img.Height)
	switch img.Channels {
	case 1:
		return &image.Gray{Pix: img.Pix, Stride: img.Stride(), Rect: r}, nil
	case 4:
		return &image.NRGBA{Pix: img.Pix, Stride: img.Stride(), Rect: r}, nil
	case 3:
		out := image.NewNRGBA(r)
		for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2], out.Pix[j+3] = img.Pix[i], img.Pix[i+1], img.Pix[i+2], 0xff
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported channel count %d", img.Channels)
}

// SaveImage escribe PNG o JPEG según la extensión. Un resultado codificado
// sólo sobrevive byte a byte en PNG.
func SaveImage(path string, img types.Image) error {
	out, err := ToImage(img)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creando %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, out, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(w, out)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("escribiendo %s: %w", path, err)
	}
	return nil
}
