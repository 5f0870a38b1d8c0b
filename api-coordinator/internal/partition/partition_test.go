package partition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tilecast/pkg/types"
)

func TestBoundsTileExactly(t *testing.T) {
	for _, tc := range []struct{ h, w, rows, cols int }{
		{100, 100, 4, 4},
		{7, 13, 3, 5},
		{1, 1, 1, 1},
		{101, 37, 10, 37},
		{64, 3, 64, 1},
		{3, 3, 5, 1},
		{2, 2, 3, 4},
	} {
		rects, err := Bounds(tc.h, tc.w, tc.rows, tc.cols)
		require.NoError(t, err)
		require.Len(t, rects, tc.rows*tc.cols)

		cover := make([]int, tc.h*tc.w)
		for i, r := range rects {
			for j := i + 1; j < len(rects); j++ {
				require.False(t, r.Overlaps(rects[j]), "blocks %d and %d overlap", i, j)
			}
			for y := r.Y0; y < r.Y1; y++ {
				for x := r.X0; x < r.X1; x++ {
					cover[y*tc.w+x]++
				}
			}
		}
		for i, n := range cover {
			require.Equal(t, 1, n, "pixel %d covered %d times in %+v", i, n, tc)
		}
	}
}

func TestLastRowAndColumnAbsorbRemainder(t *testing.T) {
	rects, err := Bounds(10, 11, 3, 3)
	require.NoError(t, err)
	require.Equal(t, types.Rect{X0: 0, Y0: 0, X1: 3, Y1: 3}, rects[0])
	require.Equal(t, types.Rect{X0: 6, Y0: 0, X1: 11, Y1: 3}, rects[2])
	require.Equal(t, types.Rect{X0: 6, Y0: 6, X1: 11, Y1: 10}, rects[8])
}

func TestInvalidGrid(t *testing.T) {
	for _, g := range [][2]int{{0, 1}, {1, 0}, {-1, 2}} {
		_, err := Bounds(10, 10, g[0], g[1])
		require.ErrorIs(t, err, ErrInvalidGrid)
	}
	_, err := Split(types.Image{Pix: make([]byte, 5), Height: 2, Width: 2, Channels: 1}, 1, 1)
	require.Error(t, err)
}

func TestMoreRowsThanPixelsLeavesLeadingBlocksEmpty(t *testing.T) {
	rects, err := Bounds(3, 3, 5, 1)
	require.NoError(t, err)
	require.Len(t, rects, 5)
	for _, r := range rects[:4] {
		require.True(t, r.Empty())
	}
	require.Equal(t, types.Rect{X0: 0, Y0: 0, X1: 3, Y1: 3}, rects[4])

	img := types.Image{Height: 3, Width: 3, Channels: 2, Pix: make([]byte, 18)}
	for i := range img.Pix {
		img.Pix[i] = byte(i + 1)
	}
	blocks, err := Split(img, 5, 1)
	require.NoError(t, err)
	out := types.Image{Height: 3, Width: 3, Channels: 2, Pix: make([]byte, 18)}
	for _, b := range blocks {
		require.Len(t, b.Data, RegionSize(b.Rect, img.Channels))
		require.NoError(t, Stitch(out, b.Rect, b.Data))
	}
	require.Empty(t, blocks[0].Data)
	require.Equal(t, img.Pix, out.Pix)
}

func TestSplitStitchRoundTrip(t *testing.T) {
	img := types.Image{Height: 23, Width: 17, Channels: 3}
	img.Pix = make([]byte, img.Height*img.Width*img.Channels)
	for i := range img.Pix {
		img.Pix[i] = byte(i * 31)
	}

	blocks, err := Split(img, 4, 3)
	require.NoError(t, err)
	require.Equal(t, types.BlockID{Row: 1, Col: 2}, blocks[5].ID)
	require.Equal(t, 5, blocks[5].Index)

	out := types.Image{Height: img.Height, Width: img.Width, Channels: img.Channels, Pix: make([]byte, len(img.Pix))}
	for _, b := range blocks {
		require.Len(t, b.Data, RegionSize(b.Rect, img.Channels))
		require.NoError(t, Stitch(out, b.Rect, b.Data))
	}
	require.Equal(t, img.Pix, out.Pix)

	// los bloques no comparten memoria con la imagen de entrada
	blocks[0].Data[0] ^= 0xFF
	require.NotEqual(t, blocks[0].Data[0], img.Pix[0])
}

func TestStitchRejectsMismatchedRegion(t *testing.T) {
	dst := types.Image{Height: 4, Width: 4, Channels: 1, Pix: make([]byte, 16)}
	require.Error(t, Stitch(dst, types.Rect{X0: 0, Y0: 0, X1: 2, Y1: 2}, make([]byte, 3)))
	require.Error(t, Stitch(dst, types.Rect{X0: 3, Y0: 0, X1: 5, Y1: 1}, make([]byte, 2)))
	require.Error(t, Stitch(dst, types.Rect{X0: 0, Y0: 0, X1: 0, Y1: 0}, make([]byte, 1)))
	require.NoError(t, Stitch(dst, types.Rect{X0: 0, Y0: 0, X1: 0, Y1: 0}, nil))
}
