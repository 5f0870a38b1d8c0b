package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tilecast/pkg/tcp"
	"tilecast/pkg/transform"
	"tilecast/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEngine() *transform.Engine {
	return transform.NewEngine(transform.Shift{Delta: transform.DefaultShift}, transform.Sequential{})
}

// connect hace el handshake contra un coordinador falso al otro lado de un net.Pipe.
func connect(t *testing.T, opts Options) (*WorkerClient, net.Conn) {
	t.Helper()
	coord, conn := net.Pipe()
	wc := NewClient(conn, testEngine(), opts)

	errc := make(chan error, 1)
	go func() {
		msg, err := tcp.ReadMessage(coord)
		if err != nil {
			errc <- err
			return
		}
		hello, ok := msg.(*types.Hello)
		if !ok || hello.Capabilities != opts.Capabilities {
			errc <- ErrHandshake
			return
		}
		errc <- tcp.WriteMessage(coord, &types.Welcome{WorkerID: "w-1"})
	}()

	id, err := wc.HandShake()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	require.Equal(t, "w-1", id)
	require.Equal(t, StReady, wc.State())
	return wc, coord
}

func runClient(t *testing.T, wc *WorkerClient) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wc.Run(ctx) }()
	return func() error {
		stop()
		return <-done
	}
}

func read(t *testing.T, conn net.Conn) types.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := tcp.ReadMessage(conn)
	require.NoError(t, err)
	return msg
}

func assign(block types.BlockID, dir types.Direction, data []byte) *types.Assign {
	return &types.Assign{
		Block:     block,
		Rect:      types.Rect{X1: len(data), Y1: 1},
		Direction: dir,
		Checksum:  tcp.Checksum(data),
		Data:      data,
	}
}

func TestProcessesAssignment(t *testing.T) {
	wc, coord := connect(t, Options{Capabilities: "cores=1", IdleHeartbeat: time.Hour})
	defer coord.Close()
	stop := runClient(t, wc)

	input := []byte{0, 1, 200, 205, 255}
	require.NoError(t, tcp.WriteMessage(coord, assign(types.BlockID{Row: 1, Col: 2}, types.Forward, input)))

	acc, ok := read(t, coord).(*types.Accept)
	require.True(t, ok)
	require.Equal(t, types.BlockID{Row: 1, Col: 2}, acc.Block)

	res, ok := read(t, coord).(*types.Result)
	require.True(t, ok)
	require.Equal(t, types.BlockID{Row: 1, Col: 2}, res.Block)
	require.Equal(t, tcp.Checksum(input), res.Checksum)
	require.Equal(t, []byte{50, 51, 250, 255, 49}, res.Data)
	require.GreaterOrEqual(t, res.Duration, int64(0))

	require.NoError(t, tcp.WriteMessage(coord, assign(types.BlockID{}, types.Inverse, res.Data)))
	_ = read(t, coord)
	back := read(t, coord).(*types.Result)
	require.Equal(t, input, back.Data)

	require.NoError(t, stop())
	require.Equal(t, int64(2), wc.Processed())
	require.Equal(t, StShuttingDown, wc.State())
}

func TestChecksumMismatchKeepsSessionOpen(t *testing.T) {
	wc, coord := connect(t, Options{IdleHeartbeat: time.Hour})
	defer coord.Close()
	stop := runClient(t, wc)

	bad := assign(types.BlockID{Row: 0, Col: 1}, types.Forward, []byte{1, 2, 3})
	bad.Checksum++
	require.NoError(t, tcp.WriteMessage(coord, bad))

	_, ok := read(t, coord).(*types.Accept)
	require.True(t, ok)
	e, ok := read(t, coord).(*types.Error)
	require.True(t, ok)
	require.True(t, e.HasBlock)
	require.Equal(t, types.BlockID{Row: 0, Col: 1}, e.Block)
	require.Equal(t, types.ReasonChecksumMismatch, e.Reason)

	require.NoError(t, tcp.WriteMessage(coord, assign(types.BlockID{Row: 0, Col: 1}, types.Forward, []byte{1, 2, 3})))
	_ = read(t, coord)
	_, ok = read(t, coord).(*types.Result)
	require.True(t, ok)

	require.NoError(t, stop())
	require.Equal(t, int64(1), wc.Processed())
}

func TestIdleHeartbeat(t *testing.T) {
	wc, coord := connect(t, Options{IdleHeartbeat: 20 * time.Millisecond})
	defer coord.Close()
	stop := runClient(t, wc)

	for i := 0; i < 2; i++ {
		_, ok := read(t, coord).(*types.Heartbeat)
		require.True(t, ok)
	}
	require.NoError(t, stop())
}

func TestRunEndsWhenCoordinatorCloses(t *testing.T) {
	wc, coord := connect(t, Options{IdleHeartbeat: time.Hour})
	done := make(chan error, 1)
	go func() { done <- wc.Run(context.Background()) }()

	require.NoError(t, coord.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run no terminó al cerrarse la conexión")
	}
	require.Equal(t, StDisconnected, wc.State())
}

func TestHandshakeRejectsOtherMessages(t *testing.T) {
	coord, conn := net.Pipe()
	defer coord.Close()
	wc := NewClient(conn, testEngine(), Options{HandshakeTimeout: time.Second})
	defer conn.Close()

	go func() {
		if _, err := tcp.ReadMessage(coord); err != nil {
			return
		}
		_ = tcp.WriteMessage(coord, &types.Heartbeat{})
	}()

	_, err := wc.HandShake()
	require.ErrorIs(t, err, ErrHandshake)
	require.Equal(t, StDisconnected, wc.State())
}

func TestHandshakeTimesOut(t *testing.T) {
	coord, conn := net.Pipe()
	defer coord.Close()
	wc := NewClient(conn, testEngine(), Options{HandshakeTimeout: 50 * time.Millisecond})
	defer conn.Close()

	go func() { _, _ = tcp.ReadMessage(coord) }()

	_, err := wc.HandShake()
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())
}
