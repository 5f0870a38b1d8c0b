package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/pkg/tcp"
	"tilecast/pkg/types"
)

type fakeTransport struct {
	mu           sync.Mutex
	sent         map[string][]types.Message
	disconnected []string
	fail         map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[string][]types.Message{}, fail: map[string]bool{}}
}

func (f *fakeTransport) Send(id string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return errors.New("broken pipe")
	}
	f.sent[id] = append(f.sent[id], msg)
	return nil
}

func (f *fakeTransport) Disconnect(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
}

func (f *fakeTransport) assigns(id string) []*types.Assign {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Assign
	for _, m := range f.sent[id] {
		if a, ok := m.(*types.Assign); ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeTransport) wasDisconnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.disconnected {
		if d == id {
			return true
		}
	}
	return false
}

func testImage(h, w, c int) types.Image {
	img := types.Image{Height: h, Width: w, Channels: c, Pix: make([]byte, h*w*c)}
	for i := range img.Pix {
		img.Pix[i] = byte(i * 13)
	}
	return img
}

func startDispatcher(t *testing.T, coord *scheduler.Coordinator, out Transport, sweep time.Duration) (*Dispatcher, chan types.Envelope) {
	t.Helper()
	in := make(chan types.Envelope, 16)
	d := New(coord, in, out, sweep, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, in
}

func TestHelloTriggersAssignmentAndResultsKeepFlowing(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	out := newFakeTransport()
	w := coord.RegisterWorker("a", types.Hello{})
	_, err := coord.StartJob(testImage(4, 4, 1), 2, 2, types.Forward)
	require.NoError(t, err)

	_, in := startDispatcher(t, coord, out, time.Hour)
	in <- types.Envelope{WorkerID: w, Msg: &types.Hello{}}

	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool { return len(out.assigns(w)) == i }, time.Second, time.Millisecond)
		a := out.assigns(w)[i-1]
		in <- types.Envelope{WorkerID: w, Msg: &types.Accept{Block: a.Block}}
		in <- types.Envelope{WorkerID: w, Msg: &types.Result{Block: a.Block, Checksum: tcp.Checksum(a.Data), Data: a.Data}}
	}
	require.Eventually(t, func() bool { return coord.Progress().Completed == 4 }, time.Second, time.Millisecond)
	require.Len(t, out.assigns(w), 4)
}

func TestDisconnectEnvelopeRequeuesToAnotherWorker(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	out := newFakeTransport()
	w1 := coord.RegisterWorker("a", types.Hello{})
	_, err := coord.StartJob(testImage(2, 2, 1), 1, 1, types.Forward)
	require.NoError(t, err)

	d, in := startDispatcher(t, coord, out, time.Hour)
	d.Kick()
	require.Eventually(t, func() bool { return len(out.assigns(w1)) == 1 }, time.Second, time.Millisecond)

	w2 := coord.RegisterWorker("b", types.Hello{})
	in <- types.Envelope{WorkerID: w1, Err: errors.New("connection reset")}
	require.Eventually(t, func() bool { return len(out.assigns(w2)) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, out.assigns(w1)[0].Block, out.assigns(w2)[0].Block)
	require.Len(t, coord.Progress().Workers, 1)
}

func TestSendFailureRemovesWorker(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	out := newFakeTransport()
	w := coord.RegisterWorker("a", types.Hello{})
	out.fail[w] = true
	_, err := coord.StartJob(testImage(2, 2, 1), 1, 1, types.Forward)
	require.NoError(t, err)

	d, _ := startDispatcher(t, coord, out, time.Hour)
	d.Kick()
	require.Eventually(t, func() bool { return out.wasDisconnected(w) }, time.Second, time.Millisecond)
	p := coord.Progress()
	require.Empty(t, p.Workers)
	require.Equal(t, 1, p.Pending)
}

func TestSweepReassignsSilentWorker(t *testing.T) {
	coord := scheduler.New(scheduler.Options{MaxRetries: 100, SafetyFactor: 1e-6, MinDeadline: 5 * time.Millisecond})
	out := newFakeTransport()
	w := coord.RegisterWorker("a", types.Hello{})
	_, err := coord.StartJob(testImage(2, 2, 1), 1, 1, types.Forward)
	require.NoError(t, err)

	d, _ := startDispatcher(t, coord, out, 5*time.Millisecond)
	d.Kick()
	require.Eventually(t, func() bool { return len(out.assigns(w)) >= 3 }, 2*time.Second, time.Millisecond)
}

func TestUnexpectedMessageDisconnects(t *testing.T) {
	coord := scheduler.New(scheduler.Options{})
	out := newFakeTransport()
	w := coord.RegisterWorker("a", types.Hello{})

	_, in := startDispatcher(t, coord, out, time.Hour)
	in <- types.Envelope{WorkerID: w, Msg: &types.Welcome{WorkerID: "x"}}
	require.Eventually(t, func() bool { return out.wasDisconnected(w) }, time.Second, time.Millisecond)
	require.Empty(t, coord.Progress().Workers)
}
