package tcp

import (
	"encoding/binary"
	"fmt"
	"math"

	"tilecast/pkg/types"
)

// EncodePayload serializa el payload de un mensaje según el esquema fijo de su tipo.
func EncodePayload(msg types.Message) ([]byte, error) {
	var e encoder
	switch m := msg.(type) {
	case types.Hello:
		e.str(m.Capabilities)
	case *types.Hello:
		e.str(m.Capabilities)
	case types.Welcome:
		e.str(m.WorkerID)
	case *types.Welcome:
		e.str(m.WorkerID)
	case types.Assign:
		e.assign(&m)
	case *types.Assign:
		e.assign(m)
	case types.Accept:
		e.blockID(m.Block)
	case *types.Accept:
		e.blockID(m.Block)
	case types.Result:
		e.result(&m)
	case *types.Result:
		e.result(m)
	case types.Heartbeat, *types.Heartbeat:
	case types.Error:
		e.errorMsg(&m)
	case *types.Error:
		e.errorMsg(m)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownTag, msg)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// DecodePayload reconstruye el mensaje tipado. Los slices de datos apuntan
// al buffer recibido, que pasa a ser propiedad del mensaje.
func DecodePayload(tag types.MessageType, payload []byte) (types.Message, error) {
	d := decoder{b: payload}
	var msg types.Message
	switch tag {
	case types.TypeHello:
		msg = &types.Hello{Capabilities: d.str()}
	case types.TypeWelcome:
		msg = &types.Welcome{WorkerID: d.str()}
	case types.TypeAssign:
		m := &types.Assign{}
		m.Block = d.blockID()
		m.Rect = d.rect()
		m.Direction = types.Direction(d.u8())
		m.Checksum = d.u64()
		m.Data = d.bytes()
		if m.Direction > types.Inverse {
			d.fail("direction %d", m.Direction)
		}
		msg = m
	case types.TypeAccept:
		msg = &types.Accept{Block: d.blockID()}
	case types.TypeResult:
		m := &types.Result{}
		m.Block = d.blockID()
		m.Checksum = d.u64()
		m.Duration = int64(d.u64())
		m.Data = d.bytes()
		msg = m
	case types.TypeHeartbeat:
		msg = &types.Heartbeat{}
	case types.TypeError:
		m := &types.Error{}
		switch d.u8() {
		case 0:
		case 1:
			m.HasBlock = true
			m.Block = d.blockID()
		default:
			d.fail("block presence flag")
		}
		m.Reason = d.str()
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(tag))
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return msg, nil
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *encoder) u32(v int) {
	if v < 0 || uint64(v) > math.MaxUint32 {
		if e.err == nil {
			e.err = fmt.Errorf("%w: value %d out of uint32 range", ErrMalformedPayload, v)
		}
		return
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) bytes(b []byte) {
	e.u32(len(b))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) {
	e.u32(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) blockID(b types.BlockID) {
	e.u32(b.Row)
	e.u32(b.Col)
}

func (e *encoder) rect(r types.Rect) {
	e.u32(r.X0)
	e.u32(r.Y0)
	e.u32(r.X1)
	e.u32(r.Y1)
}

func (e *encoder) assign(m *types.Assign) {
	e.buf = make([]byte, 0, 8+16+1+8+4+len(m.Data))
	e.blockID(m.Block)
	e.rect(m.Rect)
	e.u8(uint8(m.Direction))
	e.u64(m.Checksum)
	e.bytes(m.Data)
}

func (e *encoder) result(m *types.Result) {
	e.buf = make([]byte, 0, 8+8+8+4+len(m.Data))
	e.blockID(m.Block)
	e.u64(m.Checksum)
	e.u64(uint64(m.Duration))
	e.bytes(m.Data)
}

func (e *encoder) errorMsg(m *types.Error) {
	if m.HasBlock {
		e.u8(1)
		e.blockID(m.Block)
	} else {
		e.u8(0)
	}
	e.str(m.Reason)
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.b) {
		d.fail("need %d bytes, have %d", n, len(d.b))
		return nil
	}
	out := d.b[:n:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() int {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	return d.take(n)
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) blockID() types.BlockID {
	return types.BlockID{Row: d.u32(), Col: d.u32()}
}

func (d *decoder) rect() types.Rect {
	return types.Rect{X0: d.u32(), Y0: d.u32(), X1: d.u32(), Y1: d.u32()}
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.b) != 0 {
		d.fail("%d trailing bytes", len(d.b))
	}
	return d.err
}
