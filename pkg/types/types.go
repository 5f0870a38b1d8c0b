package types

import (
	"fmt"
	"strings"
)

// WorkerState representa el estado actual de un worker.
type WorkerState int

const (
	WorkerConnected WorkerState = iota
	WorkerIdle
	WorkerBusy
	WorkerDisconnected
)

func (s WorkerState) String() string {
	switch s {
	case WorkerConnected:
		return "CONNECTED"
	case WorkerIdle:
		return "IDLE"
	case WorkerBusy:
		return "BUSY"
	case WorkerDisconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

func (s WorkerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MessageType es el tag de 1 byte que precede al payload de cada frame.
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeWelcome
	TypeAssign
	TypeAccept
	TypeResult
	TypeHeartbeat
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeAssign:
		return "ASSIGN"
	case TypeAccept:
		return "ACCEPT"
	case TypeResult:
		return "RESULT"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeError:
		return "ERROR"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message es la unión etiquetada de todos los mensajes del protocolo.
// Cada tipo concreto tiene su propio esquema fijo (ver pkg/tcp).
type Message interface {
	Type() MessageType
}

// Direction indica si el worker aplica la transformación o su inversa.
type Direction uint8

const (
	Forward Direction = iota
	Inverse
)

func (d Direction) String() string {
	if d == Inverse {
		return "inverse"
	}
	return "forward"
}

// ParseDirection acepta "forward"/"inverse" (también "encode"/"decode").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "encode", "":
		return Forward, nil
	case "inverse", "decode":
		return Inverse, nil
	}
	return Forward, fmt.Errorf("unknown direction %q", s)
}

// BlockID identifica un bloque por su posición en la grilla.
type BlockID struct {
	Row int
	Col int
}

func (b BlockID) String() string { return fmt.Sprintf("(%d,%d)", b.Row, b.Col) }

// Rect es la geometría semiabierta [X0,X1) x [Y0,Y1) de un bloque, en píxeles.
type Rect struct {
	X0, Y0, X1, Y1 int
}

func (r Rect) Width() int  { return r.X1 - r.X0 }
func (r Rect) Height() int { return r.Y1 - r.Y0 }
func (r Rect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// Overlaps indica si dos rectángulos comparten al menos un píxel.
func (r Rect) Overlaps(o Rect) bool {
	return r.X0 < o.X1 && o.X0 < r.X1 && r.Y0 < o.Y1 && o.Y0 < r.Y1
}

// Image es el buffer decodificado que entrega el colaborador de I/O:
// filas contiguas de Width*Channels bytes.
type Image struct {
	Pix      []byte
	Height   int
	Width    int
	Channels int
}

func (img Image) Stride() int { return img.Width * img.Channels }

// Validate comprueba que el buffer tenga exactamente H*W*C bytes.
func (img Image) Validate() error {
	if img.Height <= 0 || img.Width <= 0 || img.Channels <= 0 {
		return fmt.Errorf("image: invalid dimensions %dx%dx%d", img.Height, img.Width, img.Channels)
	}
	if want := img.Height * img.Width * img.Channels; len(img.Pix) != want {
		return fmt.Errorf("image: buffer has %d bytes, want %d", len(img.Pix), want)
	}
	return nil
}

// ---- PAYLOADS ----

// Hello se envía cuando un worker se conecta al coordinador.
type Hello struct {
	Capabilities string // opcional, "clave=valor;..."
}

// Welcome es la respuesta del coordinador al HELLO, con el ID asignado.
type Welcome struct {
	WorkerID string
}

// Assign entrega un bloque a un worker.
type Assign struct {
	Block     BlockID
	Rect      Rect
	Direction Direction
	Checksum  uint64
	Data      []byte
}

// Accept confirma que el worker empezó a procesar el bloque.
type Accept struct {
	Block BlockID
}

// Result es la respuesta que el worker envía al coordinador tras procesar un bloque.
// Checksum es el de la entrada sobre la que operó, no el de la salida.
type Result struct {
	Block    BlockID
	Checksum uint64
	Duration int64 // nanosegundos medidos por el worker
	Data     []byte
}

// Heartbeat mantiene viva la conexión.
type Heartbeat struct{}

// Error reporta un fallo local del worker, opcionalmente asociado a un bloque.
type Error struct {
	HasBlock bool
	Block    BlockID
	Reason   string
}

func (Hello) Type() MessageType     { return TypeHello }
func (Welcome) Type() MessageType   { return TypeWelcome }
func (Assign) Type() MessageType    { return TypeAssign }
func (Accept) Type() MessageType    { return TypeAccept }
func (Result) Type() MessageType    { return TypeResult }
func (Heartbeat) Type() MessageType { return TypeHeartbeat }
func (Error) Type() MessageType     { return TypeError }

// Razones estándar en mensajes ERROR.
const (
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonTransformFailed  = "transform_failed"
	ReasonUnsupported      = "unsupported"
)

// Envelope asocia un mensaje recibido con el ID del worker que lo envió.
// Si Err no es nil la conexión se cerró y Msg es nil.
type Envelope struct {
	WorkerID string
	Msg      Message
	Err      error
}
