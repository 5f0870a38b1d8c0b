package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"slices"

	"github.com/cespare/xxhash/v2"

	"tilecast/pkg/types"
)

// Cada frame es [4 bytes big-endian: largo del payload][1 byte: tag][payload].
const (
	HeaderSize          = 5
	DefaultMaxFrameSize = 64 << 20
	DefaultChunkSize    = 64 << 10
)

var (
	ErrFrameTooLarge    = errors.New("tcp: frame exceeds maximum size")
	ErrUnknownTag       = errors.New("tcp: unknown message tag")
	ErrMalformedPayload = errors.New("tcp: malformed payload")
)

// IsProtocolError indica si err es una violación del protocolo (frame inválido),
// a diferencia de un error de I/O de la conexión.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrUnknownTag) || errors.Is(err, ErrMalformedPayload)
}

// Checksum es el hash de contenido que viaja en ASSIGN y RESULT.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Framer lee y escribe frames con un límite de tamaño y lecturas acotadas.
type Framer struct {
	MaxFrameSize uint32
	ChunkSize    int
}

// DefaultFramer usa los límites por defecto.
var DefaultFramer = Framer{MaxFrameSize: DefaultMaxFrameSize, ChunkSize: DefaultChunkSize}

// WriteMessage envía un mensaje con framing (4 bytes + tag + payload)
func WriteMessage(w io.Writer, msg types.Message) error {
	return DefaultFramer.WriteMessage(w, msg)
}

// ReadMessage lee un frame completo usando DefaultFramer.
func ReadMessage(r io.Reader) (types.Message, error) {
	return DefaultFramer.ReadMessage(r)
}

func (f Framer) maxFrame() uint32 {
	if f.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return f.MaxFrameSize
}

func (f Framer) chunk() int {
	if f.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return f.ChunkSize
}

func (f Framer) WriteMessage(w io.Writer, msg types.Message) error {
	payload, err := EncodePayload(msg)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(f.maxFrame()) || uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %s payload of %d bytes", ErrFrameTooLarge, msg.Type(), len(payload))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	header[4] = byte(msg.Type())

	// header y payload sin copiar el payload a un buffer intermedio
	bufs := net.Buffers{header[:], payload}
	_, err = bufs.WriteTo(w)
	return err
}

// ReadMessage lee el header, valida el largo contra MaxFrameSize y luego el
// payload en bloques de ChunkSize, de modo que un largo declarado enorme no
// reserva memoria antes de que lleguen los datos.
func (f Framer) ReadMessage(r io.Reader) (types.Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	tag := types.MessageType(header[4])

	if length > f.maxFrame() {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, length, f.maxFrame())
	}
	if !knownTag(tag) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(tag))
	}

	payload, err := readChunked(r, int(length), f.chunk())
	if err != nil {
		return nil, err
	}
	return DecodePayload(tag, payload)
}

func readChunked(r io.Reader, n, chunk int) ([]byte, error) {
	buf := make([]byte, 0, min(n, chunk))
	for len(buf) < n {
		step := min(n-len(buf), chunk)
		start := len(buf)
		buf = slices.Grow(buf, step)[:start+step]
		if _, err := io.ReadFull(r, buf[start:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return buf, nil
}

func knownTag(t types.MessageType) bool {
	return t >= types.TypeHello && t <= types.TypeError
}
