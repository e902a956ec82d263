package subprocess

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
)

// maxMessageSize guards against a corrupt length prefix.
const maxMessageSize = 64 << 20

var errMessageTooLarge = errors.New("subprocess: message exceeds size limit")

// request is written to the decoder's stdin, one per frame.
type request struct {
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Rotation  int    `msgpack:"rotation"`
	Timestamp string `msgpack:"timestamp"`
}

// response is read from the decoder's stdout.
type response struct {
	Seq    uint64     `msgpack:"seq"`
	Codes  []wireCode `msgpack:"codes"`
	Error  string     `msgpack:"error,omitempty"`
	Timing timing     `msgpack:"timing"`
}

type timing struct {
	TotalMS float64 `msgpack:"total_ms"`
}

// wireCode: box is [x1, y1, x2, y2], corners are 4 (x, y) pairs clockwise from top-left.
type wireCode struct {
	Value     string `msgpack:"value"`
	Symbology string `msgpack:"symbology"`
	Box       []int  `msgpack:"box"`
	Corners   []int  `msgpack:"corners"`
}

func newRequest(frame *framechannel.Frame) request {
	return request{
		Seq:       frame.Seq,
		TraceID:   frame.TraceID,
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Rotation:  frame.Rotation,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
	}
}

func (c wireCode) toCode() (barcode.Code, error) {
	if len(c.Box) != 4 {
		return barcode.Code{}, fmt.Errorf("code %q: box has %d values, want 4", c.Value, len(c.Box))
	}
	code := barcode.Code{
		Value:       c.Value,
		Symbology:   barcode.Symbology(c.Symbology),
		BoundingBox: image.Rect(c.Box[0], c.Box[1], c.Box[2], c.Box[3]),
	}
	switch len(c.Corners) {
	case 8:
		for i := range code.Corners {
			code.Corners[i] = image.Pt(c.Corners[2*i], c.Corners[2*i+1])
		}
	case 0:
		r := code.BoundingBox
		code.Corners = [4]image.Point{r.Min, {X: r.Max.X, Y: r.Min.Y}, r.Max, {X: r.Min.X, Y: r.Max.Y}}
	default:
		return barcode.Code{}, fmt.Errorf("code %q: corners has %d values, want 8", c.Value, len(c.Corners))
	}
	return code, nil
}

// writeMessage writes a 4-byte big-endian length prefix followed by the msgpack payload.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	if len(payload) > maxMessageSize {
		return errMessageTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// Returns io.EOF only when the stream ends cleanly between messages.
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return errMessageTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read payload (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
